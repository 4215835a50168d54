package endpoint

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ncerr "tlsnc/internal/errors"
)

// result is a Callback that records its outcome on a channel.
type result chan error

func newResult() result { return make(result, 1) }

func (r result) Succeeded()       { r <- nil }
func (r result) Failed(err error) { r <- err }

func (r result) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("callback never completed")
		return nil
	}
}

func (r result) pending(t *testing.T) {
	t.Helper()
	select {
	case err := <-r:
		t.Fatalf("callback completed early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func fillAll(t *testing.T, ep Endpoint) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 1024)
	for {
		n, err := ep.Fill(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		if n == 0 {
			r := newResult()
			require.NoError(t, ep.FillInterested(r))
			require.NoError(t, r.wait(t))
		}
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func TestAdvance(t *testing.T) {
	bufs := [][]byte{[]byte("ab"), []byte("cde"), []byte("f")}
	assert.Equal(t, [][]byte{[]byte("de"), []byte("f")}, advance(bufs, 3))
	assert.Equal(t, [][]byte{[]byte("f")}, advance(bufs, 5))
	assert.Empty(t, advance(bufs, 6))
	assert.Equal(t, 6, remaining(bufs))
	assert.Equal(t, []byte("ab"), bufs[0], "advance must not modify its input")

	dst := make([]byte, 4)
	assert.Equal(t, 4, gather(dst, bufs))
	assert.Equal(t, []byte("abcd"), dst)
}

func TestNewCallback_NilFuncs(t *testing.T) {
	cb := NewCallback(nil, nil)
	cb.Succeeded()
	cb.Failed(io.EOF)
	Noop.Succeeded()
	Noop.Failed(io.EOF)
}

// ── pipe ─────────────────────────────────────────────────────────────

func TestPipe_FillFlush(t *testing.T) {
	a, b := NewPipe(nil, 0)

	n, err := b.Fill(make([]byte, 8))
	require.NoError(t, err)
	assert.Zero(t, n, "nothing available yet")

	n, err = a.Flush([]byte("hel"), []byte("lo"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, b.Buffered())

	buf := make([]byte, 8)
	n, err = b.Fill(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, addr("pipe-a"), a.LocalAddr())
	assert.Equal(t, addr("pipe-a"), b.RemoteAddr())
}

func TestPipe_FillInterest(t *testing.T) {
	a, b := NewPipe(nil, 0)

	r := newResult()
	require.NoError(t, b.FillInterested(r))
	assert.ErrorIs(t, b.FillInterested(newResult()), ncerr.ErrReadPending)
	r.pending(t)

	_, err := a.Flush([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, r.wait(t))

	// already readable: completes without waiting for another flush
	r = newResult()
	require.NoError(t, b.FillInterested(r))
	require.NoError(t, r.wait(t))
}

func TestPipe_CapacityBackpressure(t *testing.T) {
	a, b := NewPipe(nil, 4)

	n, err := a.Flush([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 4, n, "flush takes only what fits")

	w := newResult()
	require.NoError(t, a.Write(w, []byte("gh")))
	assert.ErrorIs(t, a.Write(newResult(), []byte("x")), ncerr.ErrWritePending)
	w.pending(t)

	buf := make([]byte, 4)
	n, err = b.Fill(buf)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))
	require.NoError(t, w.wait(t))

	n, err = b.Fill(buf)
	require.NoError(t, err)
	assert.Equal(t, "gh", string(buf[:n]))
}

func TestPipe_ShutdownOutput(t *testing.T) {
	a, b := NewPipe(nil, 2)

	w := newResult()
	require.NoError(t, a.Write(w, []byte("data")))
	require.NoError(t, a.ShutdownOutput())
	assert.True(t, a.IsOutputShutdown())
	assert.False(t, b.IsInputShutdown(), "EOF waits for the pending write")

	_, err := a.Flush([]byte("more"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	assert.Equal(t, []byte("data"), fillAll(t, b))
	require.NoError(t, w.wait(t))
	assert.True(t, b.IsInputShutdown())

	// the other direction still works
	_, err = b.Flush([]byte("ok"))
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, _ := a.Fill(buf)
	assert.Equal(t, "ok", string(buf[:n]))
}

func TestPipe_Close(t *testing.T) {
	a, b := NewPipe(nil, 1)

	w := newResult()
	require.NoError(t, b.Write(w, []byte("xyz")))
	rb := newResult()
	require.NoError(t, b.FillInterested(rb))

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, w.wait(t), io.ErrClosedPipe)
	require.NoError(t, rb.wait(t), "the survivor is woken")
	assert.False(t, a.IsOpen())
	assert.True(t, a.IsInputShutdown())
	assert.True(t, a.IsOutputShutdown())

	_, err := a.Fill(make([]byte, 1))
	assert.ErrorIs(t, err, ncerr.ErrClosed)
	_, err = b.Flush([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Empty(t, fillAll(t, b))

	r := newResult()
	require.NoError(t, a.FillInterested(r))
	assert.ErrorIs(t, r.wait(t), ncerr.ErrClosed)
}

func TestPipe_CloseFailsOwnInterest(t *testing.T) {
	a, _ := NewPipe(nil, 0)

	r := newResult()
	require.NoError(t, a.FillInterested(r))
	require.NoError(t, a.Close())
	assert.ErrorIs(t, r.wait(t), net.ErrClosed)
}

// ── read interest ────────────────────────────────────────────────────

func TestReadInterest(t *testing.T) {
	var ready atomic.Bool
	ri := NewReadInterest(nil, func() (bool, error) { return ready.Load(), nil })

	r := newResult()
	require.NoError(t, ri.Register(r))
	assert.True(t, ri.IsInterested())
	assert.ErrorIs(t, ri.Register(newResult()), ncerr.ErrReadPending)
	r.pending(t)

	assert.True(t, ri.Readable())
	require.NoError(t, r.wait(t))
	assert.False(t, ri.IsInterested())
	assert.False(t, ri.Readable(), "nothing registered")

	ready.Store(true)
	r = newResult()
	require.NoError(t, ri.Register(r))
	require.NoError(t, r.wait(t))
}

func TestReadInterest_ProbeError(t *testing.T) {
	boom := errors.New("boom")
	ri := NewReadInterest(nil, func() (bool, error) { return false, boom })

	r := newResult()
	require.NoError(t, ri.Register(r))
	assert.ErrorIs(t, r.wait(t), boom)
	assert.False(t, ri.Failed(boom))
}

// ── write flusher ────────────────────────────────────────────────────

// sink accepts at most room bytes per flush.
type sink struct {
	mu   sync.Mutex
	room int
	got  bytes.Buffer
	err  error
}

func (s *sink) flush(bufs ...[]byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	n := 0
	for _, b := range bufs {
		take := s.room - n
		if take <= 0 {
			break
		}
		if take > len(b) {
			take = len(b)
		}
		s.got.Write(b[:take])
		n += take
	}
	return n, nil
}

func (s *sink) set(room int) {
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()
}

func TestWriteFlusher_CompletesOverAttempts(t *testing.T) {
	s := &sink{room: 3}
	var incomplete atomic.Int32
	wf := NewWriteFlusher(nil, s.flush, func() { incomplete.Add(1) })

	r := newResult()
	require.NoError(t, wf.Write(r, []byte("hello"), []byte(" world")))
	assert.True(t, wf.IsWritePending())
	assert.Equal(t, int32(1), incomplete.Load())
	assert.ErrorIs(t, wf.Write(newResult(), []byte("x")), ncerr.ErrWritePending)

	wf.CompleteWrite()
	require.Eventually(t, func() bool { return incomplete.Load() == 2 }, time.Second, time.Millisecond)

	s.set(100)
	wf.CompleteWrite()
	require.NoError(t, r.wait(t))
	assert.Equal(t, "hello world", s.got.String())
	assert.False(t, wf.IsWritePending())
}

func TestWriteFlusher_FlushError(t *testing.T) {
	boom := errors.New("broken")
	wf := NewWriteFlusher(nil, (&sink{err: boom}).flush, nil)

	r := newResult()
	require.NoError(t, wf.Write(r, []byte("x")))
	assert.ErrorIs(t, r.wait(t), boom)
	assert.False(t, wf.IsWritePending())
}

func TestWriteFlusher_Failed(t *testing.T) {
	wf := NewWriteFlusher(nil, (&sink{}).flush, nil)

	r := newResult()
	require.NoError(t, wf.Write(r, []byte("stuck")))
	assert.True(t, wf.Failed(ncerr.ErrClosed))
	assert.ErrorIs(t, r.wait(t), ncerr.ErrClosed)
	assert.False(t, wf.Failed(ncerr.ErrClosed))

	// a fresh write is accepted after the failure
	require.NoError(t, wf.Write(newResult(), []byte("again")))
}

// ── conn ─────────────────────────────────────────────────────────────

func TestConn_ReadWrite(t *testing.T) {
	a, b := NewPipe(nil, 16)
	ca, cb := NewConn(a), NewConn(b)
	defer ca.Close()
	defer cb.Close()

	payload := bytes.Repeat([]byte("x"), 1000)
	go func() {
		ca.Write(payload) //nolint:errcheck
		ca.CloseWrite()   //nolint:errcheck
	}()

	got, err := io.ReadAll(cb)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, Endpoint(b), cb.Endpoint())
}

func TestConn_ReadDeadline(t *testing.T) {
	a, b := NewPipe(nil, 0)
	ca, cb := NewConn(a), NewConn(b)
	defer ca.Close()
	defer cb.Close()

	require.NoError(t, cb.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, err := cb.Read(make([]byte, 4))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	// the interest registered before the timeout is reused
	require.NoError(t, cb.SetReadDeadline(time.Time{}))
	go ca.Write([]byte("late")) //nolint:errcheck
	buf := make([]byte, 4)
	n, err := cb.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "late", string(buf[:n]))
}

func TestConn_WriteDeadline(t *testing.T) {
	a, b := NewPipe(nil, 2)
	ca := NewConn(a)
	defer ca.Close()

	require.NoError(t, ca.SetWriteDeadline(time.Now().Add(20*time.Millisecond)))
	_, err := ca.Write([]byte("too much"))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	// draining the peer lets the earlier write finish first
	go fillAllQuiet(b)
	require.NoError(t, ca.SetWriteDeadline(time.Time{}))
	n, err := ca.Write([]byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func fillAllQuiet(ep Endpoint) {
	buf := make([]byte, 64)
	for {
		n, err := ep.Fill(buf)
		if err != nil {
			return
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

func TestConn_CloseUnblocksRead(t *testing.T) {
	a, _ := NewPipe(nil, 0)
	c := NewConn(a)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Read(make([]byte, 1))
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Read not unblocked by Close")
	}
}

// ── socket ───────────────────────────────────────────────────────────

func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestSocket_WriteAndFill(t *testing.T) {
	c, peer := tcpPair(t)
	s := NewSocket(c, nil, 0)
	defer s.Close()

	w := newResult()
	require.NoError(t, s.Write(w, []byte("ping")))
	require.NoError(t, w.wait(t))

	buf := make([]byte, 4)
	_, err := io.ReadFull(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = peer.Write([]byte("pong"))
	require.NoError(t, err)
	peer.(*net.TCPConn).CloseWrite() //nolint:errcheck

	assert.Equal(t, []byte("pong"), fillAll(t, s))
	assert.True(t, s.IsInputShutdown())
	assert.Equal(t, c, s.Conn())
}

func TestSocket_ShutdownOutput(t *testing.T) {
	c, peer := tcpPair(t)
	s := NewSocket(c, nil, 0)
	defer s.Close()

	n, err := s.Flush([]byte("last words"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	require.NoError(t, s.ShutdownOutput())
	assert.True(t, s.IsOutputShutdown())

	_, err = s.Flush([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	peer.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	got, err := io.ReadAll(peer)
	require.NoError(t, err)
	assert.Equal(t, "last words", string(got))
	assert.True(t, s.IsOpen(), "input is still open")
}

func TestSocket_FlushRespectsLimit(t *testing.T) {
	c, _ := tcpPair(t)
	s := NewSocket(c, nil, 8)
	defer s.Close()

	n, err := s.Flush(bytes.Repeat([]byte("a"), 100))
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 8)
}

func TestSocket_CloseFailsInterest(t *testing.T) {
	c, _ := tcpPair(t)
	s := NewSocket(c, nil, 0)

	r := newResult()
	require.NoError(t, s.FillInterested(r))
	assert.ErrorIs(t, s.FillInterested(newResult()), ncerr.ErrReadPending)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, r.wait(t), net.ErrClosed)
	assert.False(t, s.IsOpen())

	w := newResult()
	require.NoError(t, s.Write(w, []byte("x")))
	assert.ErrorIs(t, w.wait(t), net.ErrClosed)
}

// ── executors ────────────────────────────────────────────────────────

func TestPoolExecutor(t *testing.T) {
	e := NewPoolExecutor()
	defer e.Release()

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		e.Execute(func() {
			defer wg.Done()
			ran.Add(1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(50), ran.Load())
	assert.GreaterOrEqual(t, e.Running(), 0)
}

func TestGoExecutor(t *testing.T) {
	done := make(chan struct{})
	GoExecutor{}.Execute(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}
