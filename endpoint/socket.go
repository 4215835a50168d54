package endpoint

import (
	"errors"
	"io"
	"net"
	"sync"

	ncerr "tlsnc/internal/errors"
	"tlsnc/util"
)

// DefaultSocketBuffer bounds the bytes a Socket buffers per direction.
const DefaultSocketBuffer = 64 * 1024

// Socket is a non-blocking Endpoint over a blocking net.Conn.
//
// A reader goroutine pulls bytes into an inbound buffer and a writer
// goroutine drains an outbound one; Fill and Flush only touch the
// buffers.  Both are bounded, so a slow consumer pushes back on the
// connection instead of growing memory.
type Socket struct {
	conn  net.Conn
	exec  Executor
	limit int

	mu      sync.Mutex
	readOK  *sync.Cond // inbound has room, or closed
	writeOK *sync.Cond // outbound has bytes, shutdown requested, or closed

	in     []byte
	inErr  error
	readCb Callback

	out      []byte
	queued   int64 // total bytes accepted for writing
	written  int64 // total bytes the connection took
	writeCb  Callback
	writeEnd int64 // queued count that completes writeCb
	outErr   error

	outShut  bool
	shutDone bool
	closed   bool
}

// NewSocket starts the reader and writer goroutines for conn.
// limit <= 0 selects DefaultSocketBuffer.
func NewSocket(conn net.Conn, exec Executor, limit int) *Socket {
	if exec == nil {
		exec = GoExecutor{}
	}
	if limit <= 0 {
		limit = DefaultSocketBuffer
	}
	s := &Socket{conn: conn, exec: exec, limit: limit}
	s.readOK = sync.NewCond(&s.mu)
	s.writeOK = sync.NewCond(&s.mu)
	go s.readLoop()
	go s.writeLoop()
	return s
}

// Conn returns the underlying connection.
func (s *Socket) Conn() net.Conn { return s.conn }

func (s *Socket) Fill(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ncerr.ErrClosed
	}
	if len(s.in) == 0 {
		if s.inErr != nil {
			return 0, s.inErr
		}
		return 0, nil
	}
	n := copy(p, s.in)
	s.in = s.in[n:]
	if len(s.in) == 0 {
		s.in = s.in[:0:0]
	}
	s.readOK.Signal()
	return n, nil
}

func (s *Socket) Flush(bufs ...[]byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return 0, err
	}
	return s.queue(bufs, s.limit-int(s.queued-s.written)), nil
}

func (s *Socket) FillInterested(cb Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		s.exec.Execute(func() { cb.Failed(ncerr.ErrClosed) })
	case s.readCb != nil:
		return ncerr.ErrReadPending
	case len(s.in) > 0 || errors.Is(s.inErr, io.EOF):
		s.exec.Execute(cb.Succeeded)
	case s.inErr != nil:
		err := s.inErr
		s.exec.Execute(func() { cb.Failed(err) })
	default:
		s.readCb = cb
	}
	return nil
}

// Write queues all of bufs regardless of the buffer limit; the
// callback completes once the connection has taken the last byte.
func (s *Socket) Write(cb Callback, bufs ...[]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeCb != nil {
		return ncerr.ErrWritePending
	}
	if err := s.writable(); err != nil {
		s.exec.Execute(func() { cb.Failed(err) })
		return nil
	}
	s.queue(bufs, remaining(bufs))
	if s.written >= s.queued {
		s.exec.Execute(cb.Succeeded)
		return nil
	}
	s.writeCb = cb
	s.writeEnd = s.queued
	return nil
}

func (s *Socket) ShutdownOutput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.outShut && !s.closed {
		s.outShut = true
		s.writeOK.Signal()
	}
	return nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	readCb, writeCb := s.readCb, s.writeCb
	s.readCb, s.writeCb = nil, nil
	s.in, s.out = nil, nil
	s.readOK.Broadcast()
	s.writeOK.Broadcast()
	s.mu.Unlock()

	err := s.conn.Close()
	if readCb != nil {
		s.exec.Execute(func() { readCb.Failed(ncerr.ErrClosed) })
	}
	if writeCb != nil {
		s.exec.Execute(func() { writeCb.Failed(ncerr.ErrClosed) })
	}
	return err
}

func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Socket) IsInputShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.inErr != nil
}

func (s *Socket) IsOutputShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.outShut
}

func (s *Socket) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *Socket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *Socket) writable() error {
	switch {
	case s.closed:
		return ncerr.ErrClosed
	case s.outErr != nil:
		return s.outErr
	case s.outShut:
		return ncerr.Wrap("write", s.conn.RemoteAddr().String(), io.ErrClosedPipe)
	}
	return nil
}

// queue copies up to max bytes of bufs into the outbound buffer.
func (s *Socket) queue(bufs [][]byte, max int) int {
	n := 0
	for _, b := range bufs {
		if n >= max {
			break
		}
		take := max - n
		if take > len(b) {
			take = len(b)
		}
		s.out = append(s.out, b[:take]...)
		n += take
	}
	if n > 0 {
		s.queued += int64(n)
		s.writeOK.Signal()
	}
	return n
}

// ── goroutines ───────────────────────────────────────────────────────

func (s *Socket) readLoop() {
	buf := make([]byte, util.DefaultBufSize)
	for {
		n, err := s.conn.Read(buf)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.in = append(s.in, buf[:n]...)
		if err != nil {
			if isEOF(err) {
				err = io.EOF
			}
			s.inErr = err
		}
		cb := s.readCb
		s.readCb = nil
		if cb != nil {
			if err != nil && err != io.EOF && len(s.in) == 0 {
				s.exec.Execute(func() { cb.Failed(err) })
			} else {
				s.exec.Execute(cb.Succeeded)
			}
		}
		for err == nil && len(s.in) >= s.limit && !s.closed {
			s.readOK.Wait()
		}
		done := err != nil || s.closed
		s.mu.Unlock()

		if done {
			return
		}
	}
}

func (s *Socket) writeLoop() {
	for {
		s.mu.Lock()
		for len(s.out) == 0 && !s.closed && !(s.outShut && !s.shutDone) {
			s.writeOK.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.out) == 0 {
			s.shutDone = true
			s.mu.Unlock()
			if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
				cw.CloseWrite() //nolint:errcheck
			}
			return
		}
		chunk := s.out
		s.out = nil
		s.mu.Unlock()

		n, err := s.conn.Write(chunk)

		s.mu.Lock()
		s.written += int64(n)
		var cb Callback
		if err != nil {
			s.outErr = ncerr.Wrap("write", s.conn.RemoteAddr().String(), err)
			cb, s.writeCb = s.writeCb, nil
			err = s.outErr
		} else if s.writeCb != nil && s.written >= s.writeEnd {
			cb, s.writeCb = s.writeCb, nil
		}
		s.mu.Unlock()

		if cb != nil {
			if err != nil {
				s.exec.Execute(func() { cb.Failed(err) })
			} else {
				s.exec.Execute(cb.Succeeded)
			}
		}
		if err != nil {
			return
		}
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
