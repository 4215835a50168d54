package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/panjf2000/gnet/v2"

	"tlsnc/endpoint"
	ncerr "tlsnc/internal/errors"
	"tlsnc/util"
)

// ── event loop ───────────────────────────────────────────────────────

// EventLoop accepts TCP connections on gnet event loops and hands each
// one to Accept as a non-blocking endpoint.  Accept runs on the
// executor, never on an event loop goroutine.
type EventLoop struct {
	gnet.BuiltinEventEngine

	Addr      string // host:port
	Multicore bool
	Limit     int // per-direction buffer bound, 0 = endpoint.DefaultSocketBuffer
	Executor  endpoint.Executor
	Logger    *util.Logger
	Accept    func(*GnetEndpoint)

	eng    gnet.Engine
	booted chan struct{}
	once   sync.Once
}

func (l *EventLoop) init() {
	l.once.Do(func() {
		l.booted = make(chan struct{})
		if l.Executor == nil {
			l.Executor = endpoint.GoExecutor{}
		}
		if l.Limit <= 0 {
			l.Limit = endpoint.DefaultSocketBuffer
		}
	})
}

// Booted is closed once the listener is up.
func (l *EventLoop) Booted() <-chan struct{} {
	l.init()
	return l.booted
}

// Run serves until ctx is cancelled or the engine fails to start.
func (l *EventLoop) Run(ctx context.Context) error {
	l.init()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
			return
		case <-l.booted:
		}
		select {
		case <-done:
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := l.eng.Stop(stopCtx); err != nil {
				l.Logger.Debug("gnet stop: %v", err)
			}
		}
	}()

	err := gnet.Run(l, "tcp://"+l.Addr,
		gnet.WithMulticore(l.Multicore),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithLogger(gnetLogger{l.Logger}),
	)
	if err != nil && ctx.Err() == nil {
		return ncerr.Wrap("listen", l.Addr, err)
	}
	return nil
}

func (l *EventLoop) OnBoot(eng gnet.Engine) gnet.Action {
	l.eng = eng
	l.Logger.Verbose("listening on %s (event loop)", l.Addr)
	close(l.booted)
	return gnet.None
}

func (l *EventLoop) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	ep := newGnetEndpoint(c, l.Executor, l.Limit)
	c.SetContext(ep)
	l.Logger.Verbose("connection from %s", ep.remote)
	if l.Accept != nil {
		l.Executor.Execute(func() { l.Accept(ep) })
	}
	return nil, gnet.None
}

func (l *EventLoop) OnTraffic(c gnet.Conn) gnet.Action {
	ep, ok := c.Context().(*GnetEndpoint)
	if !ok {
		return gnet.Close
	}
	return ep.onTraffic(c)
}

func (l *EventLoop) OnClose(c gnet.Conn, err error) gnet.Action {
	if ep, ok := c.Context().(*GnetEndpoint); ok {
		ep.onClose(err)
	}
	return gnet.None
}

// ── endpoint ─────────────────────────────────────────────────────────

// GnetEndpoint is an endpoint.Endpoint over a gnet connection.
//
// Inbound bytes are copied out of gnet's buffer in OnTraffic, up to
// the limit; the rest stays with gnet until Fill drains enough and the
// connection is woken again.  Writes are copied and handed to
// AsyncWritev, and complete when the event loop reports them written.
//
// gnet closes a connection when the peer half-closes, so input EOF
// also ends the output side.
type GnetEndpoint struct {
	c      gnet.Conn
	exec   endpoint.Executor
	limit  int
	local  net.Addr
	remote net.Addr

	mu        sync.Mutex
	in        []byte
	inErr     error
	throttled bool
	readCb    endpoint.Callback

	queued   int64
	written  int64
	writeCb  endpoint.Callback
	writeEnd int64
	outErr   error
	outShut  bool
	shutDone bool

	gone   bool // gnet closed the connection
	closed bool // Close was called
}

var _ endpoint.Endpoint = (*GnetEndpoint)(nil)

func newGnetEndpoint(c gnet.Conn, exec endpoint.Executor, limit int) *GnetEndpoint {
	return &GnetEndpoint{
		c:      c,
		exec:   exec,
		limit:  limit,
		local:  c.LocalAddr(),
		remote: c.RemoteAddr(),
	}
}

// onTraffic runs on the event loop.  Slices from Next are only valid
// until it returns.
func (e *GnetEndpoint) onTraffic(c gnet.Conn) gnet.Action {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return gnet.Close
	}
	n := c.InboundBuffered()
	if space := e.limit - len(e.in); n > space {
		n = space
	}
	if n > 0 {
		buf, err := c.Next(n)
		if err != nil {
			e.mu.Unlock()
			return gnet.Close
		}
		e.in = append(e.in, buf...)
	}
	e.throttled = c.InboundBuffered() > 0
	cb := e.readCb
	if len(e.in) > 0 {
		e.readCb = nil
	} else {
		cb = nil
	}
	e.mu.Unlock()

	if cb != nil {
		e.exec.Execute(cb.Succeeded)
	}
	return gnet.None
}

func (e *GnetEndpoint) onClose(err error) {
	e.mu.Lock()
	e.gone = true
	if err == nil || isEOF(err) {
		e.inErr = io.EOF
	} else {
		e.inErr = ncerr.Wrap("read", e.remote.String(), err)
	}
	if e.outErr == nil {
		e.outErr = ncerr.Wrap("write", e.remote.String(), net.ErrClosed)
	}
	readCb, writeCb := e.readCb, e.writeCb
	e.readCb, e.writeCb = nil, nil
	inErr, outErr := e.inErr, e.outErr
	e.mu.Unlock()

	if readCb != nil {
		if inErr == io.EOF {
			e.exec.Execute(readCb.Succeeded)
		} else {
			e.exec.Execute(func() { readCb.Failed(inErr) })
		}
	}
	if writeCb != nil {
		e.exec.Execute(func() { writeCb.Failed(outErr) })
	}
}

func (e *GnetEndpoint) Fill(p []byte) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ncerr.ErrClosed
	}
	if len(e.in) == 0 {
		err := e.inErr
		e.mu.Unlock()
		return 0, err
	}
	n := copy(p, e.in)
	e.in = e.in[n:]
	if len(e.in) == 0 {
		e.in = nil
	}
	wake := e.throttled && !e.gone
	e.throttled = false
	e.mu.Unlock()

	if wake {
		// pull what gnet kept back
		e.c.Wake(nil) //nolint:errcheck
	}
	return n, nil
}

func (e *GnetEndpoint) Flush(bufs ...[]byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.writable(); err != nil {
		return 0, err
	}
	return e.send(bufs, e.limit-int(e.queued-e.written))
}

func (e *GnetEndpoint) FillInterested(cb endpoint.Callback) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed:
		e.exec.Execute(func() { cb.Failed(ncerr.ErrClosed) })
	case e.readCb != nil:
		return ncerr.ErrReadPending
	case len(e.in) > 0 || e.inErr == io.EOF:
		e.exec.Execute(cb.Succeeded)
	case e.inErr != nil:
		err := e.inErr
		e.exec.Execute(func() { cb.Failed(err) })
	default:
		e.readCb = cb
	}
	return nil
}

func (e *GnetEndpoint) Write(cb endpoint.Callback, bufs ...[]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.writeCb != nil {
		return ncerr.ErrWritePending
	}
	if err := e.writable(); err != nil {
		e.exec.Execute(func() { cb.Failed(err) })
		return nil
	}
	if _, err := e.send(bufs, -1); err != nil {
		e.exec.Execute(func() { cb.Failed(err) })
		return nil
	}
	if e.written >= e.queued {
		e.exec.Execute(cb.Succeeded)
		return nil
	}
	e.writeCb = cb
	e.writeEnd = e.queued
	return nil
}

func (e *GnetEndpoint) ShutdownOutput() error {
	e.mu.Lock()
	if e.outShut || e.closed || e.gone {
		e.mu.Unlock()
		return nil
	}
	e.outShut = true
	shut := e.written == e.queued
	if shut {
		e.shutDone = true
	}
	e.mu.Unlock()

	if shut {
		return e.shutdownWrite()
	}
	return nil
}

func (e *GnetEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	readCb, writeCb := e.readCb, e.writeCb
	e.readCb, e.writeCb = nil, nil
	e.in = nil
	gone := e.gone
	e.mu.Unlock()

	var err error
	if !gone {
		err = e.c.CloseWithCallback(nil)
	}
	if readCb != nil {
		e.exec.Execute(func() { readCb.Failed(ncerr.ErrClosed) })
	}
	if writeCb != nil {
		e.exec.Execute(func() { writeCb.Failed(ncerr.ErrClosed) })
	}
	return err
}

func (e *GnetEndpoint) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed && !e.gone
}

func (e *GnetEndpoint) IsInputShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed || e.inErr != nil
}

func (e *GnetEndpoint) IsOutputShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed || e.gone || e.outShut
}

func (e *GnetEndpoint) LocalAddr() net.Addr  { return e.local }
func (e *GnetEndpoint) RemoteAddr() net.Addr { return e.remote }

func (e *GnetEndpoint) String() string {
	return fmt.Sprintf("gnet@%s", e.remote)
}

func (e *GnetEndpoint) writable() error {
	switch {
	case e.closed:
		return ncerr.ErrClosed
	case e.outErr != nil:
		return e.outErr
	case e.outShut:
		return ncerr.Wrap("write", e.remote.String(), io.ErrClosedPipe)
	}
	return nil
}

// send copies up to max bytes of bufs (all when max < 0) and queues
// them on the event loop.  Called with e.mu held.
func (e *GnetEndpoint) send(bufs [][]byte, max int) (int, error) {
	var parts [][]byte
	n := 0
	for _, b := range bufs {
		if max >= 0 && n >= max {
			break
		}
		take := len(b)
		if max >= 0 && take > max-n {
			take = max - n
		}
		if take == 0 {
			continue
		}
		parts = append(parts, append([]byte(nil), b[:take]...))
		n += take
	}
	if n == 0 {
		return 0, nil
	}

	err := e.c.AsyncWritev(parts, func(_ gnet.Conn, err error) error {
		e.wrote(n, err)
		return nil
	})
	if err != nil {
		e.outErr = ncerr.Wrap("write", e.remote.String(), err)
		return 0, e.outErr
	}
	e.queued += int64(n)
	return n, nil
}

// wrote runs on the event loop when an AsyncWritev batch completes.
func (e *GnetEndpoint) wrote(n int, err error) {
	e.mu.Lock()
	var cb endpoint.Callback
	if err != nil {
		if e.outErr == nil {
			e.outErr = ncerr.Wrap("write", e.remote.String(), err)
		}
		err = e.outErr
		cb, e.writeCb = e.writeCb, nil
	} else {
		e.written += int64(n)
		if e.writeCb != nil && e.written >= e.writeEnd {
			cb, e.writeCb = e.writeCb, nil
		}
	}
	shut := err == nil && e.outShut && !e.shutDone && e.written == e.queued
	if shut {
		e.shutDone = true
	}
	e.mu.Unlock()

	if shut {
		e.shutdownWrite() //nolint:errcheck
	}
	if cb != nil {
		if err != nil {
			e.exec.Execute(func() { cb.Failed(err) })
		} else {
			e.exec.Execute(cb.Succeeded)
		}
	}
}

func (e *GnetEndpoint) shutdownWrite() error {
	if err := shutdownWrite(e.c.Fd()); err != nil && !errors.Is(err, errors.ErrUnsupported) {
		return ncerr.Wrap("shutdown", e.remote.String(), err)
	}
	return nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// ── logging ──────────────────────────────────────────────────────────

// gnetLogger routes gnet's internal logging through util.Logger.
type gnetLogger struct{ l *util.Logger }

func (g gnetLogger) Debugf(format string, args ...interface{}) { g.l.Debug("gnet: "+format, args...) }
func (g gnetLogger) Infof(format string, args ...interface{})  { g.l.Verbose("gnet: "+format, args...) }
func (g gnetLogger) Warnf(format string, args ...interface{})  { g.l.Warn("gnet: "+format, args...) }
func (g gnetLogger) Errorf(format string, args ...interface{}) { g.l.Error("gnet: "+format, args...) }
func (g gnetLogger) Fatalf(format string, args ...interface{}) { g.l.Error("gnet: "+format, args...) }
