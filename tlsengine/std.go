package tlsengine

import (
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"
)

// ErrTruncated is returned by CloseInbound when the inbound direction
// ends without the peer's close_notify.
var ErrTruncated = errors.New("tlsengine: inbound closed before close_notify")

var errEngineClosed = errors.New("tlsengine: engine closed")

type workerState int

const (
	workerIdle     workerState = iota // handshake not begun
	workerRunnable                    // a delegated task will resume it
	workerParked                      // waiting for the next record
	workerExited
)

// StdEngine is an [Engine] backed by crypto/tls.
//
// A *tls.Conn runs on its own goroutine over an in-memory transport.
// That goroutine and the caller never run at the same time: the caller
// resumes it and waits until it either asks for the next record or
// exits, so all engine state is handed over through the two channels.
// Handshake steps run as delegated tasks; records after the handshake
// are processed inline by Unwrap.
type StdEngine struct {
	conn   *tls.Conn
	bio    *bio
	client bool

	resume chan struct{}
	yield  chan struct{}
	state  workerState

	handshakeDone    bool
	finishedReported bool
	inboundDone      bool
	outboundClosed   bool
	closeSent        bool
	err              error

	plain     []byte
	plainBase []byte
	readBuf   []byte
	scratch   []byte
}

// Client returns an engine that initiates the handshake.
func Client(cfg *tls.Config) *StdEngine { return newStdEngine(cfg, true) }

// Server returns an engine that answers the handshake.
func Server(cfg *tls.Config) *StdEngine { return newStdEngine(cfg, false) }

func newStdEngine(cfg *tls.Config, client bool) *StdEngine {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	// One record per write, so a wrap's output size is predictable.
	cfg.DynamicRecordSizingDisabled = true
	if cfg.MinVersion < tls.VersionTLS12 {
		cfg.MinVersion = tls.VersionTLS12
	}

	e := &StdEngine{
		client:    client,
		resume:    make(chan struct{}),
		yield:     make(chan struct{}),
		plainBase: make([]byte, 0, MaxPlaintext),
		readBuf:   make([]byte, MaxPlaintext),
		scratch:   make([]byte, MaxPlaintext),
	}
	e.plain = e.plainBase
	e.bio = &bio{e: e}
	if client {
		e.conn = tls.Client(e.bio, cfg)
	} else {
		e.conn = tls.Server(e.bio, cfg)
	}
	return e
}

// BeginHandshake starts the worker.  The first handshake step runs as a
// delegated task.
func (e *StdEngine) BeginHandshake() error {
	if e.state != workerIdle {
		return nil
	}
	if e.bio.closed {
		return errEngineClosed
	}
	e.state = workerRunnable
	go e.run()
	return nil
}

// Wrap emits pending handshake/alert bytes, then close_notify once the
// outbound side is closed, then application records.
func (e *StdEngine) Wrap(dst []byte, srcs ...[]byte) (Result, error) {
	if e.err != nil {
		return Result{}, e.err
	}
	if err := e.BeginHandshake(); err != nil {
		return Result{}, err
	}
	if e.state == workerRunnable {
		return e.result(OK, 0, 0), nil
	}

	produced := 0
	if e.bio.out.Len() > 0 {
		if len(dst) == 0 {
			return e.result(BufferOverflow, 0, 0), nil
		}
		produced, _ = e.bio.out.Read(dst)
		if e.bio.out.Len() > 0 {
			return e.result(OK, 0, produced), nil
		}
	}

	if e.outboundClosed {
		if !e.closeSent {
			e.closeSent = true
			if e.handshakeDone && !e.bio.closed {
				// The alert is written into the in-memory transport,
				// so CloseWrite cannot block here.
				e.conn.CloseWrite() //nolint:errcheck
				n, _ := e.bio.out.Read(dst[produced:])
				produced += n
			}
		}
		return e.result(Closed, 0, produced), nil
	}

	if produced > 0 || !e.handshakeDone {
		return e.result(OK, 0, produced), nil
	}

	room := len(dst) - (maxCiphertext - MaxPlaintext) - recordHeaderLen
	if room > MaxPlaintext {
		room = MaxPlaintext
	}
	chunk := gather(e.scratch[:0], room, srcs)
	if len(chunk) == 0 {
		if room <= 0 && remaining(srcs) > 0 {
			return e.result(BufferOverflow, 0, 0), nil
		}
		return e.result(OK, 0, 0), nil
	}
	if _, err := e.conn.Write(chunk); err != nil {
		e.err = err
		return Result{}, err
	}
	produced, _ = e.bio.out.Read(dst)
	return e.result(OK, len(chunk), produced), nil
}

// Unwrap hands the next complete record in src to the TLS state
// machine.  During the handshake the record is only queued and a
// delegated task processes it; afterwards it is decrypted inline.
func (e *StdEngine) Unwrap(dst, src []byte) (Result, error) {
	if e.err != nil {
		return Result{}, e.err
	}
	if err := e.BeginHandshake(); err != nil {
		return Result{}, err
	}

	if len(e.plain) > 0 {
		if len(dst) == 0 {
			return e.result(BufferOverflow, 0, 0), nil
		}
		return e.result(OK, 0, e.takePlain(dst)), nil
	}
	if e.inboundDone || e.state == workerExited {
		return e.result(Closed, 0, 0), nil
	}
	if e.state == workerRunnable {
		return e.result(OK, 0, 0), nil
	}

	n, err := recordLen(src)
	if err != nil {
		e.err = err
		return Result{}, err
	}
	if n == 0 {
		return e.result(BufferUnderflow, 0, 0), nil
	}
	e.bio.in.Write(src[:n])

	if !e.handshakeDone {
		e.state = workerRunnable
		return e.result(OK, n, 0), nil
	}

	e.step()
	if e.err != nil {
		return Result{Consumed: n}, e.err
	}
	if len(e.plain) > 0 && len(dst) == 0 {
		return e.result(BufferOverflow, n, 0), nil
	}
	produced := e.takePlain(dst)
	status := OK
	if produced == 0 && e.inboundDone {
		status = Closed
	}
	return e.result(status, n, produced), nil
}

// HandshakeStatus reports what the engine needs next.
func (e *StdEngine) HandshakeStatus() HandshakeStatus {
	switch {
	case e.state == workerIdle || e.err != nil:
		return NotHandshaking
	case e.state == workerRunnable:
		return NeedTask
	case e.bio.out.Len() > 0:
		return NeedWrap
	case e.outboundClosed && !e.closeSent:
		return NeedWrap
	case !e.handshakeDone && !e.inboundDone && e.state != workerExited:
		return NeedUnwrap
	default:
		return NotHandshaking
	}
}

// DelegatedTask returns a task resuming the handshake, or nil.
func (e *StdEngine) DelegatedTask() Task {
	if e.state != workerRunnable {
		return nil
	}
	return func() {
		if e.state == workerRunnable {
			e.step()
		}
	}
}

// CloseInbound ends the inbound direction.  The outbound side stays
// usable, as with a half-closed TLS 1.3 connection.
func (e *StdEngine) CloseInbound() error {
	if e.inboundDone {
		return nil
	}
	e.inboundDone = true
	return ErrTruncated
}

// CloseOutbound schedules close_notify.
func (e *StdEngine) CloseOutbound() { e.outboundClosed = true }

func (e *StdEngine) IsInboundDone() bool { return e.inboundDone || e.err != nil }

// IsOutboundDone reports whether close_notify (if any) has been wrapped
// and fully handed out.
func (e *StdEngine) IsOutboundDone() bool {
	if e.err != nil {
		return true
	}
	return e.outboundClosed && e.closeSent && e.bio.out.Len() == 0
}

func (e *StdEngine) ClientMode() bool { return e.client }

func (e *StdEngine) SessionSizes() (record, app int) { return RecordSize, AppSize }

// HandshakeComplete reports whether the TLS handshake has finished.
func (e *StdEngine) HandshakeComplete() bool { return e.handshakeDone }

// ConnectionState returns the negotiated parameters once the handshake
// has finished.
func (e *StdEngine) ConnectionState() (tls.ConnectionState, bool) {
	if !e.handshakeDone || e.state == workerRunnable {
		return tls.ConnectionState{}, false
	}
	return e.conn.ConnectionState(), true
}

// Close stops the worker goroutine.  It is idempotent.
func (e *StdEngine) Close() error {
	if e.bio.closed {
		return nil
	}
	e.bio.closed = true
	if e.state == workerParked || e.state == workerRunnable {
		// With the transport closed the worker cannot park again, so
		// one resume lets it run to completion.
		e.step()
	}
	if e.err == nil {
		e.err = errEngineClosed
	}
	return nil
}

// ── worker ───────────────────────────────────────────────────────────

func (e *StdEngine) run() {
	<-e.resume
	err := e.conn.Handshake()
	if err == nil {
		e.handshakeDone = true
		err = e.readLoop()
	}
	e.exit(err)
	e.yield <- struct{}{}
}

func (e *StdEngine) readLoop() error {
	for {
		n, err := e.conn.Read(e.readBuf)
		if n > 0 {
			e.plain = append(e.plain, e.readBuf[:n]...)
		}
		if err != nil {
			return err
		}
	}
}

func (e *StdEngine) exit(err error) {
	e.state = workerExited
	switch {
	case e.bio.closed:
		// released by Close
	case errors.Is(err, io.EOF) && e.handshakeDone:
		// close_notify from the peer
		e.inboundDone = true
	default:
		e.err = err
	}
}

// park hands control back to the caller until the next resume.  Only
// the worker goroutine calls it.
func (e *StdEngine) park() {
	e.state = workerParked
	e.yield <- struct{}{}
	<-e.resume
}

// step runs the worker until it parks or exits.
func (e *StdEngine) step() {
	e.resume <- struct{}{}
	<-e.yield
}

func (e *StdEngine) takePlain(dst []byte) int {
	n := copy(dst, e.plain)
	e.plain = e.plain[n:]
	if len(e.plain) == 0 {
		e.plain = e.plainBase[:0]
	}
	return n
}

func (e *StdEngine) result(st Status, consumed, produced int) Result {
	hs := e.HandshakeStatus()
	if hs == NotHandshaking && e.handshakeDone && !e.finishedReported {
		e.finishedReported = true
		hs = Finished
	}
	return Result{Status: st, Handshake: hs, Consumed: consumed, Produced: produced}
}

// gather copies up to limit bytes from srcs, in order, into dst.
func gather(dst []byte, limit int, srcs [][]byte) []byte {
	for _, s := range srcs {
		if len(dst) >= limit {
			break
		}
		n := limit - len(dst)
		if n > len(s) {
			n = len(s)
		}
		dst = append(dst, s[:n]...)
	}
	return dst
}

func remaining(srcs [][]byte) int {
	n := 0
	for _, s := range srcs {
		n += len(s)
	}
	return n
}

// ── in-memory transport ──────────────────────────────────────────────

// bio is the net.Conn the *tls.Conn runs over.  Reads park the worker
// until a record has been queued; writes accumulate for Wrap.
type bio struct {
	e      *StdEngine
	in     bytes.Buffer
	out    bytes.Buffer
	closed bool
}

func (b *bio) Read(p []byte) (int, error) {
	for b.in.Len() == 0 {
		if b.closed {
			return 0, io.EOF
		}
		b.e.park()
	}
	return b.in.Read(p)
}

func (b *bio) Write(p []byte) (int, error) { return b.out.Write(p) }

func (b *bio) Close() error                       { return nil }
func (b *bio) LocalAddr() net.Addr                { return engineAddr{} }
func (b *bio) RemoteAddr() net.Addr               { return engineAddr{} }
func (b *bio) SetDeadline(t time.Time) error      { return nil }
func (b *bio) SetReadDeadline(t time.Time) error  { return nil }
func (b *bio) SetWriteDeadline(t time.Time) error { return nil }

type engineAddr struct{}

func (engineAddr) Network() string { return "tlsengine" }
func (engineAddr) String() string  { return "tlsengine" }
