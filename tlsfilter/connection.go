// Package tlsfilter runs TLS over a non-blocking transport endpoint and
// exposes the decrypted stream as another endpoint.
//
// A Connection owns the TLS engine and three buffers: ciphertext read
// from the transport (netIn), decrypted bytes not yet handed out
// (appIn) and ciphertext not yet written (netOut).  Reading plaintext
// may require writing handshake records first, and writing plaintext
// may require reading them.  Both directions run under one lock and
// call into each other synchronously, guarded by a per-direction
// obligation, so neither ever waits on a callback the other must fire.
package tlsfilter

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"tlsnc/endpoint"
	ncerr "tlsnc/internal/errors"
	"tlsnc/internal/metrics"
	"tlsnc/tlsengine"
	"tlsnc/util"
)

// obligation records that one direction is blocked on the other.
type obligation uint8

const (
	idle obligation = iota
	// owesWrap: a fill is waiting for handshake bytes to go out.
	owesWrap
	// owesUnwrap: a flush is waiting for handshake bytes to come in.
	owesUnwrap
)

func (o obligation) String() string {
	switch o {
	case owesWrap:
		return "OWES_WRAP"
	case owesUnwrap:
		return "OWES_UNWRAP"
	default:
		return "IDLE"
	}
}

// Options configures a Connection.  Zero values select defaults: a
// private buffer pool, a goroutine-per-callback executor and a quiet
// logger.
type Options struct {
	Pool     *util.BufferPool
	Executor endpoint.Executor
	Logger   *util.Logger
	Metrics  *metrics.Collector
}

// Connection is a TLS filter between a transport endpoint carrying
// ciphertext and the plaintext endpoint returned by Endpoint.
type Connection struct {
	id        string
	engine    tlsengine.Engine
	transport endpoint.Endpoint
	pool      *util.BufferPool
	exec      endpoint.Executor
	logger    *util.Logger
	metrics   *metrics.Collector

	recordSize int
	appSize    int

	app     *PlaintextEndpoint
	readCb  endpoint.Callback // transport fill interest
	writeCb endpoint.Callback // transport write of netOut

	// transport read interest outstanding
	fillPending atomic.Bool

	handshaken chan struct{}
	done       chan struct{}
	cause      error

	mu              sync.Mutex
	netIn           *util.Buffer
	appIn           *util.Buffer
	netOut          *util.Buffer
	inFlight        int // netOut bytes handed to transport.Write
	fillState       obligation
	flushState      obligation
	netWriting      bool
	underflown      bool
	inputShutdown   bool
	shutdownPending bool
	handshook       bool
	closed          bool
}

// New wraps transport with engine.  The engine must not have started
// its handshake; Open starts it.
func New(engine tlsengine.Engine, transport endpoint.Endpoint, opts Options) *Connection {
	if opts.Pool == nil {
		opts.Pool = util.NewBufferPool()
	}
	if opts.Executor == nil {
		opts.Executor = endpoint.GoExecutor{}
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	record, app := engine.SessionSizes()
	id := uuid.NewString()[:8]

	c := &Connection{
		id:         id,
		engine:     engine,
		transport:  transport,
		pool:       opts.Pool,
		exec:       opts.Executor,
		logger:     opts.Logger.With("tlsfilter@" + id),
		metrics:    opts.Metrics,
		recordSize: record,
		appSize:    app,
		handshaken: make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.readCb = endpoint.NewCallback(c.onReadable, c.onReadFailed)
	c.writeCb = endpoint.NewCallback(c.onWriteSucceeded, c.onWriteFailed)
	c.app = newPlaintextEndpoint(c)
	return c
}

// ID returns the short identifier used in logs.
func (c *Connection) ID() string { return c.id }

// Endpoint returns the plaintext side.
func (c *Connection) Endpoint() *PlaintextEndpoint { return c.app }

// Transport returns the ciphertext side.
func (c *Connection) Transport() endpoint.Endpoint { return c.transport }

// Open begins the handshake.  A client emits its first flight right
// away; both sides then wait for the transport to become readable.
func (c *Connection) Open() error {
	c.metrics.ConnectionOpened()
	c.logger.Debug("open %s -> %s", c.transport.LocalAddr(), c.transport.RemoteAddr())

	c.mu.Lock()
	if err := c.engine.BeginHandshake(); err != nil {
		err = c.failLocked(ncerr.WrapEngine("handshake", err))
		c.mu.Unlock()
		return err
	}
	client := c.engine.ClientMode()
	c.mu.Unlock()

	c.fillInterested()
	if client {
		return c.app.Write(endpoint.Noop)
	}
	return nil
}

// Close closes the transport, fails pending plaintext registrations
// with ErrClosed and returns all buffers to the pool.  It is safe to
// call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	err := c.closeLocked()
	c.mu.Unlock()

	c.app.readInterest.Failed(ncerr.ErrClosed)
	c.app.flusher.Failed(ncerr.ErrClosed)
	return err
}

// closeLocked tears down everything owned by the connection.  Buffers
// are released here, not on some later path.
func (c *Connection) closeLocked() error {
	c.closed = true
	err := c.transport.Close()

	c.pool.Release(c.netIn)
	c.pool.Release(c.appIn)
	c.pool.Release(c.netOut)
	c.netIn, c.appIn, c.netOut = nil, nil, nil
	c.inFlight = 0
	c.netWriting = false
	c.fillState, c.flushState = idle, idle

	c.engine.Close() //nolint:errcheck
	close(c.done)
	c.metrics.ConnectionClosed()
	c.logger.Debug("closed")
	return err
}

// failLocked closes the connection after a fatal fault and fails the
// pending registrations with it.  It returns err for the caller.
func (c *Connection) failLocked(err error) error {
	if c.closed {
		return err
	}
	if !c.handshook {
		c.metrics.HandshakeFailed()
	}
	c.metrics.RecordError(err.Error())
	c.logger.Debug("failed %v: %v", stateView{c}, err)
	c.cause = err
	c.closeLocked() //nolint:errcheck
	c.app.readInterest.Failed(err)
	c.app.flusher.Failed(err)
	return err
}

// ── network events ───────────────────────────────────────────────────

// fillInterested asks the transport for one readability callback.
func (c *Connection) fillInterested() {
	if !c.fillPending.CompareAndSwap(false, true) {
		return
	}
	if err := c.transport.FillInterested(c.readCb); err != nil {
		c.fillPending.Store(false)
		c.logger.Debug("fill interest: %v", err)
	}
}

func (c *Connection) onReadable() {
	c.fillPending.Store(false)
	c.logger.Debug("onReadable")

	// whoever is filling or flushing does the unwrapping
	c.app.readInterest.Readable()

	c.mu.Lock()
	resume := c.flushState == owesUnwrap && c.app.flusher.IsWritePending()
	if resume {
		c.flushState = idle
	}
	c.mu.Unlock()
	if resume {
		c.app.flusher.CompleteWrite()
	}
}

func (c *Connection) onReadFailed(err error) {
	c.fillPending.Store(false)
	c.logger.Debug("onReadFailed: %v", err)

	c.app.readInterest.Failed(err)

	c.mu.Lock()
	fail := c.flushState == owesUnwrap && c.app.flusher.IsWritePending()
	if fail {
		c.flushState = idle
	}
	c.mu.Unlock()
	if fail {
		c.app.flusher.Failed(err)
	}
	c.Close()
}

func (c *Connection) onWriteSucceeded() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.logger.Debug("write complete %d", c.inFlight)
	c.metrics.BytesSent(int64(c.inFlight))
	c.netOut.Skip(c.inFlight)
	c.inFlight = 0
	c.netWriting = false
	c.releaseNetOutLocked()

	wake := c.fillState == owesWrap
	if wake {
		c.fillState = idle
	}
	if c.shutdownPending {
		c.shutdownPending = false
		if _, err := c.flushLocked(); err != nil && !ncerr.Is(err, io.EOF) {
			c.mu.Unlock()
			return
		}
	}
	c.mu.Unlock()

	if wake {
		c.app.readInterest.Readable()
	}
	c.app.flusher.CompleteWrite()
}

func (c *Connection) onWriteFailed(err error) {
	c.mu.Lock()
	c.logger.Debug("write failed: %v", err)
	if c.netOut != nil {
		c.netOut.Reset()
	}
	c.inFlight = 0
	c.netWriting = false
	wake := c.fillState == owesWrap
	c.fillState = idle
	c.mu.Unlock()

	if wake {
		c.app.readInterest.Failed(err)
	}
	c.app.flusher.Failed(err)
	c.Close()
}

// ── plaintext endpoint hooks ─────────────────────────────────────────

// needsFill is the read interest probe: true when a fill can make
// progress now, otherwise it re-arms the event that will retry it.
func (c *Connection) needsFill() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ncerr.ErrClosed
	}
	if c.appIn.HasRemaining() || c.inputShutdown {
		return true, nil
	}
	if !c.underflown && c.netIn.HasRemaining() {
		return true, nil
	}

	if c.fillState == owesWrap {
		// blocked writing before we can read
		if !c.netOut.HasRemaining() {
			c.fillState = idle
			return true, nil
		}
		if err := c.pushLocked(); err != nil {
			return false, err
		}
		if !c.netWriting && !c.netOut.HasRemaining() {
			c.fillState = idle
			c.releaseNetOutLocked()
			return true, nil
		}
		return false, nil
	}

	c.fillInterested()
	return false, nil
}

// onIncompleteFlush runs when a plaintext write could not finish.
func (c *Connection) onIncompleteFlush() {
	c.mu.Lock()
	if c.closed || c.netWriting {
		// the write callback resumes the flusher
		c.mu.Unlock()
		return
	}

	retry := false
	switch {
	case c.netOut.HasRemaining():
		if err := c.pushLocked(); err != nil {
			c.mu.Unlock()
			return
		}
		retry = !c.netWriting
	case c.engine.HandshakeStatus() == tlsengine.NeedUnwrap:
		// read blocked in order to write
		c.flushState = owesUnwrap
		c.fillInterested()
	default:
		retry = true
	}
	c.mu.Unlock()

	if retry {
		c.app.flusher.CompleteWrite()
	}
}

// ── fill ─────────────────────────────────────────────────────────────

func (c *Connection) fillLocked(p []byte) (n int, err error) {
	c.logger.Debug("fill enter %v", stateView{c})
	defer func() {
		c.releaseInLocked()
		c.logger.Debug("fill exit %v %d %v", stateView{c}, n, err)
	}()

	if c.closed {
		return 0, ncerr.ErrClosed
	}

	// already decrypted data
	if c.appIn.HasRemaining() {
		return c.takeAppLocked(p), nil
	}

	if c.netIn == nil {
		c.netIn = c.pool.Acquire(c.recordSize)
	}
	// decrypt straight into p when it can hold a whole record
	direct := len(p) > c.appSize
	if !direct && c.appIn == nil {
		c.appIn = c.pool.Acquire(c.appSize)
	}

	for {
		c.netIn.Compact()
		filled, ferr := c.transport.Fill(c.netIn.Free())
		eof := false
		switch {
		case ferr == io.EOF:
			eof = true
		case ferr != nil:
			return 0, c.failLocked(ncerr.Wrap("fill", c.remote(), ferr))
		}
		c.netIn.Commit(filled)
		if filled > 0 {
			c.underflown = false
			c.metrics.BytesReceived(int64(filled))
		}

		// unwrap even without new bytes: handshake transitions need it
		dst := p
		if !direct {
			dst = c.appIn.Free()
		}
		res, uerr := c.engine.Unwrap(dst, c.netIn.Bytes())
		if uerr != nil {
			return 0, c.failLocked(ncerr.WrapEngine("unwrap", uerr))
		}
		c.netIn.Skip(res.Consumed)
		if !direct {
			c.appIn.Commit(res.Produced)
		}
		c.logger.Debug("unwrap %s", res)
		c.noteHandshakeLocked(res)

		switch res.Status {
		case tlsengine.BufferOverflow:
			return 0, c.failLocked(&ncerr.ProtocolError{Op: "unwrap", Detail: "buffer overflow"})

		case tlsengine.Closed:
			switch hs := c.engine.HandshakeStatus(); hs {
			case tlsengine.NotHandshaking:
				c.inputShutdown = true
				return 0, io.EOF
			case tlsengine.NeedTask:
				c.runTasksLocked()
				continue
			case tlsengine.NeedWrap:
				// the close record still has to go out
				if c.flushState != owesUnwrap {
					c.fillState = owesWrap
					if _, err := c.flushLocked(); err != nil {
						c.inputShutdown = true
						return 0, io.EOF
					}
					if c.netOut.HasRemaining() {
						return 0, nil
					}
					c.fillState = idle
				}
				c.inputShutdown = true
				return 0, io.EOF
			default:
				return 0, c.failLocked(&ncerr.ProtocolError{Op: "unwrap", Detail: "closed while " + hs.String()})
			}

		case tlsengine.BufferUnderflow:
			c.underflown = true
			fallthrough

		default:
			// data beats handshake bookkeeping
			if res.Produced > 0 {
				c.metrics.PlaintextReceived(int64(res.Produced))
				if direct {
					return res.Produced, nil
				}
				return c.takeAppLocked(p), nil
			}

			moreRecords := res.Consumed > 0 && c.netIn.HasRemaining()
			switch c.engine.HandshakeStatus() {
			case tlsengine.NotHandshaking:
				if eof {
					c.closeInboundLocked()
				}
				if moreRecords {
					continue
				}
				return 0, nil
			case tlsengine.NeedTask:
				c.runTasksLocked()
				continue
			case tlsengine.NeedWrap:
				if c.flushState == owesUnwrap {
					return 0, nil
				}
				c.fillState = owesWrap
				if _, err := c.flushLocked(); err != nil {
					return 0, err
				}
				if c.netOut.HasRemaining() {
					return 0, nil
				}
				c.fillState = idle
				continue
			case tlsengine.NeedUnwrap:
				if eof {
					c.closeInboundLocked()
				} else if filled > 0 || moreRecords {
					continue
				}
				return 0, nil
			default:
				return 0, c.failLocked(&ncerr.ProtocolError{Op: "unwrap", Detail: "unexpected handshake status"})
			}
		}
	}
}

// ── flush ────────────────────────────────────────────────────────────

func (c *Connection) flushLocked(bufs ...[]byte) (n int, err error) {
	c.logger.Debug("flush enter %v %d", stateView{c}, remaining(bufs))
	defer func() {
		c.releaseNetOutLocked()
		c.logger.Debug("flush exit %v %d %v", stateView{c}, n, err)
	}()

	if c.closed {
		return 0, ncerr.ErrClosed
	}
	if c.netWriting {
		return 0, nil
	}
	if c.netOut == nil {
		c.netOut = c.pool.Acquire(2 * c.recordSize)
	}

	for {
		c.netOut.Compact()
		res, werr := c.engine.Wrap(c.netOut.Free(), bufs...)
		if werr != nil {
			return 0, c.failLocked(ncerr.WrapEngine("wrap", werr))
		}
		c.netOut.Commit(res.Produced)
		c.logger.Debug("wrap %s", res)
		c.noteHandshakeLocked(res)
		c.metrics.PlaintextSent(int64(res.Consumed))

		switch res.Status {
		case tlsengine.Closed:
			if c.netOut.HasRemaining() {
				if err := c.pushLocked(); err != nil {
					return 0, err
				}
				if c.netOut.HasRemaining() {
					return 0, nil
				}
			}
			// a fill that owes a wrap observes the close itself
			if c.fillState == owesWrap {
				return 0, nil
			}
			return 0, ncerr.Wrap("flush", c.remote(), io.EOF)

		case tlsengine.BufferUnderflow:
			return 0, c.failLocked(&ncerr.ProtocolError{Op: "wrap", Detail: "buffer underflow"})

		default:
			if c.netOut.HasRemaining() {
				c.flushState = idle
				if err := c.pushLocked(); err != nil {
					return 0, err
				}
				return res.Consumed, nil
			}

			switch c.engine.HandshakeStatus() {
			case tlsengine.NotHandshaking:
				if res.Consumed == 0 && !c.handshook && c.engine.IsInboundDone() {
					// the peer went away mid-handshake
					return 0, c.failLocked(ncerr.WrapEngine("handshake", io.ErrUnexpectedEOF))
				}
				return res.Consumed, nil
			case tlsengine.NeedTask:
				c.runTasksLocked()
				continue
			case tlsengine.NeedWrap:
				// state advanced without output
				continue
			case tlsengine.NeedUnwrap:
				if c.fillState != owesWrap && !c.app.readInterest.IsInterested() {
					c.flushState = owesUnwrap
					if _, err := c.fillLocked(nil); err != nil && err != io.EOF {
						return 0, err
					}
					if !c.closed && c.engine.HandshakeStatus() != tlsengine.NeedUnwrap {
						c.flushState = idle
					}
				}
				return 0, nil
			default:
				return 0, c.failLocked(&ncerr.ProtocolError{Op: "wrap", Detail: "unexpected handshake status"})
			}
		}
	}
}

// pushLocked hands netOut to the transport: whatever it takes now, then
// an asynchronous write for the rest.
func (c *Connection) pushLocked() error {
	if c.netWriting || !c.netOut.HasRemaining() {
		return nil
	}
	n, err := c.transport.Flush(c.netOut.Bytes())
	if n > 0 {
		c.netOut.Skip(n)
		c.metrics.BytesSent(int64(n))
	}
	if err != nil {
		return c.failLocked(ncerr.Wrap("flush", c.remote(), err))
	}
	if !c.netOut.HasRemaining() {
		return nil
	}
	c.netWriting = true
	c.inFlight = c.netOut.Len()
	if err := c.transport.Write(c.writeCb, c.netOut.Bytes()); err != nil {
		c.netWriting = false
		c.inFlight = 0
		return c.failLocked(ncerr.Wrap("write", c.remote(), err))
	}
	return nil
}

// ── buffers & helpers ────────────────────────────────────────────────

func (c *Connection) takeAppLocked(p []byte) int {
	n, _ := c.appIn.Read(p)
	return n
}

func (c *Connection) releaseInLocked() {
	if c.netIn != nil && !c.netIn.HasRemaining() {
		c.pool.Release(c.netIn)
		c.netIn = nil
	}
	if c.appIn != nil && !c.appIn.HasRemaining() {
		c.pool.Release(c.appIn)
		c.appIn = nil
	}
}

func (c *Connection) releaseNetOutLocked() {
	if c.netOut == nil || c.netOut.HasRemaining() {
		return
	}
	c.pool.Release(c.netOut)
	c.netOut = nil
	if !c.closed && c.engine.IsOutboundDone() {
		c.transport.ShutdownOutput() //nolint:errcheck
	}
}

func (c *Connection) runTasksLocked() {
	for task := c.engine.DelegatedTask(); task != nil; task = c.engine.DelegatedTask() {
		task()
	}
}

func (c *Connection) closeInboundLocked() {
	if err := c.engine.CloseInbound(); err != nil {
		c.logger.Verbose("%v", err)
	}
}

func (c *Connection) noteHandshakeLocked(res tlsengine.Result) {
	if res.Handshake != tlsengine.Finished || c.handshook {
		return
	}
	c.handshook = true
	close(c.handshaken)
	c.metrics.HandshakeCompleted()
	c.logger.Debug("handshake finished")
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the fault that closed the connection, or nil after a
// plain Close.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Handshake waits for the handshake to finish.  It does not drive the
// connection: a reader or writer on the plaintext endpoint must.
func (c *Connection) Handshake(ctx context.Context) error {
	select {
	case <-c.handshaken:
		return nil
	case <-c.done:
		select {
		case <-c.handshaken:
			return nil
		default:
		}
		if err := c.Err(); err != nil {
			return err
		}
		return ncerr.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandshakeComplete reports whether the TLS handshake has finished.
func (c *Connection) HandshakeComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshook
}

// HandshakeStatus reports the engine's current handshake status.
func (c *Connection) HandshakeStatus() tlsengine.HandshakeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return tlsengine.NotHandshaking
	}
	return c.engine.HandshakeStatus()
}

func (c *Connection) remote() string {
	if a := c.transport.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (c *Connection) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stringLocked()
}

func (c *Connection) stringLocked() string {
	return "tlsfilter@" + c.id + c.stateLocked()
}

// stateLocked renders {status,flags}: R read interest, W plaintext
// write pending, w transport write in flight.
func (c *Connection) stateLocked() string {
	hs := "CLOSED"
	if !c.closed {
		hs = c.engine.HandshakeStatus().String()
	}
	flags := ""
	if c.app.readInterest.IsInterested() {
		flags += "R"
	}
	if c.app.flusher.IsWritePending() {
		flags += "W"
	}
	if c.netWriting {
		flags += "w"
	}
	return fmt.Sprintf("{%s,%s}", hs, flags)
}

// stateView formats the state from code already holding the lock, and
// only when the line is actually logged.
type stateView struct{ c *Connection }

func (v stateView) String() string { return v.c.stateLocked() }

func remaining(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}
