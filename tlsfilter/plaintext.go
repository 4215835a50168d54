package tlsfilter

import (
	"crypto/tls"
	"io"
	"net"

	"tlsnc/endpoint"
	ncerr "tlsnc/internal/errors"
)

// PlaintextEndpoint is the application side of a Connection.  It has
// the same shape as the transport it sits on, so anything written
// against endpoint.Endpoint works on decrypted data, including another
// filter.
type PlaintextEndpoint struct {
	c            *Connection
	readInterest *endpoint.ReadInterest
	flusher      *endpoint.WriteFlusher
}

var _ endpoint.Endpoint = (*PlaintextEndpoint)(nil)

func newPlaintextEndpoint(c *Connection) *PlaintextEndpoint {
	e := &PlaintextEndpoint{c: c}
	e.readInterest = endpoint.NewReadInterest(c.exec, c.needsFill)
	e.flusher = endpoint.NewWriteFlusher(c.exec, e.Flush, c.onIncompleteFlush)
	return e
}

// Connection returns the filter this endpoint belongs to.
func (e *PlaintextEndpoint) Connection() *Connection { return e.c }

// Fill decrypts into p.  It returns 0, nil when no plaintext is ready
// yet and io.EOF once the peer closed and everything was delivered.
// Engine failures close the connection and match io.EOF.
func (e *PlaintextEndpoint) Fill(p []byte) (int, error) {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.c.fillLocked(p)
}

// Flush encrypts from bufs and returns how many plaintext bytes were
// taken.  0 is not a failure: a transport write is in flight or the
// handshake needs the peer first.  Retry through Write rather than in a
// loop.
func (e *PlaintextEndpoint) Flush(bufs ...[]byte) (int, error) {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.c.flushLocked(bufs...)
}

func (e *PlaintextEndpoint) FillInterested(cb endpoint.Callback) error {
	return e.readInterest.Register(cb)
}

func (e *PlaintextEndpoint) Write(cb endpoint.Callback, bufs ...[]byte) error {
	return e.flusher.Write(cb, bufs...)
}

// ShutdownOutput sends close_notify.  Reading continues until the peer
// closes too.
func (e *PlaintextEndpoint) ShutdownOutput() error {
	c := e.c
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.engine.CloseOutbound()
	if c.netWriting {
		// sent when the write in flight completes
		c.shutdownPending = true
		c.mu.Unlock()
		return nil
	}
	_, err := c.flushLocked()
	c.mu.Unlock()

	// a closed outbound reports EOF once close_notify is out
	if err != nil && !ncerr.Is(err, io.EOF) {
		c.logger.Debug("shutdown output: %v", err)
		c.Close()
		return err
	}
	return nil
}

func (e *PlaintextEndpoint) Close() error { return e.c.Close() }

func (e *PlaintextEndpoint) IsOpen() bool {
	e.c.mu.Lock()
	closed := e.c.closed
	e.c.mu.Unlock()
	return !closed && e.c.transport.IsOpen()
}

func (e *PlaintextEndpoint) IsInputShutdown() bool {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.c.inputShutdown
}

func (e *PlaintextEndpoint) IsOutputShutdown() bool {
	e.c.mu.Lock()
	done := e.c.closed || e.c.engine.IsOutboundDone()
	e.c.mu.Unlock()
	return done || !e.c.transport.IsOpen()
}

func (e *PlaintextEndpoint) LocalAddr() net.Addr  { return e.c.transport.LocalAddr() }
func (e *PlaintextEndpoint) RemoteAddr() net.Addr { return e.c.transport.RemoteAddr() }

// ConnectionState returns the negotiated TLS parameters once the
// handshake has finished, for engines that can report them.
func (e *PlaintextEndpoint) ConnectionState() (tls.ConnectionState, bool) {
	c := e.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.handshook {
		return tls.ConnectionState{}, false
	}
	if sr, ok := c.engine.(interface {
		ConnectionState() (tls.ConnectionState, bool)
	}); ok {
		return sr.ConnectionState()
	}
	return tls.ConnectionState{}, false
}

func (e *PlaintextEndpoint) String() string { return e.c.String() }
