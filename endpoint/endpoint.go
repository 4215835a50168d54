// Package endpoint defines non-blocking byte-stream endpoints.
//
// An Endpoint never blocks: Fill and Flush move what they can right
// now, and the caller waits for more by registering a single read
// interest or a single asynchronous write.  Completion callbacks are
// always dispatched through an [Executor], never from inside the call
// that registered them, so endpoints can be stacked on each other.
//
// Raw transports (Pipe, Socket, the gnet connection in
// internal/transport) and the TLS plaintext facade all implement the
// same interface; [NewConn] turns any of them into a blocking net.Conn.
package endpoint

import (
	"net"
)

// Endpoint is a non-blocking, full-duplex byte stream.
type Endpoint interface {
	// Fill reads available bytes into p.  It returns 0, nil when nothing
	// is available yet, and 0, io.EOF once the input is shut down and
	// drained.
	Fill(p []byte) (int, error)

	// Flush writes as much of bufs, in order, as the endpoint accepts
	// without blocking and returns the number of bytes taken.
	Flush(bufs ...[]byte) (int, error)

	// FillInterested registers cb to run once Fill may make progress.
	// Only one registration may be outstanding.
	FillInterested(cb Callback) error

	// Write writes all of bufs asynchronously and completes cb when done
	// or failed.  Only one write may be outstanding.  The endpoint may
	// keep referencing bufs until cb runs.
	Write(cb Callback, bufs ...[]byte) error

	// ShutdownOutput half-closes the endpoint once queued bytes are out.
	ShutdownOutput() error

	// Close closes both directions and fails pending registrations.
	Close() error

	IsOpen() bool
	IsInputShutdown() bool
	IsOutputShutdown() bool

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Callback receives the outcome of an asynchronous operation.
type Callback interface {
	Succeeded()
	Failed(err error)
}

type funcCallback struct {
	ok   func()
	fail func(error)
}

func (c funcCallback) Succeeded() {
	if c.ok != nil {
		c.ok()
	}
}

func (c funcCallback) Failed(err error) {
	if c.fail != nil {
		c.fail(err)
	}
}

// NewCallback adapts a pair of functions.  Either may be nil.
func NewCallback(ok func(), fail func(error)) Callback {
	return funcCallback{ok: ok, fail: fail}
}

// Noop is a callback that ignores both outcomes.
var Noop Callback = funcCallback{} //nolint:gochecknoglobals

// remaining returns the total length of bufs.
func remaining(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}

// advance drops the first n bytes of bufs.
func advance(bufs [][]byte, n int) [][]byte {
	for len(bufs) > 0 && n >= len(bufs[0]) {
		n -= len(bufs[0])
		bufs = bufs[1:]
	}
	if len(bufs) > 0 && n > 0 {
		bufs = append([][]byte{bufs[0][n:]}, bufs[1:]...)
	}
	return bufs
}

// gather copies bufs into dst up to its length.
func gather(dst []byte, bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		if n == len(dst) {
			break
		}
		n += copy(dst[n:], b)
	}
	return n
}

type addr string

func (a addr) Network() string { return "mem" }
func (a addr) String() string  { return string(a) }
