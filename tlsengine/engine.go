// Package tlsengine exposes TLS as a record engine.  Callers hand it
// ciphertext records to unwrap and plaintext to wrap, and move the
// resulting bytes themselves; the engine never touches a socket and
// never blocks on I/O.
//
// Handshake progress is reported the way a record engine does it: the
// caller asks [Engine.HandshakeStatus] what the engine needs next
// (bytes wrapped out, bytes unwrapped in, or a delegated task run) and
// acts on it.
package tlsengine

import "fmt"

// Sizes of TLS records as handled by the engine.
const (
	recordHeaderLen = 5

	// MaxPlaintext is the largest plaintext fragment of one record.
	MaxPlaintext = 16384

	maxCiphertext = MaxPlaintext + 2048

	// RecordSize is the largest ciphertext record including its header.
	RecordSize = recordHeaderLen + maxCiphertext

	// AppSize is the largest plaintext a single unwrap can produce.
	AppSize = MaxPlaintext
)

// HandshakeStatus tells the caller what the engine needs next.
type HandshakeStatus int

const (
	// NotHandshaking means no handshake work is outstanding.
	NotHandshaking HandshakeStatus = iota
	// NeedWrap means the engine has bytes to send (handshake flight,
	// alert or close_notify) and wants Wrap called.
	NeedWrap
	// NeedUnwrap means the engine waits for the peer's next record.
	NeedUnwrap
	// NeedTask means a delegated task must run before progress.
	NeedTask
	// Finished is only carried by the Result of the operation that
	// completed the handshake; HandshakeStatus never returns it.
	Finished
)

func (s HandshakeStatus) String() string {
	switch s {
	case NotHandshaking:
		return "NOT_HANDSHAKING"
	case NeedWrap:
		return "NEED_WRAP"
	case NeedUnwrap:
		return "NEED_UNWRAP"
	case NeedTask:
		return "NEED_TASK"
	case Finished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Status is the outcome of a single wrap or unwrap.
type Status int

const (
	OK Status = iota
	// Closed means the direction has been shut down (close_notify sent
	// or received).
	Closed
	// BufferOverflow means the destination has no room for the output.
	BufferOverflow
	// BufferUnderflow means the source holds no complete record.
	BufferUnderflow
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case Closed:
		return "CLOSED"
	case BufferOverflow:
		return "BUFFER_OVERFLOW"
	case BufferUnderflow:
		return "BUFFER_UNDERFLOW"
	default:
		return "UNKNOWN"
	}
}

// Result reports one wrap or unwrap: its status, the handshake status
// right after it, and how many bytes it consumed and produced.
type Result struct {
	Status    Status
	Handshake HandshakeStatus
	Consumed  int
	Produced  int
}

func (r Result) String() string {
	return fmt.Sprintf("%s/%s consumed=%d produced=%d", r.Status, r.Handshake, r.Consumed, r.Produced)
}

// Task is a unit of CPU-bound handshake work deferred to the caller.
// It must not run concurrently with any other call on the same engine.
type Task func()

// Engine is a stateful TLS record engine.  Implementations are not safe
// for concurrent use; callers serialize access.
type Engine interface {
	// BeginHandshake starts the handshake.  Calling it again is a no-op.
	BeginHandshake() error

	// Wrap encrypts bytes from srcs, in order, into dst.  Pending
	// handshake or alert bytes are emitted first and take priority over
	// application data.
	Wrap(dst []byte, srcs ...[]byte) (Result, error)

	// Unwrap decrypts at most one complete record from src into dst.
	// Plaintext that did not fit is returned by the following calls.
	Unwrap(dst, src []byte) (Result, error)

	// HandshakeStatus reports what the engine needs next.
	HandshakeStatus() HandshakeStatus

	// DelegatedTask returns the pending task, or nil.
	DelegatedTask() Task

	// CloseInbound signals that no more records will arrive.  It
	// returns an error when the peer never sent close_notify.
	CloseInbound() error

	// CloseOutbound asks the engine to send close_notify on the next
	// wrap.
	CloseOutbound()

	IsInboundDone() bool
	IsOutboundDone() bool

	// ClientMode reports whether this side initiates the handshake.
	ClientMode() bool

	// SessionSizes returns the largest record and the largest plaintext
	// fragment, used to size network and application buffers.
	SessionSizes() (record, app int)

	// Close releases the engine's resources.  Further calls fail.
	Close() error
}

// recordLen returns the length of the first complete record in b, or 0
// if b holds only part of one.
func recordLen(b []byte) (int, error) {
	if len(b) < recordHeaderLen {
		return 0, nil
	}
	n := int(b[3])<<8 | int(b[4])
	if n > maxCiphertext {
		return 0, fmt.Errorf("tlsengine: oversized record (%d bytes)", n)
	}
	if len(b) < recordHeaderLen+n {
		return 0, nil
	}
	return recordHeaderLen + n, nil
}
