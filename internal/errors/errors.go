// Package errors provides domain-specific error types for tlsnc.
//
// These types carry structured context (operation, address, retryability)
// that helps callers decide how to handle failures and provides better
// diagnostics than plain string wrapping.  The TLS filter faults live
// here too so transports, the filter and the CLI agree on them.
package errors

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotConnected = errors.New("not connected")
	ErrCircuitOpen  = errors.New("circuit breaker is open")

	// ErrClosed fails read/write registrations that were pending when
	// an endpoint closed.  It matches net.ErrClosed.
	ErrClosed = fmt.Errorf("endpoint closed: %w", net.ErrClosed)

	// ErrReadPending and ErrWritePending report a second registration
	// while one is outstanding.  They signal a caller bug.
	ErrReadPending  = errors.New("read interest already registered")
	ErrWritePending = errors.New("write already pending")

	// ErrProtocol is matched by every [ProtocolError].
	ErrProtocol = errors.New("tls protocol fault")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "listen", "accept", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "channel", "forward"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ProtocolError reports a TLS engine result the filter can never
// accept, such as an overflow on unwrap or an underflow on wrap.
type ProtocolError struct {
	Op     string // "wrap" or "unwrap"
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("tls %s: %s", e.Op, e.Detail)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// EngineError reports a failure raised by the TLS engine itself (bad
// record, MAC failure, fatal alert).  The stream is over: it matches
// io.EOF and unwraps to the engine's cause.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("tls %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func (e *EngineError) Is(target error) bool { return target == io.EOF }

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapEngine creates an EngineError.  Errors that already are engine
// or protocol faults pass through unchanged.
func WrapEngine(op string, err error) error {
	var ee *EngineError
	var pe *ProtocolError
	if errors.As(err, &ee) || errors.As(err, &pe) {
		return err
	}
	return &EngineError{Op: op, Err: err}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	// net.OpError with Temporary() hint
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	// DNS errors
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports ───────────────────────────────────────────────────────

// Is is [errors.Is], so callers importing this package as ncerr need
// not import the standard one too.
func Is(err, target error) bool { return errors.Is(err, target) }
