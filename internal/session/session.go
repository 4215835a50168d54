// Package session binds one TLS-filtered connection to the local I/O
// it is relayed to.  Capabilities work on a Session, so they neither
// know nor care whether the transport is a socket, an SSH channel or a
// gnet connection.
package session

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"

	"tlsnc/internal/metrics"
	"tlsnc/tlsfilter"
	"tlsnc/util"
)

// Session is the runtime context of a single connection.
type Session struct {
	Conn    net.Conn // plaintext side, blocking
	Filter  *tlsfilter.Connection
	Stdin   io.Reader
	Stdout  io.Writer
	Logger  *util.Logger
	Pool    *util.BufferPool
	Metrics *metrics.Collector
}

// New creates a Session for conn.  Filter and Pool may be set
// afterwards; a nil Filter means conn is not TLS-filtered.
func New(conn net.Conn, stdin io.Reader, stdout io.Writer, logger *util.Logger) *Session {
	return &Session{
		Conn:   conn,
		Stdin:  stdin,
		Stdout: stdout,
		Logger: logger,
	}
}

// ID returns the filter's log id, or the remote address without one.
func (s *Session) ID() string {
	if s.Filter != nil {
		return s.Filter.ID()
	}
	return s.Conn.RemoteAddr().String()
}

// State returns the negotiated TLS parameters once the handshake has
// finished.
func (s *Session) State() (tls.ConnectionState, bool) {
	if s.Filter == nil {
		return tls.ConnectionState{}, false
	}
	return s.Filter.Endpoint().ConnectionState()
}

// Describe summarises the negotiated parameters for logging.
func (s *Session) Describe() string {
	st, ok := s.State()
	if !ok {
		return "handshake pending"
	}
	return DescribeState(st)
}

// DescribeState renders version, cipher suite, ALPN protocol,
// resumption and the peer's common name on one line.
func DescribeState(st tls.ConnectionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", tls.VersionName(st.Version), tls.CipherSuiteName(st.CipherSuite))
	if st.NegotiatedProtocol != "" {
		fmt.Fprintf(&b, " alpn=%s", st.NegotiatedProtocol)
	}
	if st.DidResume {
		b.WriteString(" resumed")
	}
	if len(st.PeerCertificates) > 0 {
		fmt.Fprintf(&b, " peer=%q", st.PeerCertificates[0].Subject.CommonName)
	}
	return b.String()
}
