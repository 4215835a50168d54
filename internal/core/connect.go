package core

import (
	"context"
	"crypto/tls"
	"fmt"

	"tlsnc/endpoint"
	"tlsnc/internal/capability"
	"tlsnc/internal/transport"
	"tlsnc/tlsengine"
)

// ConnectMode dials a remote address, runs a TLS client over the
// connection and hands the decrypted stream to a capability.  This is
// the default mode.
type ConnectMode struct {
	Dialer     transport.Dialer
	TLS        *tls.Config
	Capability capability.Capability
	Address    string
	Stack      *Stack
}

// Run dials, starts the handshake and serves the session.  The dialer
// is closed when Run returns.
func (m *ConnectMode) Run(ctx context.Context) error {
	defer m.Dialer.Close()
	log := m.Stack.Logger

	log.Verbose("connecting to %s", m.Address)
	conn, err := m.Dialer.Dial(ctx, "tcp", m.Address)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", m.Address, err)
	}
	log.Verbose("connected to %s", conn.RemoteAddr())

	sock := endpoint.NewSocket(conn, m.Stack.Executor, 0)
	f, err := m.Stack.filter(tlsengine.Client(m.TLS), sock)
	if err != nil {
		return fmt.Errorf("tls to %s: %w", m.Address, err)
	}
	if err := m.Stack.serve(ctx, f, m.Capability); err != nil {
		return fmt.Errorf("tls to %s: %w", m.Address, err)
	}
	return nil
}
