// Package transport opens the raw byte streams the TLS filter runs
// over: outbound TCP, TCP forwarded through an SSH gateway, and inbound
// connections served by gnet event loops.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound connections.
type Dialer interface {
	// Dial connects to address on the named network.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases long-lived resources such as an SSH session.
	// Stateless dialers return nil.
	Close() error
}
