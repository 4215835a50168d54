// Package tunnel carries TCP connections through an SSH gateway, so the
// TLS filter can run end to end with a peer only the gateway can reach.
package tunnel

import (
	"context"
	"net"
)

// Tunnel is a gateway session that can open forwarded connections.
type Tunnel interface {
	Connect(ctx context.Context) error
	Dial(ctx context.Context, network, address string) (net.Conn, error)
	Close() error
	IsAlive() bool
}
