package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"tlsnc/tunnel"
	"tlsnc/util"
)

// SSHDialer forwards connections through an SSH gateway with a
// direct-tcpip channel per Dial.  The gateway session is opened on the
// first Dial and reopened if it has dropped since.
type SSHDialer struct {
	tunnel tunnel.Tunnel
	gw     string
	logger *util.Logger

	mu        sync.Mutex
	connected bool
}

// NewSSHDialer prepares a dialer for the gateway in cfg.
func NewSSHDialer(cfg *tunnel.SSHConfig, logger *util.Logger) *SSHDialer {
	return &SSHDialer{
		tunnel: tunnel.NewSSHTunnel(cfg, logger),
		gw:     fmt.Sprintf("%s@%s:%d", cfg.User, cfg.Host, cfg.Port),
		logger: logger,
	}
}

func (d *SSHDialer) connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected && d.tunnel.IsAlive() {
		return nil
	}
	if d.connected {
		d.logger.Warn("SSH gateway %s dropped, reconnecting", d.gw)
		d.tunnel.Close() //nolint:errcheck
		d.connected = false
	}

	d.logger.Verbose("opening SSH gateway %s", d.gw)
	if err := d.tunnel.Connect(ctx); err != nil {
		return fmt.Errorf("gateway %s: %w", d.gw, err)
	}
	d.connected = true
	return nil
}

func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	return d.tunnel.Dial(ctx, network, address)
}

func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}
	d.connected = false
	return d.tunnel.Close()
}
