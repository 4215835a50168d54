package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "tlsnc/internal/errors"
	"tlsnc/util"
)

// SSHConfig describes the gateway and how to authenticate to it.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
	KeepAlive     time.Duration // 0 disables keepalive requests

	// Prompt reads a secret from the terminal.  Nil uses stdin.
	Prompt func(prompt string) ([]byte, error)

	// HostKeyCallback overrides StrictHostKey/KnownHosts when set.
	HostKeyCallback ssh.HostKeyCallback
}

// SSHTunnel opens direct-tcpip channels over one SSH client
// connection.  Forwarded connections support CloseWrite, so half-close
// reaches the far end.
type SSHTunnel struct {
	config *SSHConfig
	logger *util.Logger

	mu     sync.RWMutex
	client *ssh.Client
	alive  bool
	stop   chan struct{}
}

var _ Tunnel = (*SSHTunnel)(nil)

// NewSSHTunnel fills in defaults; call Connect before Dial.
func NewSSHTunnel(cfg *SSHConfig, logger *util.Logger) *SSHTunnel {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	return &SSHTunnel{config: cfg, logger: logger}
}

func (t *SSHTunnel) addr() string {
	return net.JoinHostPort(t.config.Host, fmt.Sprint(t.config.Port))
}

// Connect dials the gateway and authenticates.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	auth, err := BuildAuthMethods(t.config)
	if err != nil {
		return ncerr.WrapSSH("auth", t.config.Host, t.config.Port, err)
	}
	hk := t.config.HostKeyCallback
	if hk == nil {
		if hk, err = hostKeyCallback(t.config); err != nil {
			return ncerr.WrapSSH("hostkey", t.config.Host, t.config.Port, err)
		}
	}

	addr := t.addr()
	t.logger.Debug("ssh: dialing %s as %s", addr, t.config.User)

	dialer := net.Dialer{Timeout: t.config.ConnTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ncerr.Wrap("dial", addr, err)
	}

	// ssh.NewClientConn has no context; bound the handshake instead
	if dl, ok := ctx.Deadline(); ok {
		raw.SetDeadline(dl) //nolint:errcheck
	}
	conn, chans, reqs, err := ssh.NewClientConn(raw, addr, &ssh.ClientConfig{
		User:            t.config.User,
		Auth:            auth,
		HostKeyCallback: hk,
		Timeout:         t.config.ConnTimeout,
	})
	if err != nil {
		raw.Close()
		return ncerr.WrapSSH("handshake", t.config.Host, t.config.Port, err)
	}
	raw.SetDeadline(time.Time{}) //nolint:errcheck

	client := ssh.NewClient(conn, chans, reqs)
	stop := make(chan struct{})

	t.mu.Lock()
	t.client = client
	t.alive = true
	t.stop = stop
	t.mu.Unlock()

	go t.wait(client)
	if t.config.KeepAlive > 0 {
		go t.keepAlive(client, stop)
	}
	return nil
}

// Dial opens a forwarded connection to address.
func (t *SSHTunnel) Dial(_ context.Context, network, address string) (net.Conn, error) {
	t.mu.RLock()
	client, alive := t.client, t.alive
	t.mu.RUnlock()

	if !alive || client == nil {
		return nil, ncerr.ErrNotConnected
	}

	t.logger.Debug("ssh: forwarding %s %s", network, address)
	conn, err := client.Dial(network, address)
	if err != nil {
		return nil, ncerr.Wrap("forward", address, err)
	}
	return conn, nil
}

func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.alive = false
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

func (t *SSHTunnel) wait(client *ssh.Client) {
	err := client.Wait()

	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()

	t.logger.Debug("ssh: gateway connection closed: %v", err)
}

func (t *SSHTunnel) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	tick := time.NewTicker(t.config.KeepAlive)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.logger.Warn("ssh: keepalive to %s failed: %v", t.addr(), err)
				client.Close()
				return
			}
		}
	}
}
