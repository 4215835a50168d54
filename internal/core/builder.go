package core

import (
	"fmt"
	"time"

	"tlsnc/config"
	"tlsnc/internal/capability"
	"tlsnc/internal/certs"
	"tlsnc/internal/retry"
	"tlsnc/internal/transport"
	"tlsnc/tunnel"
	"tlsnc/util"
)

// Build constructs the Mode selected by cfg.  cfg must have passed
// Validate.
func Build(cfg *config.Config, stack *Stack) (Mode, error) {
	switch {
	case cfg.Listen:
		return buildListen(cfg, stack)
	case cfg.ZeroIO:
		return buildProbe(cfg, stack)
	default:
		return buildConnect(cfg, stack)
	}
}

// ── mode builders ────────────────────────────────────────────────────

func buildConnect(cfg *config.Config, stack *Stack) (Mode, error) {
	port := cfg.Port
	if port == 0 && len(cfg.Ports) > 0 {
		port = cfg.Ports[0].Start
	}
	address, err := util.ResolveAddr(cfg.Host, port, cfg.NoDNS)
	if err != nil {
		return nil, err
	}

	reloader, err := buildReloader(cfg, stack)
	if err != nil {
		return nil, err
	}
	tc, err := clientTLS(cfg, reloader)
	if err != nil {
		return nil, err
	}

	return &ConnectMode{
		Dialer:     buildDialer(cfg, stack),
		TLS:        tc,
		Capability: buildCapability(cfg),
		Address:    address,
		Stack:      stack,
	}, nil
}

func buildListen(cfg *config.Config, stack *Stack) (Mode, error) {
	reloader, err := buildReloader(cfg, stack)
	if err != nil {
		return nil, err
	}
	tc, err := serverTLS(cfg, reloader, stack.Logger)
	if err != nil {
		return nil, err
	}

	host := cfg.Host
	if host == "" {
		host = config.DefaultLocalAddress
	}
	m := &ListenMode{
		Address:    util.FormatAddr(host, cfg.LocalPort),
		KeepOpen:   cfg.KeepOpen,
		Timeout:    cfg.Timeout,
		EventLoop:  cfg.EventLoop,
		Multicore:  cfg.Multicore,
		TLS:        tc,
		Capability: buildCapability(cfg),
		Stack:      stack,
	}
	if cfg.WatchCerts {
		m.Certs = reloader
	}
	return m, nil
}

func buildProbe(cfg *config.Config, stack *Stack) (Mode, error) {
	if _, err := util.LookupHost(cfg.Host, cfg.NoDNS); err != nil {
		return nil, err
	}

	ports := cfg.AllPorts()
	if len(ports) == 0 && cfg.Port > 0 {
		ports = []int{cfg.Port}
	}

	tc, err := clientTLS(cfg, nil)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = config.DefaultProbeTimeout
	}

	// probes never retry: a closed port is an answer
	probeCfg := *cfg
	probeCfg.DialRetries = 0

	return &ProbeMode{
		Dialer:  buildDialer(&probeCfg, stack),
		TLS:     tc,
		Host:    cfg.Host,
		Ports:   ports,
		Timeout: timeout,
		Stack:   stack,
	}, nil
}

// ── shared helpers ───────────────────────────────────────────────────

// buildDialer returns a TCP or SSH dialer, wrapped for retries when
// cfg.DialRetries is set.
func buildDialer(cfg *config.Config, stack *Stack) transport.Dialer {
	var d transport.Dialer
	if cfg.TunnelEnabled {
		keepAlive := time.Duration(cfg.KeepAliveInterval) * time.Second
		d = transport.NewSSHDialer(&tunnel.SSHConfig{
			User:          cfg.TunnelUser,
			Host:          cfg.TunnelHost,
			Port:          cfg.TunnelPort,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			ConnTimeout:   config.DefaultConnTimeout,
			KeepAlive:     keepAlive,
		}, stack.Logger)
	} else {
		d = &transport.TCPDialer{
			Timeout:   cfg.Timeout,
			LocalPort: cfg.LocalPort,
		}
	}

	if cfg.DialRetries == 0 {
		return d
	}

	backoff := retry.DefaultBackoff()
	backoff.MaxAttempts = cfg.DialRetries + 1
	backoff.MaxDelay = config.DefaultMaxDialBackoff

	log := stack.Logger
	breaker := retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{
		MaxFailures: config.DefaultBreakerFailures,
		OnStateChange: func(from, to retry.State) {
			log.Verbose("dial circuit %s -> %s", from, to)
		},
	})
	return &transport.RetryDialer{
		Dialer:  d,
		Backoff: backoff,
		Breaker: breaker,
		Metrics: stack.Metrics,
		Logger:  log,
	}
}

// buildReloader loads the configured certificate pair, if any.
func buildReloader(cfg *config.Config, stack *Stack) (*certs.Reloader, error) {
	if cfg.CertFile == "" {
		return nil, nil
	}
	r, err := certs.NewReloader(cfg.CertFile, cfg.KeyFile, stack.Logger, stack.Metrics)
	if err != nil {
		return nil, fmt.Errorf("certificate: %w", err)
	}
	return r, nil
}

// buildCapability selects the per-connection behaviour.
func buildCapability(cfg *config.Config) capability.Capability {
	if cfg.Execute != "" || cfg.Command != "" {
		return &capability.Exec{
			Program: cfg.Execute,
			Command: cfg.Command,
		}
	}
	return &capability.Relay{}
}
