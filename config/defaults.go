package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// Tuneable defaults shared by the CLI flags, the config file and the
// environment overlay.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultLocalAddress is the address listeners bind when none is
	// given.
	DefaultLocalAddress = "0.0.0.0"

	// DefaultKeepAliveInterval is the SSH keepalive interval in seconds.
	DefaultKeepAliveInterval = 30

	// DefaultProbeTimeout bounds one TLS handshake probe.
	DefaultProbeTimeout = 3 * time.Second

	// DefaultMaxConcurrentProbes limits simultaneous probe goroutines.
	DefaultMaxConcurrentProbes = 100

	// DefaultConnTimeout is the TCP/SSH connection timeout.
	DefaultConnTimeout = 30 * time.Second

	// DefaultMaxDialBackoff caps the delay between dial retries.
	DefaultMaxDialBackoff = 10 * time.Second

	// DefaultBreakerFailures is how many consecutive dial failures open
	// the shared circuit breaker.
	DefaultBreakerFailures = 5

	// DefaultGracePeriod is how long a listener waits for live sessions
	// when it is shut down.
	DefaultGracePeriod = 5 * time.Second

	// DefaultMinTLSVersion is used when min_version is unset.
	DefaultMinTLSVersion = "1.2"
)
