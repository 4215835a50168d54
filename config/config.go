// Package config defines the runtime configuration for tlsnc and the
// parsers for port and tunnel specifications.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	ncerr "tlsnc/internal/errors"
)

// Config holds every tuneable for a single tlsnc run.  The yaml tags
// name the keys accepted in a --config file.
type Config struct {
	// ── Connection ───────────────────────────────────────────────────
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Ports     []PortRange   `yaml:"-"` // probe targets from positional args
	LocalPort int           `yaml:"local_port"`
	Listen    bool          `yaml:"listen"`
	Timeout   time.Duration `yaml:"timeout"`
	KeepOpen  bool          `yaml:"keep_open"`
	NoDNS     bool          `yaml:"no_dns"`
	ZeroIO    bool          `yaml:"zero_io"`

	// ── TLS ──────────────────────────────────────────────────────────
	CertFile   string   `yaml:"cert"`
	KeyFile    string   `yaml:"key"`
	CAFile     string   `yaml:"ca"`
	ServerName string   `yaml:"server_name"`
	Insecure   bool     `yaml:"insecure"`
	ALPN       []string `yaml:"alpn"`
	MinVersion string   `yaml:"min_version"` // "1.2" or "1.3"
	WatchCerts bool     `yaml:"watch_certs"`

	// ── Listener ─────────────────────────────────────────────────────
	EventLoop bool `yaml:"event_loop"`
	Multicore bool `yaml:"multicore"`

	// ── Dialing ──────────────────────────────────────────────────────
	DialRetries int `yaml:"dial_retries"`

	// ── SSH tunnel ───────────────────────────────────────────────────
	TunnelSpec        string `yaml:"tunnel"` // raw [user@]host[:port] from -T
	TunnelEnabled     bool   `yaml:"-"`
	TunnelUser        string `yaml:"-"`
	TunnelHost        string `yaml:"-"`
	TunnelPort        int    `yaml:"-"`
	SSHKeyPath        string `yaml:"ssh_key"`
	SSHPassword       bool   `yaml:"ssh_password"`
	UseSSHAgent       bool   `yaml:"ssh_agent"`
	StrictHostKey     bool   `yaml:"strict_hostkey"`
	KnownHostsPath    string `yaml:"known_hosts"`
	KeepAliveInterval int    `yaml:"keepalive"` // seconds

	// ── Execution ────────────────────────────────────────────────────
	Execute string `yaml:"exec"`
	Command string `yaml:"command"`

	// ── Output ───────────────────────────────────────────────────────
	Verbose     int    `yaml:"verbose"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// ── Port helpers ─────────────────────────────────────────────────────

// PortRange is an inclusive start–end pair.
type PortRange struct {
	Start int
	End   int
}

// Expand returns every port in the range.
func (pr PortRange) Expand() []int {
	out := make([]int, 0, pr.End-pr.Start+1)
	for p := pr.Start; p <= pr.End; p++ {
		out = append(out, p)
	}
	return out
}

// AllPorts flattens every PortRange into a single slice.
func (c *Config) AllPorts() []int {
	var out []int
	for _, pr := range c.Ports {
		out = append(out, pr.Expand()...)
	}
	return out
}

// ParsePortSpec accepts "443" or "8440-8450".
func ParsePortSpec(spec string) (PortRange, error) {
	startS, endS, isRange := strings.Cut(spec, "-")
	start, err := strconv.Atoi(startS)
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port %q", spec)
	}
	end := start
	if isRange {
		if end, err = strconv.Atoi(endS); err != nil {
			return PortRange{}, fmt.Errorf("invalid port range end %q", endS)
		}
	}
	if start < 1 || end > 65535 || start > end {
		if isRange {
			return PortRange{}, fmt.Errorf("invalid port range %d-%d", start, end)
		}
		return PortRange{}, fmt.Errorf("port %d out of range 1-65535", start)
	}
	return PortRange{Start: start, End: end}, nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec splits "admin@bastion.example.com:2222".  The port
// defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user, host, port = m[1], m[2], DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ApplyTunnelSpec parses TunnelSpec into the Tunnel* fields.
func (c *Config) ApplyTunnelSpec() error {
	if c.TunnelSpec == "" {
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}
	c.TunnelEnabled = true
	c.TunnelUser, c.TunnelHost, c.TunnelPort = user, host, port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Listen {
		if c.LocalPort == 0 {
			return &ncerr.ConfigError{Field: "port", Message: "listen mode requires a local port", Hint: "tlsnc -l -p 8443"}
		}
		if c.ZeroIO {
			return fmt.Errorf("listen mode and probe mode (-z) are mutually exclusive")
		}
		if c.TunnelEnabled {
			return &ncerr.ConfigError{Field: "tunnel", Value: c.TunnelSpec,
				Message: "listen mode through an SSH tunnel is not supported",
				Hint:    "run tlsnc -l on the far side"}
		}
		if (c.CertFile == "") != (c.KeyFile == "") {
			return fmt.Errorf("--cert and --key must be given together")
		}
	} else {
		if c.Host == "" {
			return fmt.Errorf("hostname is required (use --help for usage)")
		}
		if c.Port == 0 && len(c.Ports) == 0 {
			return fmt.Errorf("destination port is required")
		}
		if c.EventLoop {
			return fmt.Errorf("--event-loop only applies to listen mode")
		}
		if (c.CertFile == "") != (c.KeyFile == "") {
			return fmt.Errorf("--cert and --key must be given together (client certificate)")
		}
	}

	if c.WatchCerts && c.CertFile == "" {
		return fmt.Errorf("--watch-certs needs --cert and --key")
	}
	switch c.MinVersion {
	case "", "1.2", "1.3":
	default:
		return &ncerr.ConfigError{Field: "min-version", Value: c.MinVersion,
			Message: "unsupported TLS version", Hint: "use 1.2 or 1.3"}
	}
	if c.DialRetries < 0 {
		return fmt.Errorf("--retries must not be negative")
	}
	if c.Execute != "" && c.Command != "" {
		return fmt.Errorf("-e and -c are mutually exclusive")
	}
	if c.TunnelEnabled && c.TunnelHost == "" {
		return fmt.Errorf("tunnel host is required")
	}
	return nil
}
