// Package cmd wires up the CLI flags and dispatches to the core modes.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"

	"tlsnc/config"
	"tlsnc/internal/core"
	"tlsnc/internal/metrics"
	"tlsnc/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X tlsnc/cmd.version=1.1.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the selected tlsnc mode.
//
// Settings are layered: defaults, then the --config file, then TLSNC_*
// environment variables, then flags.
func Execute(ctx context.Context, args []string) error {
	cfg := &config.Config{KeepAliveInterval: config.DefaultKeepAliveInterval}

	if path := configPath(args); path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return err
		}
	}
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("tlsnc", flag.ContinueOnError)
	var configFile string
	fs.StringVar(&configFile, "config", "", "YAML config file")

	// ── connection ───────────────────────────────────────────────
	fs.BoolVarP(&cfg.Listen, "listen", "l", cfg.Listen, "Listen mode (TLS server)")
	fs.IntVarP(&cfg.LocalPort, "port", "p", cfg.LocalPort, "Local port number")
	fs.BoolVarP(&cfg.NoDNS, "no-dns", "n", cfg.NoDNS, "Numeric-only, no DNS resolution")
	fs.BoolVarP(&cfg.KeepOpen, "keep-open", "k", cfg.KeepOpen, "Accept multiple connections (with -l)")
	fs.BoolVarP(&cfg.ZeroIO, "zero-io", "z", cfg.ZeroIO, "Probe mode: handshake only and report TLS parameters")

	timeoutSec := int(cfg.Timeout / time.Second)
	fs.IntVarP(&timeoutSec, "timeout", "w", timeoutSec, "Timeout in seconds")

	// ── TLS ──────────────────────────────────────────────────────
	fs.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "PEM certificate (server, or client with -l unset)")
	fs.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "PEM private key for --cert")
	fs.StringVar(&cfg.CAFile, "ca", cfg.CAFile, "PEM CA bundle to verify the peer with")
	fs.StringVar(&cfg.ServerName, "server-name", cfg.ServerName, "SNI and verification name (default: host)")
	fs.BoolVarP(&cfg.Insecure, "insecure", "K", cfg.Insecure, "Skip server certificate verification")
	fs.StringSliceVar(&cfg.ALPN, "alpn", cfg.ALPN, "ALPN protocols to offer, comma separated")
	fs.StringVar(&cfg.MinVersion, "min-version", cfg.MinVersion, "Minimum TLS version: 1.2 or 1.3")
	fs.BoolVar(&cfg.WatchCerts, "watch-certs", cfg.WatchCerts, "Reload --cert/--key when they change")

	// ── listener / dialing ───────────────────────────────────────
	fs.BoolVar(&cfg.EventLoop, "event-loop", cfg.EventLoop, "Accept on a gnet event loop (with -l)")
	fs.BoolVar(&cfg.Multicore, "multicore", cfg.Multicore, "One event loop per CPU (with --event-loop)")
	fs.IntVar(&cfg.DialRetries, "retries", cfg.DialRetries, "Retry a failed connect this many times")

	// ── execution ────────────────────────────────────────────────
	fs.StringVarP(&cfg.Execute, "exec", "e", cfg.Execute, "Execute program after the handshake")
	fs.StringVarP(&cfg.Command, "command", "c", cfg.Command, "Execute shell command after the handshake")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "SSH tunnel via [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")
	fs.IntVar(&cfg.KeepAliveInterval, "keepalive", cfg.KeepAliveInterval, "SSH keepalive interval in seconds (0 disables)")

	// ── output ───────────────────────────────────────────────────
	verbose := cfg.Verbose
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on host:port")

	var showVersion, showHelp, dryRun bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate the configuration and exit")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("tlsnc %s\n", version)
		return nil
	}

	if !fs.Changed("verbose") {
		cfg.Verbose = verbose
	}
	cfg.Timeout = time.Duration(timeoutSec) * time.Second

	// ── positional arguments ─────────────────────────────────────
	if err := parsePositional(cfg, fs.Args()); err != nil {
		return err
	}
	if err := cfg.ApplyTunnelSpec(); err != nil {
		return err
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ── build components ─────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	stack := core.NewStack(logger, metrics.New())
	defer stack.Close()

	mode, err := core.Build(cfg, stack)
	if err != nil {
		return err
	}
	if dryRun {
		logger.Info("configuration OK: %T", mode)
		return nil
	}

	if cfg.MetricsAddr != "" {
		if err := serveMetrics(ctx, cfg.MetricsAddr, stack, logger); err != nil {
			return err
		}
	}
	return mode.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

// configPath finds --config ahead of the full parse, since the file
// supplies the flag defaults.
func configPath(args []string) string {
	pre := flag.NewFlagSet("tlsnc", flag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	pre.SetOutput(devNull{})
	path := pre.String("config", "", "")
	pre.BoolP("help", "h", false, "")
	if err := pre.Parse(args); err != nil {
		return ""
	}
	return *path
}

type devNull struct{}

func (devNull) Write(p []byte) (int, error) { return len(p), nil }

func serveMetrics(ctx context.Context, addr string, stack *core.Stack, logger *util.Logger) error {
	reg := prometheus.NewRegistry()
	if err := stack.Metrics.Register(reg, stack.Pool); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	go func() {
		if err := metrics.Serve(ctx, addr, reg, logger); err != nil {
			logger.Warn("metrics endpoint: %v", err)
		}
	}()
	return nil
}

func parsePositional(cfg *config.Config, remaining []string) error {
	if cfg.Listen {
		switch len(remaining) {
		case 0: // tlsnc -l -p PORT
		case 1:
			cfg.Host = remaining[0]
		case 2:
			cfg.Host = remaining[0]
			pr, err := config.ParsePortSpec(remaining[1])
			if err != nil {
				return fmt.Errorf("port: %w", err)
			}
			if cfg.LocalPort == 0 {
				cfg.LocalPort = pr.Start
			}
		default:
			return fmt.Errorf("too many arguments for listen mode")
		}
		return nil
	}

	// Connect / probe mode: host port [port …]
	if len(remaining) < 1 {
		if cfg.Host != "" {
			return nil // from config file or environment
		}
		return fmt.Errorf("hostname required (use --help for usage)")
	}
	cfg.Host = remaining[0]

	if len(remaining) < 2 {
		if cfg.Port > 0 {
			return nil
		}
		return fmt.Errorf("port required")
	}

	cfg.Ports = nil
	for _, arg := range remaining[1:] {
		pr, err := config.ParsePortSpec(arg)
		if err != nil {
			return fmt.Errorf("port %q: %w", arg, err)
		}
		cfg.Ports = append(cfg.Ports, pr)
	}
	cfg.Port = cfg.Ports[0].Start
	return nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `tlsnc – TLS netcat v%s

A netcat that speaks TLS, driven through a non-blocking TLS filter.

Usage:
  tlsnc [options] <host> <port>               Connect (TLS client)
  tlsnc -l -p <port> [options]                Listen (TLS server)
  tlsnc -z [options] <host> <ports...>        Probe TLS services
  tlsnc -T user@gateway <host> <port>         Connect through SSH

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  tlsnc example.com 443                           TLS connect
  tlsnc --ca ca.pem --alpn h2 api.internal 8443   Verify against a private CA
  tlsnc -l -p 8443 --cert srv.pem --key srv.key   Serve on 8443
  tlsnc -l -k -p 8443 --event-loop -e /bin/cat    Echo server on gnet
  tlsnc -vz mail.example.com 465 993 995          Probe ports
  tlsnc -T admin@bastion db-internal 5433         TLS through an SSH tunnel
`)
}
