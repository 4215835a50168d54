package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Config file  (file.go)
//   4. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the TLSNC_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  Call it before flag parsing
// so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	setString(&cfg.Host, "TLSNC_HOST")
	if v := envInt("TLSNC_PORT"); v > 0 {
		cfg.LocalPort = v
	}
	setBool(&cfg.Listen, "TLSNC_LISTEN")
	setBool(&cfg.NoDNS, "TLSNC_NO_DNS")
	setBool(&cfg.KeepOpen, "TLSNC_KEEP_OPEN")
	if v := envInt("TLSNC_TIMEOUT"); v > 0 {
		cfg.Timeout = secondsDuration(v)
	}

	// TLS
	setString(&cfg.CertFile, "TLSNC_CERT")
	setString(&cfg.KeyFile, "TLSNC_KEY")
	setString(&cfg.CAFile, "TLSNC_CA")
	setString(&cfg.ServerName, "TLSNC_SERVER_NAME")
	setString(&cfg.MinVersion, "TLSNC_MIN_VERSION")
	setBool(&cfg.Insecure, "TLSNC_INSECURE")
	setBool(&cfg.WatchCerts, "TLSNC_WATCH_CERTS")
	if v := os.Getenv("TLSNC_ALPN"); v != "" {
		cfg.ALPN = splitList(v)
	}

	// Listener and dialing
	setBool(&cfg.EventLoop, "TLSNC_EVENT_LOOP")
	setBool(&cfg.Multicore, "TLSNC_MULTICORE")
	if v := envInt("TLSNC_RETRIES"); v > 0 {
		cfg.DialRetries = v
	}

	// SSH tunnel
	setString(&cfg.TunnelSpec, "TLSNC_TUNNEL")
	setString(&cfg.SSHKeyPath, "TLSNC_SSH_KEY")
	setBool(&cfg.SSHPassword, "TLSNC_SSH_PASSWORD")
	setBool(&cfg.UseSSHAgent, "TLSNC_SSH_AGENT")
	setBool(&cfg.StrictHostKey, "TLSNC_STRICT_HOSTKEY")
	setString(&cfg.KnownHostsPath, "TLSNC_KNOWN_HOSTS")
	if v := envInt("TLSNC_KEEP_ALIVE"); v > 0 {
		cfg.KeepAliveInterval = v
	}

	// Output
	if v := envInt("TLSNC_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	setString(&cfg.MetricsAddr, "TLSNC_METRICS_ADDR")
}

// ── helpers ──────────────────────────────────────────────────────────

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if envBool(key) {
		*dst = true
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}

// splitList splits a comma separated list, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
