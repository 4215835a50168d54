// Package metrics provides lightweight, lock-free counters and gauges
// for tracking runtime statistics of tlsnc connections.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for TLS filter connections.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	connectionsActive   atomic.Int64
	connectionsTotal    atomic.Int64
	bytesIn             atomic.Int64 // ciphertext read from transports
	bytesOut            atomic.Int64 // ciphertext written to transports
	plaintextIn         atomic.Int64
	plaintextOut        atomic.Int64
	handshakesCompleted atomic.Int64
	handshakesFailed    atomic.Int64
	dialRetries         atomic.Int64
	certReloads         atomic.Int64
	errorsTotal         atomic.Int64

	mu            sync.RWMutex
	startTime     time.Time
	lastHandshake time.Time
	lastError     time.Time
	lastErrorMsg  string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Connection metrics ───────────────────────────────────────────────

// ConnectionOpened increments both the active and total counters.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed decrements the active connection counter.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
}

// ActiveConnections returns the current number of open connections.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime connection count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n ciphertext bytes read from the network.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n ciphertext bytes written to the network.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// PlaintextReceived records n decrypted bytes handed to the application.
func (c *Collector) PlaintextReceived(n int64) {
	if c == nil {
		return
	}
	c.plaintextIn.Add(n)
}

// PlaintextSent records n application bytes taken for encryption.
func (c *Collector) PlaintextSent(n int64) {
	if c == nil {
		return
	}
	c.plaintextOut.Add(n)
}

// TotalBytesIn returns total ciphertext bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total ciphertext bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// TotalPlaintextIn returns total plaintext bytes delivered.
func (c *Collector) TotalPlaintextIn() int64 {
	if c == nil {
		return 0
	}
	return c.plaintextIn.Load()
}

// TotalPlaintextOut returns total plaintext bytes encrypted.
func (c *Collector) TotalPlaintextOut() int64 {
	if c == nil {
		return 0
	}
	return c.plaintextOut.Load()
}

// ── Handshake metrics ────────────────────────────────────────────────

// HandshakeCompleted records a finished TLS handshake.
func (c *Collector) HandshakeCompleted() {
	if c == nil {
		return
	}
	c.handshakesCompleted.Add(1)
	c.mu.Lock()
	c.lastHandshake = time.Now()
	c.mu.Unlock()
}

// HandshakeFailed records a handshake aborted by an engine error.
func (c *Collector) HandshakeFailed() {
	if c == nil {
		return
	}
	c.handshakesFailed.Add(1)
}

// HandshakesCompleted returns the number of finished handshakes.
func (c *Collector) HandshakesCompleted() int64 {
	if c == nil {
		return 0
	}
	return c.handshakesCompleted.Load()
}

// HandshakesFailed returns the number of failed handshakes.
func (c *Collector) HandshakesFailed() int64 {
	if c == nil {
		return 0
	}
	return c.handshakesFailed.Load()
}

// ── Dial and certificate metrics ─────────────────────────────────────

// DialRetry records a retried outbound dial.
func (c *Collector) DialRetry() {
	if c == nil {
		return
	}
	c.dialRetries.Add(1)
}

// DialRetries returns the total number of dial retries.
func (c *Collector) DialRetries() int64 {
	if c == nil {
		return 0
	}
	return c.dialRetries.Load()
}

// CertReloaded records a certificate hot reload.
func (c *Collector) CertReloaded() {
	if c == nil {
		return
	}
	c.certReloads.Add(1)
}

// CertReloads returns the number of certificate reloads.
func (c *Collector) CertReloads() int64 {
	if c == nil {
		return 0
	}
	return c.certReloads.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime              string `json:"uptime"`
	ConnectionsActive   int64  `json:"connections_active"`
	ConnectionsTotal    int64  `json:"connections_total"`
	BytesIn             int64  `json:"bytes_in"`
	BytesOut            int64  `json:"bytes_out"`
	PlaintextIn         int64  `json:"plaintext_in"`
	PlaintextOut        int64  `json:"plaintext_out"`
	HandshakesCompleted int64  `json:"handshakes_completed"`
	HandshakesFailed    int64  `json:"handshakes_failed"`
	DialRetries         int64  `json:"dial_retries"`
	CertReloads         int64  `json:"cert_reloads"`
	ErrorsTotal         int64  `json:"errors_total"`
	LastHandshake       string `json:"last_handshake,omitempty"`
	LastError           string `json:"last_error,omitempty"`
	LastErrorMessage    string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:              time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive:   c.connectionsActive.Load(),
		ConnectionsTotal:    c.connectionsTotal.Load(),
		BytesIn:             c.bytesIn.Load(),
		BytesOut:            c.bytesOut.Load(),
		PlaintextIn:         c.plaintextIn.Load(),
		PlaintextOut:        c.plaintextOut.Load(),
		HandshakesCompleted: c.handshakesCompleted.Load(),
		HandshakesFailed:    c.handshakesFailed.Load(),
		DialRetries:         c.dialRetries.Load(),
		CertReloads:         c.certReloads.Load(),
		ErrorsTotal:         c.errorsTotal.Load(),
	}
	if !c.lastHandshake.IsZero() {
		s.LastHandshake = c.lastHandshake.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
