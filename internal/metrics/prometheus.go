package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tlsnc/util"
)

const namespace = "tlsnc"

// Register exposes the collector's counters on reg.  The values are read
// at scrape time, so the hot path keeps using plain atomics.  When pool
// is non-nil its acquire/release accounting is exported too.
func (c *Collector) Register(reg prometheus.Registerer, pool *util.BufferPool) error {
	counter := func(name, help string, load func() int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help,
		}, func() float64 { return float64(load()) })
	}
	gauge := func(name, help string, load func() int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: name, Help: help,
		}, func() float64 { return float64(load()) })
	}

	cs := []prometheus.Collector{
		gauge("connections_active", "Number of open TLS filter connections", c.ActiveConnections),
		counter("connections_total", "Total TLS filter connections opened", c.TotalConnections),
		counter("ciphertext_received_bytes_total", "Ciphertext bytes read from transports", c.TotalBytesIn),
		counter("ciphertext_sent_bytes_total", "Ciphertext bytes written to transports", c.TotalBytesOut),
		counter("plaintext_received_bytes_total", "Decrypted bytes delivered to the application", c.TotalPlaintextIn),
		counter("plaintext_sent_bytes_total", "Application bytes encrypted", c.TotalPlaintextOut),
		counter("handshakes_completed_total", "TLS handshakes completed", c.HandshakesCompleted),
		counter("handshakes_failed_total", "TLS handshakes aborted by an engine error", c.HandshakesFailed),
		counter("dial_retries_total", "Outbound dials retried", c.DialRetries),
		counter("cert_reloads_total", "Certificate hot reloads", c.CertReloads),
		counter("errors_total", "Errors recorded", c.ErrorCount),
	}
	if pool != nil {
		cs = append(cs,
			counter("buffers_acquired_total", "Buffers acquired from the pool", func() int64 { return pool.Stats().Acquired }),
			counter("buffers_released_total", "Buffers released to the pool", func() int64 { return pool.Stats().Released }),
			gauge("buffers_outstanding", "Buffers currently held by connections", func() int64 { return pool.Stats().Outstanding }),
		)
	}
	for _, col := range cs {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// Serve exposes reg on addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger *util.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Verbose("metrics on http://%s/metrics", ln.Addr())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
