package certs

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tlsnc/internal/metrics"
	"tlsnc/util"
)

// reloadDelay lets editors and cert managers finish writing both files
// before the pair is read again.
const reloadDelay = 100 * time.Millisecond

// Reloader serves a certificate pair from disk and swaps it when the
// files change.  Connections already established keep the certificate
// they negotiated with.
type Reloader struct {
	certFile string
	keyFile  string
	logger   *util.Logger
	metrics  *metrics.Collector

	mu   sync.RWMutex
	cert *tls.Certificate
}

// NewReloader loads the pair once.  Call Watch to follow changes.
func NewReloader(certFile, keyFile string, logger *util.Logger, m *metrics.Collector) (*Reloader, error) {
	r := &Reloader{certFile: certFile, keyFile: keyFile, logger: logger, metrics: m}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload reads the pair from disk.  On error the previous certificate
// stays in use.
func (r *Reloader) Reload() error {
	cert, err := LoadPair(r.certFile, r.keyFile)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}

// GetCertificate is a tls.Config.GetCertificate hook.
func (r *Reloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

// GetClientCertificate is a tls.Config.GetClientCertificate hook.
func (r *Reloader) GetClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

// Watch reloads the pair whenever either file is written or replaced,
// until ctx is cancelled.  The directories are watched rather than the
// files so atomic renames are seen too.
func (r *Reloader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	dirs := map[string]bool{}
	for _, f := range []string{r.certFile, r.keyFile} {
		dir := filepath.Dir(f)
		if dirs[dir] {
			continue
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		dirs[dir] = true
	}
	r.logger.Verbose("watching %s and %s for changes", r.certFile, r.keyFile)

	go r.loop(ctx, w)
	return nil
}

func (r *Reloader) loop(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()

	certPath, _ := filepath.Abs(r.certFile)
	keyPath, _ := filepath.Abs(r.keyFile)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			name, _ := filepath.Abs(ev.Name)
			if name != certPath && name != keyPath {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			r.logger.Debug("certificate file %s: %s", ev.Name, ev.Op)
			// coalesce bursts of writes into one reload
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := r.Reload(); err != nil {
				r.logger.Warn("certificate reload failed: %v", err)
				r.metrics.RecordError(err.Error())
				continue
			}
			r.metrics.CertReloaded()
			r.logger.Info("reloaded certificate %s", r.certFile)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Warn("certificate watcher: %v", err)
		}
	}
}
