package core

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"tlsnc/config"
	"tlsnc/endpoint"
	"tlsnc/internal/session"
	"tlsnc/internal/transport"
	"tlsnc/tlsengine"
	"tlsnc/util"
)

// ProbeResult records what one port answered.
type ProbeResult struct {
	Port  int
	Open  bool // TCP connect succeeded
	TLS   bool // handshake completed
	State tls.ConnectionState
	Err   error
}

// ProbeMode connects to each port, completes a TLS handshake through
// the filter and reports the negotiated parameters.  No application
// data is sent.
type ProbeMode struct {
	Dialer  transport.Dialer
	TLS     *tls.Config
	Host    string
	Ports   []int
	Timeout time.Duration
	Stack   *Stack
}

// Run probes all configured ports and logs the results.  The dialer is
// closed when Run returns.
func (m *ProbeMode) Run(ctx context.Context) error {
	defer m.Dialer.Close()
	log := m.Stack.Logger

	if len(m.Ports) == 0 {
		return fmt.Errorf("no ports specified for probing")
	}
	log.Verbose("probing %s - %d port(s)", m.Host, len(m.Ports))

	found := 0
	for _, r := range m.ProbePorts(ctx) {
		switch {
		case r.TLS:
			found++
			log.Info("%s %d/tcp tls %s", m.Host, r.Port, session.DescribeState(r.State))
		case r.Open:
			log.Info("%s %d/tcp open, handshake failed: %v", m.Host, r.Port, r.Err)
		default:
			log.Verbose("%s %d/tcp closed - %v", m.Host, r.Port, r.Err)
		}
	}
	if found == 0 {
		log.Verbose("no TLS services found on %s", m.Host)
	}
	return nil
}

// ProbePorts probes every port concurrently and returns results in the
// order of m.Ports.
func (m *ProbeMode) ProbePorts(ctx context.Context) []ProbeResult {
	timeout := m.Timeout
	if timeout == 0 {
		timeout = config.DefaultProbeTimeout
	}

	results := make([]ProbeResult, len(m.Ports))
	sem := make(chan struct{}, config.DefaultMaxConcurrentProbes)
	var wg sync.WaitGroup

	for i, port := range m.Ports {
		wg.Add(1)
		go func(idx, p int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			results[idx] = m.probe(pctx, p)
		}(i, port)
	}

	wg.Wait()
	return results
}

func (m *ProbeMode) probe(ctx context.Context, port int) ProbeResult {
	res := ProbeResult{Port: port}
	addr := util.FormatAddr(m.Host, port)

	conn, err := m.Dialer.Dial(ctx, "tcp", addr)
	if err != nil {
		res.Err = err
		return res
	}
	res.Open = true

	f, err := m.Stack.filter(tlsengine.Client(m.TLS), endpoint.NewSocket(conn, m.Stack.Executor, 0))
	if err != nil {
		res.Err = err
		return res
	}
	defer f.Close()

	// A pending read is what carries the handshake past the first
	// flight; it ends when f closes.
	pc := endpoint.NewConn(f.Endpoint())
	go pc.Read(make([]byte, 1)) //nolint:errcheck

	if err := f.Handshake(ctx); err != nil {
		res.Err = err
		return res
	}
	res.TLS = true
	res.State, _ = f.Endpoint().ConnectionState()
	return res
}
