package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tlsnc/util"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := make(map[string]float64)
	for _, mf := range families {
		m := mf.GetMetric()[0]
		switch {
		case m.GetCounter() != nil:
			out[mf.GetName()] = m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			out[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	return out
}

func TestRegister_ReadsAtScrape(t *testing.T) {
	c := New()
	pool := util.NewBufferPool()
	reg := prometheus.NewRegistry()
	if err := c.Register(reg, pool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	c.ConnectionOpened()
	c.HandshakeCompleted()
	c.BytesSent(100)
	b := pool.Acquire(512)

	got := gather(t, reg)
	want := map[string]float64{
		"tlsnc_connections_active":          1,
		"tlsnc_handshakes_completed_total":  1,
		"tlsnc_ciphertext_sent_bytes_total": 100,
		"tlsnc_buffers_outstanding":         1,
		"tlsnc_buffers_acquired_total":      1,
		"tlsnc_plaintext_sent_bytes_total":  0,
		"tlsnc_handshakes_failed_total":     0,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %v, want %v", name, got[name], v)
		}
	}

	pool.Release(b)
	if v := gather(t, reg)["tlsnc_buffers_outstanding"]; v != 0 {
		t.Errorf("outstanding after release = %v", v)
	}
}

func TestRegister_WithoutPool(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := New().Register(reg, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := gather(t, reg)["tlsnc_buffers_outstanding"]; ok {
		t.Error("pool metrics registered without a pool")
	}
}

func TestRegister_Twice(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New()
	if err := c.Register(reg, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Register(reg, nil); err == nil {
		t.Error("second Register on the same registry should fail")
	}
}

func TestServe_ExposesMetrics(t *testing.T) {
	c := New()
	c.ConnectionOpened()
	reg := prometheus.NewRegistry()
	if err := c.Register(reg, nil); err != nil {
		t.Fatal(err)
	}

	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, reg, util.NewLogger(0)) }()

	var body string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		body = string(raw)
		break
	}
	if !strings.Contains(body, "tlsnc_connections_total 1") {
		t.Errorf("scrape missing connections_total:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
