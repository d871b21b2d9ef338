package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/deconfliction-viewer/internal/config"
	"github.com/signalsfoundry/deconfliction-viewer/internal/logging"
)

func TestApplyFlagsOverridesOnlySetValues(t *testing.T) {
	base := config.Default()
	cfg := applyFlags(base, ":7000", "", ":6000", "http://analysis:5000")
	if cfg.HTTP.Addr != ":7000" || cfg.GRPC.Addr != ":6000" || cfg.Analysis.BaseURL != "http://analysis:5000" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.Metrics.Addr != base.Metrics.Addr {
		t.Fatalf("empty flag changed metrics addr to %q", cfg.Metrics.Addr)
	}
}

func TestRunLoadsFlightsAndStopsOnCancel(t *testing.T) {
	var flightHits atomic.Int32
	analysisSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/simulated-flights":
			flightHits.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"drone_id":"sim-1","start_time":0,"end_time":10,"waypoints":[{"x":0,"y":0,"z":0},{"x":10,"y":0,"z":0}]}]`))
		case "/api/health":
			_, _ = w.Write([]byte(`{"status":"healthy"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(analysisSrv.Close)

	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.Analysis.BaseURL = analysisSrv.URL
	cfg.Tracing.Enabled = false

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, logging.Noop(), prometheus.NewRegistry()) }()

	deadline := time.Now().Add(2 * time.Second)
	for flightHits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if flightHits.Load() == 0 {
		cancel()
		t.Fatalf("simulated flights were not requested on startup")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

func TestRunFailsOnBadListenAddr(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:-1"
	cfg.Metrics.Addr = ""
	cfg.GRPC.Addr = ""
	cfg.Analysis.LoadOnStartup = false

	if err := run(context.Background(), cfg, logging.Noop(), prometheus.NewRegistry()); err == nil {
		t.Fatalf("expected listen error")
	}
}
