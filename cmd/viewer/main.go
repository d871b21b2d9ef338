// Command viewer runs the deconfliction viewer: it forwards missions to the
// analysis service and streams the animated scene to browsers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/deconfliction-viewer/core"
	"github.com/signalsfoundry/deconfliction-viewer/internal/analysis"
	"github.com/signalsfoundry/deconfliction-viewer/internal/config"
	"github.com/signalsfoundry/deconfliction-viewer/internal/logging"
	"github.com/signalsfoundry/deconfliction-viewer/internal/observability"
	"github.com/signalsfoundry/deconfliction-viewer/internal/rpc"
	"github.com/signalsfoundry/deconfliction-viewer/internal/session"
	sim "github.com/signalsfoundry/deconfliction-viewer/internal/sim/state"
	"github.com/signalsfoundry/deconfliction-viewer/internal/ui"
	"github.com/signalsfoundry/deconfliction-viewer/timectrl"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	httpAddr := flag.String("http-addr", "", "Override the HTTP/websocket listen address")
	metricsAddr := flag.String("metrics-addr", "", "Override the Prometheus /metrics address")
	grpcAddr := flag.String("grpc-addr", "", "Override the gRPC health address")
	analysisURL := flag.String("analysis-url", "", "Override the analysis service base URL")
	flag.Parse()

	// config selects the real logger; startup failures use the env-only one
	bootLog := logging.NewFromEnv()
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Error(context.Background(), "failed to load config", logging.String("path", *configPath), logging.Err(err))
		os.Exit(2)
	}
	cfg = applyFlags(cfg, *httpAddr, *metricsAddr, *grpcAddr, *analysisURL)
	if err := cfg.Validate(); err != nil {
		bootLog.Error(context.Background(), "invalid config", logging.Err(err))
		os.Exit(2)
	}

	log := logging.New(cfg.LoggingConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, prometheus.DefaultRegisterer); err != nil {
		log.Error(context.Background(), "viewer exited", logging.Err(err))
		os.Exit(1)
	}
}

// applyFlags overlays non-empty command-line overrides onto cfg.
func applyFlags(cfg config.Config, httpAddr, metricsAddr, grpcAddr, analysisURL string) config.Config {
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}
	if analysisURL != "" {
		cfg.Analysis.BaseURL = analysisURL
	}
	return cfg
}

// run wires the viewer and blocks until ctx is cancelled or a listener
// fails.
func run(ctx context.Context, cfg config.Config, log logging.Logger, reg prometheus.Registerer) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.TracingConfig(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewViewerCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	clock := timectrl.NewSimClock(cfg.Playback.Speed)
	state := sim.NewSimulationState(clock, log,
		sim.WithMetricsRecorder(collector),
		sim.WithAutoplay(cfg.Playback.Autoplay),
	)

	hub := ui.NewHub(nil, log,
		ui.WithClientGauge(collector),
		ui.WithClientQueue(cfg.UI.ClientQueue),
	)
	coord := core.NewSceneCoordinator(state.Clock(), state.Registry(), state.Overlay(), hub, hub,
		core.WithFrameRecorder(collector),
	)
	hub.SetControls(coord)

	client, err := analysis.NewClient(cfg.Analysis.BaseURL,
		analysis.WithTimeout(cfg.Analysis.Timeout),
		analysis.WithLogger(log),
		analysis.WithRequestRecorder(collector),
	)
	if err != nil {
		return fmt.Errorf("analysis client: %w", err)
	}
	sess := session.New(client, state, coord,
		session.WithResultSink(hub),
		session.WithLogger(log),
	)

	httpLis, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", cfg.HTTP.Addr, err)
	}
	httpSrv := &http.Server{
		Handler: ui.NewRouter(ui.API{
			Hub:       hub,
			Submitter: sess,
			Controls:  coord,
			State:     state,
			Log:       log,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	var metricsSrv *http.Server
	var metricsLis net.Listener
	if cfg.Metrics.Addr != "" {
		if metricsLis, err = net.Listen("tcp", cfg.Metrics.Addr); err != nil {
			_ = httpLis.Close()
			return fmt.Errorf("listen metrics %s: %w", cfg.Metrics.Addr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsSrv = &http.Server{Handler: mux}
	}

	var grpcSrv *rpc.Server
	var grpcLis net.Listener
	if cfg.GRPC.Addr != "" {
		if grpcLis, err = net.Listen("tcp", cfg.GRPC.Addr); err != nil {
			_ = httpLis.Close()
			if metricsLis != nil {
				_ = metricsLis.Close()
			}
			return fmt.Errorf("listen grpc %s: %w", cfg.GRPC.Addr, err)
		}
		grpcSrv = rpc.NewServer(log, collector)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		loop := timectrl.NewFrameLoop(cfg.Playback.FrameInterval, cfg.StepMode())
		if grpcSrv != nil {
			grpcSrv.SetServing(rpc.ServiceViewer, true)
			defer grpcSrv.SetServing(rpc.ServiceViewer, false)
		}
		if err := loop.Run(gctx, coord.Frame); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.Info(gctx, "serving viewer", logging.String("addr", httpLis.Addr().String()))
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if metricsSrv != nil {
		g.Go(func() error {
			log.Info(gctx, "serving Prometheus metrics", logging.String("addr", metricsLis.Addr().String()))
			if err := metricsSrv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if grpcSrv != nil {
		g.Go(func() error {
			log.Info(gctx, "serving gRPC health", logging.String("addr", grpcLis.Addr().String()))
			if err := grpcSrv.Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			grpcSrv.WatchUpstream(gctx, client, rpc.DefaultProbeInterval)
			return nil
		})
	}

	if cfg.Analysis.LoadOnStartup {
		sess.LoadFlights(gctx)
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down viewer")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		sess.Close()
		hub.Close()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn(shutdownCtx, "http shutdown failed", logging.Err(err))
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		if grpcSrv != nil {
			grpcSrv.Stop(shutdownCtx)
		}
		return nil
	})

	return g.Wait()
}
