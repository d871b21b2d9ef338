// Package rpc serves the viewer's gRPC health endpoint for orchestrators.
package rpc

import (
	"context"
	"errors"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/deconfliction-viewer/internal/logging"
	"github.com/signalsfoundry/deconfliction-viewer/internal/observability"
)

// Health service names reported alongside the overall ("") status.
const (
	ServiceViewer   = "deconfliction.Viewer"
	ServiceAnalysis = "deconfliction.Analysis"

	// DefaultProbeInterval is how often WatchUpstream probes the analysis
	// service.
	DefaultProbeInterval = 15 * time.Second
)

// Checker probes a dependency; analysis.Client satisfies it.
type Checker interface {
	Health(ctx context.Context) error
}

// Server wraps a grpc.Server exposing grpc.health.v1.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    logging.Logger
}

// NewServer builds the server with request-id, tracing and metrics
// interceptors chained in that order. Every service starts NOT_SERVING.
func NewServer(log logging.Logger, collector *observability.ViewerCollector, opts ...grpc.ServerOption) *Server {
	if log == nil {
		log = logging.Noop()
	}
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RequestIDUnaryServerInterceptor(log),
			TracingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
	}
	s := &Server{
		grpc:   grpc.NewServer(append(base, opts...)...),
		health: health.NewServer(),
		log:    log,
	}
	for _, svc := range []string{"", ServiceViewer, ServiceAnalysis} {
		s.health.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// SetServing flips the status of service. The overall status follows the
// viewer.
func (s *Server) SetServing(service string, serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, st)
	if service == ServiceViewer {
		s.health.SetServingStatus("", st)
	}
}

// WatchUpstream probes checker every interval and mirrors the result onto
// ServiceAnalysis until ctx is done.
func (s *Server) WatchUpstream(ctx context.Context, checker Checker, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	serving := false
	probe := func() {
		err := checker.Health(ctx)
		if ctx.Err() != nil {
			return
		}
		ok := err == nil
		if ok != serving {
			if ok {
				s.log.Info(ctx, "analysis service reachable")
			} else {
				s.log.Warn(ctx, "analysis service unreachable", logging.Err(err))
			}
		}
		serving = ok
		s.SetServing(ServiceAnalysis, ok)
	}

	probe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// Serve blocks accepting connections on lis. A server stopped before Serve
// runs returns nil.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs, forcing
// the stop once ctx is done.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn(ctx, "grpc graceful stop timed out; forcing")
		s.grpc.Stop()
		<-done
	}
}
