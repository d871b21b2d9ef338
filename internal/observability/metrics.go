package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// ViewerCollector bundles Prometheus metrics for the viewer: the frame loop,
// the simulated clock, analysis-service requests and the gRPC surface.
type ViewerCollector struct {
	gatherer prometheus.Gatherer

	Frames       prometheus.Counter
	SimTime      prometheus.Gauge
	SimFraction  prometheus.Gauge
	Playing      prometheus.Gauge
	Trajectories prometheus.Gauge
	Conflicts    prometheus.Gauge

	AnalysisRequests  *prometheus.CounterVec
	AnalysisDurations *prometheus.HistogramVec
	StaleResponses    prometheus.Counter

	WebsocketClients prometheus.Gauge

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewViewerCollector registers viewer metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewViewerCollector(reg prometheus.Registerer) (*ViewerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &ViewerCollector{gatherer: gatherer}
	var err error

	if c.Frames, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "viewer_frames_total",
		Help: "Total number of scene frames rendered.",
	}), "viewer_frames_total"); err != nil {
		return nil, err
	}
	if c.SimTime, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "viewer_sim_time_seconds",
		Help: "Current simulated clock time in mission seconds.",
	}), "viewer_sim_time_seconds"); err != nil {
		return nil, err
	}
	if c.SimFraction, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "viewer_sim_fraction",
		Help: "Current position of the clock within its active range (may exceed 1 on overshoot).",
	}), "viewer_sim_fraction"); err != nil {
		return nil, err
	}
	if c.Playing, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "viewer_playing",
		Help: "1 while the simulated clock is playing, 0 otherwise.",
	}), "viewer_playing"); err != nil {
		return nil, err
	}
	if c.Trajectories, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "viewer_trajectories",
		Help: "Number of trajectories currently tracked (primary plus secondaries).",
	}), "viewer_trajectories"); err != nil {
		return nil, err
	}
	if c.Conflicts, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "viewer_conflicts",
		Help: "Number of conflict markers from the latest analysis.",
	}), "viewer_conflicts"); err != nil {
		return nil, err
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analysis_requests_total",
		Help: "Total number of analysis-service requests, labeled by operation and outcome.",
	}, []string{"operation", "outcome"})
	if c.AnalysisRequests, err = registerCounterVec(reg, requests, "analysis_requests_total"); err != nil {
		return nil, err
	}
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "analysis_request_duration_seconds",
		Help:    "Analysis-service request latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"operation"})
	if c.AnalysisDurations, err = registerHistogramVec(reg, durations, "analysis_request_duration_seconds"); err != nil {
		return nil, err
	}
	if c.StaleResponses, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analysis_stale_responses_total",
		Help: "Analysis responses discarded because a newer mission was submitted.",
	}), "analysis_stale_responses_total"); err != nil {
		return nil, err
	}

	if c.WebsocketClients, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "viewer_websocket_clients",
		Help: "Number of connected websocket clients.",
	}), "viewer_websocket_clients"); err != nil {
		return nil, err
	}

	rpcRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_requests_total",
		Help: "Total number of handled gRPC calls, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"})
	if c.RPCRequests, err = registerCounterVec(reg, rpcRequests, "rpc_requests_total"); err != nil {
		return nil, err
	}
	rpcDurations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rpc_request_duration_seconds",
		Help:    "gRPC call latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"})
	if c.RPCDurations, err = registerHistogramVec(reg, rpcDurations, "rpc_request_duration_seconds"); err != nil {
		return nil, err
	}

	return c, nil
}

// ObserveFrame satisfies core.FrameRecorder.
func (c *ViewerCollector) ObserveFrame(now, fraction float64, playing bool) {
	if c == nil {
		return
	}
	c.Frames.Inc()
	c.SimTime.Set(now)
	c.SimFraction.Set(fraction)
	if playing {
		c.Playing.Set(1)
	} else {
		c.Playing.Set(0)
	}
}

// SetSceneCounts satisfies the state.MetricsRecorder interface so
// SimulationState can drive gauge values directly from its mutators.
func (c *ViewerCollector) SetSceneCounts(trajectories, conflicts int) {
	if c == nil {
		return
	}
	c.Trajectories.Set(float64(trajectories))
	c.Conflicts.Set(float64(conflicts))
}

// IncStaleResponses counts an analysis response dropped as superseded.
func (c *ViewerCollector) IncStaleResponses() {
	if c == nil {
		return
	}
	c.StaleResponses.Inc()
}

// ObserveRequest records one analysis-service call.
func (c *ViewerCollector) ObserveRequest(operation, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.AnalysisRequests.WithLabelValues(operation, outcome).Inc()
	c.AnalysisDurations.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// SetWebsocketClients records the number of connected websocket clients.
func (c *ViewerCollector) SetWebsocketClients(n int) {
	if c == nil {
		return
	}
	c.WebsocketClients.Set(float64(n))
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *ViewerCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ViewerCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
