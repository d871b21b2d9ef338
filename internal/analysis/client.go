// Package analysis talks to the external deconfliction analysis service.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/deconfliction-viewer/internal/logging"
	"github.com/signalsfoundry/deconfliction-viewer/internal/observability"
	"github.com/signalsfoundry/deconfliction-viewer/model"
)

const (
	// DefaultTimeout bounds every request to the analysis service.
	DefaultTimeout = 10 * time.Second

	flightsPath = "/api/simulated-flights"
	analyzePath = "/api/analyze-mission"
	healthPath  = "/api/health"

	maxBodyBytes = 8 << 20
)

// Operation labels used for metrics and spans.
const (
	OpFlights = "flights"
	OpAnalyze = "analyze"
	OpHealth  = "health"
)

// ErrInvalidBaseURL is returned by NewClient for unusable service URLs.
var ErrInvalidBaseURL = errors.New("invalid analysis service URL")

// ServiceError is a non-2xx response from the analysis service.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("analysis service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("analysis service returned %d: %s", e.StatusCode, e.Message)
}

// RequestRecorder observes completed requests.
type RequestRecorder interface {
	ObserveRequest(operation, outcome string, elapsed time.Duration)
}

// Client is an HTTP client for the analysis service API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	log        logging.Logger
	metrics    RequestRecorder
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout overrides the per-request timeout. Non-positive values keep
// the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(log logging.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRequestRecorder attaches request metrics.
func WithRequestRecorder(r RequestRecorder) Option {
	return func(c *Client) {
		c.metrics = r
	}
}

// NewClient builds a client for the service rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidBaseURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidBaseURL)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		log:        logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// BaseURL returns the service root this client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// FetchFlights retrieves the previously simulated flights. Flights without
// timestamps get them assigned from path distance.
func (c *Client) FetchFlights(ctx context.Context) ([]model.Mission, error) {
	var flights []model.Mission
	err := c.do(ctx, OpFlights, http.MethodGet, flightsPath, nil, func(data []byte) error {
		var wire []MissionJSON
		if err := json.Unmarshal(data, &wire); err != nil {
			return err
		}
		flights = make([]model.Mission, 0, len(wire))
		for i, w := range wire {
			m, err := w.ToModel()
			if err != nil {
				return fmt.Errorf("%w: flight %d: %v", ErrMalformedResponse, i, err)
			}
			flights = append(flights, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return flights, nil
}

// Analyze submits mission for conflict analysis.
func (c *Client) Analyze(ctx context.Context, mission model.Mission) (model.AnalysisResult, error) {
	body, err := json.Marshal(MissionEnvelope{Mission: MissionToWire(mission)})
	if err != nil {
		return model.AnalysisResult{}, fmt.Errorf("encode mission: %w", err)
	}

	var result model.AnalysisResult
	err = c.do(ctx, OpAnalyze, http.MethodPost, analyzePath, body, func(data []byte) error {
		var wire ResultJSON
		if err := json.Unmarshal(data, &wire); err != nil {
			return err
		}
		converted, err := wire.ToModel()
		result = converted
		return err
	}, attribute.String("drone_id", mission.DroneID))
	if err != nil {
		return model.AnalysisResult{}, err
	}
	return result, nil
}

// Health checks that the service is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, OpHealth, http.MethodGet, healthPath, nil, nil)
}

// do issues one request. decode, when non-nil, converts a 2xx body and runs
// before the outcome is recorded, so conversion failures count as malformed.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte, decode func([]byte) error, attrs ...attribute.KeyValue) (err error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	attrs = append(attrs,
		attribute.String("http.method", method),
		attribute.String("analysis.operation", op),
	)
	ctx, span := observability.StartSpan(ctx, "analysis."+op, logging.RequestIDFromContext(ctx), trace.SpanKindClient, attrs...)
	defer func() {
		outcome := outcomeFor(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.log.Warn(ctx, "analysis request failed",
				logging.String("operation", op),
				logging.String("outcome", outcome),
				logging.Err(err),
			)
		}
		span.End()
		if c.metrics != nil {
			c.metrics.ObserveRequest(op, outcome, time.Since(start))
		}
	}()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := logging.RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", op, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return serviceError(resp.StatusCode, data)
	}
	if decode == nil {
		return nil
	}
	if err := decode(data); err != nil {
		if errors.Is(err, ErrMalformedResponse) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, op, err)
	}
	return nil
}

// serviceError extracts the message from an error body such as
// {"status": "error", "message": "..."}; otherwise the raw text is used.
func serviceError(code int, data []byte) *ServiceError {
	var body struct {
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(data))
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		msg = body.Message
	}
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &ServiceError{StatusCode: code, Message: msg}
}

func outcomeFor(err error) string {
	var svcErr *ServiceError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &svcErr):
		return "service_error"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	default:
		return "error"
	}
}
