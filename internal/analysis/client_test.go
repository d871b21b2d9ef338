package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/signalsfoundry/deconfliction-viewer/internal/logging"
	"github.com/signalsfoundry/deconfliction-viewer/model"
)

type recordedRequest struct {
	operation string
	outcome   string
}

type stubRecorder struct {
	requests []recordedRequest
}

func (r *stubRecorder) ObserveRequest(operation, outcome string, _ time.Duration) {
	r.requests = append(r.requests, recordedRequest{operation: operation, outcome: outcome})
}

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClientRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:5000", "ftp://host", "http://"} {
		if _, err := NewClient(raw); !errors.Is(err, ErrInvalidBaseURL) {
			t.Fatalf("NewClient(%q) err = %v, want ErrInvalidBaseURL", raw, err)
		}
	}
}

func TestFetchFlightsAssignsTimestamps(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/simulated-flights" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[
			{"drone_id":"sim-1","start_time":0,"end_time":100,
			 "waypoints":[{"x":0,"y":0,"z":0},{"x":10,"y":0,"z":0}]},
			{"drone_id":"sim-2","start_time":5,"end_time":50,"speed":7,
			 "waypoints":[{"x":1,"y":1,"z":1,"timestamp":5},{"x":2,"y":1,"z":1,"timestamp":50}]}
		]`)
	}))

	flights, err := c.FetchFlights(context.Background())
	if err != nil {
		t.Fatalf("FetchFlights: %v", err)
	}
	if len(flights) != 2 {
		t.Fatalf("got %d flights, want 2", len(flights))
	}
	if got := flights[0].Waypoints[1].Timestamp; got != 100 {
		t.Fatalf("assigned timestamp = %v, want 100", got)
	}
	if flights[0].Speed != model.DefaultSpeed || flights[1].Speed != 7 {
		t.Fatalf("speeds = %v, %v", flights[0].Speed, flights[1].Speed)
	}
}

func TestAnalyzeSendsEnvelopeAndDecodesConflicts(t *testing.T) {
	var got MissionEnvelope
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-ID") != "req-42" {
			t.Errorf("X-Request-ID = %q", r.Header.Get("X-Request-ID"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"conflict","message":"Conflicts detected","conflicts":[
			{"time":150,"location":[50,50,10],"involved_flights":["primary","sim-1"],"distance":4.5}]}`)
	}))

	mission := model.Mission{
		DroneID:      "drone-9",
		StartTime:    100,
		EndTime:      200,
		Speed:        5,
		SafetyBuffer: 10,
		Waypoints:    []model.Waypoint{{X: 0, Timestamp: 100}, {X: 100, Timestamp: 200}},
	}
	ctx := logging.ContextWithRequestID(context.Background(), "req-42")
	res, err := c.Analyze(ctx, mission)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if got.Mission.DroneID != "drone-9" || len(got.Mission.Waypoints) != 2 || *got.Mission.Waypoints[1].Timestamp != 200 {
		t.Fatalf("unexpected request envelope: %+v", got.Mission)
	}
	if res.Status != model.StatusConflict || len(res.Conflicts) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	cf := res.Conflicts[0]
	if cf.Location != (model.Position{X: 50, Y: 50, Z: 10}) || cf.Time != 150 || cf.Distance != 4.5 || len(cf.Involved) != 2 {
		t.Fatalf("unexpected conflict: %+v", cf)
	}
}

func TestAnalyzeServiceError(t *testing.T) {
	recorder := &stubRecorder{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"status":"error","message":"end_time must be greater than start_time"}`)
	}), WithRequestRecorder(recorder))

	_, err := c.Analyze(context.Background(), model.Mission{DroneID: "d"})
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("err = %v, want *ServiceError", err)
	}
	if svcErr.StatusCode != http.StatusBadRequest || svcErr.Message != "end_time must be greater than start_time" {
		t.Fatalf("unexpected service error: %+v", svcErr)
	}
	if len(recorder.requests) != 1 || recorder.requests[0] != (recordedRequest{OpAnalyze, "service_error"}) {
		t.Fatalf("recorded = %+v", recorder.requests)
	}
}

func TestAnalyzeMalformedLocation(t *testing.T) {
	recorder := &stubRecorder{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"conflict","conflicts":[{"time":1,"location":[1,2],"involved_flights":[],"distance":1}]}`)
	}), WithRequestRecorder(recorder))
	_, err := c.Analyze(context.Background(), model.Mission{DroneID: "d"})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
	if len(recorder.requests) != 1 || recorder.requests[0] != (recordedRequest{OpAnalyze, "malformed"}) {
		t.Fatalf("recorded = %+v, want one malformed analyze", recorder.requests)
	}
}

func TestAnalyzeUnknownStatusCountsAsMalformed(t *testing.T) {
	recorder := &stubRecorder{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"maybe"}`)
	}), WithRequestRecorder(recorder))
	_, err := c.Analyze(context.Background(), model.Mission{DroneID: "d"})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
	if len(recorder.requests) != 1 || recorder.requests[0].outcome != "malformed" {
		t.Fatalf("recorded = %+v, want malformed", recorder.requests)
	}
}

func TestFetchFlightsInvalidFlightCountsAsMalformed(t *testing.T) {
	recorder := &stubRecorder{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"drone_id":"","start_time":0,"end_time":10,"waypoints":[{"x":0,"y":0,"z":0}]}]`)
	}), WithRequestRecorder(recorder))
	if _, err := c.FetchFlights(context.Background()); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
	if len(recorder.requests) != 1 || recorder.requests[0] != (recordedRequest{OpFlights, "malformed"}) {
		t.Fatalf("recorded = %+v, want one malformed flights", recorder.requests)
	}
}

func TestAnalyzeNonJSONBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html>oops</html>`)
	}))
	_, err := c.Analyze(context.Background(), model.Mission{DroneID: "d"})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	recorder := &stubRecorder{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), WithTimeout(20*time.Millisecond), WithRequestRecorder(recorder))
	defer close(release)

	_, err := c.FetchFlights(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if len(recorder.requests) != 1 || recorder.requests[0].outcome != "timeout" {
		t.Fatalf("recorded = %+v", recorder.requests)
	}
}

func TestHealth(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"status":"healthy"}`)
	}))
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}
