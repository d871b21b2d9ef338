package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/signalsfoundry/deconfliction-viewer/internal/analysis"
	"github.com/signalsfoundry/deconfliction-viewer/internal/logging"
	"github.com/signalsfoundry/deconfliction-viewer/internal/sim/state"
	"github.com/signalsfoundry/deconfliction-viewer/model"
	"github.com/signalsfoundry/deconfliction-viewer/timectrl"
)

// queuePoster collects posted work until drain, like the coordinator does
// between frames.
type queuePoster struct {
	mu      sync.Mutex
	pending []func()
}

func (p *queuePoster) Post(fn func()) {
	p.mu.Lock()
	p.pending = append(p.pending, fn)
	p.mu.Unlock()
}

func (p *queuePoster) drain() {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

type capturingSink struct {
	results []Summary
}

func (c *capturingSink) SetResult(s Summary) { c.results = append(c.results, s) }

type fakeService struct {
	flights    []model.Mission
	flightsErr error

	// gates lets a test hold individual Analyze calls by drone id.
	gates  map[string]chan struct{}
	result func(model.Mission) (model.AnalysisResult, error)
}

func (f *fakeService) FetchFlights(context.Context) ([]model.Mission, error) {
	return f.flights, f.flightsErr
}

func (f *fakeService) Analyze(ctx context.Context, m model.Mission) (model.AnalysisResult, error) {
	if gate, ok := f.gates[m.DroneID]; ok {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.AnalysisResult{}, ctx.Err()
		}
	}
	return f.result(m)
}

func missionJSON(droneID string) []byte {
	return []byte(`{"mission":{"drone_id":"` + droneID + `","start_time":0,"end_time":100,"waypoints":[{"x":0,"y":0,"z":0},{"x":100,"y":0,"z":0}]}}`)
}

func newTestSession(svc Service) (*Session, *state.SimulationState, *queuePoster, *capturingSink) {
	st := state.NewSimulationState(timectrl.NewSimClock(1), logging.Noop())
	poster := &queuePoster{}
	sink := &capturingSink{}
	s := New(svc, st, poster, WithResultSink(sink), WithLogger(logging.Noop()))
	return s, st, poster, sink
}

func clearResult(model.Mission) (model.AnalysisResult, error) {
	return model.AnalysisResult{Status: model.StatusClear, Message: "No conflicts detected"}, nil
}

func TestSubmitRejectsInvalidInputSynchronously(t *testing.T) {
	svc := &fakeService{result: clearResult}
	s, st, poster, sink := newTestSession(svc)
	defer s.Close()

	_, err := s.Submit(context.Background(), []byte(`{"mission":{"drone_id":"d","start_time":10,"end_time":5,"waypoints":[{"x":0,"y":0,"z":0}]}}`))
	var verr *model.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	s.Wait()
	poster.drain()
	if st.LatestSubmission() != "" || st.Registry().Len() != 0 || len(sink.results) != 0 {
		t.Fatalf("input error mutated state")
	}
}

func TestSubmitAppliesOnNextFrame(t *testing.T) {
	svc := &fakeService{
		flights: []model.Mission{{
			DroneID: "sim-1", StartTime: 0, EndTime: 50, Speed: 5, SafetyBuffer: 10,
			Waypoints: []model.Waypoint{{Timestamp: 0}, {X: 5, Timestamp: 50}},
		}},
		result: func(model.Mission) (model.AnalysisResult, error) {
			return model.AnalysisResult{Status: model.StatusConflict, Conflicts: []model.ConflictEvent{{Time: 10, Involved: []string{"primary", "sim-1"}}}}, nil
		},
	}
	s, st, poster, sink := newTestSession(svc)
	defer s.Close()

	s.LoadFlights(context.Background())
	s.Wait()
	poster.drain()

	id, err := s.Submit(context.Background(), missionJSON("drone-1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.Wait()
	if st.Registry().Len() != 1 {
		t.Fatalf("analysis applied before the frame drained")
	}
	poster.drain()

	if st.Registry().Len() != 2 || st.Overlay().Len() != 1 {
		t.Fatalf("registry=%d overlay=%d, want 2 and 1", st.Registry().Len(), st.Overlay().Len())
	}
	if len(sink.results) != 1 {
		t.Fatalf("results = %+v", sink.results)
	}
	got := sink.results[0]
	if got.RequestID != id || got.Status != model.StatusConflict || got.TotalDrones != 2 || len(got.Conflicts) != 1 {
		t.Fatalf("summary = %+v", got)
	}
}

func TestSubmitLastSubmittedWins(t *testing.T) {
	gate := make(chan struct{})
	svc := &fakeService{
		gates:  map[string]chan struct{}{"slow": gate},
		result: clearResult,
	}
	s, st, poster, sink := newTestSession(svc)
	defer s.Close()

	if _, err := s.Submit(context.Background(), missionJSON("slow")); err != nil {
		t.Fatalf("Submit slow: %v", err)
	}
	fastID, err := s.Submit(context.Background(), missionJSON("fast"))
	if err != nil {
		t.Fatalf("Submit fast: %v", err)
	}

	close(gate)
	s.Wait()
	poster.drain()

	primary, ok := st.Registry().Primary()
	if !ok || primary.DroneID != "fast" {
		t.Fatalf("primary = %+v, want fast", primary)
	}
	if len(sink.results) != 1 || sink.results[0].RequestID != fastID {
		t.Fatalf("results = %+v, want only the fast submission", sink.results)
	}
}

func TestSubmitCollaboratorFailureReportsWithoutMutation(t *testing.T) {
	svc := &fakeService{result: func(model.Mission) (model.AnalysisResult, error) {
		return model.AnalysisResult{}, &analysis.ServiceError{StatusCode: 400, Message: "bad mission"}
	}}
	s, st, poster, sink := newTestSession(svc)
	defer s.Close()

	if _, err := s.Submit(context.Background(), missionJSON("d")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.Wait()
	poster.drain()

	if st.Registry().Len() != 0 || st.Clock().State() != timectrl.Stopped {
		t.Fatalf("collaborator failure mutated state")
	}
	if len(sink.results) != 1 || sink.results[0].Status != model.StatusError {
		t.Fatalf("results = %+v", sink.results)
	}
}

func TestSubmitErrorStatusReportsServiceMessage(t *testing.T) {
	svc := &fakeService{result: func(model.Mission) (model.AnalysisResult, error) {
		return model.AnalysisResult{Status: model.StatusError, Message: "engine failure"}, nil
	}}
	s, st, poster, sink := newTestSession(svc)
	defer s.Close()

	if _, err := s.Submit(context.Background(), missionJSON("d")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.Wait()
	poster.drain()

	if st.Registry().Len() != 0 {
		t.Fatalf("error status installed trajectories")
	}
	if len(sink.results) != 1 || sink.results[0].Message != "engine failure" {
		t.Fatalf("results = %+v", sink.results)
	}
}

func TestLoadFlightsFailureLeavesScene(t *testing.T) {
	svc := &fakeService{flightsErr: errors.New("connection refused"), result: clearResult}
	s, st, poster, _ := newTestSession(svc)
	defer s.Close()

	s.LoadFlights(context.Background())
	s.Wait()
	poster.drain()
	if st.SecondaryCount() != 0 {
		t.Fatalf("failed load installed flights")
	}
}

func TestSubmitSurvivesCallerCancellation(t *testing.T) {
	svc := &fakeService{result: clearResult}
	s, st, poster, _ := newTestSession(svc)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := s.Submit(ctx, missionJSON("d")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cancel()
	s.Wait()
	poster.drain()
	if _, ok := st.Registry().Primary(); !ok {
		t.Fatalf("analysis dropped after the submitting request ended")
	}
}

func TestCloseCancelsInFlight(t *testing.T) {
	svc := &fakeService{
		gates:  map[string]chan struct{}{"d": make(chan struct{})},
		result: clearResult,
	}
	s, _, _, _ := newTestSession(svc)

	if _, err := s.Submit(context.Background(), missionJSON("d")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.Close()

	if _, err := s.Submit(context.Background(), missionJSON("d")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after Close err = %v, want ErrClosed", err)
	}
}

// blockingService holds every Analyze call until its context is cancelled
// and counts calls still running.
type blockingService struct {
	active atomic.Int32
}

func (b *blockingService) FetchFlights(ctx context.Context) ([]model.Mission, error) {
	b.active.Add(1)
	defer b.active.Add(-1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingService) Analyze(ctx context.Context, _ model.Mission) (model.AnalysisResult, error) {
	b.active.Add(1)
	defer b.active.Add(-1)
	<-ctx.Done()
	return model.AnalysisResult{}, ctx.Err()
}

func TestCloseWaitsForRequestsStartedConcurrently(t *testing.T) {
	for round := 0; round < 20; round++ {
		svc := &blockingService{}
		s, _, _, _ := newTestSession(svc)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Submit(context.Background(), missionJSON("d"))
				if err != nil && !errors.Is(err, ErrClosed) {
					t.Errorf("Submit: %v", err)
				}
				s.LoadFlights(context.Background())
			}()
		}
		s.Close()
		if n := svc.active.Load(); n != 0 {
			t.Fatalf("round %d: %d requests outlived Close", round, n)
		}
		wg.Wait()
		s.Wait()
		if n := svc.active.Load(); n != 0 {
			t.Fatalf("round %d: %d requests started after Close", round, n)
		}
	}
}
