// internal/sim/state/state.go
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/signalsfoundry/deconfliction-viewer/internal/logging"
	"github.com/signalsfoundry/deconfliction-viewer/kb"
	"github.com/signalsfoundry/deconfliction-viewer/model"
	"github.com/signalsfoundry/deconfliction-viewer/timectrl"
)

var (
	// ErrAnalysisFailed indicates the analysis service reported an error
	// status; nothing was changed.
	ErrAnalysisFailed = errors.New("analysis failed")
	// ErrUnknownStatus indicates an analysis result with an unrecognised status.
	ErrUnknownStatus = errors.New("unknown analysis status")
	// ErrReservedID indicates a simulated flight using the primary's ID.
	ErrReservedID = errors.New("flight uses reserved primary ID")
)

// SimulationState owns the simulated clock, the trajectory registry and the
// conflict overlay for one viewer session. It replaces the process-wide
// globals of a typical browser viewer with one explicit object.
//
// Apply* methods are expected to run on the frame goroutine (via
// core.SceneCoordinator.Post); BeginSubmission and the read accessors are
// safe from any goroutine.
type SimulationState struct {
	clock    *timectrl.SimClock
	registry *kb.TrajectoryRegistry
	overlay  *kb.ConflictOverlay

	// mu guards the submission fence and the cached trajectories below.
	mu sync.Mutex

	// latest is the request ID of the most recently submitted mission.
	// Responses for any other ID are stale and dropped.
	latest string

	// primary is the trajectory of the last applied mission, nil before
	// the first analysis completes.
	primary *model.Trajectory

	// secondaries caches the most recently fetched simulated flights so a
	// later analysis can install them alongside the new primary.
	secondaries []*model.Trajectory

	autoplay bool
	log      logging.Logger
	metrics  MetricsRecorder
}

// MetricsRecorder receives scene-level counts and stale-response events.
type MetricsRecorder interface {
	SetSceneCounts(trajectories, conflicts int)
	IncStaleResponses()
}

// Option customises SimulationState construction.
type Option func(*SimulationState)

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *SimulationState) {
		s.metrics = m
	}
}

// WithAutoplay starts playback as soon as an analysis is applied, as the
// browser viewer did after a submission.
func WithAutoplay(enabled bool) Option {
	return func(s *SimulationState) {
		s.autoplay = enabled
	}
}

// NewSimulationState wires a clock to a fresh registry and overlay.
func NewSimulationState(clock *timectrl.SimClock, log logging.Logger, opts ...Option) *SimulationState {
	if clock == nil {
		clock = timectrl.NewSimClock(timectrl.DefaultSpeed)
	}
	if log == nil {
		log = logging.Noop()
	}
	s := &SimulationState{
		clock:    clock,
		registry: kb.NewTrajectoryRegistry(),
		overlay:  kb.NewConflictOverlay(),
		log:      log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.registry.Subscribe(func(ev kb.Event) {
		s.log.Debug(context.Background(), "trajectories replaced",
			logging.Any("generation", ev.Generation),
			logging.Int("count", ev.Count),
		)
	})
	s.updateMetrics()
	return s
}

// Clock exposes the simulated clock.
func (s *SimulationState) Clock() *timectrl.SimClock { return s.clock }

// Registry exposes the trajectory registry.
func (s *SimulationState) Registry() *kb.TrajectoryRegistry { return s.registry }

// Overlay exposes the conflict overlay.
func (s *SimulationState) Overlay() *kb.ConflictOverlay { return s.overlay }

// BeginSubmission allocates a request ID for a new mission submission and
// marks it as the only one whose response will be applied.
func (s *SimulationState) BeginSubmission() string {
	id := uuid.NewString()
	s.mu.Lock()
	s.latest = id
	s.mu.Unlock()
	return id
}

// LatestSubmission returns the request ID of the newest submission.
func (s *SimulationState) LatestSubmission() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// ApplyAnalysis installs a completed analysis: the mission becomes the
// primary trajectory alongside the cached secondaries, the overlay is
// replaced with the result's conflicts, and the clock range is set to the
// mission window.
//
// It returns false without error when requestID is not the latest
// submission. An error status or an invalid trajectory set returns an error
// and leaves every component untouched.
func (s *SimulationState) ApplyAnalysis(requestID string, mission model.Mission, result model.AnalysisResult) (bool, error) {
	ctx := context.Background()

	s.mu.Lock()
	defer s.mu.Unlock()

	if requestID != s.latest {
		s.log.Info(ctx, "dropping stale analysis response",
			logging.String("request_id", requestID),
			logging.String("latest", s.latest),
		)
		if s.metrics != nil {
			s.metrics.IncStaleResponses()
		}
		return false, nil
	}

	var conflicts []model.ConflictEvent
	switch result.Status {
	case model.StatusClear:
	case model.StatusConflict:
		conflicts = result.Conflicts
	case model.StatusError:
		return false, fmt.Errorf("%w: %s", ErrAnalysisFailed, result.Message)
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownStatus, result.Status)
	}

	primary := mission.Trajectory(model.PrimaryID, true)
	if err := s.registry.ReplaceAll(primary, s.secondaries); err != nil {
		return false, fmt.Errorf("install trajectories: %w", err)
	}
	s.primary = primary
	s.overlay.Replace(conflicts)
	s.clock.SetRange(mission.StartTime, mission.EndTime)
	if s.autoplay {
		s.clock.Play()
	}

	s.log.Info(ctx, "analysis applied",
		logging.String("request_id", requestID),
		logging.String("drone_id", mission.DroneID),
		logging.String("status", string(result.Status)),
		logging.Int("conflicts", len(conflicts)),
		logging.Int("trajectories", s.registry.Len()),
		logging.Float("range_min", mission.StartTime),
		logging.Float("range_max", mission.EndTime),
		logging.Bool("autoplay", s.autoplay),
	)
	s.updateMetrics()
	return true, nil
}

// ApplyFlights caches the fetched simulated flights and reinstalls the
// registry with the current primary (if any). Each flight is tracked under
// its drone ID, which must not be model.PrimaryID. On error the previous
// flights stay in place.
func (s *SimulationState) ApplyFlights(flights []model.Mission) error {
	secondaries := make([]*model.Trajectory, 0, len(flights))
	for i := range flights {
		if flights[i].DroneID == model.PrimaryID {
			return fmt.Errorf("install flights: flight %d: %w", i, ErrReservedID)
		}
		secondaries = append(secondaries, flights[i].Trajectory(flights[i].DroneID, false))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.registry.ReplaceAll(s.primary, secondaries); err != nil {
		return fmt.Errorf("install flights: %w", err)
	}
	s.secondaries = secondaries

	s.log.Info(context.Background(), "simulated flights installed", logging.Int("count", len(secondaries)))
	s.updateMetrics()
	return nil
}

// SecondaryCount returns the number of cached simulated flights.
func (s *SimulationState) SecondaryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.secondaries)
}

// Snapshot is a point-in-time view for status endpoints.
type Snapshot struct {
	Time         float64
	Fraction     float64
	State        timectrl.State
	Speed        float64
	Range        timectrl.Range
	Trajectories []*model.Trajectory
	Conflicts    []model.ConflictEvent
}

// Snapshot captures the clock readout and current scene contents.
func (s *SimulationState) Snapshot() Snapshot {
	return Snapshot{
		Time:         s.clock.Now(),
		Fraction:     s.clock.Fraction(),
		State:        s.clock.State(),
		Speed:        s.clock.Speed(),
		Range:        s.clock.Range(),
		Trajectories: s.registry.List(),
		Conflicts:    s.overlay.All(),
	}
}

func (s *SimulationState) updateMetrics() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetSceneCounts(s.registry.Len(), s.overlay.Len())
}
