// Package session orchestrates mission submissions and flight loading
// against the analysis service. Network calls run off the frame goroutine;
// their outcomes are posted back so every scene mutation happens between
// frames.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/signalsfoundry/deconfliction-viewer/internal/analysis"
	"github.com/signalsfoundry/deconfliction-viewer/internal/logging"
	"github.com/signalsfoundry/deconfliction-viewer/internal/sim/state"
	"github.com/signalsfoundry/deconfliction-viewer/model"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("session closed")

// Service is the subset of the analysis client used by a session.
type Service interface {
	FetchFlights(ctx context.Context) ([]model.Mission, error)
	Analyze(ctx context.Context, mission model.Mission) (model.AnalysisResult, error)
}

// Poster queues work onto the frame goroutine; core.SceneCoordinator
// satisfies it.
type Poster interface {
	Post(fn func())
}

// Summary is the user-facing outcome of one submission.
type Summary struct {
	RequestID   string
	Status      model.AnalysisStatus
	Message     string
	TotalDrones int
	Conflicts   []model.ConflictEvent
}

// ResultSink receives submission summaries on the frame goroutine.
type ResultSink interface {
	SetResult(summary Summary)
}

// Session ties the analysis service to one SimulationState.
type Session struct {
	svc    Service
	state  *state.SimulationState
	poster Poster
	sink   ResultSink
	log    logging.Logger

	base   context.Context
	cancel context.CancelFunc

	// mu orders Close against track so no request starts once Close waits.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option customises a Session.
type Option func(*Session)

// WithResultSink reports submission outcomes to sink.
func WithResultSink(sink ResultSink) Option {
	return func(s *Session) {
		s.sink = sink
	}
}

// WithLogger sets the session logger.
func WithLogger(log logging.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// New builds a session. In-flight requests are cancelled by Close.
func New(svc Service, st *state.SimulationState, poster Poster, opts ...Option) *Session {
	base, cancel := context.WithCancel(context.Background())
	s := &Session{
		svc:    svc,
		state:  st,
		poster: poster,
		log:    logging.Noop(),
		base:   base,
		cancel: cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// LoadFlights fetches the simulated flights in the background and installs
// them on the next frame. Failures are logged and leave the scene as is.
func (s *Session) LoadFlights(ctx context.Context) {
	ctx, done, ok := s.track(ctx)
	if !ok {
		return
	}
	go func() {
		defer done()

		flights, err := s.svc.FetchFlights(ctx)
		if err != nil {
			s.log.Error(ctx, "fetch simulated flights failed", logging.Err(err))
			return
		}
		s.poster.Post(func() {
			if err := s.state.ApplyFlights(flights); err != nil {
				s.log.Error(ctx, "install simulated flights failed", logging.Err(err))
			}
		})
	}()
}

// Submit decodes and validates raw mission JSON, then analyses it in the
// background. Input errors are returned synchronously and change nothing.
// The returned request ID identifies the submission; only the latest
// submission's outcome is applied.
func (s *Session) Submit(ctx context.Context, raw []byte) (string, error) {
	mission, err := analysis.DecodeMission(raw)
	if err != nil {
		return "", err
	}
	return s.SubmitMission(ctx, mission)
}

// SubmitMission is Submit for an already decoded mission.
func (s *Session) SubmitMission(ctx context.Context, mission model.Mission) (string, error) {
	if err := mission.Validate(); err != nil {
		return "", err
	}
	ctx, done, ok := s.track(ctx)
	if !ok {
		return "", ErrClosed
	}

	id := s.state.BeginSubmission()
	ctx = logging.ContextWithRequestID(ctx, id)
	s.log.Info(ctx, "mission submitted",
		logging.String("request_id", id),
		logging.String("drone_id", mission.DroneID),
		logging.Int("waypoints", len(mission.Waypoints)),
	)

	go func() {
		defer done()

		result, err := s.svc.Analyze(ctx, mission)
		if err != nil {
			s.log.Error(ctx, "mission analysis failed",
				logging.String("request_id", id),
				logging.Err(err),
			)
			s.poster.Post(func() {
				if s.state.LatestSubmission() == id {
					s.report(Summary{RequestID: id, Status: model.StatusError, Message: err.Error()})
				}
			})
			return
		}

		s.poster.Post(func() {
			applied, err := s.state.ApplyAnalysis(id, mission, result)
			switch {
			case err != nil:
				s.log.Warn(ctx, "analysis not applied", logging.String("request_id", id), logging.Err(err))
				msg := result.Message
				if msg == "" {
					msg = err.Error()
				}
				s.report(Summary{RequestID: id, Status: model.StatusError, Message: msg})
			case applied:
				s.report(Summary{
					RequestID:   id,
					Status:      result.Status,
					Message:     result.Message,
					TotalDrones: s.state.SecondaryCount() + 1,
					Conflicts:   result.Conflicts,
				})
			}
		})
	}()
	return id, nil
}

// Wait blocks until every background request has finished and posted its
// outcome.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Close cancels in-flight requests and waits for them to return. Requests
// started after Close fail with ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

// track registers one background request. The returned context keeps ctx's
// values but lives until the session closes rather than until ctx is done;
// done must be called when the request finishes. ok is false once closed.
func (s *Session) track(ctx context.Context) (context.Context, func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, false
	}
	s.wg.Add(1)

	if ctx == nil {
		ctx = context.Background()
	}
	detached, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopAfter := context.AfterFunc(s.base, cancel)
	return detached, func() {
		stopAfter()
		cancel()
		s.wg.Done()
	}, true
}

func (s *Session) report(summary Summary) {
	if s.sink != nil {
		s.sink.SetResult(summary)
	}
}
