package ui

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/signalsfoundry/deconfliction-viewer/internal/logging"
	"github.com/signalsfoundry/deconfliction-viewer/internal/session"
	"github.com/signalsfoundry/deconfliction-viewer/internal/sim/state"
	"github.com/signalsfoundry/deconfliction-viewer/timectrl"
)

const (
	requestIDHeader = "X-Request-ID"
	maxMissionBytes = 1 << 20
)

// Submitter accepts raw mission JSON; session.Session satisfies it.
type Submitter interface {
	Submit(ctx context.Context, raw []byte) (string, error)
}

// StateReader exposes a point-in-time view of the scene.
type StateReader interface {
	Snapshot() state.Snapshot
}

// API holds the HTTP handlers' collaborators.
type API struct {
	Hub       *Hub
	Submitter Submitter
	Controls  Controller
	State     StateReader
	Log       logging.Logger
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	Time         float64             `json:"time"`
	TimeLabel    string              `json:"time_label"`
	Fraction     float64             `json:"fraction"`
	State        string              `json:"state"`
	Speed        float64             `json:"speed"`
	RangeMin     float64             `json:"range_min"`
	RangeMax     float64             `json:"range_max"`
	Trajectories []TrajectoryMessage `json:"trajectories"`
	Conflicts    []ConflictMessage   `json:"conflicts"`
}

type seekRequest struct {
	Fraction *float64 `json:"fraction"`
}

// NewRouter wires the viewer routes.
func NewRouter(api API) *mux.Router {
	if api.Log == nil {
		api.Log = logging.Noop()
	}
	r := mux.NewRouter()
	r.Use(api.requestIDMiddleware)

	if api.Hub != nil {
		r.HandleFunc("/ws", api.Hub.ServeWS).Methods(http.MethodGet)
	}
	r.HandleFunc("/api/mission", api.handleMission).Methods(http.MethodPost)
	// seek is registered ahead of the generic action route
	r.HandleFunc("/api/control/seek", api.handleSeek).Methods(http.MethodPost)
	r.HandleFunc("/api/control/{action}", api.handleControl).Methods(http.MethodPost)
	r.HandleFunc("/api/state", api.handleState).Methods(http.MethodGet)
	r.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)
	return r
}

// requestIDMiddleware ensures a request_id is present, sourcing it from the
// inbound header when provided, and attaches a request-scoped logger.
func (a API) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if incoming := r.Header.Get(requestIDHeader); incoming != "" {
			ctx = logging.ContextWithRequestID(ctx, incoming)
		}
		ctx, reqLog := logging.WithRequestLogger(ctx, a.Log.With(logging.String("path", r.URL.Path)))
		ctx = logging.ContextWithLogger(ctx, reqLog)
		w.Header().Set(requestIDHeader, logging.RequestIDFromContext(ctx))

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		reqLog.Debug(ctx, "http request", logging.String("method", r.Method), logging.Any("elapsed", time.Since(start)))
	})
}

func (a API) handleMission(w http.ResponseWriter, r *http.Request) {
	if a.Submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "submissions unavailable")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMissionBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(raw) > maxMissionBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "mission too large")
		return
	}

	id, err := a.Submitter.Submit(r.Context(), raw)
	if err != nil {
		if errors.Is(err, session.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id})
}

func (a API) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageSize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid seek body")
		return
	}
	a.control(w, "seek", req.Fraction)
}

func (a API) handleControl(w http.ResponseWriter, r *http.Request) {
	a.control(w, mux.Vars(r)["action"], nil)
}

func (a API) control(w http.ResponseWriter, action string, fraction *float64) {
	controls := a.Controls
	if controls == nil && a.Hub != nil {
		controls = a.Hub.controls
	}
	if err := dispatch(controls, action, fraction); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"action": action})
}

func (a API) handleState(w http.ResponseWriter, r *http.Request) {
	if a.State == nil {
		writeError(w, http.StatusServiceUnavailable, "state unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stateResponse(a.State.Snapshot()))
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func stateResponse(s state.Snapshot) StateResponse {
	return StateResponse{
		Time:         s.Time,
		TimeLabel:    timectrl.FormatSimTime(s.Time),
		Fraction:     s.Fraction,
		State:        s.State.String(),
		Speed:        s.Speed,
		RangeMin:     s.Range.Min,
		RangeMax:     s.Range.Max,
		Trajectories: trajectoryMessages(s.Trajectories),
		Conflicts:    conflictMessages(s.Conflicts),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorMessage{Error: msg})
}
