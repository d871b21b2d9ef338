package kb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/deconfliction-viewer/model"
)

var (
	// ErrTrajectoryInvalid indicates a trajectory without an ID was supplied.
	ErrTrajectoryInvalid = errors.New("invalid trajectory")
	// ErrTrajectoryExists indicates two trajectories in one replacement share an ID.
	ErrTrajectoryExists = errors.New("trajectory already exists")
)

// Event is emitted to subscribers after every ReplaceAll.
type Event struct {
	Generation uint64
	Count      int
}

// TrajectoryRegistry holds the primary mission trajectory and the secondary
// flights shown alongside it. Mutation granularity is whole-replace.
type TrajectoryRegistry struct {
	mu sync.RWMutex

	// order lists IDs with the primary (if any) first, then secondaries in
	// the order they were supplied.
	order []string
	byID  map[string]*model.Trajectory

	generation uint64
	subs       []func(Event)
}

// NewTrajectoryRegistry constructs an empty registry.
func NewTrajectoryRegistry() *TrajectoryRegistry {
	return &TrajectoryRegistry{
		byID: make(map[string]*model.Trajectory),
	}
}

// ReplaceAll discards every tracked trajectory and installs primary plus
// secondaries. primary may be nil. The replacement is atomic: on error the
// previous set is left untouched.
func (r *TrajectoryRegistry) ReplaceAll(primary *model.Trajectory, secondaries []*model.Trajectory) error {
	all := make([]*model.Trajectory, 0, len(secondaries)+1)
	if primary != nil {
		all = append(all, primary)
	}
	for _, s := range secondaries {
		if s != nil {
			all = append(all, s)
		}
	}

	order := make([]string, 0, len(all))
	byID := make(map[string]*model.Trajectory, len(all))
	for _, t := range all {
		if t.ID == "" {
			return fmt.Errorf("%w: empty ID", ErrTrajectoryInvalid)
		}
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("%w: %q", ErrTrajectoryExists, t.ID)
		}
		// store a private copy; callers may reuse their slices
		byID[t.ID] = t.Clone()
		order = append(order, t.ID)
	}

	r.mu.Lock()
	r.order = order
	r.byID = byID
	r.generation++
	event := Event{
		Generation: r.generation,
		Count:      len(order),
	}
	subs := append([]func(Event){}, r.subs...)
	r.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		sub(event)
	}
	return nil
}

// ForEach applies fn to every tracked trajectory, primary first. fn must not
// mutate the trajectory.
func (r *TrajectoryRegistry) ForEach(fn func(*model.Trajectory)) {
	r.mu.RLock()
	order := r.order
	byID := r.byID
	r.mu.RUnlock()

	// order and byID are never mutated in place, only swapped, so iterating
	// the captured snapshot without the lock is safe.
	for _, id := range order {
		fn(byID[id])
	}
}

// Get returns the trajectory with the given ID.
func (r *TrajectoryRegistry) Get(id string) (*model.Trajectory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

// Primary returns the primary trajectory if one is installed.
func (r *TrajectoryRegistry) Primary() (*model.Trajectory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, false
	}
	t := r.byID[r.order[0]]
	if !t.Primary {
		return nil, false
	}
	return t, true
}

// List returns a snapshot slice of all trajectories in ForEach order.
func (r *TrajectoryRegistry) List() []*model.Trajectory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]*model.Trajectory, 0, len(r.order))
	for _, id := range r.order {
		res = append(res, r.byID[id])
	}
	return res
}

// Len returns the number of tracked trajectories.
func (r *TrajectoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Generation increases by one on every successful ReplaceAll.
func (r *TrajectoryRegistry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Subscribe registers a callback for registry events. It returns an unsubscribe function.
func (r *TrajectoryRegistry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
	idx := len(r.subs) - 1

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if idx < 0 || idx >= len(r.subs) {
			return
		}
		r.subs = append(r.subs[:idx], r.subs[idx+1:]...)
		idx = -1
	}
}
