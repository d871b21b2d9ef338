package core

import (
	"sync"

	"github.com/signalsfoundry/deconfliction-viewer/kb"
	"github.com/signalsfoundry/deconfliction-viewer/model"
	"github.com/signalsfoundry/deconfliction-viewer/timectrl"
)

// PositionSink receives rendered entity positions, one call per entity per frame.
type PositionSink interface {
	SetPosition(entityID string, x, y, z float64)
}

// UISink receives the clock readout once per frame.
type UISink interface {
	SetTime(t float64)
	SetFraction(f float64)
}

// TrajectorySink is an optional sink capability notified with the full
// trajectory set whenever the registry is replaced.
type TrajectorySink interface {
	SetTrajectories(trajectories []*model.Trajectory)
}

// MarkerSink is an optional sink capability notified with the conflict
// markers whenever the overlay is replaced.
type MarkerSink interface {
	SetConflicts(conflicts []model.ConflictEvent)
}

// FrameEnder is an optional sink capability invoked after all per-frame
// updates have been delivered.
type FrameEnder interface {
	EndFrame()
}

// FrameRecorder receives per-frame clock observations, e.g. for metrics.
type FrameRecorder interface {
	ObserveFrame(now, fraction float64, playing bool)
}

// SceneCoordinator advances the clock, interpolates every trajectory and
// forwards the results to the sinks. Frame is meant to run on a single
// goroutine; every other mutation reaches the components through Post, which
// queues work for the next frame.
type SceneCoordinator struct {
	clock    *timectrl.SimClock
	registry *kb.TrajectoryRegistry
	overlay  *kb.ConflictOverlay

	positions PositionSink
	ui        UISink
	recorder  FrameRecorder

	mu      sync.Mutex
	pending []func()

	registryGen uint64
	overlayGen  uint64
}

// CoordinatorOption customises SceneCoordinator construction.
type CoordinatorOption func(*SceneCoordinator)

// WithFrameRecorder attaches a recorder observed at the end of each frame.
func WithFrameRecorder(r FrameRecorder) CoordinatorOption {
	return func(c *SceneCoordinator) {
		c.recorder = r
	}
}

// NewSceneCoordinator wires the coordinator to its components and sinks.
// Either sink may be nil.
func NewSceneCoordinator(
	clock *timectrl.SimClock,
	registry *kb.TrajectoryRegistry,
	overlay *kb.ConflictOverlay,
	positions PositionSink,
	ui UISink,
	opts ...CoordinatorOption,
) *SceneCoordinator {
	c := &SceneCoordinator{
		clock:     clock,
		registry:  registry,
		overlay:   overlay,
		positions: positions,
		ui:        ui,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Post queues fn to run at the start of the next frame, on the frame
// goroutine. Safe for concurrent use.
func (c *SceneCoordinator) Post(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.pending = append(c.pending, fn)
	c.mu.Unlock()
}

// Play starts playback on the next frame.
func (c *SceneCoordinator) Play() { c.Post(c.clock.Play) }

// Pause pauses playback on the next frame.
func (c *SceneCoordinator) Pause() { c.Post(c.clock.Pause) }

// Reset rewinds to the range start on the next frame.
func (c *SceneCoordinator) Reset() { c.Post(c.clock.Reset) }

// Seek jumps to fraction of the range on the next frame.
func (c *SceneCoordinator) Seek(fraction float64) {
	c.Post(func() { c.clock.Seek(fraction) })
}

// Frame runs one scheduling frame with dt wall seconds elapsed.
func (c *SceneCoordinator) Frame(dt float64) {
	c.drain()

	c.clock.Tick(dt)
	now := c.clock.Now()

	c.syncTrajectories()
	c.syncMarkers()

	if c.positions != nil {
		c.registry.ForEach(func(t *model.Trajectory) {
			pos, ok := PositionAt(t, now)
			if !ok {
				// keep the entity's last rendered position
				return
			}
			c.positions.SetPosition(t.ID, pos.X, pos.Y, pos.Z)
		})
	}

	fraction := c.clock.Fraction()
	if c.ui != nil {
		c.ui.SetTime(now)
		c.ui.SetFraction(fraction)
	}

	c.endFrame()

	if c.recorder != nil {
		c.recorder.ObserveFrame(now, fraction, c.clock.State() == timectrl.Playing)
	}
}

func (c *SceneCoordinator) drain() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

func (c *SceneCoordinator) syncTrajectories() {
	gen := c.registry.Generation()
	if gen == c.registryGen {
		return
	}
	c.registryGen = gen
	for _, sink := range c.sinks() {
		if ts, ok := sink.(TrajectorySink); ok {
			ts.SetTrajectories(c.registry.List())
		}
	}
}

func (c *SceneCoordinator) syncMarkers() {
	gen := c.overlay.Generation()
	if gen == c.overlayGen {
		return
	}
	c.overlayGen = gen
	for _, sink := range c.sinks() {
		if ms, ok := sink.(MarkerSink); ok {
			ms.SetConflicts(c.overlay.All())
		}
	}
}

func (c *SceneCoordinator) endFrame() {
	for _, sink := range c.sinks() {
		if fe, ok := sink.(FrameEnder); ok {
			fe.EndFrame()
		}
	}
}

// sinks returns the distinct configured sinks; a single value often
// implements both PositionSink and UISink.
func (c *SceneCoordinator) sinks() []any {
	var out []any
	if c.positions != nil {
		out = append(out, c.positions)
	}
	if c.ui != nil && !sameSink(c.positions, c.ui) {
		out = append(out, c.ui)
	}
	return out
}

func sameSink(p PositionSink, u UISink) bool {
	if p == nil || u == nil {
		return false
	}
	pu, ok := p.(UISink)
	return ok && pu == u
}
