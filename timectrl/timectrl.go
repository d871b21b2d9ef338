package timectrl

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrInvalidSpeed is returned when a non-positive playback speed is requested.
var ErrInvalidSpeed = errors.New("playback speed must be > 0")

// DefaultSpeed is the playback rate in simulated seconds per wall second.
// At a 60 Hz frame cadence it advances half a simulated second per frame.
const DefaultSpeed = 30.0

// State describes the clock's playback state.
type State int

const (
	// Stopped means no range has been set yet.
	Stopped State = iota
	// Playing advances time on every Tick.
	Playing
	// Paused holds the current time; only Seek/Reset move it.
	Paused
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Range is the active simulation window in simulation seconds.
type Range struct {
	Min float64
	Max float64
}

// SimClock is the logical time authority for interpolation. Time is a plain
// float64 of simulation seconds (the mission's epoch seconds), independent of
// frame rate.
//
// Ticking past Range.Max is neither clamped nor looped: uninterrupted
// playback keeps advancing and Fraction reports values above 1.
type SimClock struct {
	mu sync.RWMutex

	current float64
	rng     Range
	state   State
	speed   float64

	listeners []func(float64)
}

// NewSimClock constructs a stopped clock with the given playback speed.
// A non-positive or non-finite speed falls back to DefaultSpeed.
func NewSimClock(speed float64) *SimClock {
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		speed = DefaultSpeed
	}
	return &SimClock{speed: speed}
}

// Now returns the current simulation time.
func (c *SimClock) Now() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Range returns the active range.
func (c *SimClock) Range() Range {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rng
}

// State returns the current playback state.
func (c *SimClock) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Speed returns simulated seconds advanced per unit of Tick dt.
func (c *SimClock) Speed() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.speed
}

// SetSpeed changes the playback speed.
func (c *SimClock) SetSpeed(speed float64) error {
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidSpeed, speed)
	}
	c.mu.Lock()
	c.speed = speed
	c.mu.Unlock()
	return nil
}

// SetRange installs a new active range from any state, rewinds to min and
// pauses. Nothing is clamped; callers supply min <= max.
func (c *SimClock) SetRange(min, max float64) {
	c.mu.Lock()
	c.rng = Range{Min: min, Max: max}
	c.current = min
	c.state = Paused
	c.mu.Unlock()
	c.notify(min)
}

// Play starts playback.
func (c *SimClock) Play() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Playing
}

// Pause stops playback, keeping the current time. It has no effect unless
// the clock is playing.
func (c *SimClock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Playing {
		c.state = Paused
	}
}

// Tick advances time by speed*dt while playing and reports whether time moved.
func (c *SimClock) Tick(dt float64) bool {
	c.mu.Lock()
	if c.state != Playing {
		c.mu.Unlock()
		return false
	}
	c.current += c.speed * dt
	now := c.current
	c.mu.Unlock()
	c.notify(now)
	return true
}

// Seek pauses and jumps to the given fraction of the range, ignoring speed.
// The fraction is clamped into [0, 1]; NaN seeks to the start.
func (c *SimClock) Seek(fraction float64) {
	switch {
	case math.IsNaN(fraction), fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}

	c.mu.Lock()
	c.state = Paused
	if fraction == 1 {
		// avoid rounding drift so seek(1) lands exactly on Max
		c.current = c.rng.Max
	} else {
		c.current = c.rng.Min + fraction*(c.rng.Max-c.rng.Min)
	}
	now := c.current
	c.mu.Unlock()
	c.notify(now)
}

// Reset pauses and rewinds to the start of the range.
func (c *SimClock) Reset() {
	c.mu.Lock()
	c.state = Paused
	c.current = c.rng.Min
	now := c.current
	c.mu.Unlock()
	c.notify(now)
}

// Fraction maps the current time back onto the range for scrubber display.
// An empty range reports 0.
func (c *SimClock) Fraction() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	span := c.rng.Max - c.rng.Min
	if span == 0 {
		return 0
	}
	return (c.current - c.rng.Min) / span
}

// AddListener registers a callback invoked whenever the time changes.
func (c *SimClock) AddListener(fn func(float64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *SimClock) notify(now float64) {
	c.mu.RLock()
	listeners := append([]func(float64){}, c.listeners...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(now)
	}
}

// FormatSimTime renders simulation seconds as a UTC timestamp with
// millisecond precision, e.g. 1970-01-01T00:00:05.000Z.
func FormatSimTime(t float64) string {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return "invalid"
	}
	sec, frac := math.Modf(t)
	ts := time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
	return ts.Format("2006-01-02T15:04:05.000Z")
}
