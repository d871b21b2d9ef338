package timectrl

import (
	"context"
	"time"
)

// StepMode describes how a FrameLoop measures dt between frames.
type StepMode int

const (
	// Elapsed passes the true wall-clock time since the previous frame.
	Elapsed StepMode = iota
	// Fixed passes the nominal frame interval regardless of scheduling jitter.
	Fixed
)

// DefaultFrameInterval approximates a 60 Hz display refresh.
const DefaultFrameInterval = 16 * time.Millisecond

// FrameFunc is invoked once per frame with dt in wall seconds.
type FrameFunc func(dt float64)

// FrameLoop is the host cadence for the scene. Every frame schedules the
// next one unconditionally, including while the clock is paused, so that
// scrubs and other external changes are rendered without resuming playback.
type FrameLoop struct {
	Interval time.Duration
	Mode     StepMode

	now  func() time.Time
	last time.Time
}

// NewFrameLoop constructs a loop. A non-positive interval uses DefaultFrameInterval.
func NewFrameLoop(interval time.Duration, mode StepMode) *FrameLoop {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &FrameLoop{
		Interval: interval,
		Mode:     mode,
		now:      time.Now,
	}
}

// Run drives fn until ctx is cancelled and returns ctx.Err().
func (l *FrameLoop) Run(ctx context.Context, fn FrameFunc) error {
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	l.last = l.now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(l.nextDelta())
		}
	}
}

// Step runs a single frame synchronously with an explicit dt.
func (l *FrameLoop) Step(fn FrameFunc, dt float64) {
	fn(dt)
}

func (l *FrameLoop) nextDelta() float64 {
	if l.Mode == Fixed {
		return l.Interval.Seconds()
	}
	now := l.now()
	dt := now.Sub(l.last).Seconds()
	l.last = now
	if dt < 0 {
		dt = 0
	}
	return dt
}
