package kb

import (
	"sync"

	"github.com/signalsfoundry/deconfliction-viewer/model"
)

// ConflictOverlay holds the conflict markers of the most recently completed
// analysis. It performs no geometry; it only swaps whole lists.
type ConflictOverlay struct {
	mu         sync.RWMutex
	conflicts  []model.ConflictEvent
	generation uint64
}

// NewConflictOverlay constructs an empty overlay.
func NewConflictOverlay() *ConflictOverlay {
	return &ConflictOverlay{}
}

// Replace discards the prior markers and stores conflicts verbatim.
func (o *ConflictOverlay) Replace(conflicts []model.ConflictEvent) {
	stored := make([]model.ConflictEvent, len(conflicts))
	for i, c := range conflicts {
		c.Involved = append([]string(nil), c.Involved...)
		stored[i] = c
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.conflicts = stored
	o.generation++
}

// All returns the current markers. The slice must be treated as read-only.
func (o *ConflictOverlay) All() []model.ConflictEvent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.conflicts
}

// Len returns the number of current markers.
func (o *ConflictOverlay) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.conflicts)
}

// Generation increases by one on every Replace.
func (o *ConflictOverlay) Generation() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.generation
}
