// Package schedule defines the delivery timing for each notification
// category. The registry is the only process-wide value in the pipeline:
// it is set once at startup and read-only afterwards, with a replace hook
// for tests that need short windows.
package schedule

import (
	"sync"
	"time"
)

// Categories with a registered schedule.
const (
	CategoryDocChange = "doc-change"
	CategoryComment   = "comment"
)

// Schedule holds the timing for one category. FirstDelay is applied when a
// marker is created for an empty batch; Throttle is the minimum spacing
// between two successive deliveries for the same marker.
type Schedule struct {
	FirstDelay time.Duration
	Throttle   time.Duration
}

// Registry maps category names to their schedules.
type Registry map[string]Schedule

// Lookup returns the schedule for a category, or ok=false for an
// unregistered category.
func (r Registry) Lookup(category string) (Schedule, bool) {
	s, ok := r[category]
	return s, ok
}

var (
	mu      sync.RWMutex
	current = Defaults()
)

// Defaults returns the stock registry: doc changes batch for a minute and
// deliver at most every five; comments are snappier.
func Defaults() Registry {
	return Registry{
		CategoryDocChange: {FirstDelay: 60 * time.Second, Throttle: 300 * time.Second},
		CategoryComment:   {FirstDelay: 30 * time.Second, Throttle: 180 * time.Second},
	}
}

// Current returns the active registry.
func Current() Registry {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Set replaces the active registry. Call at process startup, before any
// engine or decider is constructed. Tests use it to install short windows.
func Set(r Registry) {
	mu.Lock()
	defer mu.Unlock()
	current = r
}
