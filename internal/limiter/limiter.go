// Package limiter provides the shared admission gate bounding in-flight
// executions. It is an admission gate, not a scheduler: there is no queueing
// and no backpressure beyond outright rejection.
package limiter

import "sync"

// Limiter bounds concurrent executions to a fixed maximum. One instance is
// shared by all requests for the lifetime of the gateway process.
type Limiter struct {
	mu     sync.Mutex
	active int
	max    int
}

// Snapshot is a non-blocking view of the limiter state.
type Snapshot struct {
	Active    int `json:"active"`
	Max       int `json:"max"`
	Available int `json:"available"`
}

// New creates a Limiter admitting at most max concurrent executions.
func New(max int) *Limiter {
	if max <= 0 {
		max = 1
	}
	return &Limiter{max: max}
}

// TryAcquire attempts to take a slot without blocking. Callers that fail must
// not retry internally; they surface a retryable-load signal to their caller.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.max {
		return false
	}
	l.active++
	return true
}

// Release returns a slot. The count is floored at zero so double-release is
// harmless.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
}

// Status returns a snapshot of the current admission state.
func (l *Limiter) Status() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Active:    l.active,
		Max:       l.max,
		Available: l.max - l.active,
	}
}
