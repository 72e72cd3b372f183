// Package diagrate rate-limits repeated diagnostic log lines so that a
// condition which keeps recurring (a cache stuck thrashing under overload, a
// backend that keeps failing the same syscall) logs once per window instead
// of flooding the log. It is a thin adapter over github.com/joeycumines/go-catrate's
// sliding-window limiter, keyed by an arbitrary "category" (spec §4.3's
// CapacityExceeded note, SPEC_FULL.md §4.3).
package diagrate

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// Limiter reports whether a diagnostic identified by category should be
// emitted right now, or suppressed because one was already emitted within
// the configured window.
type Limiter struct {
	inner *catrate.Limiter
}

// New returns a Limiter that allows at most one event per category within
// window.
func New(window time.Duration) *Limiter {
	return &Limiter{
		inner: catrate.NewLimiter(map[time.Duration]int{window: 1}),
	}
}

// Allow reports whether a diagnostic for category may be logged now.
func (l *Limiter) Allow(category any) bool {
	if l == nil || l.inner == nil {
		return true
	}
	_, ok := l.inner.Allow(category)
	return ok
}
