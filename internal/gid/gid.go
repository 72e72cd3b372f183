// Package gid extracts the calling goroutine's runtime id, used by the event
// service and the recursive mutex to enforce the "at most one thread runs a dispatcher's
// events" serialization invariant without requiring callers to pass an
// explicit thread token.
package gid

import "runtime"

// Current returns the numeric id of the calling goroutine, parsed out of the
// "goroutine NNN [running]:" header that runtime.Stack always writes first.
//
// This is deliberately the same trick used to detect a loop's owning
// goroutine elsewhere in this codebase: Go has no public goroutine-id API,
// and the id is only ever used for same-goroutine reentrancy checks and
// debug assertions, never as a stable identity across calls.
func Current() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
