// Package rmutex provides the recursive mutex that the rest of apprt treats
// as a given primitive (see spec §1, "Deliberately out of scope"); condition
// variables are built over it with sync.NewCond, as event.Service does. The
// event package is its only user (cache and wait use sync.Mutex); it is not
// part of the core design this repository is demonstrating.
package rmutex

import (
	"sync"

	"github.com/coreflux/apprt/internal/gid"
)

// Mutex is a recursive (reentrant) lock: the goroutine that already holds it
// may lock it again without deadlocking itself, matching the recursive mutex
// semantics the original runtime assumes throughout its event and wait
// services.
type Mutex struct {
	mu    sync.Mutex
	cond  sync.Cond
	owner uint64
	depth int
}

// New returns a ready-to-use recursive Mutex.
func New() *Mutex {
	m := &Mutex{}
	m.cond.L = &m.mu
	return m
}

// Lock acquires the mutex, blocking if another goroutine holds it. Repeated
// calls from the same goroutine simply increment the hold depth.
func (m *Mutex) Lock() {
	self := gid.Current()
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.depth > 0 && m.owner != self {
		m.cond.Wait()
	}
	m.owner = self
	m.depth++
}

// Unlock releases one level of the hold. The mutex is only released to other
// goroutines once depth returns to zero.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth == 0 {
		panic("rmutex: Unlock of unlocked Mutex")
	}
	m.depth--
	if m.depth == 0 {
		m.owner = 0
		m.cond.Signal()
	}
}

// TryLock attempts to acquire the mutex without blocking. It succeeds
// immediately if the calling goroutine already holds it.
func (m *Mutex) TryLock() bool {
	self := gid.Current()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth == 0 || m.owner == self {
		m.owner = self
		m.depth++
		return true
	}
	return false
}

// HeldByCaller reports whether the calling goroutine currently holds the
// lock (at any depth).
func (m *Mutex) HeldByCaller() bool {
	self := gid.Current()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth > 0 && m.owner == self
}
