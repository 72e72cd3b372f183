// Package event implements the timer and cooperative dispatcher engine
// described by the runtime's event and dispatcher subsystem: one-shot and
// periodic events, ordered per-dispatcher queues, and an idempotent
// cancel/reschedule contract.
//
// At most one goroutine ever runs the events of a given Dispatcher at a
// time (the serialization invariant); the Service's own lock is never held
// across a callback.
package event

import (
	"fmt"

	"github.com/coreflux/apprt/apprterr"
)

// EventProc is the user callback bound to an Event. data is the Event's Data
// field (borrowed, never copied); e is the Event itself, so a callback may
// reschedule or remove itself.
type EventProc func(data any, e *Event)

// Flags configures the behavior of an Event.
type Flags uint32

const (
	// Continuous marks a recurring event: after it runs, Due is recomputed
	// as now+Period and the event is re-queued, unless it was removed
	// during its own run.
	Continuous Flags = 1 << iota
	// Quick binds a nil-dispatcher event to the service's lightweight
	// "non-block" dispatcher instead of the process default.
	Quick
	// DontQueue creates the Event without queuing it; the caller must call
	// Dispatcher.QueueEvent explicitly.
	DontQueue
	// StaticData is retained for API-shape compatibility with the source
	// this package is modeled on. Go has no manual memory ownership to
	// transfer, so it has no runtime effect here.
	StaticData

	// running is set internally while a callback is executing and is never
	// part of the flags a caller passes in.
	running Flags = 1 << 31
)

// Event is a unit of deferred or periodic work bound to a Dispatcher.
//
// An Event is on exactly one of: no queue, its dispatcher's pending queue, or
// its dispatcher's current slot. It is mutated only under the owning
// Service's lock.
type Event struct {
	Name       string
	Data       any
	Mask       uint32 // interest mask, set only for I/O events (see the wait package)
	HandlerRef any    // opaque back-reference to a wait.Handler, for I/O events

	dispatcher *Dispatcher
	proc       EventProc
	period     int64 // ms
	timestamp  int64 // tick at creation/reschedule
	due        int64 // tick at which the event becomes eligible
	flags      Flags

	next, prev *Event // intrusive doubly-linked list node
	inQueue    *eventQueue
}

// Due returns the tick at which the event becomes eligible to run.
func (e *Event) Due() int64 { return e.due }

// Dispatcher returns the dispatcher this event is bound to, or nil if the
// event has been removed.
func (e *Event) Dispatcher() *Dispatcher { return e.dispatcher }

// Remove cancels the event. It is idempotent and safe to call on an event
// that is currently running: the running invocation completes, but a
// continuous event will not re-arm afterward. Safe from any goroutine.
func (e *Event) Remove() {
	d := e.dispatcher
	if d == nil {
		return
	}
	s := d.service
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(e)
}

// Reschedule recomputes Due as now+newPeriod and re-queues the event,
// preserving its Continuous flag state.
func (e *Event) Reschedule(newPeriod int64) error {
	d := e.dispatcher
	if d == nil {
		return fmt.Errorf("event: reschedule of removed event %q: %w", e.Name, apprterr.ErrInvalidState)
	}
	s := d.service
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.inQueue != nil {
		e.inQueue.unlink(e)
	}
	s.now = s.clk.Ticks()
	e.period = newPeriod
	e.timestamp = s.now
	e.due = e.timestamp + newPeriod
	return s.queueLocked(d, e)
}

// StopContinuous clears the Continuous flag without removing the event; a
// run already in flight still completes, but will not re-arm.
func (e *Event) StopContinuous() {
	d := e.dispatcher
	if d == nil {
		return
	}
	s := d.service
	s.mu.Lock()
	e.flags &^= Continuous
	s.mu.Unlock()
}

// RestartContinuous sets the Continuous flag and re-queues the event for its
// configured period, starting from now.
func (e *Event) RestartContinuous() error {
	d := e.dispatcher
	if d == nil {
		return fmt.Errorf("event: restart of removed event %q: %w", e.Name, apprterr.ErrInvalidState)
	}
	s := d.service
	s.mu.Lock()
	e.flags |= Continuous
	period := e.period
	s.mu.Unlock()
	return e.Reschedule(period)
}

// EnableContinuous sets or clears the Continuous flag.
func (e *Event) EnableContinuous(enable bool) {
	d := e.dispatcher
	if d == nil {
		return
	}
	s := d.service
	s.mu.Lock()
	if enable {
		e.flags |= Continuous
	} else {
		e.flags &^= Continuous
	}
	s.mu.Unlock()
}
