package event

import (
	"fmt"

	"github.com/coreflux/apprt/apprterr"
)

// DispatcherFlags configures Dispatcher creation.
type DispatcherFlags uint32

const (
	// DispatcherAuto marks a dispatcher as owned by the service: once it is
	// both empty and idle, the service destroys it automatically. Used for
	// the wait package's new-dispatcher-per-event handlers.
	DispatcherAuto DispatcherFlags = 1 << iota
)

const dispatcherMagic = 0x44495350 // "DISP", a debug sentinel set at creation and zeroed on destroy.

// Dispatcher is an ordered queue of pending events with at-most-one-in-flight
// execution semantics: the service never runs two events from the same
// Dispatcher concurrently.
type Dispatcher struct {
	Name string

	service *Service
	flags   DispatcherFlags
	magic   int

	enabled   bool
	destroyed bool

	pending *eventQueue
	current *Event

	owner uint64 // goroutine id draining this dispatcher, 0 if idle
}

func newDispatcher(s *Service, name string, flags DispatcherFlags) *Dispatcher {
	return &Dispatcher{
		Name:    name,
		service: s,
		flags:   flags,
		magic:   dispatcherMagic,
		enabled: true,
		pending: newEventQueue(),
	}
}

// Enable enables or disables the dispatcher. A disabled dispatcher's events
// remain queued but are never selected for running, and queuing onto it does
// not wake a sleeping service thread.
func (d *Dispatcher) Enable(enabled bool) {
	s := d.service
	s.mu.Lock()
	wasDisabled := !d.enabled
	d.enabled = enabled
	if enabled && wasDisabled && !d.pending.empty() {
		s.scheduleLocked(d)
	}
	s.mu.Unlock()
}

// Enabled reports whether the dispatcher is currently enabled.
func (d *Dispatcher) Enabled() bool {
	s := d.service
	s.mu.Lock()
	defer s.mu.Unlock()
	return d.enabled
}

// Destroy removes the dispatcher from its service. It fails with
// apprterr.ErrInvalidState if the dispatcher still has pending or
// in-flight events.
func (d *Dispatcher) Destroy() error {
	s := d.service
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyDispatcherLocked(d)
}

// CreateEvent creates a new Event bound to this dispatcher. Unless flags
// includes DontQueue, the event is queued immediately.
func (d *Dispatcher) CreateEvent(name string, periodMs int64, proc EventProc, data any, flags Flags) (*Event, error) {
	s := d.service
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.destroyed {
		return nil, fmt.Errorf("event: create on destroyed dispatcher %q: %w", d.Name, apprterr.ErrInvalidState)
	}
	if proc == nil {
		return nil, fmt.Errorf("event: nil proc: %w", apprterr.ErrInvalidArgument)
	}
	s.now = s.clk.Ticks()
	e := &Event{
		Name:      name,
		Data:      data,
		dispatcher: d,
		proc:      proc,
		period:    periodMs,
		timestamp: s.now,
		due:       s.now + periodMs,
		flags:     flags,
	}
	if flags&DontQueue == 0 {
		if err := s.queueLocked(d, e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// CreateTimerEvent is sugar for CreateEvent with the Continuous flag set.
func (d *Dispatcher) CreateTimerEvent(name string, periodMs int64, proc EventProc, data any, flags Flags) (*Event, error) {
	return d.CreateEvent(name, periodMs, proc, data, flags|Continuous)
}

// QueueEvent inserts e into the dispatcher's pending queue at the position
// that keeps the queue non-decreasing by Due. If the dispatcher is enabled,
// this may wake a sleeping service thread.
func (d *Dispatcher) QueueEvent(e *Event) error {
	s := d.service
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueLocked(d, e)
}
