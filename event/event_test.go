package event

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreflux/apprt/rtclock"
)

func TestEvent_RemoveIsIdempotent(t *testing.T) {
	s := NewService(rtclock.NewSystem())
	e, err := s.DefaultDispatcher().CreateEvent("e", int64(time.Hour.Milliseconds()), func(any, *Event) {}, nil, 0)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	e.Remove()
	e.Remove() // must not panic or double-unlink

	if e.Dispatcher() != nil {
		t.Fatal("removed event still bound to a dispatcher")
	}
}

func TestEvent_RemoveDuringRunPreventsRearm(t *testing.T) {
	s := NewService(rtclock.NewSystem())
	var ran int32

	var ev *Event
	ev, err := s.DefaultDispatcher().CreateTimerEvent("self-cancel", 1, func(data any, e *Event) {
		atomic.AddInt32(&ran, 1)
		e.Remove()
	}, nil, 0)
	if err != nil {
		t.Fatalf("CreateTimerEvent: %v", err)
	}
	_ = ev

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _ = s.ServiceEvents(ctx, 200*time.Millisecond, 0)

	if got := atomic.LoadInt32(&ran); got != 1 {
		t.Fatalf("expected exactly 1 run after self-removal, got %d", got)
	}
}

func TestEvent_Reschedule(t *testing.T) {
	s := NewService(rtclock.NewSystem())
	e, err := s.DefaultDispatcher().CreateEvent("e", 1000, func(any, *Event) {}, nil, 0)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	before := e.Due()
	if err := e.Reschedule(5); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if e.Due() == before {
		t.Fatal("Reschedule did not change Due")
	}
}

// TestEvent_SelfRescheduleDuringRun guards against double-insertion into the
// pending queue: a continuous event calling Reschedule on itself from within
// its own callback must not be queued a second time by the drain loop's
// normal re-arm path once the callback returns.
func TestEvent_SelfRescheduleDuringRun(t *testing.T) {
	s := NewService(rtclock.NewSystem())
	var ran int32

	var ev *Event
	ev, err := s.DefaultDispatcher().CreateTimerEvent("self-reschedule", 5, func(data any, e *Event) {
		atomic.AddInt32(&ran, 1)
		if err := e.Reschedule(5); err != nil {
			t.Errorf("Reschedule from within callback: %v", err)
		}
	}, nil, 0)
	if err != nil {
		t.Fatalf("CreateTimerEvent: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, _ = s.ServiceEvents(ctx, 80*time.Millisecond, 0)

	d := s.DefaultDispatcher()
	s.mu.Lock()
	count := 0
	for at := d.pending.root.next; at != &d.pending.root; at = at.next {
		if at == ev {
			count++
		}
	}
	s.mu.Unlock()
	if count > 1 {
		t.Fatalf("event appears %d times in the pending queue, want at most 1", count)
	}
	if got := atomic.LoadInt32(&ran); got < 2 {
		t.Fatalf("expected the self-rescheduling event to fire more than once, got %d", got)
	}
}

func TestEvent_EnableContinuous(t *testing.T) {
	s := NewService(rtclock.NewSystem())
	var ran int32
	e, err := s.DefaultDispatcher().CreateTimerEvent("cont", 5, func(any, *Event) {
		atomic.AddInt32(&ran, 1)
	}, nil, 0)
	if err != nil {
		t.Fatalf("CreateTimerEvent: %v", err)
	}

	e.EnableContinuous(false)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _ = s.ServiceEvents(ctx, 100*time.Millisecond, 0)

	if got := atomic.LoadInt32(&ran); got != 1 {
		t.Fatalf("expected exactly 1 run once Continuous cleared, got %d", got)
	}
}
