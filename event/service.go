package event

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/coreflux/apprt/apprterr"
	"github.com/coreflux/apprt/internal/gid"
	"github.com/coreflux/apprt/internal/rmutex"
	"github.com/coreflux/apprt/rtclock"
)

func gidCurrent() uint64 { return gid.Current() }

// Waiter is the hook the wait subsystem implements so the event service can
// delegate blocking to it: Wait blocks up to timeout or until a descriptor
// becomes ready (queuing I/O events as a side effect), and Wake interrupts an
// in-progress Wait from any goroutine. Without a Waiter, Service blocks on
// its own condition variable, which is sufficient for a pure-timer loop (see
// TestService_TimerFiresN).
type Waiter interface {
	Wait(timeout time.Duration) error
	Wake()
}

// ServiceFlags configures a single call to ServiceEvents.
type ServiceFlags uint32

const (
	// Once services at most one batch of already-due events (possibly
	// zero) and returns, instead of looping until ctx is done.
	Once ServiceFlags = 1 << iota
)

// Service is the registry of Dispatchers and picks the next-due event
// across all of them. Exactly one Service is needed per runtime instance.
type Service struct {
	mu   *rmutex.Mutex
	cond *sync.Cond

	clk rtclock.Clock

	waiter Waiter

	dispatchers map[uint64]*Dispatcher
	nextID      uint64
	rrOrder     []uint64 // round-robin visiting order, rebuilt lazily
	rrCursor    int

	now        int64
	willAwake  int64
	eventCount int

	debugTimeoutCap time.Duration // 0 disables the clamp

	defaultDispatcher  *Dispatcher
	nonBlockDispatcher *Dispatcher
}

// SetDebugTimeoutCap clamps every wait budget ServiceEvents computes to at
// most cap (spec §6's debugTimeoutCap knob: "when a debug mode is active,
// clamp wait timeouts to at most this many ms"). A zero cap disables
// clamping, the default.
func (s *Service) SetDebugTimeoutCap(d time.Duration) {
	s.mu.Lock()
	s.debugTimeoutCap = d
	s.mu.Unlock()
}

// NewService constructs an event Service backed by clk, with a default and a
// non-blocking dispatcher already created (mirroring MPR->dispatcher and
// MPR->nonBlock).
func NewService(clk rtclock.Clock) *Service {
	s := &Service{
		mu:          rmutex.New(),
		clk:         clk,
		dispatchers: make(map[uint64]*Dispatcher, 8),
	}
	s.cond = sync.NewCond(s.mu)
	s.defaultDispatcher = s.createDispatcherLocked("default", 0)
	s.nonBlockDispatcher = s.createDispatcherLocked("nonblock", 0)
	return s
}

// SetWaiter installs the wait subsystem's Waiter. Safe to call at any time;
// typically called once during runtime composition.
func (s *Service) SetWaiter(w Waiter) {
	s.mu.Lock()
	s.waiter = w
	s.mu.Unlock()
}

// DefaultDispatcher returns the process-default dispatcher new events bind
// to when created with a nil Dispatcher and without the Quick flag.
func (s *Service) DefaultDispatcher() *Dispatcher { return s.defaultDispatcher }

// NonBlockDispatcher returns the lightweight dispatcher Quick events without
// an explicit Dispatcher bind to.
func (s *Service) NonBlockDispatcher() *Dispatcher { return s.nonBlockDispatcher }

// Now returns the service's cached tick, updated at the start of each
// ServiceEvents iteration and on every CreateEvent/Reschedule call.
func (s *Service) Now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// EventCount returns the total number of events dispatched over the
// service's lifetime.
func (s *Service) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventCount
}

// CreateEvent creates an event bound to d. A nil d binds to the
// process-default dispatcher, or to the lightweight non-block dispatcher
// when flags includes Quick.
func (s *Service) CreateEvent(d *Dispatcher, name string, periodMs int64, proc EventProc, data any, flags Flags) (*Event, error) {
	if d == nil {
		if flags&Quick != 0 {
			d = s.nonBlockDispatcher
		} else {
			d = s.defaultDispatcher
		}
	}
	return d.CreateEvent(name, periodMs, proc, data, flags)
}

// CreateTimerEvent is sugar for CreateEvent with the Continuous flag set.
func (s *Service) CreateTimerEvent(d *Dispatcher, name string, periodMs int64, proc EventProc, data any, flags Flags) (*Event, error) {
	return s.CreateEvent(d, name, periodMs, proc, data, flags|Continuous)
}

// CreateDispatcher creates a new Dispatcher registered with this service.
func (s *Service) CreateDispatcher(name string, flags DispatcherFlags) *Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createDispatcherLocked(name, flags)
}

func (s *Service) createDispatcherLocked(name string, flags DispatcherFlags) *Dispatcher {
	s.nextID++
	id := s.nextID
	d := newDispatcher(s, name, flags)
	s.dispatchers[id] = d
	s.rrOrder = nil // rebuilt lazily by rebuildRoundRobinLocked
	return d
}

func (s *Service) destroyDispatcherLocked(d *Dispatcher) error {
	if d.destroyed {
		return nil
	}
	if !d.pending.empty() || d.current != nil {
		return fmt.Errorf("event: destroy of non-idle dispatcher %q: %w", d.Name, apprterr.ErrInvalidState)
	}
	for id, cand := range s.dispatchers {
		if cand == d {
			delete(s.dispatchers, id)
			break
		}
	}
	d.destroyed = true
	d.magic = 0
	s.rrOrder = nil
	return nil
}

func (s *Service) queueLocked(d *Dispatcher, e *Event) error {
	if d.destroyed {
		return fmt.Errorf("event: queue on destroyed dispatcher %q: %w", d.Name, apprterr.ErrInvalidState)
	}
	d.pending.insert(e)
	e.dispatcher = d
	if d.enabled {
		s.scheduleLocked(d)
	}
	return nil
}

// scheduleLocked wakes a sleeping service thread if the dispatcher's new
// front event is due sooner than the previously computed willAwake.
func (s *Service) scheduleLocked(d *Dispatcher) {
	front := d.pending.front()
	if front == nil {
		return
	}
	if s.willAwake == 0 || front.due < s.willAwake {
		if s.waiter != nil {
			s.waiter.Wake()
		}
		s.cond.Broadcast()
	}
}

func (s *Service) removeLocked(e *Event) {
	d := e.dispatcher
	if d == nil {
		return
	}
	if e.inQueue != nil && e.flags&running == 0 {
		e.inQueue.unlink(e)
	}
	e.dispatcher = nil
	e.flags &^= Continuous
	if d.enabled && e.due == s.willAwake && !d.pending.empty() {
		s.scheduleLocked(d)
	}
}

// nextDueLocked returns the earliest due tick across enabled, non-empty
// dispatchers, and whether any such dispatcher exists.
func (s *Service) nextDueLocked() (int64, bool) {
	var earliest int64
	found := false
	for _, d := range s.dispatchers {
		if !d.enabled || d.pending.empty() {
			continue
		}
		front := d.pending.front()
		if !found || front.due < earliest {
			earliest = front.due
			found = true
		}
	}
	return earliest, found
}

// rebuildRoundRobinLocked snapshots the current dispatcher ids in a stable
// order so repeated ServiceEvents calls visit them round-robin instead of
// always favoring the same busy dispatcher (spec §4.1's fairness rule).
func (s *Service) rebuildRoundRobinLocked() {
	if s.rrOrder != nil {
		return
	}
	ids := make([]uint64, 0, len(s.dispatchers))
	for id := range s.dispatchers {
		ids = append(ids, id)
	}
	// deterministic order: ascending id (creation order)
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	s.rrOrder = ids
	s.rrCursor = 0
}

// drainDueLocked runs every currently-due event across enabled dispatchers
// not already owned by another goroutine, visiting dispatchers round-robin.
// It releases the lock around each callback invocation and must be called
// with the lock held.
func (s *Service) drainDueLocked(self uint64) int {
	s.rebuildRoundRobinLocked()
	if len(s.rrOrder) == 0 {
		return 0
	}
	// Snapshot the visiting order: draining can destroy an auto dispatcher
	// (or a callback can create one), which resets rrOrder mid-pass. The
	// remaining dispatchers of this round are still visited through the
	// snapshot; destroyed ones simply miss the map lookup.
	order := s.rrOrder
	cursor := s.rrCursor
	ran := 0
	for i := 0; i < len(order); i++ {
		idx := (cursor + i) % len(order)
		d, ok := s.dispatchers[order[idx]]
		if !ok || !d.enabled || d.owner != 0 {
			continue
		}
		ran += s.drainDispatcherLocked(d, self)
	}
	if n := len(s.rrOrder); n > 0 {
		s.rrCursor = (s.rrCursor + 1) % n
	} else {
		s.rrCursor = 0
	}
	return ran
}

// drainDispatcherLocked runs every due event on d, must be called holding s.mu.
func (s *Service) drainDispatcherLocked(d *Dispatcher, self uint64) int {
	d.owner = self
	defer func() { d.owner = 0 }()

	ran := 0
	for {
		front := d.pending.front()
		if front == nil || front.due > s.now {
			break
		}
		d.pending.unlink(front)
		d.current = front
		front.flags |= running

		proc := front.proc
		data := front.Data
		s.mu.Unlock()
		proc(data, front)
		s.mu.Lock()

		front.flags &^= running
		d.current = nil
		ran++
		s.eventCount++

		// The callback may have removed or rescheduled itself (Event.Remove,
		// Event.Reschedule, Event.RestartContinuous all accept a running
		// event). If so, front is already back in some queue, or detached
		// with a nil dispatcher, and must not be touched again here.
		if front.inQueue == nil {
			if front.flags&Continuous != 0 && front.dispatcher == d {
				front.due = s.now + front.period
				front.timestamp = s.now
				d.pending.insert(front)
			} else {
				front.dispatcher = nil
			}
		}

		if d.flags&DispatcherAuto != 0 && d.pending.empty() && d.current == nil {
			_ = s.destroyDispatcherLocked(d)
			break
		}
	}
	return ran
}

// ServiceEvents computes the next-due time across all enabled dispatchers,
// blocks (via the installed Waiter, or an internal condition variable) until
// that time, a descriptor becomes ready, or timeout elapses, then runs every
// event now due. It repeats until ctx is done, flags includes Once, timeout
// has elapsed, or the Waiter reports a platform fault, and returns the
// number of events run.
func (s *Service) ServiceEvents(ctx context.Context, timeout time.Duration, flags ServiceFlags) (int, error) {
	self := gidCurrent()
	// A service thread parked in the backend wait or on the condition
	// variable must still observe ctx cancellation promptly.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		w := s.waiter
		s.cond.Broadcast()
		s.mu.Unlock()
		if w != nil {
			w.Wake()
		}
	})
	defer stop()
	startTick := s.clk.Ticks()
	var deadlineTick int64
	hasDeadline := timeout > 0
	if hasDeadline {
		deadlineTick = startTick + timeout.Milliseconds()
	}
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		s.mu.Lock()
		s.now = s.clk.Ticks()
		ran := s.drainDueLocked(self)
		total += ran

		if flags&Once != 0 {
			s.mu.Unlock()
			return total, nil
		}

		if hasDeadline && s.now >= deadlineTick {
			s.mu.Unlock()
			return total, nil
		}

		earliest, found := s.nextDueLocked()
		var budgetMs int64
		if found {
			budgetMs = earliest - s.now
			if budgetMs < 0 {
				budgetMs = 0
			}
		} else {
			budgetMs = int64((24 * time.Hour).Milliseconds())
		}
		if hasDeadline {
			if left := deadlineTick - s.now; left < budgetMs {
				budgetMs = left
			}
		}
		if s.debugTimeoutCap > 0 {
			if capMs := s.debugTimeoutCap.Milliseconds(); budgetMs > capMs {
				budgetMs = capMs
			}
		}
		if found {
			s.willAwake = s.now + budgetMs
		} else {
			s.willAwake = 0
		}
		waiter := s.waiter
		s.mu.Unlock()

		if budgetMs <= 0 {
			// A due event exists but could not be run this pass (its
			// dispatcher is owned by another goroutine). Yield instead of
			// spinning until the owner finishes.
			if ran == 0 {
				runtime.Gosched()
			}
			continue
		}
		budget := time.Duration(budgetMs) * time.Millisecond

		if waiter != nil {
			// A waiter failure is a PlatformFault: surface it rather than
			// re-entering Wait in a tight loop against a failing host API.
			if err := waiter.Wait(budget); err != nil {
				return total, err
			}
		} else {
			s.condWait(budget)
		}
	}
}

func (s *Service) condWait(timeout time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		close(done)
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.mu.Lock()
	select {
	case <-done:
	default:
		s.cond.Wait()
	}
	s.mu.Unlock()
}
