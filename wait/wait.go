// Package wait implements the I/O readiness notification subsystem: a
// registry of per-descriptor Handlers layered over one of four
// platform-native backends (epoll, kqueue, a poll(2) fallback, or a Windows
// message pump), all exposing the same arm/wait/wake shape so the service
// itself is backend-blind.
//
// A Service is also an event.Waiter: installing it via event.Service.SetWaiter
// lets the event service's own ServiceEvents loop block inside the backend's
// wait() instead of an internal condition variable, so a single call blocks on
// both due timers and ready descriptors.
package wait

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreflux/apprt/apprterr"
	"github.com/coreflux/apprt/event"
	"github.com/coreflux/apprt/internal/diagrate"
	"github.com/coreflux/apprt/rtlog"
)

// Mask is the abstract interest/readiness bitset. READABLE subsumes
// data-available, peer-close, hang-up, error, and new-connection (for
// listening sockets); WRITABLE subsumes writable and connection-completed.
// Each backend translates its native event bits into this shape.
type Mask uint32

const (
	Readable Mask = 1 << iota
	Writable
)

// HandlerFlags configures a Handler at creation time.
type HandlerFlags uint32

const (
	// ImmediateDispatch invokes the handler's callback synchronously from
	// the service thread instead of queuing an event on a dispatcher.
	ImmediateDispatch HandlerFlags = 1 << iota
	// NewDispatcherPerEvent queues each readiness notification on a fresh
	// auto-destroying dispatcher instead of the handler's own, so a slow
	// callback never blocks other handlers sharing that dispatcher.
	NewDispatcherPerEvent
)

// WorkerPool hands off a func() for asynchronous execution. A Handler
// carrying one has its notifications run through pool.Submit instead of
// inline on the service or dispatcher thread.
type WorkerPool interface {
	Submit(func()) error
}

// Handler is a registered interest in a single file descriptor's readiness.
type Handler struct {
	fd         int
	dispatcher *event.Dispatcher
	proc       event.EventProc
	data       any
	flags      HandlerFlags
	pool       WorkerPool

	service *Service
	desired Mask
	pending *event.Event // queued I/O event not yet run; at most one in flight
	recall  bool
	removed bool
}

// Fd returns the descriptor this handler watches.
func (h *Handler) Fd() int { return h.fd }

// SetPool attaches a WorkerPool that subsequent notifications are handed off
// to instead of running on the service thread or a dispatcher.
func (h *Handler) SetPool(pool WorkerPool) { h.pool = pool }

// Service is the registry of wait Handlers backed by one platform backend.
type Service struct {
	mu sync.Mutex

	events  *event.Service
	backend backend
	log     *rtlog.Logger

	handlers   map[int]*Handler
	needRecall bool

	faultLimiter *diagrate.Limiter

	maxEvents int // spec §6's maxEvents knob; 0 means "no cap beyond the backend's own buffer"

	wakeRequested atomic.Bool
	closed        bool
}

// Option configures a Service at construction.
type Option func(*Service)

// WithLog attaches a logger used for PlatformFault and recall diagnostics.
func WithLog(l *rtlog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithWakeupPort pins the poll-set backend's wake socket to a starting port
// instead of an ephemeral one (ignored by the other backends).
func WithWakeupPort(port int) Option {
	return func(s *Service) {
		if b, ok := s.backend.(interface{ setWakeupPort(int) }); ok {
			b.setWakeupPort(port)
		}
	}
}

// WithMaxEvents caps how many ready descriptors a single Wait call will
// translate into I/O events (spec §6: "Maximum events returned per backend
// wait (≥ 1; default 32)"). Descriptors beyond the cap are simply picked up
// on the next Wait, since their kernel-side registration is left untouched
// until they're processed.
func WithMaxEvents(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxEvents = n
		}
	}
}

// NewService constructs a wait Service over events, selects the platform
// backend, and installs itself as events' Waiter.
func NewService(events *event.Service, opts ...Option) (*Service, error) {
	s := &Service{
		events:       events,
		handlers:     make(map[int]*Handler, 16),
		log:          rtlog.Discard(),
		faultLimiter: diagrate.New(10 * time.Second),
		maxEvents:    32,
	}
	s.backend = newBackend()
	for _, opt := range opts {
		opt(s)
	}
	if err := s.backend.init(); err != nil {
		return nil, fmt.Errorf("wait: backend init: %w", err)
	}
	events.SetWaiter(s)
	return s, nil
}

// Close releases the backend's resources. The Service must not be used
// afterward.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.backend.close()
}

// CreateWaitHandler registers fd for readiness notifications against mask,
// queuing I/O events on d (or invoking synchronously, if flags includes
// ImmediateDispatch).
func (s *Service) CreateWaitHandler(fd int, mask Mask, d *event.Dispatcher, proc event.EventProc, data any, flags HandlerFlags) (*Handler, error) {
	if proc == nil {
		return nil, fmt.Errorf("wait: nil proc: %w", apprterr.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("wait: service closed: %w", apprterr.ErrInvalidState)
	}
	if _, exists := s.handlers[fd]; exists {
		return nil, fmt.Errorf("wait: fd %d already registered: %w", fd, apprterr.ErrInvalidArgument)
	}
	h := &Handler{
		fd:         fd,
		dispatcher: d,
		proc:       proc,
		data:       data,
		flags:      flags,
		service:    s,
		desired:    mask,
	}
	if err := s.backend.arm(fd, mask); err != nil {
		if err == errOutOfRange {
			return nil, fmt.Errorf("wait: fd %d: %w", fd, apprterr.ErrOutOfRange)
		}
		return nil, fmt.Errorf("wait: arm fd %d: %w", fd, err)
	}
	s.handlers[fd] = h
	return h, nil
}

// WaitOn updates h's desired mask. A mask of 0 disarms the handler at the
// backend without unregistering it.
func (s *Service) WaitOn(h *Handler, mask Mask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.removed {
		return fmt.Errorf("wait: handler for fd %d removed: %w", h.fd, apprterr.ErrInvalidState)
	}
	if err := s.backend.arm(h.fd, mask); err != nil {
		return fmt.Errorf("wait: arm fd %d: %w", h.fd, err)
	}
	h.desired = mask
	return nil
}

// RemoveWaitHandler disarms and unregisters h, cancelling any I/O event
// still queued on its dispatcher. Idempotent.
func (s *Service) RemoveWaitHandler(h *Handler) error {
	s.mu.Lock()
	if h.removed {
		s.mu.Unlock()
		return nil
	}
	h.removed = true
	delete(s.handlers, h.fd)
	pending := h.pending
	h.pending = nil
	err := s.backend.arm(h.fd, 0)
	s.mu.Unlock()

	if pending != nil {
		pending.Remove()
	}
	if err != nil {
		return fmt.Errorf("wait: disarm fd %d: %w", h.fd, err)
	}
	return nil
}

// RecallWaitHandler marks h for a synthesized readable notification at the
// next service turn, cooperating with application-level read buffering that
// bypassed the kernel (so the backend never saw new readiness).
func (s *Service) RecallWaitHandler(h *Handler) {
	s.mu.Lock()
	h.recall = true
	s.needRecall = true
	s.mu.Unlock()
	s.Wake()
}

// RecallWaitHandlerByFd looks up the handler registered for fd and recalls
// it, failing with apprterr.ErrNotFound if none is registered.
func (s *Service) RecallWaitHandlerByFd(fd int) error {
	s.mu.Lock()
	h, ok := s.handlers[fd]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("wait: fd %d: %w", fd, apprterr.ErrNotFound)
	}
	s.RecallWaitHandler(h)
	return nil
}

// WaitForSingleIO is a standalone, one-shot wait on fd independent of the
// handler registry.
func (s *Service) WaitForSingleIO(fd int, mask Mask, timeout time.Duration) (Mask, error) {
	observed, err := s.backend.waitForSingleIO(fd, mask, timeout.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("wait: waitForSingleIO fd %d: %w", fd, err)
	}
	return observed, nil
}

// Wait implements event.Waiter: it services any pending recalls, blocks in
// the backend up to timeout, and translates readiness into queued or
// synchronously-invoked I/O events.
func (s *Service) Wait(timeout time.Duration) error {
	s.mu.Lock()
	if s.needRecall {
		s.runRecallsLocked()
	}
	s.mu.Unlock()

	ready, err := s.backend.wait(timeout.Milliseconds())
	s.wakeRequested.Store(false)
	if err != nil {
		// PlatformFault is both returned and logged (spec §7); the limiter
		// keeps a wait loop stuck on a persistent host failure from
		// flooding the log.
		if s.faultLimiter.Allow("backend-wait") {
			s.log.Err().Err(err).Log("wait: backend wait failed")
		}
		return fmt.Errorf("wait: backend wait: %w: %w", apprterr.ErrPlatformFault, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxEvents > 0 && len(ready) > s.maxEvents {
		ready = ready[:s.maxEvents]
	}
	for _, r := range ready {
		h, ok := s.handlers[r.fd]
		if !ok {
			continue
		}
		present := r.mask & h.desired
		if present == 0 {
			continue
		}
		// Suppress further readiness until the callback re-arms via WaitOn.
		_ = s.backend.arm(h.fd, 0)
		h.desired = 0
		s.dispatchLocked(h, present)
	}
	return nil
}

// runRecallsLocked synthesizes a ready-readable notification for every
// recall-flagged handler whose desired mask includes Readable. Must be
// called holding s.mu. Recalled handlers are snapshotted first because
// dispatchLocked may release the lock for an ImmediateDispatch callback,
// and the handler map must not be iterated across that window.
func (s *Service) runRecallsLocked() {
	s.needRecall = false
	var recalled []*Handler
	for _, h := range s.handlers {
		if h.recall {
			h.recall = false
			recalled = append(recalled, h)
		}
	}
	for _, h := range recalled {
		if h.removed || h.desired&Readable == 0 {
			continue
		}
		// Same suppression discipline as a kernel-observed notification:
		// the callback must re-arm via WaitOn before the next one.
		_ = s.backend.arm(h.fd, 0)
		h.desired = 0
		s.dispatchLocked(h, Readable)
	}
}

// dispatchLocked invokes, hands off, or queues h's callback for the given
// mask. Must be called holding s.mu.
func (s *Service) dispatchLocked(h *Handler, mask Mask) {
	if h.flags&ImmediateDispatch != 0 {
		proc, data := h.proc, h.data
		ev := &event.Event{Mask: uint32(mask), HandlerRef: h}
		s.mu.Unlock()
		proc(data, ev)
		s.mu.Lock()
		return
	}

	if h.pool != nil {
		proc, data, pool := h.proc, h.data, h.pool
		ev := &event.Event{Mask: uint32(mask), HandlerRef: h}
		if err := pool.Submit(func() { proc(data, ev) }); err != nil {
			s.log.Err().Err(err).Log("wait: worker pool submit failed")
		}
		return
	}

	if h.pending != nil {
		return // one I/O event in flight per handler, never two
	}

	d := h.dispatcher
	if h.flags&NewDispatcherPerEvent != 0 {
		d = s.events.CreateDispatcher(fmt.Sprintf("wait-fd-%d", h.fd), event.DispatcherAuto)
	}
	if d == nil {
		d = s.events.DefaultDispatcher()
	}
	proc := h.proc
	e, err := d.CreateEvent(fmt.Sprintf("io-fd-%d", h.fd), 0, func(data any, ev *event.Event) {
		s.mu.Lock()
		if h.pending == ev {
			h.pending = nil
		}
		s.mu.Unlock()
		proc(data, ev)
	}, h.data, 0)
	if err != nil {
		s.log.Err().Err(err).Log("wait: queue io event failed")
		return
	}
	e.Mask = uint32(mask)
	e.HandlerRef = h
	h.pending = e
}

// Wake interrupts an in-progress Wait from any goroutine; idempotent via
// wakeRequested, which the next Wait clears.
func (s *Service) Wake() {
	if s.wakeRequested.CompareAndSwap(false, true) {
		s.backend.wake()
	}
}

var _ event.Waiter = (*Service)(nil)
