// Package apprt is the process-level façade over the event, wait, and cache
// subsystems: a single Init call wires the clock, the default dispatcher,
// the wait service (with its platform notifier backend), and the shared
// cache singleton together, following spec.md §6's "runtimeInit() once"
// contract.
package apprt

import (
	"context"
	"fmt"
	"time"

	"github.com/coreflux/apprt/cache"
	"github.com/coreflux/apprt/event"
	"github.com/coreflux/apprt/rtclock"
	"github.com/coreflux/apprt/rtlog"
	"github.com/coreflux/apprt/wait"
)

// ShutdownMode selects how Runtime.Shutdown tears down the event loop.
type ShutdownMode int

const (
	// ShutdownDefault behaves like ShutdownGraceful.
	ShutdownDefault ShutdownMode = iota
	// ShutdownGraceful waits until the ctx passed to Shutdown is done or a
	// 50ms grace period has passed, whichever comes first, then releases
	// backend resources. It does not stop a running Run or wait for it to
	// return.
	ShutdownGraceful
	// ShutdownImmediate releases backend resources right away. It does not
	// cancel a running Run's context or wait for Run to return.
	ShutdownImmediate
)

// WorkerPool hands a func() off for asynchronous execution, the opaque
// pool interface spec.md §1 and §5 reference ("the wait subsystem may hand
// work to worker threads via an opaque pool interface"). apprt specifies no
// concrete thread-pool implementation beyond the trivial GoPool default
// (spec.md's Non-goals: "no general-purpose thread pool API").
type WorkerPool = wait.WorkerPool

// GoPool is the zero-configuration WorkerPool default: every submission runs
// on its own goroutine.
type GoPool struct{}

// Submit implements WorkerPool.
func (GoPool) Submit(f func()) error {
	go f()
	return nil
}

var _ WorkerPool = GoPool{}

type config struct {
	maxEvents       int
	wakeupPort      int
	debugTimeoutCap time.Duration
	cacheResolution time.Duration
	cacheLifespan   time.Duration
	log             *rtlog.Logger
}

// Option configures Init; these realize spec.md §6's "environment knobs".
type Option func(*config)

// WithMaxEvents caps how many ready descriptors a single backend wait
// translates into events per turn (spec §6, default 32).
func WithMaxEvents(n int) Option { return func(c *config) { c.maxEvents = n } }

// WithWakeupPort pins the poll-set backend's wake channel to a starting UDP
// port (spec §6; ignored on platforms using a kernel-native wake primitive).
func WithWakeupPort(port int) Option { return func(c *config) { c.wakeupPort = port } }

// WithDebugTimeoutCap clamps every computed wait budget to at most d (spec
// §6's debugTimeoutCap, meant for debug builds that must never block long).
func WithDebugTimeoutCap(d time.Duration) Option {
	return func(c *config) { c.debugTimeoutCap = d }
}

// WithCacheResolution sets the shared cache's default prune resolution
// (spec §6's cacheResolution).
func WithCacheResolution(d time.Duration) Option {
	return func(c *config) { c.cacheResolution = d }
}

// WithCacheLifespan sets the shared cache's default entry lifespan (spec
// §6's cacheLifespan).
func WithCacheLifespan(d time.Duration) Option {
	return func(c *config) { c.cacheLifespan = d }
}

// WithLogger attaches the structured logger used across the event, wait, and
// cache subsystems. A nil/absent logger installs a discarding one.
func WithLogger(l *rtlog.Logger) Option { return func(c *config) { c.log = l } }

// Runtime bundles the process-wide event service, wait service, shared
// cache façade, clock, and logger built by Init. Multiple event services are
// not supported (spec §6); construct at most one Runtime per process.
type Runtime struct {
	Events *event.Service
	Wait   *wait.Service
	Cache  *cache.Cache
	Clock  rtclock.Clock
	Log    *rtlog.Logger
}

// Init performs the one-time process setup spec.md §6 calls runtimeInit():
// the clock, the default dispatcher (owned by Events), the wait service
// bound to the platform's compiled-in backend, and the lazily-shared cache
// singleton.
func Init(opts ...Option) (*Runtime, error) {
	cfg := config{maxEvents: 32}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = rtlog.Discard()
	}

	clk := rtclock.NewSystem()
	events := event.NewService(clk)
	if cfg.debugTimeoutCap > 0 {
		events.SetDebugTimeoutCap(cfg.debugTimeoutCap)
	}

	waitOpts := []wait.Option{wait.WithLog(cfg.log), wait.WithMaxEvents(cfg.maxEvents)}
	if cfg.wakeupPort != 0 {
		waitOpts = append(waitOpts, wait.WithWakeupPort(cfg.wakeupPort))
	}
	waitSvc, err := wait.NewService(events, waitOpts...)
	if err != nil {
		return nil, fmt.Errorf("apprt: init wait service: %w", err)
	}

	sharedCache := cache.New(events, clk, cfg.log, cache.WithShared())
	sharedCache.SetLimits(0, cfg.cacheLifespan.Milliseconds(), 0, cfg.cacheResolution.Milliseconds())

	return &Runtime{
		Events: events,
		Wait:   waitSvc,
		Cache:  sharedCache,
		Clock:  clk,
		Log:    cfg.log,
	}, nil
}

// Run drives the event loop: it services every due event and blocks for
// readiness or the next due timer, repeating until ctx is done or timeout
// has elapsed in total (a timeout <= 0 sets no deadline). It is the long-running call a host makes from its main or a
// dedicated service goroutine (spec.md §2's "host thread calls
// serviceEvents(timeout)").
func (r *Runtime) Run(ctx context.Context, timeout time.Duration) (int, error) {
	return r.Events.ServiceEvents(ctx, timeout, 0)
}

// Shutdown tears the runtime down. ShutdownImmediate releases the wait
// backend's resources right away; ShutdownGraceful (and ShutdownDefault)
// wait for ctx or a short grace period, whichever comes first, before doing
// the same — letting a concurrently-running Run observe ctx cancellation and
// exit cleanly rather than having its backend torn out from under it.
func (r *Runtime) Shutdown(ctx context.Context, mode ShutdownMode) error {
	if mode != ShutdownImmediate {
		select {
		case <-ctx.Done():
		case <-time.After(50 * time.Millisecond):
		}
	}
	return r.Wait.Close()
}
