// Package cache implements the in-process, keyed cache: versioned entries
// with per-entry lifespans, memory and key-count ceilings, and a
// timer-driven eviction policy that runs as an ordinary event on the
// process's default dispatcher (so it shares the same serialization
// discipline as every other callback instead of preempting one).
//
// The pruning algorithm, memory accounting, and sharing semantics follow
// spec.md §4.3; the event wiring follows the teacher's pattern of driving
// periodic maintenance through its own scheduling primitive (eventloop's
// timer heap) rather than a dedicated goroutine.
package cache

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/coreflux/apprt/apprterr"
	"github.com/coreflux/apprt/event"
	"github.com/coreflux/apprt/internal/diagrate"
	"github.com/coreflux/apprt/rtclock"
	"github.com/coreflux/apprt/rtlog"
)

// WriteMode selects how Write combines a new value with any existing one.
type WriteMode int

const (
	// Set overwrites any existing value (the default, zero value).
	Set WriteMode = iota
	// Add stores value only if key does not already exist; if it does,
	// Write returns (0, nil) rather than an error (spec §4.3: "fails
	// silently").
	Add
	// Append concatenates value onto any existing data.
	Append
	// Prepend concatenates any existing data onto value.
	Prepend
)

// Unbounded designates "no ceiling" for SetLimits' maxKeys/maxMemBytes
// arguments (spec §4.3: "a negative or MAX value means unbounded").
const Unbounded = math.MaxInt64

const defaultHorizon = 5 * time.Minute

// capacityRateLimit bounds how often a non-converging capacity pass logs its
// diagnostic (SPEC_FULL.md §4.3).
const capacityRateLimit = 10 * time.Second

// maxHorizonRounds bounds the horizon-expansion loop so a store that can
// never satisfy its capacity ceiling (e.g. all entries immortal) doesn't spin
// forever; it logs via diagrate and gives up for this pass instead.
const maxHorizonRounds = 8

type entry struct {
	key          string
	data         []byte
	lifespan     int64 // ms; 0 means "use cache default"
	lastAccessed int64 // tick
	expires      int64 // tick; 0 means never
	lastModified time.Time
	version      uint64
}

// Option configures a Cache at construction.
type Option func(*options)

type options struct {
	shared bool
}

// WithShared binds the new Cache to the process-wide shared singleton: the
// first call constructs it, every subsequent call returns a façade that
// delegates to it. Destroying a façade does not destroy the singleton;
// destroying the singleton severs every façade (their next operation
// observes no entries).
func WithShared() Option {
	return func(o *options) { o.shared = true }
}

// Cache is a keyed store of versioned entries, pruned by a periodic event
// registered on the dispatcher it was constructed with.
type Cache struct {
	mu sync.Mutex

	events     *event.Service
	dispatcher *event.Dispatcher
	clk        rtclock.Clock
	log        *rtlog.Logger
	capLimiter *diagrate.Limiter

	store map[string]*entry

	maxKeys    int64
	maxMem     int64
	usedMem    int64
	lifespan   int64 // default ms
	resolution int64 // ms between prune passes

	timer     *event.Event
	destroyed bool

	shared *Cache // non-nil for a façade delegating to the process singleton
}

var (
	sharedMu       sync.Mutex
	sharedInstance *Cache
)

// New constructs a Cache. events supplies the dispatcher the periodic prune
// event is queued on (its process-default dispatcher, matching spec §4.3:
// "the prune timer runs as an event on the process's default dispatcher").
func New(events *event.Service, clk rtclock.Clock, log *rtlog.Logger, opts ...Option) *Cache {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = rtlog.Discard()
	}

	if o.shared {
		sharedMu.Lock()
		defer sharedMu.Unlock()
		if sharedInstance != nil && !sharedInstance.isDestroyed() {
			return &Cache{shared: sharedInstance}
		}
		c := newReal(events, clk, log)
		sharedInstance = c
		return c
	}

	return newReal(events, clk, log)
}

func newReal(events *event.Service, clk rtclock.Clock, log *rtlog.Logger) *Cache {
	return &Cache{
		events:     events,
		dispatcher: events.DefaultDispatcher(),
		clk:        clk,
		log:        log,
		capLimiter: diagrate.New(capacityRateLimit),
		store:      make(map[string]*entry, 64),
		lifespan:   0,
		resolution: 1000,
		maxKeys:    Unbounded,
		maxMem:     Unbounded,
	}
}

func (c *Cache) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// target resolves a façade to the real Cache it delegates to.
func (c *Cache) target() *Cache {
	if c.shared != nil {
		return c.shared
	}
	return c
}

// Destroy releases this handle. Called on a façade, it merely detaches the
// façade from the shared singleton (which keeps running for every other
// façade); called on the owning instance, it clears the store, cancels the
// prune timer, and — if this was the shared singleton — makes the next
// WithShared() construct a fresh one.
func (c *Cache) Destroy() {
	if c.shared != nil {
		c.shared = nil
		c.store = make(map[string]*entry)
		c.destroyed = true
		return
	}

	c.mu.Lock()
	c.destroyed = true
	c.store = make(map[string]*entry)
	c.usedMem = 0
	timer := c.timer
	c.timer = nil
	c.mu.Unlock()

	if timer != nil {
		timer.Remove()
	}

	sharedMu.Lock()
	if sharedInstance == c {
		sharedInstance = nil
	}
	sharedMu.Unlock()
}

// SetLimits updates maxKeys, the default lifespan, the memory ceiling, and
// the prune resolution. Each 0 argument keeps the current value; a negative
// value (or Unbounded) clears the corresponding ceiling.
func (c *Cache) SetLimits(maxKeys int64, defaultLifespanMs int64, maxMemBytes int64, resolutionMs int64) {
	t := c.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	if maxKeys != 0 {
		t.maxKeys = normalizeLimit(maxKeys)
	}
	if defaultLifespanMs != 0 {
		t.lifespan = defaultLifespanMs
	}
	if maxMemBytes != 0 {
		t.maxMem = normalizeLimit(maxMemBytes)
	}
	if resolutionMs != 0 {
		t.resolution = resolutionMs
	}
}

func normalizeLimit(v int64) int64 {
	if v < 0 {
		return Unbounded
	}
	return v
}

// WriteOptions configures a single Write call.
type WriteOptions struct {
	// Modified overrides the wall-clock timestamp recorded with the entry;
	// the zero Time uses the clock's current wall-clock time.
	Modified time.Time
	// LifespanMs is this entry's time-to-live; 0 uses the cache default.
	LifespanMs int64
	// ExpectedVersion, if non-zero, makes the write fail with
	// apprterr.ErrVersionMismatch unless it matches the entry's current
	// version (optimistic concurrency).
	ExpectedVersion uint64
	Mode            WriteMode
}

// Write stores value under key according to opts, returning the number of
// bytes now stored for that key (0 for a silently-skipped Add, or an I/O-free
// bytesStored count for Append/Prepend reflecting the combined length).
func (c *Cache) Write(key string, value []byte, opts WriteOptions) (int, error) {
	t := c.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return 0, fmt.Errorf("cache: write on destroyed cache: %w", apprterr.ErrInvalidState)
	}

	now := t.clk.Ticks()
	existing, ok := t.store[key]
	live := ok && !(existing.expires > 0 && existing.expires <= now)

	if opts.ExpectedVersion != 0 {
		var cur uint64
		if live {
			cur = existing.version
		}
		if cur != opts.ExpectedVersion {
			return 0, fmt.Errorf("cache: key %q: %w", key, apprterr.ErrVersionMismatch)
		}
	}

	if opts.Mode == Add && live {
		return 0, nil
	}

	var data []byte
	switch {
	case opts.Mode == Append && live:
		data = append(append([]byte(nil), existing.data...), value...)
	case opts.Mode == Prepend && live:
		data = append(append([]byte(nil), value...), existing.data...)
	default:
		data = append([]byte(nil), value...)
	}

	modified := opts.Modified
	if modified.IsZero() {
		modified = t.clk.WallClock()
	}

	e := existing
	oldLen := 0
	if e == nil {
		e = &entry{key: key}
		t.store[key] = e
	} else {
		oldLen = len(e.key) + len(e.data)
	}
	e.data = data
	e.lifespan = opts.LifespanMs
	e.lastAccessed = now
	e.lastModified = modified
	e.version++
	t.applyExpiryLocked(e, now)

	t.usedMem += int64(len(e.key)+len(e.data)) - int64(oldLen)
	t.ensurePruneTimerLocked()

	return len(e.data), nil
}

// applyExpiryLocked sets e.expires from e.lifespan (falling back to the
// cache default), per spec §3: expires == lastAccessed + lifespan whenever
// lifespan is positive. Must be called holding c.mu (on the target).
func (c *Cache) applyExpiryLocked(e *entry, now int64) {
	lifespan := e.lifespan
	if lifespan == 0 {
		lifespan = c.lifespan
	}
	if lifespan > 0 {
		e.expires = now + lifespan
	} else {
		e.expires = 0
	}
}

// Read returns the value, last-modified time, and version for key, or ok ==
// false on a miss (no such key, or an expired one). A hit refreshes
// lastAccessed and recomputes expires.
func (c *Cache) Read(key string) (value []byte, modified time.Time, version uint64, ok bool) {
	t := c.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return nil, time.Time{}, 0, false
	}

	now := t.clk.Ticks()
	e, found := t.store[key]
	if !found {
		return nil, time.Time{}, 0, false
	}
	if e.expires > 0 && e.expires <= now {
		t.removeLocked(key)
		return nil, time.Time{}, 0, false
	}

	e.lastAccessed = now
	t.applyExpiryLocked(e, now)

	out := append([]byte(nil), e.data...)
	return out, e.lastModified, e.version, true
}

// Inc atomically parses key's current value as a signed decimal integer (0
// if absent or unparsable), adds delta, stores the decimal result, and bumps
// the entry's version.
func (c *Cache) Inc(key string, delta int64) (int64, error) {
	t := c.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return 0, fmt.Errorf("cache: inc on destroyed cache: %w", apprterr.ErrInvalidState)
	}

	now := t.clk.Ticks()
	e, ok := t.store[key]
	var cur int64
	oldLen := 0
	if ok {
		oldLen = len(e.key) + len(e.data)
		if !(e.expires > 0 && e.expires <= now) {
			cur, _ = strconv.ParseInt(string(e.data), 10, 64)
		}
	}
	next := cur + delta
	data := []byte(strconv.FormatInt(next, 10))

	if !ok {
		e = &entry{key: key}
		t.store[key] = e
	}
	e.data = data
	e.lastAccessed = now
	e.lastModified = t.clk.WallClock()
	e.version++
	t.applyExpiryLocked(e, now)
	t.usedMem += int64(len(e.key)+len(e.data)) - int64(oldLen)
	t.ensurePruneTimerLocked()

	return next, nil
}

// ExpireItem sets key's absolute expiry tick. 0 means "remove now". A
// missing key is a no-op.
func (c *Cache) ExpireItem(key string, absoluteExpireTick int64) {
	t := c.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.store[key]
	if !ok {
		return
	}
	if absoluteExpireTick == 0 {
		t.removeLocked(key)
		return
	}
	e.expires = absoluteExpireTick
}

// Remove deletes key, reporting whether it was present.
func (c *Cache) Remove(key string) bool {
	t := c.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.store[key]
	if ok {
		t.removeLocked(key)
	}
	return ok
}

// RemoveAll clears every entry (spec §4.3's removeCache(cache, nil)).
func (c *Cache) RemoveAll() {
	t := c.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store = make(map[string]*entry)
	t.usedMem = 0
}

// removeLocked deletes key and adjusts usedMem. Must be called holding
// c.mu on the target.
func (c *Cache) removeLocked(key string) {
	e, ok := c.store[key]
	if !ok {
		return
	}
	c.usedMem -= int64(len(e.key) + len(e.data))
	delete(c.store, key)
}

// Stats reports the current key count and estimated memory usage.
func (c *Cache) Stats() (numKeys int, usedMem int64) {
	t := c.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.store), t.usedMem
}

// ensurePruneTimerLocked creates the periodic prune event if the store holds
// entries and no timer is currently scheduled. Must be called holding c.mu
// on the target (the real instance, never a façade).
func (c *Cache) ensurePruneTimerLocked() {
	if c.timer != nil || len(c.store) == 0 {
		return
	}
	timer, err := c.dispatcher.CreateTimerEvent("cache-prune", c.resolution, func(_ any, _ *event.Event) {
		c.Prune()
	}, nil, 0)
	if err != nil {
		c.log.Err().Err(err).Log("cache: failed to schedule prune timer")
		return
	}
	c.timer = timer
}

// Prune forces an eviction pass, equivalent to the periodic timer firing
// immediately. Safe to call from any goroutine; skips the pass (to run again
// on the next timer tick) if the cache mutex is currently held by a writer,
// so a long write never makes prune queue indefinitely.
func (c *Cache) Prune() {
	t := c.target()
	if !t.mu.TryLock() {
		return
	}
	defer t.mu.Unlock()
	if t.destroyed {
		return
	}

	now := t.clk.Ticks()

	// Expired pass.
	for key, e := range t.store {
		if e.expires > 0 && e.expires <= now {
			t.removeLocked(key)
		}
	}

	// Capacity pass.
	if t.overCapacityLocked() {
		t.evictToCapacityLocked(now)
	}

	if len(t.store) == 0 && t.timer != nil {
		timer := t.timer
		t.timer = nil
		timer.Remove()
	}
}

func (c *Cache) overCapacityLocked() bool {
	overKeys := c.maxKeys != Unbounded && int64(len(c.store)) > c.maxKeys
	overMem := c.maxMem != Unbounded && c.usedMem > c.maxMem
	return overKeys || overMem
}

// evictToCapacityLocked implements spec §4.3's capacity pass: within a
// growing horizon, evict mortal entries soonest-expiring first until both
// ceilings are satisfied or the store is empty. Must be called holding
// c.mu on the target.
func (c *Cache) evictToCapacityLocked(now int64) {
	horizon := int64(defaultHorizon.Milliseconds())

	for round := 0; round < maxHorizonRounds && c.overCapacityLocked() && len(c.store) > 0; round++ {
		var candidates []*entry
		hasMortal := false
		for _, e := range c.store {
			if e.expires == 0 {
				continue
			}
			hasMortal = true
			if e.expires <= now+horizon {
				candidates = append(candidates, e)
			}
		}
		if !hasMortal {
			break // only immortal entries remain; no amount of horizon growth helps (spec §4.3)
		}
		if len(candidates) == 0 {
			horizon *= 4
			continue // mortal entries exist, just none within the current horizon yet
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].expires < candidates[j].expires })

		for _, e := range candidates {
			if !c.overCapacityLocked() {
				break
			}
			c.removeLocked(e.key)
		}

		if !c.overCapacityLocked() || len(c.store) == 0 {
			return
		}
		horizon *= 4
	}

	if c.overCapacityLocked() {
		if c.capLimiter.Allow("capacity-exceeded") {
			c.log.Err().Int("keys", len(c.store)).Log("cache: capacity pass did not converge (immortal entries exceed limits)")
		}
	}
}
