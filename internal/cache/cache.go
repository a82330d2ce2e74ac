// Package cache keeps long-lived destination handles (open files, network
// connections, database handles) keyed by their rendered destination.
//
// Handles are handed out as leases. A lease pins its handle: capacity
// eviction removes a pinned handle from the cache immediately but defers the
// close until the last lease is released. Construction and close run outside
// the cache mutex so a slow destination never stalls unrelated keys.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"logship/internal/logger"
	"logship/internal/metrics"
)

const DefaultCapacity = 5

// ErrClosed is returned by Acquire after Close
var ErrClosed = errors.New("resource cache is closed")

// Handle is an open, reusable destination handle
type Handle interface {
	Close() error
}

// Factory builds the handle for a key
type Factory[H Handle] func(ctx context.Context, key string) (H, error)

// EvictReason says why a handle left the cache
type EvictReason string

const (
	ReasonCapacity EvictReason = "capacity"
	ReasonIdle     EvictReason = "idle"
	ReasonInvalid  EvictReason = "invalid"
	ReasonShutdown EvictReason = "shutdown"
)

// AcquireError wraps a factory failure with the key it was building
type AcquireError struct {
	Key string
	Err error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("open %q: %v", e.Key, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

// Config holds cache configuration
type Config struct {
	// Name labels logs and metrics
	Name string
	// Capacity bounds the number of cached handles (default 5)
	Capacity int
	// IdleTimeout closes handles unused for longer; 0 disables idle eviction
	IdleTimeout time.Duration
	// Bypass opens a fresh handle per lease and closes it on release
	Bypass bool
	// OnEvict is called after a handle leaves the cache
	OnEvict func(key string, reason EvictReason)
	// Now overrides the clock
	Now func() time.Time
}

type entry[H Handle] struct {
	key      string
	handle   H
	refs     int
	lastUsed time.Time
	elem     *list.Element
	retired  bool
}

type pending struct {
	done chan struct{}
	err  error
}

type victim[H Handle] struct {
	key      string
	handle   H
	reason   EvictReason
	closeNow bool
}

// Cache is a keyed LRU of handles
type Cache[H Handle] struct {
	cfg     Config
	factory Factory[H]

	mu       sync.Mutex
	entries  map[string]*entry[H]
	lru      *list.List // front is most recently used
	building map[string]*pending
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a cache. When IdleTimeout is set a janitor goroutine evicts
// idle handles until Close.
func New[H Handle](cfg Config, factory Factory[H]) *Cache[H] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	c := &Cache[H]{
		cfg:      cfg,
		factory:  factory,
		entries:  make(map[string]*entry[H]),
		lru:      list.New(),
		building: make(map[string]*pending),
		stop:     make(chan struct{}),
	}

	if cfg.IdleTimeout > 0 && !cfg.Bypass {
		c.wg.Add(1)
		go c.janitor()
	}
	return c
}

// Acquire returns a lease on the handle for key, building it when needed.
// Concurrent first acquisitions of one key share a single construction.
func (c *Cache[H]) Acquire(ctx context.Context, key string) (*Lease[H], error) {
	if c.cfg.Bypass {
		h, err := c.construct(ctx, key)
		if err != nil {
			return nil, err
		}
		return &Lease[H]{cache: c, key: key, handle: h, transient: true}, nil
	}

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if e, ok := c.entries[key]; ok {
			e.refs++
			e.lastUsed = c.cfg.Now()
			c.lru.MoveToFront(e.elem)
			c.mu.Unlock()
			return &Lease[H]{cache: c, key: key, handle: e.handle, entry: e}, nil
		}
		if p, ok := c.building[key]; ok {
			c.mu.Unlock()
			select {
			case <-p.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if p.err != nil {
				return nil, p.err
			}
			continue
		}

		p := &pending{done: make(chan struct{})}
		c.building[key] = p
		c.mu.Unlock()

		h, err := c.construct(ctx, key)

		c.mu.Lock()
		delete(c.building, key)
		p.err = err
		close(p.done)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		if c.closed {
			c.mu.Unlock()
			c.closeHandle(key, h, ReasonShutdown)
			return nil, ErrClosed
		}

		e := &entry[H]{key: key, handle: h, refs: 1, lastUsed: c.cfg.Now()}
		e.elem = c.lru.PushFront(e)
		c.entries[key] = e
		victims := c.evictOverLocked(c.cfg.Capacity, key)
		c.mu.Unlock()

		c.finish(victims)
		return &Lease[H]{cache: c, key: key, handle: h, entry: e}, nil
	}
}

// EvictIdle closes every unleased handle idle longer than IdleTimeout and
// returns how many were evicted
func (c *Cache[H]) EvictIdle(now time.Time) int {
	if c.cfg.IdleTimeout <= 0 {
		return 0
	}

	c.mu.Lock()
	var victims []victim[H]
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry[H])
		if e.refs == 0 && now.Sub(e.lastUsed) > c.cfg.IdleTimeout {
			victims = append(victims, c.removeLocked(e, ReasonIdle))
		}
		el = prev
	}
	c.mu.Unlock()

	c.finish(victims)
	return len(victims)
}

// EnforceCapacity evicts least recently used handles until at most max remain
// and returns how many were evicted
func (c *Cache[H]) EnforceCapacity(max int) int {
	c.mu.Lock()
	victims := c.evictOverLocked(max, "")
	c.mu.Unlock()

	c.finish(victims)
	return len(victims)
}

// Len returns the number of cached handles
func (c *Cache[H]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns cached keys, most recently used first
func (c *Cache[H]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.lru.Len())
	for el := c.lru.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[H]).key)
	}
	return keys
}

// Close stops the janitor and closes every handle. Leased handles are closed
// when their lease is released.
func (c *Cache[H]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)

	var victims []victim[H]
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		victims = append(victims, c.removeLocked(el.Value.(*entry[H]), ReasonShutdown))
		el = prev
	}
	c.mu.Unlock()

	c.wg.Wait()

	var errs error
	for _, v := range victims {
		c.notify(v)
		if v.closeNow {
			if err := v.handle.Close(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("close %q: %w", v.key, err))
			}
			metrics.CacheEvictions.WithLabelValues(c.cfg.Name, string(v.reason)).Inc()
		}
	}
	return errs
}

func (c *Cache[H]) construct(ctx context.Context, key string) (H, error) {
	h, err := c.factory(ctx, key)
	if err != nil {
		var zero H
		return zero, &AcquireError{Key: key, Err: err}
	}
	return h, nil
}

// evictOverLocked trims the LRU tail down to max entries, never touching protect
func (c *Cache[H]) evictOverLocked(max int, protect string) []victim[H] {
	var victims []victim[H]
	for el := c.lru.Back(); el != nil && len(c.entries) > max; {
		prev := el.Prev()
		e := el.Value.(*entry[H])
		if e.key != protect {
			victims = append(victims, c.removeLocked(e, ReasonCapacity))
		}
		el = prev
	}
	return victims
}

func (c *Cache[H]) removeLocked(e *entry[H], reason EvictReason) victim[H] {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	e.retired = true
	metrics.CacheHandles.WithLabelValues(c.cfg.Name).Set(float64(len(c.entries)))
	return victim[H]{key: e.key, handle: e.handle, reason: reason, closeNow: e.refs == 0}
}

func (c *Cache[H]) release(e *entry[H], invalidate bool) {
	c.mu.Lock()
	e.refs--
	var victims []victim[H]
	switch {
	case invalidate && !e.retired:
		victims = append(victims, c.removeLocked(e, ReasonInvalid))
	case e.retired && e.refs == 0:
		// evicted while leased; the eviction was already reported
		victims = append(victims, victim[H]{key: e.key, handle: e.handle, closeNow: true})
	case !e.retired:
		e.lastUsed = c.cfg.Now()
	}
	c.mu.Unlock()

	c.finish(victims)
}

func (c *Cache[H]) retire(e *entry[H]) {
	c.mu.Lock()
	var victims []victim[H]
	if !e.retired {
		victims = append(victims, c.removeLocked(e, ReasonInvalid))
	}
	c.mu.Unlock()

	c.finish(victims)
}

// finish reports and closes victims outside the mutex
func (c *Cache[H]) finish(victims []victim[H]) {
	for _, v := range victims {
		c.notify(v)
		if v.closeNow {
			c.closeHandle(v.key, v.handle, v.reason)
		}
	}
}

func (c *Cache[H]) notify(v victim[H]) {
	if v.reason == "" {
		return
	}
	log := logger.WithComponent("resource_cache")
	log.Info().
		Str("cache", c.cfg.Name).
		Str("key", v.key).
		Str("reason", string(v.reason)).
		Msg("evicting handle")
	if c.cfg.OnEvict != nil {
		c.cfg.OnEvict(v.key, v.reason)
	}
}

// closeHandle closes h and swallows the error; eviction must never fail a
// caller that did not ask for this key
func (c *Cache[H]) closeHandle(key string, h Handle, reason EvictReason) {
	if reason != "" {
		metrics.CacheEvictions.WithLabelValues(c.cfg.Name, string(reason)).Inc()
	}
	if err := h.Close(); err != nil {
		log := logger.WithComponent("resource_cache")
		log.Warn().
			Err(err).
			Str("cache", c.cfg.Name).
			Str("key", key).
			Msg("failed to close handle")
	}
}

func (c *Cache[H]) janitor() {
	defer c.wg.Done()

	interval := c.cfg.IdleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.EvictIdle(c.cfg.Now())
		}
	}
}

// Lease pins one handle for the duration of a write
type Lease[H Handle] struct {
	cache     *Cache[H]
	key       string
	handle    H
	entry     *entry[H]
	transient bool
	done      atomic.Bool
}

// Handle returns the leased handle
func (l *Lease[H]) Handle() H {
	return l.handle
}

// Key returns the key the handle was built for
func (l *Lease[H]) Key() string {
	return l.key
}

// Release returns the handle to the cache as idle. It does not close it
// unless the cache is bypassed or the handle was evicted meanwhile.
func (l *Lease[H]) Release() {
	if !l.done.CompareAndSwap(false, true) {
		return
	}
	if l.transient {
		l.cache.closeHandle(l.key, l.handle, "")
		return
	}
	l.cache.release(l.entry, false)
}

// Abandon removes the handle from the cache at once so no other caller picks
// it up, while this lease keeps it open. It is closed on Release or
// Invalidate. Used when a write is still running after its deadline.
func (l *Lease[H]) Abandon() {
	if l.transient || l.done.Load() {
		return
	}
	l.cache.retire(l.entry)
}

// Invalidate drops the handle from the cache and closes it once unleased.
// Used after a failed write: the handle is in an unknown state.
func (l *Lease[H]) Invalidate() {
	if !l.done.CompareAndSwap(false, true) {
		return
	}
	if l.transient {
		l.cache.closeHandle(l.key, l.handle, "")
		return
	}
	l.cache.release(l.entry, true)
}
