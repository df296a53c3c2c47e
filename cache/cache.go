// Package cache holds the gateway's short-lived copies of remote content and
// metadata.
//
// Entries are keyed by connection instance and virtual path (see Key) and are
// valid while now - storedAt <= ttl. An expired entry is dropped the first time
// Get sees it, and a background sweeper removes whatever nobody asked for.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"siyuan-fuse/metrics"
)

const (
	// DefaultTTL is how long an entry stays valid when no TTL is configured.
	DefaultTTL = 5 * time.Minute

	// DefaultSweepInterval is how often Start sweeps expired entries.
	DefaultSweepInterval = 60 * time.Second
)

// Key builds the cache key for a virtual path on one connection instance.
func Key(instance, path string) string {
	return instance + ":" + path
}

type entry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
}

func (e entry[V]) valid(now time.Time) bool {
	return now.Sub(e.storedAt) <= e.ttl
}

type options struct {
	now           func() time.Time
	sweepInterval time.Duration
	metrics       *metrics.Metrics
}

// Option configures a Cache.
type Option func(*options)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSweepInterval sets how often the sweeper started by Start runs.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithMetrics records hits, misses and evictions under the cache's name.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// Cache is a TTL map safe for concurrent use.
type Cache[V any] struct {
	name string
	ttl  time.Duration
	opts options

	mu      sync.RWMutex
	entries map[string]entry[V]

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates a cache. A ttl <= 0 means DefaultTTL.
func New[V any](name string, ttl time.Duration, opts ...Option) *Cache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	o := options{now: time.Now, sweepInterval: DefaultSweepInterval}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[V]{
		name:    name,
		ttl:     ttl,
		opts:    o,
		entries: make(map[string]entry[V]),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// TTL returns the default time-to-live of new entries.
func (c *Cache[V]) TTL() time.Duration {
	return c.ttl
}

// Get returns the value stored at key if it is still valid.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && e.valid(c.opts.now()) {
		c.opts.metrics.RecordCacheLookup(c.name, "hit")
		return e.value, true
	}
	if ok {
		c.mu.Lock()
		// Re-check under the write lock: a concurrent Set may have replaced it.
		if cur, still := c.entries[key]; still && !cur.valid(c.opts.now()) {
			delete(c.entries, key)
			c.opts.metrics.RecordCacheEvictions(c.name, 1)
		}
		c.mu.Unlock()
		c.opts.metrics.RecordCacheLookup(c.name, "expired")
	} else {
		c.opts.metrics.RecordCacheLookup(c.name, "miss")
	}
	var zero V
	return zero, false
}

// Set stores value at key with the default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value at key with its own TTL.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, storedAt: c.opts.now(), ttl: ttl}
	c.mu.Unlock()
}

// Delete removes key and reports whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// DeletePrefix removes every key starting with prefix and returns how many
// were removed.
func (c *Cache[V]) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes every expired entry and returns how many it removed.
func (c *Cache[V]) Sweep() int {
	now := c.opts.now()
	c.mu.Lock()
	n := 0
	for k, e := range c.entries {
		if !e.valid(now) {
			delete(c.entries, k)
			n++
		}
	}
	c.mu.Unlock()
	c.opts.metrics.RecordCacheEvictions(c.name, n)
	return n
}

// Start runs the periodic sweeper until ctx is done or Close is called.
// Calling Start more than once has no further effect.
func (c *Cache[V]) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.sweepLoop(ctx)
	})
}

func (c *Cache[V]) sweepLoop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Close stops the sweeper and waits for it to exit. Stored entries are kept.
func (c *Cache[V]) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		started := true
		c.startOnce.Do(func() { started = false })
		if started {
			<-c.done
		}
	})
}
