// Package cache is a bounded in-process key/value cache with per-entry TTL
// and least-recently-accessed eviction.
package cache

import (
	"sync"
	"time"

	"imagegen-quota/internal/clock"
)

const (
	DefaultMaxSize       = 1000
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

type Options struct {
	// MaxSize bounds the number of entries. Zero means DefaultMaxSize.
	MaxSize int
	// DefaultTTL applies to Set. Zero means DefaultTTL.
	DefaultTTL time.Duration
	// SweepInterval controls the background expiry sweep. Zero or negative
	// disables the goroutine; Sweep can still be called directly.
	SweepInterval time.Duration
	Clock         clock.Clock
}

type Stats struct {
	Size        int    `json:"size"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
}

type entry[V any] struct {
	value        V
	createdAt    time.Time
	ttl          time.Duration
	accessCount  uint64
	lastAccessed time.Time
	seq          uint64
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]*entry[V]
	maxSize int
	ttl     time.Duration
	clk     clock.Clock
	seq     uint64
	stats   Stats

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func New[V any](opts Options) *Cache[V] {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	c := &Cache[V]{
		items:   make(map[string]*entry[V], opts.MaxSize),
		maxSize: opts.MaxSize,
		ttl:     opts.DefaultTTL,
		clk:     opts.Clock,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go c.sweepLoop(opts.SweepInterval)
	} else {
		close(c.done)
	}
	return c
}

func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize {
		c.evictOneLocked()
	}
	c.seq++
	c.items[key] = &entry[V]{
		value:        value,
		createdAt:    now,
		ttl:          ttl,
		lastAccessed: now,
		seq:          c.seq,
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	if e.expired(now) {
		delete(c.items, key)
		c.stats.Expirations++
		c.stats.Misses++
		return zero, false
	}
	e.accessCount++
	e.lastAccessed = now
	c.stats.Hits++
	return e.value, true
}

// Has reports whether key holds a live entry without touching its access stats.
func (c *Cache[V]) Has(key string) bool {
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return false
	}
	if e.expired(now) {
		delete(c.items, key)
		c.stats.Expirations++
		return false
	}
	return true
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*entry[V], c.maxSize)
	c.mu.Unlock()
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.items)
	return s
}

// Sweep drops every expired entry and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.items {
		if e.expired(now) {
			delete(c.items, k)
			n++
		}
	}
	c.stats.Expirations += uint64(n)
	return n
}

// Close stops the background sweep. Safe to call more than once.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

func (c *Cache[V]) sweepLoop(every time.Duration) {
	defer close(c.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.Sweep()
		}
	}
}

// evictOneLocked removes the entry with the oldest lastAccessed; ties go to
// the earliest inserted. Callers hold c.mu.
func (c *Cache[V]) evictOneLocked() {
	var (
		victim string
		oldest *entry[V]
	)
	for k, e := range c.items {
		if oldest == nil ||
			e.lastAccessed.Before(oldest.lastAccessed) ||
			(e.lastAccessed.Equal(oldest.lastAccessed) && e.seq < oldest.seq) {
			victim, oldest = k, e
		}
	}
	if oldest != nil {
		delete(c.items, victim)
		c.stats.Evictions++
	}
}
