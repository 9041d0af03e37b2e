package freshness

import (
	"fmt"
	"sync"
	"time"
)

// State classifies a cached value by its age.
type State int

const (
	// StateUnavailable means nothing usable is stored.
	StateUnavailable State = iota
	// StateFresh means the value is younger than the fresh window.
	StateFresh
	// StateStale means the value is past the fresh window but still inside the stale window.
	StateStale
	// StateExpired is only ever reported by GetAnyAge: the value outlived the stale window.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateExpired:
		return "expired"
	default:
		return "unavailable"
	}
}

// Entry is what the cache stores per key. It is replaced wholesale on every Put.
type Entry[T any] struct {
	Value    T
	StoredAt time.Time
}

// Result is a read-time view of an Entry. It is never stored.
type Result[T any] struct {
	Value T
	State State
	AsOf  time.Time
}

// Observer receives lookup outcomes. Implementations must be cheap.
type Observer interface {
	Lookup(state State)
}

// Cache is an in-memory keyed store with two TTL tiers.
// Entries are never evicted; concurrent misses for the same key are not
// coordinated here and the last Put wins.
type Cache[T any] struct {
	fresh    time.Duration
	stale    time.Duration
	now      func() time.Time
	observer Observer

	mu      sync.RWMutex
	entries map[string]Entry[T]
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now      func() time.Time
	observer Observer
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithObserver reports every Get outcome to obs.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// New creates a cache. staleWindow must be strictly greater than freshWindow.
func New[T any](freshWindow, staleWindow time.Duration, opts ...Option) (*Cache[T], error) {
	if freshWindow <= 0 || staleWindow <= 0 {
		return nil, fmt.Errorf("freshness windows must be positive (fresh=%s, stale=%s)", freshWindow, staleWindow)
	}
	if staleWindow <= freshWindow {
		return nil, fmt.Errorf("stale window %s must exceed fresh window %s", staleWindow, freshWindow)
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[T]{
		fresh:    freshWindow,
		stale:    staleWindow,
		now:      o.now,
		observer: o.observer,
		entries:  make(map[string]Entry[T]),
	}, nil
}

// FreshWindow returns the configured fresh window.
func (c *Cache[T]) FreshWindow() time.Duration { return c.fresh }

// StaleWindow returns the configured stale window.
func (c *Cache[T]) StaleWindow() time.Duration { return c.stale }

// Get returns the value for key when it is fresh or stale. Expired and
// missing entries are reported as a miss.
func (c *Cache[T]) Get(key string) (Result[T], bool) {
	ent, ok := c.load(key)
	if !ok {
		c.observe(StateUnavailable)
		return Result[T]{}, false
	}
	state := c.classify(ent.StoredAt)
	if state == StateExpired {
		c.observe(StateExpired)
		return Result[T]{}, false
	}
	c.observe(state)
	return Result[T]{Value: ent.Value, State: state, AsOf: ent.StoredAt}, true
}

// GetAnyAge ignores both windows. It is the last resort after a refetch failed.
func (c *Cache[T]) GetAnyAge(key string) (Result[T], bool) {
	ent, ok := c.load(key)
	if !ok {
		return Result[T]{}, false
	}
	return Result[T]{Value: ent.Value, State: c.classify(ent.StoredAt), AsOf: ent.StoredAt}, true
}

// Put stores value under key, superseding whatever was there, and returns
// the storage time.
func (c *Cache[T]) Put(key string, value T) time.Time {
	ent := Entry[T]{Value: value, StoredAt: c.now()}
	c.mu.Lock()
	c.entries[key] = ent
	c.mu.Unlock()
	return ent.StoredAt
}

// Len returns the number of stored keys.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[T]) load(key string) (Entry[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ent, ok := c.entries[key]
	return ent, ok
}

func (c *Cache[T]) classify(storedAt time.Time) State {
	age := c.now().Sub(storedAt)
	switch {
	case age < c.fresh:
		return StateFresh
	case age < c.stale:
		return StateStale
	default:
		return StateExpired
	}
}

func (c *Cache[T]) observe(s State) {
	if c.observer != nil {
		c.observer.Lookup(s)
	}
}
