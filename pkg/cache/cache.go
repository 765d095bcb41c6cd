package cache

import (
	"sync"
	"time"
)

// Item is a cached value with its expiry.
type Item struct {
	Value     interface{}
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the item's TTL has elapsed.
func (it *Item) Expired(now time.Time) bool {
	return now.After(it.ExpiresAt)
}

// Cache is a thread-safe in-memory TTL cache with an optional entry cap.
// When the cap is exceeded the oldest-cached entry is evicted first.
type Cache struct {
	mu         sync.RWMutex
	items      map[string]*Item
	defaultTTL time.Duration
	maxEntries int

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	now func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries caps the cache; zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(c *Cache) { c.maxEntries = n }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache with the given default TTL and starts its cleanup
// goroutine. Call Stop when done.
func New(defaultTTL time.Duration, opts ...Option) *Cache {
	c := &Cache{
		items:           make(map[string]*Item),
		defaultTTL:      defaultTTL,
		cleanupInterval: defaultTTL / 2,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cleanupInterval <= 0 {
		c.cleanupInterval = time.Minute
	}
	go c.cleanupLoop()
	return c
}

// Get retrieves a live value.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[key]
	if !ok || it.Expired(c.now()) {
		return nil, false
	}
	return it.Value, true
}

// Set stores a value with the default TTL.
func (c *Cache) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value with a custom TTL, evicting the oldest entry
// if the cap is exceeded.
func (c *Cache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.items[key] = &Item{
		Value:     value,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}

	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		c.evictOldestLocked()
	}
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, it := range c.items {
		if oldestKey == "" || it.CreatedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = it.CreatedAt
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

// Delete removes a key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*Item)
}

// Size returns the number of live entries.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	n := 0
	for _, it := range c.items {
		if !it.Expired(now) {
			n++
		}
	}
	return n
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, it := range c.items {
		if it.Expired(now) {
			delete(c.items, key)
		}
	}
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}
