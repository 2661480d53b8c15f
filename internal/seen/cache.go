// Package seen remembers recently observed keys so repeated packets can be
// recognised.
//
// The engine records flooded alarms (by source and timestamp) and delivered
// bundle ids here. An alarm that comes back around a cycle is dropped, and a
// sprayed bundle copy reaching its destination over a second path is not
// delivered twice. Entries lapse after the configured window.
package seen

import (
	"sync"
	"time"
)

const DefaultExpiry = 60 * time.Second

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	expires map[string]time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// New returns a Cache whose entries lapse after window. A non-positive
// window selects DefaultExpiry; a nil now selects time.Now.
func New(window time.Duration, now func() time.Time) *Cache {
	if window <= 0 {
		window = DefaultExpiry
	}
	if now == nil {
		now = time.Now
	}
	c := &Cache{
		window:  window,
		now:     now,
		expires: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	go c.sweepEvery(window / 2)
	return c
}

// Has reports whether key was added and has not lapsed.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key, c.now())
}

// Add records key and reports whether it was new. A lapsed key counts as
// new again.
func (c *Cache) Add(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.liveLocked(key, now) {
		return false
	}
	c.expires[key] = now.Add(c.window)
	return true
}

func (c *Cache) liveLocked(key string, now time.Time) bool {
	exp, ok := c.expires[key]
	if !ok {
		return false
	}
	if !now.Before(exp) {
		delete(c.expires, key)
		return false
	}
	return true
}

// Len returns the number of entries, lapsed or not, still held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.expires)
}

// Sweep drops every lapsed entry.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, exp := range c.expires {
		if !now.Before(exp) {
			delete(c.expires, key)
		}
	}
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Cache) sweepEvery(d time.Duration) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
