// Package cache keeps recently read job results in memory. Results never
// change once stored, so entries only expire; they are never invalidated.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/use-agent/harvester/models"
)

type entry struct {
	result    *models.JobResult
	createdAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu         sync.RWMutex
	store      map[string]*entry
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

// New creates a Cache holding at most maxEntries results for ttl each.
// maxEntries <= 0 disables caching.
func New(maxEntries int, ttl time.Duration) *Cache {
	return &Cache{
		store:      make(map[string]*entry),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Get returns the cached result of jobID if it is younger than the TTL.
func (c *Cache) Get(jobID string) (*models.JobResult, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	e, ok := c.store[jobID]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.createdAt) > c.ttl {
		return nil, false
	}
	return e.result, true
}

// Set stores r. At capacity one arbitrary entry is evicted.
func (c *Cache) Set(r *models.JobResult) {
	if c == nil || c.maxEntries <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.store[r.JobID]; !exists && len(c.store) >= c.maxEntries {
		// Map iteration order is random.
		for k := range c.store {
			delete(c.store, k)
			break
		}
	}
	c.store[r.JobID] = &entry{result: r, createdAt: c.now()}
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Run evicts expired entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	cutoff := c.now().Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.store {
		if e.createdAt.Before(cutoff) {
			delete(c.store, k)
		}
	}
}
