// Package judgecache holds the process-local read-through cache of a
// user's runs, used by the problems endpoint. Entries are invalidated on
// every run write for that user; stale reads are acceptable for display
// but lease decisions never consult this cache.
package judgecache

import (
	"sync"

	"github.com/code-court/courthouse/internal/models"
)

// RunCache caches each user's run list keyed by user id.
type RunCache struct {
	mu sync.RWMutex
	m  map[int64][]*models.Run
}

// NewRunCache creates an empty run cache.
func NewRunCache() *RunCache {
	return &RunCache{m: make(map[int64][]*models.Run)}
}

// Get returns the cached runs for a user, if present.
func (c *RunCache) Get(userID int64) ([]*models.Run, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	runs, ok := c.m[userID]
	return runs, ok
}

// Set stores a user's run list.
func (c *RunCache) Set(userID int64, runs []*models.Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[userID] = runs
}

// Invalidate drops the entry for a user.
func (c *RunCache) Invalidate(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, userID)
}
