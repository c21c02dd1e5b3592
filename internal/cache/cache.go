// Package cache holds recently computed duplicate groups in memory.
//
// Entries expire after a fixed TTL. Invalidation is all-or-nothing: any record
// deletion clears every entry, so readers may briefly see results computed
// before a concurrent write.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/desertthunder/crate/internal/models"
)

// Entry is a cached analysis result.
type Entry struct {
	RunID    string
	Groups   []models.DuplicateGroup
	Stats    models.RunStats
	StoredAt time.Time
}

// ResultCache is a TTL cache of analysis results keyed by [KeyFor].
//
// Safe for concurrent use.
type ResultCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]Entry
	now     func() time.Time
}

// New creates a ResultCache whose entries live for ttl.
func New(ttl time.Duration) *ResultCache {
	return &ResultCache{ttl: ttl, entries: make(map[string]Entry), now: time.Now}
}

// KeyFor hashes the owner and normalized filters into a cache key.
func KeyFor(ownerID string, filters models.Filters) string {
	f := filters.Normalized()
	sum := sha256.Sum256(fmt.Appendf(nil, "%s\x00%s\x00%s\x00%.4f", ownerID, f.SearchTerm, f.SortBy, f.MinConfidence))
	return hex.EncodeToString(sum[:])
}

func (c *ResultCache) expired(e Entry, now time.Time) bool {
	return now.Sub(e.StoredAt) >= c.ttl
}

// Get returns the entry for key if present and not expired.
func (c *ResultCache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.expired(e, c.now()) {
		return Entry{}, false
	}
	e.Groups = slices.Clone(e.Groups)
	return e, true
}

// Put stores an entry under key and evicts every expired entry.
func (c *ResultCache) Put(key string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, existing := range c.entries {
		if c.expired(existing, now) {
			delete(c.entries, k)
		}
	}

	e.StoredAt = now
	e.Groups = slices.Clone(e.Groups)
	c.entries[key] = e
}

// InvalidateAll drops every entry.
func (c *ResultCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len returns the number of stored entries, expired or not.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
