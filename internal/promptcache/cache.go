// Package promptcache stores reusable prompt fragments and model results
// under category-tiered TTLs.
package promptcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Well-known categories. Any other category gets the default TTL.
const (
	CategoryStatic   = "static"
	CategoryTemporal = "temporal"
	CategoryDocument = "document"
)

const defaultCapacity = 1024

// TTLs maps the category tiers to their default lifetimes.
type TTLs struct {
	Static   time.Duration
	Temporal time.Duration
	Default  time.Duration
}

// DefaultTTLs are the tier lifetimes used when none are configured.
var DefaultTTLs = TTLs{
	Static:   24 * time.Hour,
	Temporal: time.Hour,
	Default:  5 * time.Minute,
}

// Entry is one cached value.
type Entry struct {
	Key       string
	Category  string
	Content   string
	CreatedAt time.Time
	TTL       time.Duration
	HitCount  int64
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.CreatedAt.Add(e.TTL))
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits              int64     `json:"hits"`
	Misses            int64     `json:"misses"`
	TotalRequests     int64     `json:"total_requests"`
	EfficiencyPct     float64   `json:"efficiency_pct"`
	ApproxMemoryBytes int64     `json:"approx_memory_bytes"`
	Entries           int       `json:"entries"`
	LastClearedAt     time.Time `json:"last_cleared_at"`
}

// Fragment is a named static entry loaded at startup.
type Fragment struct {
	Name     string
	Content  string
	Category string
}

// Cache is safe for concurrent use. Reads take a shared lock; writes and
// evictions are serialized.
type Cache struct {
	mu      sync.RWMutex
	entries *lru.Cache[string, *Entry]
	ttls    TTLs
	now     func() time.Time
	logger  *slog.Logger

	hits        atomic.Int64
	misses      atomic.Int64
	memBytes    atomic.Int64
	lastCleared time.Time
}

// New creates a Cache holding at most capacity entries (least recently used
// are dropped first). Zero TTL tiers fall back to DefaultTTLs.
func New(capacity int, ttls TTLs) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if ttls.Static <= 0 {
		ttls.Static = DefaultTTLs.Static
	}
	if ttls.Temporal <= 0 {
		ttls.Temporal = DefaultTTLs.Temporal
	}
	if ttls.Default <= 0 {
		ttls.Default = DefaultTTLs.Default
	}

	c := &Cache{
		ttls:        ttls,
		now:         time.Now,
		logger:      slog.Default(),
		lastCleared: time.Now(),
	}
	// The size argument is validated above, so the error is impossible.
	entries, _ := lru.NewWithEvict[string, *Entry](capacity, func(_ string, e *Entry) {
		c.memBytes.Add(-int64(len(e.Content)))
	})
	c.entries = entries
	return c
}

// Key returns the stable cache key for content in category.
func Key(content, category string) string {
	sum := sha256.Sum256([]byte(category + "\x00" + content))
	return hex.EncodeToString(sum[:])
}

// TTLFor returns the default lifetime for category.
func (c *Cache) TTLFor(category string) time.Duration {
	switch category {
	case CategoryStatic:
		return c.ttls.Static
	case CategoryTemporal:
		return c.ttls.Temporal
	default:
		return c.ttls.Default
	}
}

// Get returns the cached value for content in category. Expired entries are
// evicted and reported as misses.
func (c *Cache) Get(content, category string) (string, bool) {
	key := Key(content, category)

	c.mu.RLock()
	e, ok := c.entries.Get(key)
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return "", false
	}
	if e.expired(c.now()) {
		c.mu.Lock()
		if cur, ok := c.entries.Peek(key); ok && cur == e {
			c.entries.Remove(key)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return "", false
	}

	atomic.AddInt64(&e.HitCount, 1)
	c.hits.Add(1)
	return e.Content, true
}

// Set stores value under content/category with the category's default TTL.
func (c *Cache) Set(content, category, value string) {
	c.SetWithTTL(content, category, value, c.TTLFor(category))
}

// SetWithTTL stores value with an explicit lifetime. A ttl of zero or less
// stores an entry that is already expired.
func (c *Cache) SetWithTTL(content, category, value string, ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	key := Key(content, category)
	e := &Entry{
		Key:       key,
		Category:  category,
		Content:   value,
		CreatedAt: c.now(),
		TTL:       ttl,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Remove first so the eviction callback keeps the memory figure exact.
	c.entries.Remove(key)
	c.entries.Add(key, e)
	c.memBytes.Add(int64(len(value)))
}

// Preload stores named fragments; each is retrievable with Get(name, category).
// Fragments without a category are static.
func (c *Cache) Preload(fragments []Fragment) {
	for _, f := range fragments {
		cat := f.Category
		if cat == "" {
			cat = CategoryStatic
		}
		c.Set(f.Name, cat, f.Content)
	}
	c.logger.Debug("prompt cache preloaded", "fragments", len(fragments))
}

// Sweep evicts every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if ok && e.expired(now) {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Run sweeps on every interval tick until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("prompt cache swept", "evicted", n)
			}
		}
	}
}

// Clear drops every entry and resets the counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	c.memBytes.Store(0)
	c.hits.Store(0)
	c.misses.Store(0)
	c.lastCleared = c.now()
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	entries := c.entries.Len()
	lastCleared := c.lastCleared
	c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	var eff float64
	if total > 0 {
		eff = float64(hits) / float64(total) * 100
	}
	return Stats{
		Hits:              hits,
		Misses:            misses,
		TotalRequests:     total,
		EfficiencyPct:     eff,
		ApproxMemoryBytes: c.memBytes.Load(),
		Entries:           entries,
		LastClearedAt:     lastCleared,
	}
}
