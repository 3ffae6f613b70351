// Package cache is a bounded in-memory result cache keyed by normalized query
// text plus its parameters. Entries expire by TTL; when full, the entry with the
// oldest last access is evicted.
package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"fleettrack/internal/logging"
	"fleettrack/internal/metrics"
)

type Config struct {
	Capacity      int           `koanf:"capacity"`
	DefaultTTL    time.Duration `koanf:"default_ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

func DefaultConfig() Config {
	return Config{Capacity: 1000, DefaultTTL: 5 * time.Minute, SweepInterval: time.Minute}
}

// Entry is one cached result.
type Entry struct {
	Key            string
	Value          any
	CreatedAt      time.Time
	TTL            time.Duration
	HitCount       int64
	LastAccessedAt time.Time
}

func (e *Entry) expired(now time.Time) bool { return now.Sub(e.CreatedAt) >= e.TTL }

type Stats struct {
	Hits             int64         `json:"hits"`
	Misses           int64         `json:"misses"`
	Evictions        int64         `json:"evictions"`
	Expired          int64         `json:"expired"`
	Entries          int           `json:"entries"`
	HitRate          float64       `json:"hitRate"`
	AvgAccessLatency time.Duration `json:"avgAccessLatencyNs"`
}

type KeyStat struct {
	Key  string `json:"key"`
	Hits int64  `json:"hits"`
}

type Cache struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry

	hits, misses, evictions, expiredN int64
	lookups                           int64
	latency                           time.Duration
}

func New(cfg Config) *Cache {
	d := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = d.Capacity
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = d.DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	return &Cache{cfg: cfg, now: time.Now, entries: map[string]*Entry{}}
}

// SetClock replaces the time source. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// NormalizeQuery collapses every run of whitespace to one space.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

// Key builds the cache key for query and params.
func Key(query string, params []any) string {
	b, err := json.Marshal(params)
	if err != nil {
		b = []byte("!unencodable")
	}
	return NormalizeQuery(query) + "|" + string(b)
}

// Get returns the cached value. A miss is not an error.
func (c *Cache) Get(query string, params []any) (any, bool) {
	return c.GetKey(Key(query, params))
}

func (c *Cache) GetKey(key string) (any, bool) {
	start := time.Now()
	c.mu.Lock()
	defer func() {
		c.lookups++
		c.latency += time.Since(start)
		c.mu.Unlock()
	}()

	now := c.now()
	e, ok := c.entries[key]
	if ok && e.expired(now) {
		delete(c.entries, key)
		c.expiredN++
		metrics.CacheEvictions.WithLabelValues("expired").Inc()
		metrics.CacheEntries.Set(float64(len(c.entries)))
		ok = false
	}
	if !ok {
		c.misses++
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return nil, false
	}
	e.HitCount++
	e.LastAccessedAt = now
	c.hits++
	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return e.Value, true
}

// Set stores value; ttl <= 0 uses the configured default.
func (c *Cache) Set(query string, params []any, value any, ttl time.Duration) {
	c.SetKey(Key(query, params), value, ttl)
}

func (c *Cache) SetKey(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if e, ok := c.entries[key]; ok {
		e.Value, e.CreatedAt, e.TTL, e.LastAccessedAt = value, now, ttl, now
		return
	}
	if len(c.entries) >= c.cfg.Capacity {
		c.evictOldestLocked()
	}
	c.entries[key] = &Entry{Key: key, Value: value, CreatedAt: now, TTL: ttl, LastAccessedAt: now}
	metrics.CacheEntries.Set(float64(len(c.entries)))
}

func (c *Cache) evictOldestLocked() {
	var victim *Entry
	for _, e := range c.entries {
		if victim == nil || e.LastAccessedAt.Before(victim.LastAccessedAt) {
			victim = e
		}
	}
	if victim != nil {
		delete(c.entries, victim.Key)
		c.evictions++
		metrics.CacheEvictions.WithLabelValues("capacity").Inc()
	}
}

// Invalidate drops every entry whose key contains pattern and returns the
// count. An empty pattern clears the cache.
func (c *Cache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if pattern == "" || strings.Contains(k, pattern) {
			delete(c.entries, k)
			n++
		}
	}
	if n > 0 {
		metrics.CacheEvictions.WithLabelValues("invalidated").Add(float64(n))
		metrics.CacheEntries.Set(float64(len(c.entries)))
	}
	return n
}

// GetOrLoad returns the cached value or calls load and caches its result.
// Load errors are returned and nothing is cached.
func (c *Cache) GetOrLoad(ctx context.Context, query string, params []any, ttl time.Duration, load func(context.Context) (any, error)) (any, error) {
	key := Key(query, params)
	if v, ok := c.GetKey(key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	c.SetKey(key, v, ttl)
	return v, nil
}

// Load is GetOrLoad with a typed result. A cached value of another type counts
// as a miss and is replaced.
func Load[T any](ctx context.Context, c *Cache, query string, params []any, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	key := Key(query, params)
	if v, ok := c.GetKey(key); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}
	v, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.SetKey(key, v, ttl)
	return v, nil
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions, Expired: c.expiredN, Entries: len(c.entries)}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	if c.lookups > 0 {
		s.AvgAccessLatency = c.latency / time.Duration(c.lookups)
	}
	return s
}

// TopKeys returns up to n live keys ordered by hit count.
func (c *Cache) TopKeys(n int) []KeyStat {
	c.mu.Lock()
	out := make([]KeyStat, 0, len(c.entries))
	for k, e := range c.entries {
		out = append(out, KeyStat{Key: k, Hits: e.HitCount})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	c.expiredN += int64(n)
	if n > 0 {
		metrics.CacheEvictions.WithLabelValues("expired").Add(float64(n))
	}
	metrics.CacheEntries.Set(float64(len(c.entries)))
	return n
}

// Run sweeps every SweepInterval until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	t := time.NewTicker(c.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n := c.Sweep(); n > 0 {
				logging.Info().Str("component", "query_cache").Int("removed", n).Msg("swept expired cache entries")
			}
		}
	}
}
