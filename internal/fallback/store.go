// Package fallback keeps a per-vehicle layered record of where a vehicle was
// last seen so a viewer can still place it when the live channel is quiet.
//
// Tiers are consulted in a fixed order and the first live record wins:
//
//	cache          fresh observation, confidence 1.0
//	lastKnown      same observation kept longer, confidence decays linearly to 0
//	routeEstimate  externally projected position, base 0.7, decays the same way
//	default        fixed reference point, confidence 0.1, never expires
//
// The store is memory only. No method blocks on I/O.
package fallback

import (
	"context"
	"sync"
	"time"

	"fleettrack/internal/logging"
	"fleettrack/internal/metrics"
	"fleettrack/internal/model"
)

type Tier string

const (
	TierCache         Tier = "cache"
	TierLastKnown     Tier = "lastKnown"
	TierRouteEstimate Tier = "routeEstimate"
	TierDefault       Tier = "default"
)

// Record is what Get hands back. TTL is zero for the default tier.
type Record struct {
	VehicleID  string               `json:"vehicleId"`
	Sample     model.PositionSample `json:"sample"`
	Tier       Tier                 `json:"sourceTier"`
	Confidence float64              `json:"confidence"`
	CreatedAt  time.Time            `json:"createdAt"`
	TTL        time.Duration        `json:"ttl"`
}

type Config struct {
	CacheTTL          time.Duration `koanf:"cache_ttl"`
	LastKnownTTL      time.Duration `koanf:"last_known_ttl"`
	RouteEstimateTTL  time.Duration `koanf:"route_estimate_ttl"`
	LastKnownBase     float64       `koanf:"last_known_base"`
	RouteEstimateBase float64       `koanf:"route_estimate_base"`
	DefaultConfidence float64       `koanf:"default_confidence"`
	SweepInterval     time.Duration `koanf:"sweep_interval"`
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:          5 * time.Minute,
		LastKnownTTL:      30 * time.Minute,
		RouteEstimateTTL:  10 * time.Minute,
		LastKnownBase:     0.9,
		RouteEstimateBase: 0.7,
		DefaultConfidence: 0.1,
		SweepInterval:     time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.LastKnownTTL <= 0 {
		c.LastKnownTTL = d.LastKnownTTL
	}
	if c.RouteEstimateTTL <= 0 {
		c.RouteEstimateTTL = d.RouteEstimateTTL
	}
	if c.LastKnownBase <= 0 {
		c.LastKnownBase = d.LastKnownBase
	}
	if c.RouteEstimateBase <= 0 {
		c.RouteEstimateBase = d.RouteEstimateBase
	}
	if c.DefaultConfidence <= 0 {
		c.DefaultConfidence = d.DefaultConfidence
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

type entry struct {
	sample    model.PositionSample
	createdAt time.Time
}

type Store struct {
	cfg Config
	now func() time.Time

	mu        sync.RWMutex
	cache     map[string]entry
	lastKnown map[string]entry
	estimate  map[string]entry
	defaults  map[string]model.GeoPoint
}

func New(cfg Config) *Store {
	return &Store{
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		cache:     map[string]entry{},
		lastKnown: map[string]entry{},
		estimate:  map[string]entry{},
		defaults:  map[string]model.GeoPoint{},
	}
}

// Config returns the effective configuration, defaults applied.
func (s *Store) Config() Config { return s.cfg }

// SetClock replaces the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Put records a fresh observation in the cache and lastKnown tiers together.
// A sample older than the one already cached is ignored.
func (s *Store) Put(sample model.PositionSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cache[sample.VehicleID]; ok && sample.Timestamp.Before(cur.sample.Timestamp) {
		return
	}
	e := entry{sample: sample, createdAt: s.now()}
	s.cache[sample.VehicleID] = e
	s.lastKnown[sample.VehicleID] = e
}

// PutRouteEstimate stores a projected position for vehicleID.
func (s *Store) PutRouteEstimate(vehicleID string, sample model.PositionSample) {
	sample.VehicleID = vehicleID
	s.mu.Lock()
	s.estimate[vehicleID] = entry{sample: sample, createdAt: s.now()}
	s.mu.Unlock()
}

// SetDefault sets the static reference point used when no other tier has data.
func (s *Store) SetDefault(vehicleID string, p model.GeoPoint) {
	s.mu.Lock()
	s.defaults[vehicleID] = p
	s.mu.Unlock()
}

// Get returns the best record for vehicleID, or false when no tier has one.
func (s *Store) Get(vehicleID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()

	if e, ok := s.cache[vehicleID]; ok && now.Sub(e.createdAt) < s.cfg.CacheTTL {
		return s.hit(vehicleID, e, TierCache, 1.0, s.cfg.CacheTTL), true
	}
	if e, ok := s.lastKnown[vehicleID]; ok {
		if age := now.Sub(e.createdAt); age < s.cfg.LastKnownTTL {
			return s.hit(vehicleID, e, TierLastKnown, Decay(s.cfg.LastKnownBase, age, s.cfg.LastKnownTTL), s.cfg.LastKnownTTL), true
		}
	}
	if e, ok := s.estimate[vehicleID]; ok {
		if age := now.Sub(e.createdAt); age < s.cfg.RouteEstimateTTL {
			return s.hit(vehicleID, e, TierRouteEstimate, Decay(s.cfg.RouteEstimateBase, age, s.cfg.RouteEstimateTTL), s.cfg.RouteEstimateTTL), true
		}
	}
	if p, ok := s.defaults[vehicleID]; ok {
		metrics.FallbackLookups.WithLabelValues(string(TierDefault)).Inc()
		return Record{
			VehicleID:  vehicleID,
			Sample:     model.PositionSample{VehicleID: vehicleID, Latitude: p.Lat, Longitude: p.Lng},
			Tier:       TierDefault,
			Confidence: s.cfg.DefaultConfidence,
		}, true
	}
	metrics.FallbackLookups.WithLabelValues("none").Inc()
	return Record{}, false
}

func (s *Store) hit(vehicleID string, e entry, tier Tier, conf float64, ttl time.Duration) Record {
	metrics.FallbackLookups.WithLabelValues(string(tier)).Inc()
	return Record{VehicleID: vehicleID, Sample: e.sample, Tier: tier, Confidence: conf, CreatedAt: e.createdAt, TTL: ttl}
}

// Decay is base scaled linearly from 1 at age 0 to 0 at ttl.
func Decay(base float64, age, ttl time.Duration) float64 {
	if ttl <= 0 || age >= ttl {
		return 0
	}
	if age < 0 {
		age = 0
	}
	return base * (1 - float64(age)/float64(ttl))
}

// Sweep drops expired records from the expiring tiers and returns how many went.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := expire(s.cache, now, s.cfg.CacheTTL)
	n += expire(s.lastKnown, now, s.cfg.LastKnownTTL)
	n += expire(s.estimate, now, s.cfg.RouteEstimateTTL)
	return n
}

func expire(m map[string]entry, now time.Time, ttl time.Duration) int {
	n := 0
	for k, e := range m {
		if now.Sub(e.createdAt) >= ttl {
			delete(m, k)
			n++
		}
	}
	return n
}

// Len counts vehicles holding at least one expiring record.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(s.lastKnown))
	for _, m := range []map[string]entry{s.cache, s.lastKnown, s.estimate} {
		for k := range m {
			seen[k] = struct{}{}
		}
	}
	return len(seen)
}

// Run sweeps every SweepInterval until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n := s.Sweep(); n > 0 {
				logging.Debug().Str("component", "fallback").Int("removed", n).Msg("swept expired fallback records")
			}
		}
	}
}
