// Package fleetview is the viewer side of the fleet map. It follows the
// location updates arriving on a viewer channel session and answers "where
// is this vehicle" with the live sample while it is fresh, degrading to the
// fallback tiers once the channel has gone quiet for that vehicle.
package fleetview

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleettrack/internal/channel"
	"fleettrack/internal/fallback"
	"fleettrack/internal/geo"
	"fleettrack/internal/logging"
	"fleettrack/internal/model"
)

// SourceLive marks a view served from the channel rather than a fallback tier.
const SourceLive = "live"

const defaultFreshness = 30 * time.Second

// View is the position shown for one vehicle.
type View struct {
	VehicleID  string                `json:"vehicleId"`
	Sample     model.PositionSample  `json:"sample"`
	Enriched   *model.EnrichedSample `json:"enriched,omitempty"`
	Source     string                `json:"source"`
	Confidence float64               `json:"confidence"`
	Age        time.Duration         `json:"age"`
}

type live struct {
	sample model.EnrichedSample
	seenAt time.Time
}

type Fleet struct {
	store     *fallback.Store
	freshness time.Duration
	log       zerolog.Logger

	mu     sync.RWMutex
	now    func() time.Time
	live   map[string]live
	known  map[string]struct{}
	routes map[string]model.RouteGeometry
}

// New returns a Fleet backed by store. A vehicle counts as live while its
// latest update arrived less than freshness ago.
func New(store *fallback.Store, freshness time.Duration) *Fleet {
	if freshness <= 0 {
		freshness = defaultFreshness
	}
	return &Fleet{
		store:     store,
		freshness: freshness,
		log:       logging.WithComponent("fleetview"),
		now:       time.Now,
		live:      map[string]live{},
		known:     map[string]struct{}{},
		routes:    map[string]model.RouteGeometry{},
	}
}

// SetClock replaces the time source for the fleet and its store. Tests only.
func (f *Fleet) SetClock(now func() time.Time) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
	f.store.SetClock(now)
}

// Attach feeds the session's location updates into the fleet.
func (f *Fleet) Attach(s *channel.Session) {
	s.On(model.EventLocationUpdate, func(e model.Event) {
		es, ok := e.Data.(*model.EnrichedSample)
		if !ok {
			f.log.Warn().Str("type", string(e.Type)).Msg("unexpected location payload")
			return
		}
		f.Observe(*es)
	})
	s.On(model.EventVehicleArriving, func(e model.Event) {
		if p, ok := e.Data.(*model.VehicleArrivingPayload); ok {
			f.log.Info().Str("vehicle_id", p.VehicleID).Str("route_id", p.RouteID).Msg("vehicle arriving")
		}
	})
}

// Observe records a live sample. Samples older than the vehicle's current
// one are ignored.
func (f *Fleet) Observe(es model.EnrichedSample) {
	id := es.VehicleID
	if id == "" {
		return
	}
	f.mu.Lock()
	if cur, ok := f.live[id]; ok && es.Timestamp.Before(cur.sample.Timestamp) {
		f.mu.Unlock()
		return
	}
	f.live[id] = live{sample: es, seenAt: f.now()}
	f.known[id] = struct{}{}
	f.mu.Unlock()
	f.store.Put(es.PositionSample)
}

// SetDefault registers vehicleID with a static reference point so it is
// placed even before any update arrives.
func (f *Fleet) SetDefault(vehicleID string, p model.GeoPoint) {
	f.store.SetDefault(vehicleID, p)
	f.mu.Lock()
	f.known[vehicleID] = struct{}{}
	f.mu.Unlock()
}

// SetRoute makes route available for route estimates of vehicles whose
// samples name it.
func (f *Fleet) SetRoute(route model.RouteGeometry) {
	f.mu.Lock()
	f.routes[route.RouteID] = route
	f.mu.Unlock()
}

// Estimate projects vehicleID along its route from the last live sample at
// the route's planned pace and stores the result in the route-estimate tier.
// It fails when the vehicle has no live sample or its route is unknown.
func (f *Fleet) Estimate(vehicleID string) (model.PositionSample, bool) {
	f.mu.RLock()
	now := f.now()
	l, ok := f.live[vehicleID]
	route, hasRoute := f.routes[l.sample.RouteID]
	f.mu.RUnlock()
	if !ok || !hasRoute || len(route.Path) < 2 || route.EstimatedDurationMinutes <= 0 {
		return model.PositionSample{}, false
	}
	elapsed := now.Sub(l.seenAt)
	p := geo.PointAt(route.Path, l.sample.RouteProgress+elapsed.Minutes()/route.EstimatedDurationMinutes)
	est := model.PositionSample{
		VehicleID:  vehicleID,
		OperatorID: l.sample.OperatorID,
		Latitude:   p.Lat,
		Longitude:  p.Lng,
		Timestamp:  l.sample.Timestamp.Add(elapsed),
	}
	f.store.PutRouteEstimate(vehicleID, est)
	return est, true
}

// Sweep expires fallback records, refreshes the route estimate of every
// vehicle that is no longer live and forgets vehicles no tier can place.
func (f *Fleet) Sweep() (estimated, forgotten int) {
	f.store.Sweep()
	cfg := f.store.Config()
	retention := cfg.LastKnownTTL + cfg.RouteEstimateTTL

	f.mu.RLock()
	now := f.now()
	var stale []string
	for id, l := range f.live {
		if now.Sub(l.seenAt) >= f.freshness {
			stale = append(stale, id)
		}
	}
	f.mu.RUnlock()
	for _, id := range stale {
		if _, ok := f.Estimate(id); ok {
			estimated++
		}
	}

	f.mu.Lock()
	for id, l := range f.live {
		if now.Sub(l.seenAt) >= retention {
			delete(f.live, id)
		}
	}
	var idle []string
	for id := range f.known {
		if _, ok := f.live[id]; !ok {
			idle = append(idle, id)
		}
	}
	f.mu.Unlock()

	for _, id := range idle {
		if _, ok := f.store.Get(id); ok {
			continue
		}
		f.mu.Lock()
		if _, ok := f.live[id]; !ok {
			delete(f.known, id)
			forgotten++
		}
		f.mu.Unlock()
	}
	return estimated, forgotten
}

// Run sweeps at the store's sweep interval until ctx is done.
func (f *Fleet) Run(ctx context.Context) error {
	t := time.NewTicker(f.store.Config().SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if est, gone := f.Sweep(); est+gone > 0 {
				f.log.Debug().Int("estimated", est).Int("forgotten", gone).Msg("fleet swept")
			}
		}
	}
}

// Position returns the best current view of vehicleID.
func (f *Fleet) Position(vehicleID string) (View, bool) {
	f.mu.RLock()
	now := f.now()
	l, ok := f.live[vehicleID]
	f.mu.RUnlock()
	if ok {
		if age := now.Sub(l.seenAt); age < f.freshness {
			es := l.sample
			return View{
				VehicleID:  vehicleID,
				Sample:     es.PositionSample,
				Enriched:   &es,
				Source:     SourceLive,
				Confidence: 1,
				Age:        age,
			}, true
		}
	}

	rec, ok := f.store.Get(vehicleID)
	if !ok {
		return View{}, false
	}
	v := View{
		VehicleID:  vehicleID,
		Sample:     rec.Sample,
		Source:     string(rec.Tier),
		Confidence: rec.Confidence,
	}
	if !rec.CreatedAt.IsZero() {
		v.Age = now.Sub(rec.CreatedAt)
	}
	return v, true
}

// Positions returns a view for every vehicle that can still be placed,
// ordered by vehicle id.
func (f *Fleet) Positions() []View {
	f.mu.RLock()
	ids := make([]string, 0, len(f.known))
	for id := range f.known {
		ids = append(ids, id)
	}
	f.mu.RUnlock()
	sort.Strings(ids)

	out := make([]View, 0, len(ids))
	for _, id := range ids {
		if v, ok := f.Position(id); ok {
			out = append(out, v)
		}
	}
	return out
}
