// Package broadcast turns operator position samples into enriched samples and
// fans them out to every subscribed viewer.
//
// Ingest for one vehicle is serialized so its samples are stored, enriched and
// published in arrival order. Different vehicles proceed concurrently.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"fleettrack/internal/cache"
	"fleettrack/internal/geo"
	"fleettrack/internal/logging"
	"fleettrack/internal/metrics"
	"fleettrack/internal/model"
	"fleettrack/internal/store"
)

// FleetTopic carries every event viewers receive.
const FleetTopic = "fleet"

// Publisher fans an event out to a topic's subscribers without blocking.
type Publisher interface {
	Publish(topic string, evt model.Event)
}

type Config struct {
	AssignmentTTL time.Duration `koanf:"assignment_ttl"`
	RouteTTL      time.Duration `koanf:"route_ttl"`
	NearStopKm    float64       `koanf:"near_stop_km"`
}

func DefaultConfig() Config {
	return Config{AssignmentTTL: 30 * time.Second, RouteTTL: 10 * time.Minute, NearStopKm: geo.NearStopKm}
}

const (
	assignmentQuery = `SELECT route_id FROM vehicles WHERE id=$1`
	routeQuery      = `SELECT path, total_distance_km, estimated_duration_minutes FROM routes WHERE id=$1`
)

const lockStripes = 64

type Service struct {
	store store.Store
	cache *cache.Cache
	pub   Publisher
	cfg   Config
	now   func() time.Time

	locks [lockStripes]sync.Mutex

	mu       sync.RWMutex
	current  map[string]model.EnrichedSample
	nearStop map[string]bool
}

func New(st store.Store, c *cache.Cache, pub Publisher, cfg Config) *Service {
	d := DefaultConfig()
	if cfg.AssignmentTTL <= 0 {
		cfg.AssignmentTTL = d.AssignmentTTL
	}
	if cfg.RouteTTL <= 0 {
		cfg.RouteTTL = d.RouteTTL
	}
	if cfg.NearStopKm <= 0 {
		cfg.NearStopKm = d.NearStopKm
	}
	return &Service{
		store:    st,
		cache:    c,
		pub:      pub,
		cfg:      cfg,
		now:      time.Now,
		current:  map[string]model.EnrichedSample{},
		nearStop: map[string]bool{},
	}
}

func (s *Service) lockFor(vehicleID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(vehicleID))
	return &s.locks[h.Sum32()%lockStripes]
}

// Ingest validates, persists, enriches and publishes one sample. Store errors,
// including pool.ErrConnectionTimeout, are returned wrapped and nothing is
// published.
func (s *Service) Ingest(ctx context.Context, sample model.PositionSample) (model.EnrichedSample, error) {
	if err := Validate(sample); err != nil {
		metrics.Ingest.WithLabelValues("invalid").Inc()
		return model.EnrichedSample{}, err
	}
	sample.Timestamp = sample.Timestamp.UTC()

	l := s.lockFor(sample.VehicleID)
	l.Lock()
	defer l.Unlock()

	prev, err := s.store.RecentPositions(ctx, sample.VehicleID, 1)
	if err != nil {
		metrics.Ingest.WithLabelValues("error").Inc()
		return model.EnrichedSample{}, fmt.Errorf("load previous position: %w", err)
	}
	if _, err := s.store.InsertPosition(ctx, sample); err != nil {
		metrics.Ingest.WithLabelValues("error").Inc()
		return model.EnrichedSample{}, fmt.Errorf("persist position: %w", err)
	}

	var last *model.PositionSample
	if len(prev) > 0 {
		last = &prev[0]
		if last.Timestamp.Equal(sample.Timestamp) {
			metrics.IngestDuplicates.Inc()
			logging.Ctx(ctx).Debug().Str("vehicle_id", sample.VehicleID).Time("ts", sample.Timestamp).Msg("duplicate sample timestamp")
		}
	}

	es, err := s.enrich(ctx, sample, last)
	if err != nil {
		metrics.Ingest.WithLabelValues("error").Inc()
		return model.EnrichedSample{}, err
	}

	s.mu.Lock()
	wasNear := s.nearStop[sample.VehicleID]
	s.nearStop[sample.VehicleID] = es.IsNearStop
	if cur, ok := s.current[sample.VehicleID]; !ok || !es.Timestamp.Before(cur.Timestamp) {
		s.current[sample.VehicleID] = es
	}
	s.mu.Unlock()

	s.publish(model.EventLocationUpdate, es)
	if es.IsNearStop && !wasNear && es.RouteID != "" {
		s.publish(model.EventVehicleArriving, model.VehicleArrivingPayload{
			VehicleID: es.VehicleID,
			RouteID:   es.RouteID,
			Location:  es.Point(),
			Timestamp: es.Timestamp,
		})
	}
	metrics.Ingest.WithLabelValues("accepted").Inc()
	return es, nil
}

// enrich derives speed from last (when it is older) and route metrics from
// the vehicle's assigned route. A vehicle without a route keeps zero metrics.
func (s *Service) enrich(ctx context.Context, sample model.PositionSample, last *model.PositionSample) (model.EnrichedSample, error) {
	es := model.EnrichedSample{PositionSample: sample}
	if last != nil && sample.Timestamp.After(last.Timestamp) {
		es.Speed = model.Float64(geo.SpeedKmh(*last, sample))
	}

	route, ok, err := s.routeFor(ctx, sample.VehicleID)
	if err != nil {
		return es, err
	}
	if !ok {
		return es, nil
	}
	m := geo.RouteMetrics(route, sample.Point(), s.cfg.NearStopKm)
	es.RouteID = route.RouteID
	es.RouteProgress = m.Fraction
	es.DistanceRemainingKm = m.DistanceRemainingKm
	es.EstimatedArrivalMinutes = m.EstimatedArrivalMinutes
	es.IsNearStop = m.IsNearStop
	return es, nil
}

// routeFor resolves the vehicle's route through the query cache. Missing
// assignments are cached as "" so unassigned vehicles do not hit the store
// on every sample.
func (s *Service) routeFor(ctx context.Context, vehicleID string) (model.RouteGeometry, bool, error) {
	routeID, err := cache.Load(ctx, s.cache, assignmentQuery, []any{vehicleID}, s.cfg.AssignmentTTL,
		func(ctx context.Context) (string, error) {
			id, err := s.store.VehicleRoute(ctx, vehicleID)
			if errors.Is(err, store.ErrNotFound) {
				return "", nil
			}
			return id, err
		})
	if err != nil {
		return model.RouteGeometry{}, false, fmt.Errorf("vehicle route: %w", err)
	}
	if routeID == "" {
		return model.RouteGeometry{}, false, nil
	}
	route, err := cache.Load(ctx, s.cache, routeQuery, []any{routeID}, s.cfg.RouteTTL,
		func(ctx context.Context) (model.RouteGeometry, error) {
			return s.store.RouteGeometry(ctx, routeID)
		})
	if errors.Is(err, store.ErrNotFound) {
		logging.Ctx(ctx).Warn().Str("vehicle_id", vehicleID).Str("route_id", routeID).Msg("assigned route has no geometry")
		return model.RouteGeometry{}, false, nil
	}
	if err != nil {
		return model.RouteGeometry{}, false, fmt.Errorf("route geometry: %w", err)
	}
	return route, true, nil
}

// InvalidateRoute drops the cached geometry of routeID and every cached
// vehicle assignment, so reassignments are seen on the next sample.
func (s *Service) InvalidateRoute(routeID string) int {
	n := s.cache.Invalidate(cache.Key(routeQuery, []any{routeID}))
	n += s.cache.Invalidate(cache.NormalizeQuery(assignmentQuery))
	return n
}

// Warm loads each vehicle's latest stored sample as its current sample
// without publishing anything. Used at start so the current view survives
// restarts.
func (s *Service) Warm(ctx context.Context) (int, error) {
	latest, err := s.store.LatestPositions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range latest {
		es, err := s.enrich(ctx, p, nil)
		if err != nil {
			return n, err
		}
		s.mu.Lock()
		if _, ok := s.current[p.VehicleID]; !ok {
			s.current[p.VehicleID] = es
			s.nearStop[p.VehicleID] = es.IsNearStop
			n++
		}
		s.mu.Unlock()
	}
	return n, nil
}

// Current returns the current enriched sample of every vehicle, by vehicle id.
func (s *Service) Current() []model.EnrichedSample {
	s.mu.RLock()
	out := make([]model.EnrichedSample, 0, len(s.current))
	for _, es := range s.current {
		out = append(out, es)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

func (s *Service) CurrentFor(vehicleID string) (model.EnrichedSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	es, ok := s.current[vehicleID]
	return es, ok
}

func (s *Service) OperatorConnected(operatorID, vehicleID string) {
	s.publish(model.EventOperatorConnected, model.OperatorPresencePayload{OperatorID: operatorID, VehicleID: vehicleID, Timestamp: s.now().UTC()})
}

func (s *Service) OperatorDisconnected(operatorID, vehicleID string) {
	s.publish(model.EventOperatorDisconnected, model.OperatorPresencePayload{OperatorID: operatorID, VehicleID: vehicleID, Timestamp: s.now().UTC()})
}

func (s *Service) publish(t model.EventType, data any) {
	if s.pub == nil {
		return
	}
	metrics.BroadcastEvents.WithLabelValues(string(t)).Inc()
	s.pub.Publish(FleetTopic, model.Event{Type: t, Data: data})
}
