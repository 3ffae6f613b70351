package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleettrack/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu        sync.Mutex
	nextID    int64
	positions map[string][]memPosition      // vehicleId -> samples in insert order
	vehicles  map[string]model.VehicleRecord // id -> vehicle
	routes    map[string]model.RouteGeometry // id -> route
}

type memPosition struct {
	id int64
	s  model.PositionSample
}

func NewMemory() *Memory {
	return &Memory{
		positions: map[string][]memPosition{},
		vehicles:  map[string]model.VehicleRecord{},
		routes:    map[string]model.RouteGeometry{},
	}
}

func (m *Memory) InsertPosition(ctx context.Context, s model.PositionSample) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.positions[s.VehicleID] = append(m.positions[s.VehicleID], memPosition{id: m.nextID, s: s})
	return m.nextID, nil
}

// sortedLocked returns a copy ordered by timestamp then insertion.
func (m *Memory) sortedLocked(vehicleID string) []memPosition {
	ps := append([]memPosition(nil), m.positions[vehicleID]...)
	sort.SliceStable(ps, func(i, j int) bool {
		if !ps[i].s.Timestamp.Equal(ps[j].s.Timestamp) {
			return ps[i].s.Timestamp.Before(ps[j].s.Timestamp)
		}
		return ps[i].id < ps[j].id
	})
	return ps
}

func (m *Memory) RecentPositions(ctx context.Context, vehicleID string, n int) ([]model.PositionSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps := m.sortedLocked(vehicleID)
	out := []model.PositionSample{}
	for i := len(ps) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, ps[i].s)
	}
	return out, nil
}

func (m *Memory) LatestPositions(ctx context.Context) ([]model.PositionSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.positions))
	for id := range m.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.PositionSample, 0, len(ids))
	for _, id := range ids {
		ps := m.sortedLocked(id)
		if len(ps) > 0 {
			out = append(out, ps[len(ps)-1].s)
		}
	}
	return out, nil
}

func (m *Memory) PositionHistory(ctx context.Context, vehicleID string, start, end time.Time) ([]model.PositionSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.PositionSample{}
	for _, p := range m.sortedLocked(vehicleID) {
		if !start.IsZero() && p.s.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && p.s.Timestamp.After(end) {
			continue
		}
		out = append(out, p.s)
	}
	return out, nil
}

func (m *Memory) VehicleRoute(ctx context.Context, vehicleID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[vehicleID]
	if !ok || v.RouteID == "" {
		return "", ErrNotFound
	}
	return v.RouteID, nil
}

func (m *Memory) RouteGeometry(ctx context.Context, routeID string) (model.RouteGeometry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok {
		return model.RouteGeometry{}, ErrNotFound
	}
	r.Path = append([]model.GeoPoint(nil), r.Path...)
	return r, nil
}

func (m *Memory) AssignVehicleRoute(ctx context.Context, vehicleID, routeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.vehicles[vehicleID]
	v.ID = vehicleID
	v.RouteID = routeID
	m.vehicles[vehicleID] = v
	return nil
}

func (m *Memory) UpsertRoute(ctx context.Context, r model.RouteGeometry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Path = append([]model.GeoPoint(nil), r.Path...)
	m.routes[r.RouteID] = r
	return nil
}

func (m *Memory) UpsertVehicle(ctx context.Context, v model.VehicleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[v.ID] = v
	return nil
}

func (m *Memory) Vehicles(ctx context.Context) ([]model.VehicleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.VehicleRecord, 0, len(m.vehicles))
	for _, v := range m.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
