package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"fleettrack/internal/model"
	"fleettrack/internal/pool"
)

// Postgres implements Store on top of the pool optimizer so every statement is
// timed and bounded by the acquire timeout.
type Postgres struct {
	pool *pool.Optimizer
}

func NewPostgres(p *pool.Optimizer) *Postgres {
	return &Postgres{pool: p}
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

const positionCols = `vehicle_id, COALESCE(operator_id, ''), lat, lng, recorded_at, speed, heading`

func scanPosition(r *sql.Rows) (model.PositionSample, error) {
	var s model.PositionSample
	var speed, heading sql.NullFloat64
	if err := r.Scan(&s.VehicleID, &s.OperatorID, &s.Latitude, &s.Longitude, &s.Timestamp, &speed, &heading); err != nil {
		return s, err
	}
	if speed.Valid {
		s.Speed = model.Float64(speed.Float64)
	}
	if heading.Valid {
		s.Heading = model.Float64(heading.Float64)
	}
	s.Timestamp = s.Timestamp.UTC()
	return s, nil
}

func (p *Postgres) collect(ctx context.Context, q string, args ...any) ([]model.PositionSample, error) {
	out := []model.PositionSample{}
	err := p.pool.Query(ctx, q, args, func(r *sql.Rows) error {
		s, err := scanPosition(r)
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

func (p *Postgres) InsertPosition(ctx context.Context, s model.PositionSample) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO position_history (vehicle_id, operator_id, lat, lng, recorded_at, speed, heading) VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		[]any{s.VehicleID, nullIfEmpty(s.OperatorID), s.Latitude, s.Longitude, s.Timestamp.UTC(), nullFloat(s.Speed), nullFloat(s.Heading)},
		&id)
	if err != nil {
		return 0, fmt.Errorf("insert position: %w", err)
	}
	return id, nil
}

func (p *Postgres) RecentPositions(ctx context.Context, vehicleID string, n int) ([]model.PositionSample, error) {
	return p.collect(ctx,
		`SELECT `+positionCols+` FROM position_history WHERE vehicle_id=$1 ORDER BY recorded_at DESC, id DESC LIMIT $2`,
		vehicleID, n)
}

func (p *Postgres) LatestPositions(ctx context.Context) ([]model.PositionSample, error) {
	return p.collect(ctx,
		`SELECT DISTINCT ON (vehicle_id) `+positionCols+` FROM position_history ORDER BY vehicle_id, recorded_at DESC, id DESC`)
}

func (p *Postgres) PositionHistory(ctx context.Context, vehicleID string, start, end time.Time) ([]model.PositionSample, error) {
	return p.collect(ctx,
		`SELECT `+positionCols+` FROM position_history WHERE vehicle_id=$1 AND ($2::timestamptz IS NULL OR recorded_at >= $2) AND ($3::timestamptz IS NULL OR recorded_at <= $3) ORDER BY recorded_at, id`,
		vehicleID, nullTime(start), nullTime(end))
}

func (p *Postgres) VehicleRoute(ctx context.Context, vehicleID string) (string, error) {
	var rid sql.NullString
	err := p.pool.QueryRow(ctx, `SELECT route_id FROM vehicles WHERE id=$1`, []any{vehicleID}, &rid)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !rid.Valid) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return rid.String, nil
}

func (p *Postgres) RouteGeometry(ctx context.Context, routeID string) (model.RouteGeometry, error) {
	r := model.RouteGeometry{RouteID: routeID}
	var path []byte
	err := p.pool.QueryRow(ctx,
		`SELECT path, total_distance_km, estimated_duration_minutes FROM routes WHERE id=$1`,
		[]any{routeID}, &path, &r.TotalDistanceKm, &r.EstimatedDurationMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(path, &r.Path); err != nil {
		return r, fmt.Errorf("route %s path: %w", routeID, err)
	}
	return r, nil
}

func (p *Postgres) AssignVehicleRoute(ctx context.Context, vehicleID, routeID string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO vehicles (id, route_id) VALUES ($1,$2) ON CONFLICT (id) DO UPDATE SET route_id=EXCLUDED.route_id`,
		vehicleID, nullIfEmpty(routeID))
	return err
}

func (p *Postgres) UpsertRoute(ctx context.Context, r model.RouteGeometry) error {
	path, err := json.Marshal(r.Path)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO routes (id, path, total_distance_km, estimated_duration_minutes) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (id) DO UPDATE SET path=EXCLUDED.path, total_distance_km=EXCLUDED.total_distance_km, estimated_duration_minutes=EXCLUDED.estimated_duration_minutes`,
		r.RouteID, path, r.TotalDistanceKm, r.EstimatedDurationMinutes)
	return err
}

func (p *Postgres) UpsertVehicle(ctx context.Context, v model.VehicleRecord) error {
	var lat, lng any
	if v.Reference != nil {
		lat, lng = v.Reference.Lat, v.Reference.Lng
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO vehicles (id, route_id, default_lat, default_lng) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (id) DO UPDATE SET route_id=EXCLUDED.route_id, default_lat=EXCLUDED.default_lat, default_lng=EXCLUDED.default_lng`,
		v.ID, nullIfEmpty(v.RouteID), lat, lng)
	return err
}

func (p *Postgres) Vehicles(ctx context.Context) ([]model.VehicleRecord, error) {
	out := []model.VehicleRecord{}
	err := p.pool.Query(ctx, `SELECT id, COALESCE(route_id, ''), default_lat, default_lng FROM vehicles ORDER BY id`, nil,
		func(r *sql.Rows) error {
			var v model.VehicleRecord
			var lat, lng sql.NullFloat64
			if err := r.Scan(&v.ID, &v.RouteID, &lat, &lng); err != nil {
				return err
			}
			if lat.Valid && lng.Valid {
				v.Reference = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
			}
			out = append(out, v)
			return nil
		})
	return out, err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
