package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"fleettrack/internal/model"
	"fleettrack/internal/pool"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgres(pool.New(db, pool.Config{})), mock
}

func TestPostgresInsertPosition(t *testing.T) {
	p, mock := newMockPostgres(t)
	ts := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO position_history (vehicle_id, operator_id, lat, lng, recorded_at, speed, heading) VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id")).
		WithArgs("B1", "op1", 23.0, 72.5, ts, nil, 90.0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := p.InsertPosition(context.Background(), model.PositionSample{
		VehicleID: "B1", OperatorID: "op1", Latitude: 23.0, Longitude: 72.5, Timestamp: ts, Heading: model.Float64(90),
	})
	if err != nil || id != 7 {
		t.Fatalf("insert: id=%d err=%v", id, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRecentPositions(t *testing.T) {
	p, mock := newMockPostgres(t)
	ts := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"vehicle_id", "operator_id", "lat", "lng", "recorded_at", "speed", "heading"}).
		AddRow("B1", "op1", 23.01, 72.5, ts.Add(time.Minute), 66.7, nil).
		AddRow("B1", "", 23.0, 72.5, ts, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM position_history WHERE vehicle_id=$1 ORDER BY recorded_at DESC, id DESC LIMIT $2")).
		WithArgs("B1", 2).
		WillReturnRows(rows)

	got, err := p.RecentPositions(context.Background(), "B1", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].Speed == nil || *got[0].Speed != 66.7 || got[1].Speed != nil || got[0].Heading != nil {
		t.Fatalf("rows = %+v", got)
	}
}

func TestPostgresVehicleRouteNotFound(t *testing.T) {
	p, mock := newMockPostgres(t)
	q := regexp.QuoteMeta("SELECT route_id FROM vehicles WHERE id=$1")
	mock.ExpectQuery(q).WithArgs("B9").WillReturnRows(sqlmock.NewRows([]string{"route_id"}))
	mock.ExpectQuery(q).WithArgs("B8").WillReturnRows(sqlmock.NewRows([]string{"route_id"}).AddRow(nil))
	mock.ExpectQuery(q).WithArgs("B1").WillReturnRows(sqlmock.NewRows([]string{"route_id"}).AddRow("R1"))

	ctx := context.Background()
	if _, err := p.VehicleRoute(ctx, "B9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing vehicle: %v", err)
	}
	if _, err := p.VehicleRoute(ctx, "B8"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unassigned vehicle: %v", err)
	}
	if rid, err := p.VehicleRoute(ctx, "B1"); err != nil || rid != "R1" {
		t.Fatalf("assigned vehicle: %q %v", rid, err)
	}
}

func TestPostgresRouteGeometry(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT path, total_distance_km, estimated_duration_minutes FROM routes WHERE id=$1")).
		WithArgs("R1").
		WillReturnRows(sqlmock.NewRows([]string{"path", "total_distance_km", "estimated_duration_minutes"}).
			AddRow([]byte(`[{"lat":23,"lng":72.5},{"lat":23.1,"lng":72.5}]`), 11.1, 20.0))

	r, err := p.RouteGeometry(context.Background(), "R1")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if r.RouteID != "R1" || len(r.Path) != 2 || r.Path[1].Lat != 23.1 || r.EstimatedDurationMinutes != 20 {
		t.Fatalf("route = %+v", r)
	}
}

func TestPostgresMigrateDir(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "0001_a.sql"), []byte("CREATE TABLE a (id int);"), 0o644)
	os.WriteFile(filepath.Join(dir, "0002_b.sql"), []byte("CREATE TABLE b (id int);"), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644)

	p, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM schema_migrations WHERE name=$1")).WithArgs("0001_a.sql").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM schema_migrations WHERE name=$1")).WithArgs("0002_b.sql").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b (id int);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (name) VALUES ($1)")).WithArgs("0002_b.sql").
		WillReturnResult(sqlmock.NewResult(1, 1))

	n, err := p.MigrateDir(context.Background(), dir)
	if err != nil || n != 1 {
		t.Fatalf("migrate: n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
