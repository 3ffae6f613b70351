//go:build postgres_integration

package store

import (
	"os"
	"testing"
	"time"

	"fleettrack/internal/model"
	"fleettrack/internal/pool"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	o, err := pool.Open(dsn, pool.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer o.Close()
	p := NewPostgres(o)
	if err := p.Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if _, err := p.MigrateDir(t.Context(), "../../db/migrations"); err != nil {
		t.Fatalf("MigrateDir: %v", err)
	}
	if _, err := p.InsertPosition(t.Context(), model.PositionSample{VehicleID: "it-1", Latitude: 1, Longitude: 2, Timestamp: time.Now()}); err != nil {
		t.Fatalf("InsertPosition: %v", err)
	}
	if got, err := p.RecentPositions(t.Context(), "it-1", 1); err != nil || len(got) != 1 {
		t.Fatalf("RecentPositions: %v %v", got, err)
	}
}
