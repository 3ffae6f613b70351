package store

import (
	"context"
	"errors"
	"time"

	"fleettrack/internal/model"
)

// Store is the persistence contract for position history, vehicle to route
// assignments and route geometry.
type Store interface {
	// InsertPosition appends one raw sample and returns its row id.
	InsertPosition(ctx context.Context, s model.PositionSample) (int64, error)
	// RecentPositions returns up to n samples for a vehicle, newest first.
	RecentPositions(ctx context.Context, vehicleID string, n int) ([]model.PositionSample, error)
	// LatestPositions returns the newest sample of every vehicle, ordered by vehicle id.
	LatestPositions(ctx context.Context) ([]model.PositionSample, error)
	// PositionHistory returns samples with start <= timestamp <= end, oldest first.
	// A zero start or end leaves that side open.
	PositionHistory(ctx context.Context, vehicleID string, start, end time.Time) ([]model.PositionSample, error)

	VehicleRoute(ctx context.Context, vehicleID string) (string, error)
	RouteGeometry(ctx context.Context, routeID string) (model.RouteGeometry, error)
	AssignVehicleRoute(ctx context.Context, vehicleID, routeID string) error
	UpsertRoute(ctx context.Context, r model.RouteGeometry) error
	UpsertVehicle(ctx context.Context, v model.VehicleRecord) error
	Vehicles(ctx context.Context) ([]model.VehicleRecord, error)
}

var ErrNotFound = errors.New("not found")
