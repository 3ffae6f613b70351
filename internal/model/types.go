package model

import "time"

// Core fleet tracking types shared by the server, the channel client and the store.

type GeoPoint struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// PositionSample is one fix reported by an operator's device. Immutable once created.
type PositionSample struct {
	VehicleID  string    `json:"vehicleId" validate:"required,max=64"`
	OperatorID string    `json:"operatorId,omitempty" validate:"max=64"`
	Latitude   float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude  float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Timestamp  time.Time `json:"timestamp" validate:"required"`
	Speed      *float64  `json:"speed,omitempty" validate:"omitempty,gte=0"`
	Heading    *float64  `json:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`
}

// Point returns the sample position.
func (s PositionSample) Point() GeoPoint { return GeoPoint{Lat: s.Latitude, Lng: s.Longitude} }

// EnrichedSample is a PositionSample plus the metrics derived from the vehicle's
// history and route. Speed is recomputed in km/h whenever an older fix exists; the
// first fix of a vehicle keeps the device-reported value.
type EnrichedSample struct {
	PositionSample
	RouteID                 string  `json:"routeId,omitempty"`
	RouteProgress           float64 `json:"routeProgress"`
	DistanceRemainingKm     float64 `json:"distanceRemainingKm"`
	EstimatedArrivalMinutes float64 `json:"estimatedArrivalMinutes"`
	IsNearStop              bool    `json:"isNearStop"`
}

// RouteGeometry is read-only input owned by route management.
type RouteGeometry struct {
	RouteID                  string     `json:"routeId" yaml:"id"`
	Path                     []GeoPoint `json:"path" yaml:"path"`
	TotalDistanceKm          float64    `json:"totalDistanceKm" yaml:"totalDistanceKm"`
	EstimatedDurationMinutes float64    `json:"estimatedDurationMinutes" yaml:"estimatedDurationMinutes"`
}

// VehicleRecord is the minimal vehicle view this core needs: its route assignment
// and the static reference point used as the last-resort fallback.
type VehicleRecord struct {
	ID        string    `json:"id" yaml:"id"`
	RouteID   string    `json:"routeId,omitempty" yaml:"routeId"`
	Reference *GeoPoint `json:"reference,omitempty" yaml:"reference"`
}

// Float64 returns a pointer to v, for optional sample fields.
func Float64(v float64) *float64 { return &v }
