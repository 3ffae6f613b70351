// Package geo computes great-circle distances and the metrics derived from a
// vehicle's fixes and its route. Everything here is pure.
package geo

import (
	"math"

	"fleettrack/internal/model"
)

const (
	EarthRadiusKm = 6371.0

	// NearStopKm is the remaining distance at or below which a vehicle counts as near its stop.
	NearStopKm = 0.5
)

// DistanceKm returns the haversine distance between a and b.
func DistanceKm(a, b model.GeoPoint) float64 {
	dLat := rad(b.Lat - a.Lat)
	dLng := rad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	h = math.Min(1, math.Max(0, h))
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// SpeedKmh is the average speed between two fixes. Zero when the fixes are not
// strictly ordered in time.
func SpeedKmh(prev, cur model.PositionSample) float64 {
	elapsed := cur.Timestamp.Sub(prev.Timestamp)
	if elapsed <= 0 {
		return 0
	}
	return DistanceKm(prev.Point(), cur.Point()) / elapsed.Hours()
}

// SpeedMetersPerSecond is SpeedKmh in m/s.
func SpeedMetersPerSecond(prev, cur model.PositionSample) float64 {
	return SpeedKmh(prev, cur) / 3.6
}

// PathLengthKm sums the great-circle length of consecutive path segments.
func PathLengthKm(path []model.GeoPoint) float64 {
	total := 0.0
	for i := 0; i+1 < len(path); i++ {
		total += DistanceKm(path[i], path[i+1])
	}
	return total
}

// ETAMinutes is the time to cover distanceKm at speedKmh. Zero speed yields zero.
func ETAMinutes(distanceKm, speedKmh float64) float64 {
	if speedKmh <= 0 || distanceKm <= 0 {
		return 0
	}
	return distanceKm / speedKmh * 60
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }
