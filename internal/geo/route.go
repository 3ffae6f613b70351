package geo

import (
	"math"

	"fleettrack/internal/model"
)

// kmPerDegree is the arc length of one degree on the haversine sphere.
const kmPerDegree = 2 * math.Pi * EarthRadiusKm / 360

// Projection is where a point lands on a route path.
type Projection struct {
	Fraction     float64        `json:"fraction"`
	AlongKm      float64        `json:"alongKm"`
	OffRouteKm   float64        `json:"offRouteKm"`
	SegmentIndex int            `json:"segmentIndex"`
	Point        model.GeoPoint `json:"point"`
}

// Project maps p onto the nearest position along path and expresses it as the
// fraction of total path length traversed. Fraction is always within [0,1].
func Project(path []model.GeoPoint, p model.GeoPoint) Projection {
	switch len(path) {
	case 0:
		return Projection{Point: p}
	case 1:
		return Projection{Point: path[0], OffRouteKm: DistanceKm(path[0], p)}
	}
	total := PathLengthKm(path)
	best := Projection{OffRouteKm: math.Inf(1)}
	cum := 0.0
	for i := 0; i+1 < len(path); i++ {
		a, b := path[i], path[i+1]
		segKm := DistanceKm(a, b)
		t := segmentParam(a, b, p)
		q := model.GeoPoint{Lat: a.Lat + t*(b.Lat-a.Lat), Lng: a.Lng + t*(b.Lng-a.Lng)}
		off := DistanceKm(q, p)
		if off < best.OffRouteKm {
			best = Projection{AlongKm: cum + t*segKm, OffRouteKm: off, SegmentIndex: i, Point: q}
		}
		cum += segKm
	}
	if total > 0 {
		best.Fraction = clamp01(best.AlongKm / total)
	}
	return best
}

// segmentParam returns the clamped position of p's orthogonal projection on
// segment a→b, computed in a local equirectangular plane anchored at a.
func segmentParam(a, b, p model.GeoPoint) float64 {
	cosLat := math.Cos(rad(a.Lat))
	bx, by := (b.Lng-a.Lng)*cosLat*kmPerDegree, (b.Lat-a.Lat)*kmPerDegree
	px, py := (p.Lng-a.Lng)*cosLat*kmPerDegree, (p.Lat-a.Lat)*kmPerDegree
	den := bx*bx + by*by
	if den == 0 {
		return 0
	}
	return clamp01((px*bx + py*by) / den)
}

// Metrics are the per-sample values derived from a route.
type Metrics struct {
	Fraction                float64
	DistanceRemainingKm     float64
	EstimatedArrivalMinutes float64
	IsNearStop              bool
}

// RouteMetrics projects p onto route and scales the remaining fraction by the
// route's total distance and planned duration.
func RouteMetrics(route model.RouteGeometry, p model.GeoPoint, nearStopKm float64) Metrics {
	if nearStopKm <= 0 {
		nearStopKm = NearStopKm
	}
	total := route.TotalDistanceKm
	if total <= 0 {
		total = PathLengthKm(route.Path)
	}
	proj := Project(route.Path, p)
	remaining := math.Max(0, total*(1-proj.Fraction))
	eta := math.Max(0, route.EstimatedDurationMinutes*(1-proj.Fraction))
	return Metrics{
		Fraction:                proj.Fraction,
		DistanceRemainingKm:     remaining,
		EstimatedArrivalMinutes: eta,
		IsNearStop:              remaining <= nearStopKm,
	}
}

// PointAt returns the position at the given fraction of the path. Used to build
// route-estimate positions.
func PointAt(path []model.GeoPoint, fraction float64) model.GeoPoint {
	if len(path) == 0 {
		return model.GeoPoint{}
	}
	fraction = clamp01(fraction)
	target := PathLengthKm(path) * fraction
	cum := 0.0
	for i := 0; i+1 < len(path); i++ {
		seg := DistanceKm(path[i], path[i+1])
		if cum+seg >= target && seg > 0 {
			t := (target - cum) / seg
			a, b := path[i], path[i+1]
			return model.GeoPoint{Lat: a.Lat + t*(b.Lat-a.Lat), Lng: a.Lng + t*(b.Lng-a.Lng)}
		}
		cum += seg
	}
	return path[len(path)-1]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
