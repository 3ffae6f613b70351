package geo

import (
	"errors"
	"math"
	"sort"

	"fleettrack/internal/model"
)

// BBox is a viewport in degrees.
type BBox struct {
	MinLng float64 `json:"minLng"`
	MinLat float64 `json:"minLat"`
	MaxLng float64 `json:"maxLng"`
	MaxLat float64 `json:"maxLat"`
}

var ErrInvalidBBox = errors.New("invalid bounding box")

// Validate checks ordering and coordinate bounds.
func (b BBox) Validate() error {
	if b.MinLat < -90 || b.MaxLat > 90 || b.MinLng < -180 || b.MaxLng > 180 {
		return ErrInvalidBBox
	}
	if b.MinLat >= b.MaxLat || b.MinLng >= b.MaxLng {
		return ErrInvalidBBox
	}
	return nil
}

// ContainsStrict reports whether p lies strictly inside the box; points on an
// edge are outside.
func (b BBox) ContainsStrict(p model.GeoPoint) bool {
	return p.Lat > b.MinLat && p.Lat < b.MaxLat && p.Lng > b.MinLng && p.Lng < b.MaxLng
}

// ClusterPoint is an input to Cluster.
type ClusterPoint struct {
	ID    string
	Point model.GeoPoint
}

// Cluster groups nearby points for low-zoom map display.
type Cluster struct {
	Center  model.GeoPoint `json:"center"`
	Count   int            `json:"count"`
	Members []string       `json:"members"`
}

const (
	clusterBaseRadiusKm = 2000.0
	maxZoom             = 20
)

// ClusterRadiusKm is the grouping radius at zoom; it halves per zoom level.
func ClusterRadiusKm(zoom int) float64 {
	if zoom < 0 {
		zoom = 0
	}
	if zoom > maxZoom {
		zoom = maxZoom
	}
	return clusterBaseRadiusKm / math.Pow(2, float64(zoom))
}

// Clusters greedily assigns each point to the first cluster whose seed lies within
// the zoom radius, otherwise seeds a new cluster. Input is sorted by ID so output is
// deterministic.
func Clusters(points []ClusterPoint, zoom int) []Cluster {
	radius := ClusterRadiusKm(zoom)
	pts := append([]ClusterPoint(nil), points...)
	sort.Slice(pts, func(i, j int) bool { return pts[i].ID < pts[j].ID })

	type acc struct {
		seed           model.GeoPoint
		sumLat, sumLng float64
		members        []string
	}
	var groups []*acc
	for _, p := range pts {
		var into *acc
		for _, g := range groups {
			if DistanceKm(g.seed, p.Point) <= radius {
				into = g
				break
			}
		}
		if into == nil {
			into = &acc{seed: p.Point}
			groups = append(groups, into)
		}
		into.sumLat += p.Point.Lat
		into.sumLng += p.Point.Lng
		into.members = append(into.members, p.ID)
	}
	out := make([]Cluster, 0, len(groups))
	for _, g := range groups {
		n := float64(len(g.members))
		out = append(out, Cluster{
			Center:  model.GeoPoint{Lat: g.sumLat / n, Lng: g.sumLng / n},
			Count:   len(g.members),
			Members: g.members,
		})
	}
	return out
}
