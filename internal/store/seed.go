package store

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"fleettrack/internal/geo"
	"fleettrack/internal/model"
)

// Seed is the YAML layout of a bootstrap file:
//
//	routes:
//	  - id: R1
//	    estimatedDurationMinutes: 25
//	    path: [{lat: 23.0, lng: 72.5}, {lat: 23.1, lng: 72.6}]
//	vehicles:
//	  - id: B1
//	    routeId: R1
//	    reference: {lat: 23.0, lng: 72.5}
type Seed struct {
	Routes   []model.RouteGeometry `yaml:"routes"`
	Vehicles []model.VehicleRecord `yaml:"vehicles"`
}

func ParseSeed(r io.Reader) (Seed, error) {
	var s Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return s, fmt.Errorf("parse seed: %w", err)
	}
	for i, rt := range s.Routes {
		if rt.RouteID == "" {
			return s, fmt.Errorf("seed route %d: missing id", i)
		}
		if rt.TotalDistanceKm <= 0 {
			s.Routes[i].TotalDistanceKm = geo.PathLengthKm(rt.Path)
		}
	}
	for i, v := range s.Vehicles {
		if v.ID == "" {
			return s, fmt.Errorf("seed vehicle %d: missing id", i)
		}
	}
	return s, nil
}

func LoadSeedFile(path string) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Seed{}, err
	}
	defer f.Close()
	return ParseSeed(f)
}

// ApplySeed writes routes before vehicles so assignments resolve.
func ApplySeed(ctx context.Context, st Store, s Seed) error {
	for _, r := range s.Routes {
		if err := st.UpsertRoute(ctx, r); err != nil {
			return fmt.Errorf("seed route %s: %w", r.RouteID, err)
		}
	}
	for _, v := range s.Vehicles {
		if err := st.UpsertVehicle(ctx, v); err != nil {
			return fmt.Errorf("seed vehicle %s: %w", v.ID, err)
		}
	}
	return nil
}
