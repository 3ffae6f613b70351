package fleetview

import (
	"context"
	"io"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fleettrack/internal/api"
	"fleettrack/internal/auth"
	"fleettrack/internal/broadcast"
	"fleettrack/internal/cache"
	"fleettrack/internal/channel"
	"fleettrack/internal/config"
	"fleettrack/internal/fallback"
	"fleettrack/internal/logging"
	"fleettrack/internal/model"
	"fleettrack/internal/store"
)

func init() {
	logging.Init(logging.Config{Output: io.Discard})
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func sample(id string, lat float64, ts time.Time) model.EnrichedSample {
	return model.EnrichedSample{
		PositionSample: model.PositionSample{VehicleID: id, Latitude: lat, Longitude: 72.5, Timestamp: ts},
		RouteID:        "R1",
	}
}

func TestPositionDegradesThroughTiers(t *testing.T) {
	c := &clock{t: t0}
	f := New(fallback.New(fallback.Config{}), 30*time.Second)
	f.SetClock(c.now)

	if _, ok := f.Position("B1"); ok {
		t.Fatal("unknown vehicle should have no position")
	}
	f.SetDefault("B1", model.GeoPoint{Lat: 23.05, Lng: 72.55})
	f.Observe(sample("B1", 23.0, t0))

	v, ok := f.Position("B1")
	if !ok || v.Source != SourceLive || v.Confidence != 1 || v.Enriched == nil || v.Enriched.RouteID != "R1" {
		t.Fatalf("fresh view = %+v", v)
	}

	c.advance(time.Minute)
	v, _ = f.Position("B1")
	if v.Source != string(fallback.TierCache) || v.Confidence != 1 || v.Age != time.Minute {
		t.Fatalf("stale view = %+v", v)
	}

	c.advance(9 * time.Minute)
	v, _ = f.Position("B1")
	if v.Source != string(fallback.TierLastKnown) || math.Abs(v.Confidence-0.6) > 1e-9 {
		t.Fatalf("last known view = %+v", v)
	}

	c.advance(21 * time.Minute)
	v, _ = f.Position("B1")
	if v.Source != string(fallback.TierDefault) || v.Confidence != 0.1 || v.Sample.Latitude != 23.05 || v.Age != 0 {
		t.Fatalf("default view = %+v", v)
	}
}

func TestObserveIgnoresOlderSamples(t *testing.T) {
	c := &clock{t: t0}
	f := New(fallback.New(fallback.Config{}), 30*time.Second)
	f.SetClock(c.now)

	f.Observe(sample("B1", 23.01, t0.Add(time.Minute)))
	f.Observe(sample("B1", 23.00, t0))
	v, _ := f.Position("B1")
	if v.Sample.Latitude != 23.01 {
		t.Fatalf("older sample replaced newer: %+v", v)
	}
	f.Observe(model.EnrichedSample{})
	if n := len(f.Positions()); n != 1 {
		t.Fatalf("positions = %d", n)
	}
}

func TestPositionsSorted(t *testing.T) {
	f := New(fallback.New(fallback.Config{}), 0)
	f.Observe(sample("C3", 23.2, t0))
	f.Observe(sample("A1", 23.0, t0))
	f.SetDefault("B2", model.GeoPoint{Lat: 23.1, Lng: 72.5})

	got := f.Positions()
	if len(got) != 3 {
		t.Fatalf("positions = %+v", got)
	}
	for i, want := range []string{"A1", "B2", "C3"} {
		if got[i].VehicleID != want {
			t.Fatalf("order = %+v", got)
		}
	}
	if got[1].Source != string(fallback.TierDefault) || got[0].Source != SourceLive {
		t.Fatalf("sources = %s %s", got[0].Source, got[1].Source)
	}
}

func TestRouteEstimateOnceLastKnownExpires(t *testing.T) {
	c := &clock{t: t0}
	f := New(fallback.New(fallback.Config{CacheTTL: time.Minute, LastKnownTTL: 5 * time.Minute, RouteEstimateTTL: 10 * time.Minute}), 30*time.Second)
	f.SetClock(c.now)
	f.SetRoute(model.RouteGeometry{
		RouteID:                  "R1",
		Path:                     []model.GeoPoint{{Lat: 23.0, Lng: 72.5}, {Lat: 23.1, Lng: 72.5}},
		EstimatedDurationMinutes: 20,
	})
	f.Observe(sample("B1", 23.0, t0))
	f.Observe(sample("NOROUTE", 23.0, t0))
	f.mu.Lock()
	l := f.live["NOROUTE"]
	l.sample.RouteID = ""
	f.live["NOROUTE"] = l
	f.mu.Unlock()

	c.advance(6 * time.Minute)
	if v, ok := f.Position("B1"); ok {
		t.Fatalf("expected no tier before estimating, got %+v", v)
	}
	if est, _ := f.Sweep(); est != 1 {
		t.Fatalf("estimated = %d", est)
	}
	v, ok := f.Position("B1")
	if !ok || v.Source != string(fallback.TierRouteEstimate) || math.Abs(v.Confidence-0.7) > 1e-9 {
		t.Fatalf("estimate view = %+v", v)
	}
	if math.Abs(v.Sample.Latitude-23.03) > 1e-6 || v.Sample.Longitude != 72.5 {
		t.Fatalf("estimate position = %+v", v.Sample)
	}
	if !v.Sample.Timestamp.Equal(t0.Add(6 * time.Minute)) {
		t.Fatalf("estimate timestamp = %v", v.Sample.Timestamp)
	}

	c.advance(2 * time.Minute)
	v, _ = f.Position("B1")
	if math.Abs(v.Confidence-0.56) > 1e-9 {
		t.Fatalf("decayed confidence = %v", v.Confidence)
	}
	est, ok := f.Estimate("B1")
	if !ok || math.Abs(est.Latitude-23.04) > 1e-6 {
		t.Fatalf("refreshed estimate = %+v", est)
	}
	if _, ok := f.Estimate("NOROUTE"); ok {
		t.Fatal("vehicle without a route should not be estimated")
	}
	if _, ok := f.Estimate("UNKNOWN"); ok {
		t.Fatal("unknown vehicle should not be estimated")
	}
}

func TestSweepForgetsUnplaceableVehicles(t *testing.T) {
	c := &clock{t: t0}
	f := New(fallback.New(fallback.Config{CacheTTL: time.Minute, LastKnownTTL: 5 * time.Minute, RouteEstimateTTL: 10 * time.Minute}), 30*time.Second)
	f.SetClock(c.now)
	f.Observe(sample("B1", 23.0, t0))
	f.SetDefault("B2", model.GeoPoint{Lat: 23.1, Lng: 72.5})
	f.Observe(sample("B2", 23.0, t0))

	c.advance(10 * time.Minute)
	if _, gone := f.Sweep(); gone != 0 {
		t.Fatalf("forgot %d vehicles inside the retention window", gone)
	}
	if n := len(f.Positions()); n != 1 {
		t.Fatalf("positions = %d", n)
	}

	c.advance(6 * time.Minute)
	if _, gone := f.Sweep(); gone != 1 {
		t.Fatalf("forgotten = %d", gone)
	}
	f.mu.RLock()
	live, known := len(f.live), len(f.known)
	f.mu.RUnlock()
	if live != 0 || known != 1 {
		t.Fatalf("live = %d known = %d", live, known)
	}
	got := f.Positions()
	if len(got) != 1 || got[0].VehicleID != "B2" || got[0].Source != string(fallback.TierDefault) {
		t.Fatalf("positions = %+v", got)
	}
}

func TestAttachFollowsViewerSession(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	if err := st.UpsertRoute(ctx, model.RouteGeometry{
		RouteID:                  "R1",
		Path:                     []model.GeoPoint{{Lat: 23.0, Lng: 72.5}, {Lat: 23.1, Lng: 72.5}},
		EstimatedDurationMinutes: 20,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.AssignVehicleRoute(ctx, "B1", "R1"); err != nil {
		t.Fatal(err)
	}
	broker := api.NewBroker()
	qc := cache.New(cache.Config{})
	svc := broadcast.New(st, qc, broker, broadcast.Config{})
	srv := api.NewServer(config.ServerConfig{Port: 8080}, st, svc, broker, auth.New(auth.Config{}), qc, nil, nil)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()
	endpoint := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"

	viewer := channel.New(channel.Config{Endpoint: endpoint, Role: channel.RoleViewer})
	fleet := New(fallback.New(fallback.Config{}), time.Minute)
	fleet.Attach(viewer)
	if err := viewer.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer viewer.Stop()
	if err := viewer.WaitAuthenticated(ctx); err != nil {
		t.Fatal(err)
	}

	op, err := channel.Connect(ctx, channel.Config{Endpoint: endpoint, Role: channel.RoleOperator, Token: "op1:B1", VehicleID: "B1"})
	if err != nil {
		t.Fatal(err)
	}
	defer op.Stop()
	if err := op.WaitAuthenticated(ctx); err != nil {
		t.Fatal(err)
	}
	if err := op.SendLocation(model.Location("B1", 23.05, 72.5, time.Now().UTC())); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if v, ok := fleet.Position("B1"); ok {
			if v.Source != SourceLive || v.Enriched.RouteID != "R1" || v.Enriched.OperatorID != "op1" {
				t.Fatalf("view = %+v", v)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("viewer never saw the update")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
