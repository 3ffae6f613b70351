package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"fleettrack/internal/broadcast"
	"fleettrack/internal/geo"
	"fleettrack/internal/logging"
	"fleettrack/internal/metrics"
	"fleettrack/internal/model"
)

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler reports 503 while the pool is unhealthy or the broker is
// unreachable.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if s.Pool != nil {
		if h := s.Pool.HealthCheck(ctx); !h.Healthy {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "issues": h.Issues})
			return
		}
	}
	if p, ok := s.Broker.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", "broker: "+err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type vehiclesResponse struct {
	Vehicles []model.EnrichedSample `json:"vehicles"`
	Count    int                    `json:"count"`
}

func (s *Server) CurrentLocationsHandler(w http.ResponseWriter, r *http.Request) {
	cur := s.Broadcast.Current()
	writeJSON(w, http.StatusOK, vehiclesResponse{Vehicles: cur, Count: len(cur)})
}

type historyResponse struct {
	VehicleID string                 `json:"vehicleId"`
	Positions []model.PositionSample `json:"positions"`
	Count     int                    `json:"count"`
}

// LocationHistoryHandler returns a vehicle's samples oldest first, optionally
// bounded by startTime and endTime (RFC3339, inclusive).
func (s *Server) LocationHistoryHandler(w http.ResponseWriter, r *http.Request) {
	vehicleID := chi.URLParam(r, "vehicleId")
	start, err := parseTimeParam(r, "startTime")
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Query", err.Error(), r.URL.Path)
		return
	}
	end, err := parseTimeParam(r, "endTime")
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Query", err.Error(), r.URL.Path)
		return
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		writeProblem(w, http.StatusBadRequest, "Invalid Query", "endTime is before startTime", r.URL.Path)
		return
	}
	hist, err := s.Store.PositionHistory(r.Context(), vehicleID, start, end)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if hist == nil {
		hist = []model.PositionSample{}
	}
	writeJSON(w, http.StatusOK, historyResponse{VehicleID: vehicleID, Positions: hist, Count: len(hist)})
}

// LocationUpdateHandler ingests one sample from an authenticated operator.
// The operator id always comes from the token, never from the body.
func (s *Server) LocationUpdateHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.bearerPrincipal(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in model.LocationUpdatePayload
	if err := decodeJSON(w, r, &in); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if in.VehicleID == "" {
		in.VehicleID = p.VehicleID
	}
	if err := authorizeVehicle(p, in.VehicleID); err != nil {
		writeError(w, r, err)
		return
	}
	if !s.Limiter.Allow(p.OperatorID) {
		metrics.RateLimited.WithLabelValues("http").Inc()
		w.Header().Set("Retry-After", "1")
		writeError(w, r, errRateLimited)
		return
	}
	sample, err := broadcast.SampleFrom(in, p.OperatorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	es, err := s.Broadcast.Ingest(r.Context(), sample)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, es)
}

func (s *Server) ViewportHandler(w http.ResponseWriter, r *http.Request) {
	box, err := parseBBox(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Viewport", err.Error(), r.URL.Path)
		return
	}
	out := []model.EnrichedSample{}
	for _, es := range s.Broadcast.Current() {
		if box.ContainsStrict(es.Point()) {
			out = append(out, es)
		}
	}
	writeJSON(w, http.StatusOK, vehiclesResponse{Vehicles: out, Count: len(out)})
}

type clustersResponse struct {
	Zoom     int           `json:"zoom"`
	RadiusKm float64       `json:"radiusKm"`
	Clusters []geo.Cluster `json:"clusters"`
}

// ClustersHandler groups current positions for map display. The viewport
// parameters are optional; without them every vehicle is clustered.
func (s *Server) ClustersHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	zoom := 10
	if v := q.Get("zoom"); v != "" {
		z, err := strconv.Atoi(v)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid Query", "zoom must be an integer", r.URL.Path)
			return
		}
		zoom = z
	}
	var box *geo.BBox
	if q.Has("minLng") || q.Has("minLat") || q.Has("maxLng") || q.Has("maxLat") {
		b, err := parseBBox(r)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid Viewport", err.Error(), r.URL.Path)
			return
		}
		box = &b
	}
	var pts []geo.ClusterPoint
	for _, es := range s.Broadcast.Current() {
		if box != nil && !box.ContainsStrict(es.Point()) {
			continue
		}
		pts = append(pts, geo.ClusterPoint{ID: es.VehicleID, Point: es.Point()})
	}
	writeJSON(w, http.StatusOK, clustersResponse{Zoom: zoom, RadiusKm: geo.ClusterRadiusKm(zoom), Clusters: geo.Clusters(pts, zoom)})
}

// AdminDBHandler reports query stats, cache stats and pool sizing advice.
func (s *Server) AdminDBHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	out := map[string]any{
		"cache":   s.Cache.Stats(),
		"topKeys": s.Cache.TopKeys(10),
	}
	if s.Pool != nil {
		out["health"] = s.Pool.HealthCheck(r.Context())
		out["queries"] = s.Pool.QueryStats()
		out["suggestions"] = s.Pool.Suggestions()
	}
	writeJSON(w, http.StatusOK, out)
}

// InvalidateRouteHandler drops the cached geometry of a route and the cached
// vehicle assignments after route management has changed them.
func (s *Server) InvalidateRouteHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	routeID := chi.URLParam(r, "routeId")
	n := s.Broadcast.InvalidateRoute(routeID)
	logging.Ctx(r.Context()).Info().Str("route_id", routeID).Int("removed", n).Msg("route cache invalidated")
	writeJSON(w, http.StatusOK, map[string]any{"routeId": routeID, "removed": n})
}

// requireAdmin passes every request in dev auth mode and otherwise demands
// an admin bearer token. It writes the problem response itself.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.Auth.Mode() == "dev" {
		return true
	}
	p, err := s.bearerPrincipal(r)
	if err != nil {
		writeError(w, r, err)
		return false
	}
	if p.Role != "admin" {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin role required", r.URL.Path)
		return false
	}
	return true
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339: %w", name, err)
	}
	return t, nil
}

func parseBBox(r *http.Request) (geo.BBox, error) {
	q := r.URL.Query()
	var vals [4]float64
	for i, name := range []string{"minLng", "minLat", "maxLng", "maxLat"} {
		v := q.Get(name)
		if v == "" {
			return geo.BBox{}, fmt.Errorf("%s is required", name)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return geo.BBox{}, fmt.Errorf("%s must be a number", name)
		}
		vals[i] = f
	}
	b := geo.BBox{MinLng: vals[0], MinLat: vals[1], MaxLng: vals[2], MaxLat: vals[3]}
	if err := b.Validate(); err != nil {
		return geo.BBox{}, err
	}
	return b, nil
}
