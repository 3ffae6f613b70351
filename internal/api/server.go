// Package api serves the fleet tracking HTTP surface, the bidirectional
// channel endpoint and the text-event-stream fallback.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleettrack/internal/auth"
	"fleettrack/internal/broadcast"
	"fleettrack/internal/cache"
	"fleettrack/internal/config"
	"fleettrack/internal/metrics"
	"fleettrack/internal/pool"
	"fleettrack/internal/store"
)

// Server holds the components the handlers need. Pool is nil when running on
// the in-memory store.
type Server struct {
	Store     store.Store
	Broadcast *broadcast.Service
	Broker    EventBroker
	Auth      *auth.Verifier
	Cache     *cache.Cache
	Pool      *pool.Optimizer
	Limiter   *RateLimiter
	Config    config.ServerConfig

	started time.Time
}

// NewServer wires a Server. Zero timing values in cfg fall back to the
// channel defaults.
func NewServer(cfg config.ServerConfig, st store.Store, svc *broadcast.Service, broker EventBroker, verifier *auth.Verifier, c *cache.Cache, p *pool.Optimizer, limiter *RateLimiter) *Server {
	if cfg.SSEHeartbeat <= 0 {
		cfg.SSEHeartbeat = 15 * time.Second
	}
	if cfg.WSPongWait <= 0 {
		cfg.WSPongWait = 60 * time.Second
	}
	if cfg.WSPingPeriod <= 0 || cfg.WSPingPeriod >= cfg.WSPongWait {
		cfg.WSPingPeriod = cfg.WSPongWait * 9 / 10
	}
	if limiter == nil {
		limiter = NewRateLimiter(0, 0)
	}
	return &Server{
		Store:     st,
		Broadcast: svc,
		Broker:    broker,
		Auth:      verifier,
		Cache:     c,
		Pool:      p,
		Limiter:   limiter,
		Config:    cfg,
		started:   time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(observe)

	r.Get("/healthz", s.HealthHandler)
	r.Get("/readyz", s.ReadyHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/debug/info", s.DebugJSON)
	r.Get("/admin/db", s.AdminDBHandler)
	r.Post("/admin/routes/{routeId}/invalidate", s.InvalidateRouteHandler)

	r.Route("/locations", func(r chi.Router) {
		r.Get("/current", s.CurrentLocationsHandler)
		r.Get("/history/{vehicleId}", s.LocationHistoryHandler)
		r.Post("/update", s.LocationUpdateHandler)
	})
	r.Route("/vehicles", func(r chi.Router) {
		r.Get("/viewport", s.ViewportHandler)
		r.Get("/clusters", s.ClustersHandler)
	})

	r.Get("/events/stream", s.EventStreamHandler)
	r.Get("/ws", s.ChannelHandler)
	return r
}

// HTTPServer returns an *http.Server for Handler on cfg's address.
func (s *Server) HTTPServer(readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              s.Config.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}
