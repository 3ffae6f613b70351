package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleettrack/internal/api"
	"fleettrack/internal/auth"
	"fleettrack/internal/broadcast"
	"fleettrack/internal/buildinfo"
	"fleettrack/internal/cache"
	"fleettrack/internal/config"
	"fleettrack/internal/logging"
	"fleettrack/internal/metrics"
	"fleettrack/internal/pool"
	"fleettrack/internal/store"
	"fleettrack/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("load configuration")
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	metrics.RegisterDefault()
	bi := buildinfo.Get()
	logging.Info().Str("version", bi.Version).Str("commit", bi.Commit).Int("port", cfg.Server.Port).Msg("starting fleettrack")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	var optimizer *pool.Optimizer
	if cfg.Database.URL != "" {
		optimizer, err = pool.Open(cfg.Database.URL, cfg.Database.Pool)
		if err != nil {
			logging.Fatal().Err(err).Msg("open database")
		}
		defer func() {
			if err := optimizer.Close(); err != nil {
				logging.Error().Err(err).Msg("close database")
			}
		}()
		pg := store.NewPostgres(optimizer)
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = pg.Ping(pingCtx)
		cancel()
		if err != nil {
			logging.Fatal().Err(err).Msg("database unreachable")
		}
		if cfg.Database.Migrate {
			n, err := pg.MigrateDir(ctx, cfg.Database.MigrationsDir)
			if err != nil {
				logging.Fatal().Err(err).Msg("apply migrations")
			}
			logging.Info().Int("applied", n).Str("dir", cfg.Database.MigrationsDir).Msg("migrations done")
		}
		st = pg
		logging.Info().Msg("using postgres store")
	} else {
		st = store.NewMemory()
		logging.Warn().Msg("DATABASE_URL not set; positions are kept in memory only")
	}

	if cfg.SeedPath != "" {
		seed, err := store.LoadSeedFile(cfg.SeedPath)
		if err != nil {
			logging.Fatal().Err(err).Str("path", cfg.SeedPath).Msg("load seed")
		}
		if err := store.ApplySeed(ctx, st, seed); err != nil {
			logging.Fatal().Err(err).Msg("apply seed")
		}
		logging.Info().Int("routes", len(seed.Routes)).Int("vehicles", len(seed.Vehicles)).Msg("seed applied")
	}

	queryCache := cache.New(cfg.Cache)

	var broker api.EventBroker
	if cfg.Redis.URL != "" {
		rb, err := api.NewRedisBroker(cfg.Redis.URL, cfg.Redis.ChannelPrefix)
		if err != nil {
			logging.Fatal().Err(err).Msg("redis broker")
		}
		defer func() { _ = rb.Close() }()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rb.Ping(pingCtx); err != nil {
			logging.Warn().Err(err).Msg("redis unreachable; delivering to local subscribers only until it recovers")
		}
		cancel()
		broker = rb
	} else {
		broker = api.NewBroker()
	}

	verifier := auth.New(cfg.Auth)
	if verifier.Mode() == "dev" {
		logging.Warn().Msg("AUTH_MODE=dev accepts unsigned operator tokens; do not expose this server")
	}

	svc := broadcast.New(st, queryCache, broker, cfg.Broadcast)
	if n, err := svc.Warm(ctx); err != nil {
		logging.Warn().Err(err).Msg("warm current positions")
	} else {
		logging.Info().Int("vehicles", n).Msg("current positions warmed")
	}

	limiter := api.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	srv := api.NewServer(cfg.Server, st, svc, broker, verifier, queryCache, optimizer, limiter)

	tree := supervisor.NewTree(supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	tree.AddBackground(supervisor.NewTaskService("query-cache-sweep", queryCache.Run))
	tree.AddBackground(supervisor.NewTaskService("rate-limit-cleanup", limiter.Run))
	if optimizer != nil {
		tree.AddBackground(supervisor.NewTaskService("pool-monitor", optimizer.Run))
	}
	httpServer := srv.HTTPServer(cfg.Server.ReadHeaderTimeout)
	tree.AddAPI(supervisor.NewHTTPService(httpServer, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", httpServer.Addr).Msg("listening")

	errCh := tree.ServeBackground(ctx)
	select {
	case <-ctx.Done():
		logging.Info().Msg("shutdown signal received")
		err = <-errCh
	case err = <-errCh:
		stop()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor tree stopped")
	}
	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, u := range unstopped {
			logging.Warn().Str("service", u.Name).Msg("service did not stop in time")
		}
	}
	logging.Info().Msg("stopped")
}
