// Package main runs a demo operator and viewer against a local server. The
// operator drives a vehicle north along a short path while the viewer prints
// what its fleet view shows for it. SEED_PATH, when set, supplies the route
// geometry used for route estimates.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"fleettrack/internal/channel"
	"fleettrack/internal/fallback"
	"fleettrack/internal/fleetview"
	"fleettrack/internal/logging"
	"fleettrack/internal/model"
	"fleettrack/internal/store"
)

func main() {
	logging.Init(logging.Config{Format: "console", Level: os.Getenv("LOG_LEVEL")})
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	vehicle := os.Getenv("VEHICLE_ID")
	if vehicle == "" {
		vehicle = "B1"
	}
	token := os.Getenv("TOKEN")
	if token == "" {
		token = "demo-operator:" + vehicle
	}
	endpoint := fmt.Sprintf("ws://localhost:%s/ws", port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	viewer := channel.New(channel.Config{Endpoint: endpoint, Role: channel.RoleViewer})
	fleet := fleetview.New(fallback.New(fallback.DefaultConfig()), 10*time.Second)
	if path := os.Getenv("SEED_PATH"); path != "" {
		seed, err := store.LoadSeedFile(path)
		if err != nil {
			logging.Fatal().Err(err).Str("path", path).Msg("load seed")
		}
		for _, r := range seed.Routes {
			fleet.SetRoute(r)
		}
		for _, v := range seed.Vehicles {
			if v.Reference != nil {
				fleet.SetDefault(v.ID, *v.Reference)
			}
		}
	}
	go func() { _ = fleet.Run(ctx) }()
	fleet.Attach(viewer)
	viewer.OnStateChange(func(from, to channel.State) {
		logging.Info().Str("from", from.String()).Str("to", to.String()).Msg("viewer state")
	})
	viewer.On(model.EventOperatorConnected, func(e model.Event) {
		if p, ok := e.Data.(*model.OperatorPresencePayload); ok {
			logging.Info().Str("operator_id", p.OperatorID).Str("vehicle_id", p.VehicleID).Msg("operator online")
		}
	})
	if err := viewer.Start(ctx); err != nil {
		logging.Fatal().Err(err).Msg("viewer connect")
	}
	defer viewer.Stop()
	if err := viewer.WaitAuthenticated(ctx); err != nil {
		logging.Fatal().Err(err).Msg("viewer handshake")
	}

	op, err := channel.Connect(ctx, channel.Config{
		Endpoint:  endpoint,
		Role:      channel.RoleOperator,
		Token:     token,
		VehicleID: vehicle,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("operator connect")
	}
	defer op.Stop()
	op.On(model.EventError, func(e model.Event) {
		if p, ok := e.Data.(*model.ErrorPayload); ok {
			logging.Warn().Str("code", p.Code).Msg(p.Message)
		}
	})
	if err := op.WaitAuthenticated(ctx); err != nil {
		logging.Fatal().Err(err).Msg("operator authentication")
	}

	lat := 23.0
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for i := 0; i < 10; i++ {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		lat += 0.005
		loc := model.Location(vehicle, lat, 72.5, time.Now().UTC())
		loc.Speed = model.Float64(30)
		err := op.SendLocation(loc)
		if err != nil {
			logging.Warn().Err(err).Msg("send location")
			continue
		}
		if v, ok := fleet.Position(vehicle); ok {
			ev := logging.Info().Str("source", v.Source).Float64("confidence", v.Confidence).
				Float64("lat", v.Sample.Latitude).Float64("lng", v.Sample.Longitude)
			if v.Enriched != nil {
				ev = ev.Float64("remaining_km", v.Enriched.DistanceRemainingKm).Bool("near_stop", v.Enriched.IsNearStop)
			}
			ev.Msg("fleet view")
		}
	}
	if est, ok := fleet.Estimate(vehicle); ok {
		logging.Info().Float64("lat", est.Latitude).Float64("lng", est.Longitude).Msg("route estimate if the operator went quiet now")
	}
	info := op.Snapshot()
	logging.Info().Str("state", info.State.String()).Bool("authenticated", info.Authenticated).Msg("operator done")
}
