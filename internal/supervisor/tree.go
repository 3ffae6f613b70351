// Package supervisor runs fleettrack's long-lived components under a suture
// tree. Background maintenance (cache sweep, pool monitor) lives in its own
// layer so a crashing task never takes the HTTP server down with it.
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"fleettrack/internal/logging"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is root -> {background, api}.
type Tree struct {
	root       *suture.Supervisor
	background *suture.Supervisor
	api        *suture.Supervisor
	config     TreeConfig
}

func NewTree(config TreeConfig) *Tree {
	d := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = d.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = d.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = d.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = d.ShutdownTimeout
	}

	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := childSpec
	rootSpec.EventHook = EventHook(logging.WithComponent("supervisor"))

	root := suture.New("fleettrack", rootSpec)
	background := suture.New("background", childSpec)
	api := suture.New("api", childSpec)
	root.Add(background)
	root.Add(api)
	return &Tree{root: root, background: background, api: api, config: config}
}

// EventHook logs suture events through zerolog. Service panics and
// terminations are errors, backoff transitions are warnings.
func EventHook(l zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		var ev *zerolog.Event
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate, suture.EventTypeStopTimeout:
			ev = l.Error()
		case suture.EventTypeBackoff:
			ev = l.Warn()
		default:
			ev = l.Info()
		}
		ev.Fields(e.Map()).Msg(e.String())
	}
}

func (t *Tree) Root() *suture.Supervisor { return t.root }

// AddBackground adds a maintenance task (sweeps, monitors).
func (t *Tree) AddBackground(svc suture.Service) suture.ServiceToken {
	return t.background.Add(svc)
}

// AddAPI adds a request-serving service.
func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve blocks until ctx is cancelled and every service has stopped or
// ShutdownTimeout elapsed.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
