package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPServer is the part of *http.Server the service drives.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server until its context ends, then shuts it down
// within shutdownTimeout.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }

// TaskService adapts a Run(ctx) loop (cache sweep, pool monitor, fallback
// sweep) to suture. The loop must return when ctx is cancelled.
type TaskService struct {
	name string
	run  func(context.Context) error
}

func NewTaskService(name string, run func(context.Context) error) *TaskService {
	return &TaskService{name: name, run: run}
}

func (s *TaskService) Serve(ctx context.Context) error {
	err := s.run(ctx)
	if err == nil && ctx.Err() == nil {
		// returning early is a failure; suture restarts it
		return fmt.Errorf("%s: %w", s.name, errTaskExited)
	}
	return err
}

func (s *TaskService) String() string { return s.name }

var errTaskExited = errors.New("task exited before shutdown")
