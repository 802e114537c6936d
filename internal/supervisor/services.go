package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/mrcode/glucose-scraper/internal/models"
)

// Runner is a blocking loop such as poller.Engine
type Runner interface {
	Run(ctx context.Context) error
}

// PollerService runs a polling engine under supervision.
//
// Transient exits are restarted by suture. A fatal error (rejected
// credentials or an exhausted fetch budget) terminates the whole tree and
// is kept for Fatal.
type PollerService struct {
	runner Runner
	name   string

	mu    sync.Mutex
	fatal error
}

// NewPollerService wraps runner as a suture service
func NewPollerService(name string, runner Runner) *PollerService {
	if name == "" {
		name = "poller"
	}
	return &PollerService{runner: runner, name: name}
}

// Serve implements suture.Service
func (p *PollerService) Serve(ctx context.Context) error {
	err := p.runner.Run(ctx)
	switch {
	case err == nil:
		return suture.ErrDoNotRestart
	case ctx.Err() != nil:
		return ctx.Err()
	case models.IsFatal(err):
		p.mu.Lock()
		p.fatal = err
		p.mu.Unlock()
		return suture.ErrTerminateSupervisorTree
	default:
		return fmt.Errorf("%s stopped: %w", p.name, err)
	}
}

// Fatal returns the error that terminated the tree, if any
func (p *PollerService) Fatal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatal
}

func (p *PollerService) String() string {
	return p.name
}

// HTTPServer matches the *http.Server lifecycle methods
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService wraps an HTTP server as a supervised service
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPService creates the wrapper. A non-positive timeout selects 10s.
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service. http.ErrServerClosed is not an error.
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
		// the serve context is already cancelled
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string {
	return "http-server"
}
