package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"

	"github.com/mrcode/glucose-scraper/internal/models"
)

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPollerService_Fatal(t *testing.T) {
	fatal := &models.AuthenticationError{StatusCode: 500, Body: "bad credentials"}
	svc := NewPollerService("", runnerFunc(func(context.Context) error { return fatal }))

	err := svc.Serve(context.Background())
	assert.ErrorIs(t, err, suture.ErrTerminateSupervisorTree)
	assert.Equal(t, fatal, svc.Fatal())
	assert.Equal(t, "poller", svc.String())
}

func TestPollerService_Transient(t *testing.T) {
	boom := errors.New("unexpected")
	svc := NewPollerService("poller-a", runnerFunc(func(context.Context) error { return boom }))

	err := svc.Serve(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, svc.Fatal())
}

func TestPollerService_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := NewPollerService("", runnerFunc(func(ctx context.Context) error { return ctx.Err() }))

	assert.ErrorIs(t, svc.Serve(ctx), context.Canceled)
}

func TestTree_FatalPollerTerminates(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})

	svc := NewPollerService("", runnerFunc(func(context.Context) error {
		return &models.FetchError{StatusCode: 500, Body: "gone"}
	}))
	tree.AddWorker(svc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- tree.Serve(ctx) }()

	select {
	case <-done:
	case <-time.After(4 * time.Second):
		t.Fatal("tree did not terminate after fatal poller error")
	}

	var fetchErr *models.FetchError
	require.ErrorAs(t, svc.Fatal(), &fetchErr)
	assert.Equal(t, 500, fetchErr.StatusCode)
}

func TestTree_RestartsTransientFailures(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{FailureThreshold: 100, FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})

	var starts atomic.Int32
	tree.AddWorker(NewPollerService("", runnerFunc(func(ctx context.Context) error {
		if starts.Add(1) < 3 {
			return errors.New("flaky")
		}
		<-ctx.Done()
		return ctx.Err()
	})))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = tree.Serve(ctx)

	assert.GreaterOrEqual(t, starts.Load(), int32(3))
}

func TestNewTree_Defaults(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{})
	assert.Equal(t, DefaultTreeConfig(), tree.config)
}

type mockHTTPServer struct {
	listenErr error
	stopCh    chan struct{}
	shutdowns atomic.Int32
}

func (m *mockHTTPServer) ListenAndServe() error {
	if m.listenErr != nil {
		return m.listenErr
	}
	<-m.stopCh
	return http.ErrServerClosed
}

func (m *mockHTTPServer) Shutdown(context.Context) error {
	m.shutdowns.Add(1)
	close(m.stopCh)
	return nil
}

func TestHTTPService_GracefulShutdown(t *testing.T) {
	srv := &mockHTTPServer{stopCh: make(chan struct{})}
	svc := NewHTTPService(srv, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, int32(1), srv.shutdowns.Load())
	assert.Equal(t, "http-server", svc.String())
}

func TestHTTPService_ListenError(t *testing.T) {
	srv := &mockHTTPServer{listenErr: errors.New("address in use"), stopCh: make(chan struct{})}
	svc := NewHTTPService(srv, time.Second)

	err := svc.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
}
