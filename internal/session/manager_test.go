package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/glucose-scraper/internal/clock"
	"github.com/mrcode/glucose-scraper/internal/models"
	"github.com/mrcode/glucose-scraper/internal/share"
)

// scriptedAuth replays a fixed list of login results; the last one repeats
type scriptedAuth struct {
	mu      sync.Mutex
	results []loginResult
	calls   int
}

type loginResult struct {
	token string
	err   error
}

func (a *scriptedAuth) Login(_ context.Context, _ share.Credentials) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	if i >= len(a.results) {
		i = len(a.results) - 1
	}
	a.calls++
	return a.results[i].token, a.results[i].err
}

func rejected() loginResult {
	return loginResult{err: &models.AuthenticationError{StatusCode: 500, Body: "AccountPasswordInvalid"}}
}

var testStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(auth Authenticator, cfg Config) (*Manager, *clock.Fake) {
	clk := clock.NewFake(testStart)
	return NewManager(auth, share.Credentials{Account: "alice"}, cfg, clk), clk
}

func TestEnsureSessionSuccess(t *testing.T) {
	auth := &scriptedAuth{results: []loginResult{{token: "tok-1"}}}
	m, clk := newTestManager(auth, Config{MaxAuthFails: 3, AuthRetryBase: 2})

	assert.Equal(t, Unauthenticated, m.State())

	token, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, Authenticated, m.State())

	// Cached token, no second login
	token, err = m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, 1, auth.calls)
	assert.Empty(t, clk.Sleeps())
}

func TestEnsureSessionBackoffSequence(t *testing.T) {
	auth := &scriptedAuth{results: []loginResult{rejected()}}
	m, clk := newTestManager(auth, Config{MaxAuthFails: 4, AuthRetryBase: 2, AuthBackoffCeiling: 5 * time.Minute})

	_, err := m.EnsureSession(context.Background())

	var authErr *models.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 500, authErr.StatusCode)
	assert.True(t, models.IsFatal(err))

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}, clk.Sleeps())
	assert.Equal(t, 6, auth.calls)
	assert.Equal(t, Unauthenticated, m.State())
}

func TestEnsureSessionRecoversAndResets(t *testing.T) {
	auth := &scriptedAuth{results: []loginResult{rejected(), rejected(), {token: "tok-2"}}}
	m, clk := newTestManager(auth, Config{MaxAuthFails: 5, AuthRetryBase: 2})

	token, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)
	assert.Equal(t, 0, m.FailureCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clk.Sleeps())
}

func TestEnsureSessionConnectionFault(t *testing.T) {
	fault := &models.ConnectionFault{Op: "login", Err: errors.New("dial tcp: refused")}
	auth := &scriptedAuth{results: []loginResult{rejected(), {err: fault}}}
	m, _ := newTestManager(auth, Config{MaxAuthFails: 5, AuthRetryBase: 2})

	_, err := m.EnsureSession(context.Background())
	assert.True(t, models.IsConnectionFault(err))
	assert.False(t, models.IsFatal(err))
	assert.Equal(t, Unauthenticated, m.State())
	// The earlier rejection is still counted; the fault is not
	assert.Equal(t, 1, m.FailureCount())
}

func TestInvalidate(t *testing.T) {
	auth := &scriptedAuth{results: []loginResult{{token: "a"}, {token: "b"}}}
	m, _ := newTestManager(auth, Config{MaxAuthFails: 1, AuthRetryBase: 2})

	token, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", token)

	m.Invalidate()
	assert.Equal(t, Unauthenticated, m.State())

	token, err = m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", token)
	assert.Equal(t, 2, auth.calls)
}

func TestEnsureSessionCancelledDuringBackoff(t *testing.T) {
	auth := &scriptedAuth{results: []loginResult{rejected()}}
	m, clk := newTestManager(auth, Config{MaxAuthFails: 10, AuthRetryBase: 2})

	ctx, cancel := context.WithCancel(context.Background())
	clk.OnSleep = func(time.Duration) {
		if len(clk.Sleeps()) == 2 {
			cancel()
		}
	}

	_, err := m.EnsureSession(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Unauthenticated, m.State())
}

func TestBackoffDelayCeiling(t *testing.T) {
	m, _ := newTestManager(&scriptedAuth{}, Config{AuthRetryBase: 2, AuthBackoffCeiling: 5 * time.Second})

	assert.Equal(t, time.Second, m.BackoffDelay(0))
	assert.Equal(t, 4*time.Second, m.BackoffDelay(2))
	assert.Equal(t, 5*time.Second, m.BackoffDelay(3))
	assert.Equal(t, 5*time.Second, m.BackoffDelay(400))
}

func TestExpDelayUncapped(t *testing.T) {
	assert.Equal(t, 1024*time.Second, ExpDelay(2, 10, 0))
	assert.Equal(t, time.Duration(1<<63-1), ExpDelay(2, 2000, 0))
}

func TestLoginRateLimit(t *testing.T) {
	auth := &scriptedAuth{results: []loginResult{{token: "a"}, {token: "b"}}}
	m, clk := newTestManager(auth, Config{MaxAuthFails: 1, AuthRetryBase: 2, LoginRatePerMinute: 2})

	_, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Empty(t, clk.Sleeps())

	m.Invalidate()
	_, err = m.EnsureSession(context.Background())
	require.NoError(t, err)

	require.Len(t, clk.Sleeps(), 1)
	assert.InDelta(t, float64(30*time.Second), float64(clk.Sleeps()[0]), float64(time.Millisecond))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "authenticated", Authenticated.String())
	assert.Equal(t, "State(9)", State(9).String())
}
