// Package session keeps an authenticated Dexcom Share session alive
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mrcode/glucose-scraper/internal/clock"
	"github.com/mrcode/glucose-scraper/internal/logging"
	"github.com/mrcode/glucose-scraper/internal/models"
	"github.com/mrcode/glucose-scraper/internal/share"
)

// State is the session lifecycle state
type State int

// Session states
const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Authenticator performs a single login attempt
type Authenticator interface {
	Login(ctx context.Context, creds share.Credentials) (string, error)
}

// Config holds the login retry policy
type Config struct {
	MaxAuthFails       int
	AuthRetryBase      float64
	AuthBackoffCeiling time.Duration // 0 = uncapped
	LoginRatePerMinute float64       // 0 = unlimited
}

// Manager owns the session token for one credential set
type Manager struct {
	auth    Authenticator
	creds   share.Credentials
	cfg     Config
	clock   clock.Clock
	limiter *rate.Limiter
	log     zerolog.Logger

	mu       sync.RWMutex
	state    State
	token    string
	failures int
}

// NewManager creates a manager in the Unauthenticated state
func NewManager(auth Authenticator, creds share.Credentials, cfg Config, clk clock.Clock) *Manager {
	m := &Manager{
		auth:  auth,
		creds: creds,
		cfg:   cfg,
		clock: clk,
		log:   logging.Component("session").With().Str("account", creds.Account).Logger(),
	}
	if cfg.LoginRatePerMinute > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.LoginRatePerMinute/60), 1)
	}
	return m
}

// EnsureSession returns a valid token, logging in if needed.
//
// Rejected logins are retried after BackoffDelay(n) where n is the number
// of consecutive rejections so far. Once n exceeds MaxAuthFails the
// rejection is returned as a fatal *models.AuthenticationError. Transport
// faults return *models.ConnectionFault without counting as a rejection.
func (m *Manager) EnsureSession(ctx context.Context) (string, error) {
	if token, ok := m.current(); ok {
		return token, nil
	}

	for {
		if err := m.waitLimiter(ctx); err != nil {
			m.setState(Unauthenticated)
			return "", err
		}

		m.setState(Authenticating)
		token, err := m.auth.Login(ctx, m.creds)
		if err == nil {
			m.mu.Lock()
			m.token = token
			m.failures = 0
			m.state = Authenticated
			m.mu.Unlock()
			m.log.Info().Msg("share session established")
			return token, nil
		}

		var authErr *models.AuthenticationError
		if !errors.As(err, &authErr) {
			m.setState(Unauthenticated)
			if models.IsConnectionFault(err) {
				m.log.Warn().Err(err).Msg("share login connection fault")
			}
			return "", err
		}

		failures := m.FailureCount()
		if failures > m.cfg.MaxAuthFails {
			m.setState(Unauthenticated)
			m.log.Error().Int("failures", failures).Int("status", authErr.StatusCode).Msg("share login failed too many times")
			return "", authErr
		}

		delay := m.BackoffDelay(failures)
		m.log.Warn().Int("failures", failures).Int("status", authErr.StatusCode).Dur("retry_in", delay).Msg("share login rejected")
		if err := m.clock.Sleep(ctx, delay); err != nil {
			m.setState(Unauthenticated)
			return "", err
		}

		m.mu.Lock()
		m.failures++
		m.mu.Unlock()
	}
}

// Invalidate drops the token so the next EnsureSession logs in again
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.state = Unauthenticated
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// FailureCount returns the number of consecutive rejected logins
func (m *Manager) FailureCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failures
}

// BackoffDelay returns AuthRetryBase^n seconds, capped at AuthBackoffCeiling
func (m *Manager) BackoffDelay(n int) time.Duration {
	return ExpDelay(m.cfg.AuthRetryBase, n, m.cfg.AuthBackoffCeiling)
}

// ExpDelay returns base^n seconds, capped at ceiling when ceiling > 0
func ExpDelay(base float64, n int, ceiling time.Duration) time.Duration {
	secs := math.Pow(base, float64(n))
	limit := time.Duration(math.MaxInt64)
	if ceiling > 0 {
		limit = ceiling
	}
	if math.IsNaN(secs) || secs >= limit.Seconds() {
		return limit
	}
	return time.Duration(secs * float64(time.Second))
}

func (m *Manager) current() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, m.state == Authenticated && m.token != ""
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// waitLimiter delays the login attempt through the clock when a login
// rate limit is configured
func (m *Manager) waitLimiter(ctx context.Context) error {
	if m.limiter == nil {
		return nil
	}
	now := m.clock.Now()
	r := m.limiter.ReserveN(now, 1)
	if !r.OK() {
		return errors.New("login rate limit cannot be satisfied")
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	m.log.Debug().Dur("delay", delay).Msg("login rate limited")
	return m.clock.Sleep(ctx, delay)
}
