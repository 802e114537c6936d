// Package poller runs the Share polling loop: authenticate, fetch,
// classify the outcome, persist or back off, then wait for the next cycle.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcode/glucose-scraper/internal/clock"
	"github.com/mrcode/glucose-scraper/internal/insulin"
	"github.com/mrcode/glucose-scraper/internal/logging"
	"github.com/mrcode/glucose-scraper/internal/metrics"
	"github.com/mrcode/glucose-scraper/internal/models"
	"github.com/mrcode/glucose-scraper/internal/readings"
	"github.com/mrcode/glucose-scraper/internal/session"
	"github.com/mrcode/glucose-scraper/internal/share"
)

// Fetcher retrieves the latest reading for a session token
type Fetcher interface {
	FetchLatest(ctx context.Context, token string) (models.Reading, bool, error)
}

// Session is the part of session.Manager the engine drives
type Session interface {
	EnsureSession(ctx context.Context) (string, error)
	Invalidate()
	FailureCount() int
	State() session.State
}

// Sink persists accepted readings and projections
type Sink interface {
	InsertReading(ctx context.Context, r models.Reading) error
	InsertIOBProjection(ctx context.Context, timestamp int64, p insulin.Projection) error
}

// Projector computes the insulin on board projection for the current time
type Projector interface {
	Project(ctx context.Context) (insulin.Projection, insulin.Stats, error)
}

// Observer is told about every accepted reading
type Observer func(r models.Reading)

// Config holds the loop cadence and fetch retry policy
type Config struct {
	Interval      time.Duration
	MaxFetchFails int
	FailRetryBase float64
	RetryDelay    time.Duration
	MaxReadingLag time.Duration // 0 = no staleness warning
}

// Status is a point-in-time view of the engine
type Status struct {
	LastSeen      int64     `json:"last_seen"`
	FetchFailures int       `json:"fetch_failures"`
	Cycles        int64     `json:"cycles"`
	LastCycle     time.Time `json:"last_cycle"`
	LastError     string    `json:"last_error,omitempty"`
}

// Engine is a single polling worker for one credential set
type Engine struct {
	cfg       Config
	session   Session
	fetcher   Fetcher
	sink      Sink
	buffer    *readings.Buffer
	clock     clock.Clock
	log       zerolog.Logger
	observers []Observer
	projector Projector

	mu         sync.RWMutex
	lastSeen   int64
	fetchFails int
	cycles     int64
	lastCycle  time.Time
	lastErr    string
}

// New creates an engine. sink may be nil.
func New(cfg Config, sess Session, fetcher Fetcher, sink Sink, buffer *readings.Buffer, clk clock.Clock) *Engine {
	return &Engine{
		cfg:     cfg,
		session: sess,
		fetcher: fetcher,
		sink:    sink,
		buffer:  buffer,
		clock:   clk,
		log:     logging.Component("poller"),
	}
}

// AddObserver registers fn for accepted readings. Not safe to call while running.
func (e *Engine) AddObserver(fn Observer) {
	e.observers = append(e.observers, fn)
}

// SetProjector makes every accepted reading store an IOB projection keyed by
// the reading timestamp. Not safe to call while running.
func (e *Engine) SetProjector(p Projector) {
	e.projector = p
}

// Seed sets the last seen timestamp, so a reading already stored before a
// restart is treated as stale
func (e *Engine) Seed(ts int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts > e.lastSeen {
		e.lastSeen = ts
	}
}

// Buffer returns the reading buffer
func (e *Engine) Buffer() *readings.Buffer {
	return e.buffer
}

// Status returns a snapshot of loop state
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		LastSeen:      e.lastSeen,
		FetchFailures: e.fetchFails,
		Cycles:        e.cycles,
		LastCycle:     e.lastCycle,
		LastError:     e.lastErr,
	}
}

// Run polls until ctx is cancelled or a fatal error occurs
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().Dur("interval", e.cfg.Interval).Msg("polling started")
	for {
		if _, _, err := e.cycle(ctx, false); err != nil {
			e.logExit(err)
			return err
		}
		if err := e.clock.Sleep(ctx, e.cfg.Interval); err != nil {
			e.logExit(err)
			return err
		}
	}
}

// Once polls until a single reading is obtained and returns it. The
// reading is buffered but not persisted, and the session is kept.
func (e *Engine) Once(ctx context.Context) (models.Reading, error) {
	for {
		r, ok, err := e.cycle(ctx, true)
		if err != nil {
			return models.Reading{}, err
		}
		if ok {
			return r, nil
		}
		if err := e.clock.Sleep(ctx, e.cfg.Interval); err != nil {
			return models.Reading{}, err
		}
	}
}

// cycle runs one authenticate-fetch-classify step. The returned error is
// either fatal or the context error; transient faults are handled here.
func (e *Engine) cycle(ctx context.Context, once bool) (models.Reading, bool, error) {
	e.mu.Lock()
	e.cycles++
	e.lastCycle = e.clock.Now()
	e.mu.Unlock()

	token, err := e.session.EnsureSession(ctx)
	if err != nil {
		return models.Reading{}, false, e.handleError(ctx, err)
	}

	r, ok, err := e.fetcher.FetchLatest(ctx, token)
	if err != nil {
		return models.Reading{}, false, e.handleError(ctx, err)
	}

	e.mu.Lock()
	e.fetchFails = 0
	e.lastErr = ""
	e.mu.Unlock()

	if !ok {
		e.log.Debug().Msg("share returned no readings")
		return models.Reading{}, false, nil
	}

	e.inspect(r)

	if once {
		e.addToBuffer(r)
		e.setLastSeen(r.Timestamp)
		return r, true, nil
	}

	if r.Timestamp <= e.Status().LastSeen {
		metrics.ReadingsStale.Inc()
		e.log.Debug().Int64("timestamp", r.Timestamp).Msg("reading already seen")
		return r, false, nil
	}

	e.accept(ctx, r)
	return r, true, nil
}

// accept stores a new reading and starts a fresh session for the next one
func (e *Engine) accept(ctx context.Context, r models.Reading) {
	e.addToBuffer(r)

	if e.sink != nil {
		if err := e.sink.InsertReading(ctx, r); err != nil {
			metrics.PersistenceErrors.WithLabelValues("insert_reading").Inc()
			e.log.Error().Err(err).Int64("timestamp", r.Timestamp).Msg("failed to persist reading")
		}
	}

	e.project(ctx, r.Timestamp)

	for _, fn := range e.observers {
		fn(r)
	}

	e.session.Invalidate()
	metrics.SessionInvalidations.WithLabelValues("accepted_reading").Inc()

	e.setLastSeen(r.Timestamp)
	metrics.RecordReading(r.Timestamp, r.Value)

	e.log.Info().
		Int("bg", r.Value).
		Str("trend", r.Trend.String()).
		Int64("lag", r.CaptureLag).
		Int64("timestamp", r.Timestamp).
		Msg("reading accepted")
}

// project stores the IOB projection for an accepted reading. Failures are
// logged and the loop continues.
func (e *Engine) project(ctx context.Context, ts int64) {
	if e.projector == nil {
		return
	}

	proj, stats, err := e.projector.Project(ctx)
	if err != nil {
		metrics.ProjectionErrors.Inc()
		e.log.Error().Err(err).Int64("timestamp", ts).Msg("failed to project insulin on board")
		return
	}
	e.log.Debug().Int("doses", stats.Used).Str("iob", proj.String()).Msg("insulin on board projected")

	if e.sink == nil {
		return
	}
	if err := e.sink.InsertIOBProjection(ctx, ts, proj); err != nil {
		metrics.PersistenceErrors.WithLabelValues("insert_iob").Inc()
		e.log.Error().Err(err).Int64("timestamp", ts).Msg("failed to persist IOB projection")
	}
}

// handleError classifies a login or fetch error and applies the retry policy
func (e *Engine) handleError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if models.IsFatal(err) {
		e.session.Invalidate()
		metrics.SessionInvalidations.WithLabelValues("fatal").Inc()
		return err
	}

	e.mu.Lock()
	e.lastErr = err.Error()
	e.mu.Unlock()

	if models.IsConnectionFault(err) {
		e.session.Invalidate()
		metrics.SessionInvalidations.WithLabelValues("connection_fault").Inc()
		e.log.Warn().Err(err).Dur("retry_in", e.cfg.RetryDelay).Msg("connection fault")
		return e.clock.Sleep(ctx, e.cfg.RetryDelay)
	}

	var respErr *share.ResponseError
	if errors.As(err, &respErr) {
		return e.fetchFailed(ctx, respErr)
	}

	// Anything else (request construction and the like) is not retryable
	return err
}

// fetchFailed applies the fetch-failure ceiling
func (e *Engine) fetchFailed(ctx context.Context, respErr *share.ResponseError) error {
	e.mu.Lock()
	e.fetchFails++
	fails := e.fetchFails
	e.mu.Unlock()

	switch {
	case fails > e.cfg.MaxFetchFails:
		e.session.Invalidate()
		metrics.SessionInvalidations.WithLabelValues("fetch_failures").Inc()
		e.log.Error().Int("failures", fails).Int("status", respErr.StatusCode).Msg("too many failed fetches")
		return &models.FetchError{StatusCode: respErr.StatusCode, Body: respErr.Body}

	case float64(fails) > float64(e.cfg.MaxFetchFails)/2:
		e.session.Invalidate()
		metrics.SessionInvalidations.WithLabelValues("fetch_failures").Inc()
		e.log.Warn().Int("failures", fails).Int("status", respErr.StatusCode).Msg("fetch failed, renewing session")
		return nil

	default:
		delay := session.ExpDelay(e.cfg.FailRetryBase, e.session.FailureCount(), 0)
		e.log.Warn().Int("failures", fails).Int("status", respErr.StatusCode).Dur("retry_in", delay).Msg("fetch failed")
		return e.clock.Sleep(ctx, delay)
	}
}

// inspect surfaces clock skew and old readings without altering them
func (e *Engine) inspect(r models.Reading) {
	if err := r.Validate(); err != nil {
		metrics.ClockSkew.Inc()
		e.log.Warn().Err(err).Msg("negative capture lag")
		return
	}
	if e.cfg.MaxReadingLag > 0 && time.Duration(r.CaptureLag)*time.Second > e.cfg.MaxReadingLag {
		e.log.Warn().Int64("lag", r.CaptureLag).Msg("latest reading is old")
	}
}

func (e *Engine) addToBuffer(r models.Reading) {
	if e.buffer.Add(r.Timestamp, r) {
		metrics.BufferResets.Inc()
		e.log.Debug().Int("capacity", e.buffer.Capacity()).Msg("reading buffer full, cleared")
	}
	metrics.BufferSize.Set(float64(e.buffer.Size()))
}

func (e *Engine) setLastSeen(ts int64) {
	e.mu.Lock()
	e.lastSeen = ts
	e.mu.Unlock()
}

func (e *Engine) logExit(err error) {
	if errors.Is(err, context.Canceled) {
		e.log.Info().Msg("polling stopped")
		return
	}
	e.log.Error().Err(err).Msg("polling stopped on fatal error")
}
