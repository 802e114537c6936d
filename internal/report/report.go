// Package report runs the single-shot read, project and persist pipeline
// and formats its console line
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcode/glucose-scraper/internal/clock"
	"github.com/mrcode/glucose-scraper/internal/insulin"
	"github.com/mrcode/glucose-scraper/internal/logging"
	"github.com/mrcode/glucose-scraper/internal/metrics"
	"github.com/mrcode/glucose-scraper/internal/models"
	"github.com/mrcode/glucose-scraper/internal/poller"
)

// Reader obtains one fresh reading, as poller.Engine.Once does
type Reader interface {
	Once(ctx context.Context) (models.Reading, error)
}

// Config holds the projection parameters
type Config struct {
	Params              insulin.Params
	ActiveWindowMinutes float64
	DoseLookback        time.Duration // 0 = unbounded
}

// Result is the outcome of one pipeline run
type Result struct {
	Reading    models.Reading
	Projection insulin.Projection
	Stats      insulin.Stats
}

// Line formats the result as the console line
func (r Result) Line() string {
	return Line(r.Reading, r.Projection)
}

// Pipeline reads, persists and projects once per Run
type Pipeline struct {
	cfg    Config
	reader Reader
	sink   poller.Sink
	doses  insulin.DoseSource
	clock  clock.Clock
	log    zerolog.Logger
}

// New creates a pipeline. sink and doses may be nil; without a dose source
// the projection is all zeros.
func New(cfg Config, reader Reader, sink poller.Sink, doses insulin.DoseSource, clk clock.Clock) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		reader: reader,
		sink:   sink,
		doses:  doses,
		clock:  clk,
		log:    logging.Component("report"),
	}
}

// Run obtains a reading, stores it, projects IOB at the current time and
// stores the projection keyed by the reading timestamp. Persistence failures
// are logged, not returned.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	r, err := p.reader.Once(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read glucose: %w", err)
	}

	if p.sink != nil {
		if err := p.sink.InsertReading(ctx, r); err != nil {
			metrics.PersistenceErrors.WithLabelValues("insert_reading").Inc()
			p.log.Error().Err(err).Int64("timestamp", r.Timestamp).Msg("failed to persist reading")
		}
	}

	proj, stats, err := p.Project(ctx)
	if err != nil {
		return Result{Reading: r}, err
	}

	if p.sink != nil {
		if err := p.sink.InsertIOBProjection(ctx, r.Timestamp, proj); err != nil {
			metrics.PersistenceErrors.WithLabelValues("insert_iob").Inc()
			p.log.Error().Err(err).Int64("timestamp", r.Timestamp).Msg("failed to persist IOB projection")
		}
	}

	return Result{Reading: r, Projection: proj, Stats: stats}, nil
}

// Project computes the IOB projection at the current time from the dose source
func (p *Pipeline) Project(ctx context.Context) (insulin.Projection, insulin.Stats, error) {
	now := p.clock.Now()

	var doses []models.Dose
	if p.doses != nil {
		var since time.Time
		if p.cfg.DoseLookback > 0 {
			since = now.Add(-p.cfg.DoseLookback)
		}
		var err error
		doses, err = p.doses.Doses(ctx, since)
		if err != nil {
			return insulin.Projection{}, insulin.Stats{}, fmt.Errorf("load doses: %w", err)
		}
	}

	proj, stats, err := insulin.ProjectWithStats(doses, p.cfg.Params, now, p.cfg.ActiveWindowMinutes)
	if err != nil {
		return proj, stats, err
	}

	metrics.RecordProjection(proj[:], insulin.HorizonStep)
	p.log.Debug().
		Int("used", stats.Used).
		Int("expired", stats.Expired).
		Int("future", stats.Future).
		Float64("iob", proj[0]).
		Msg("IOB projected")
	return proj, stats, nil
}

// Line joins bg, trend code, capture lag, timestamp and the 19 projected
// IOB values with commas
func Line(r models.Reading, proj insulin.Projection) string {
	return fmt.Sprintf("%d,%d,%d,%d,%s", r.Value, int(r.Trend), r.CaptureLag, r.Timestamp, proj.String())
}
