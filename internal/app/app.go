// Package app wires the configured components together
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/mrcode/glucose-scraper/internal/clock"
	"github.com/mrcode/glucose-scraper/internal/config"
	"github.com/mrcode/glucose-scraper/internal/insulin"
	"github.com/mrcode/glucose-scraper/internal/logging"
	"github.com/mrcode/glucose-scraper/internal/nightscout"
	"github.com/mrcode/glucose-scraper/internal/notifications"
	"github.com/mrcode/glucose-scraper/internal/poller"
	"github.com/mrcode/glucose-scraper/internal/readings"
	"github.com/mrcode/glucose-scraper/internal/report"
	"github.com/mrcode/glucose-scraper/internal/server"
	"github.com/mrcode/glucose-scraper/internal/session"
	"github.com/mrcode/glucose-scraper/internal/share"
	"github.com/mrcode/glucose-scraper/internal/store"
	"github.com/mrcode/glucose-scraper/internal/supervisor"
)

// historySize is how many stored readings seed the buffer on watch (2 hours)
const historySize = 24

// App holds one credential set's components
type App struct {
	cfg     config.Config
	clock   clock.Clock
	db      *store.DB
	share   *share.Client
	session *session.Manager
	buffer  *readings.Buffer
	engine  *poller.Engine
	doses   insulin.DoseSource
	ns      *nightscout.Client
	notify  *notifications.Manager
	log     zerolog.Logger
}

// Option customizes New
type Option func(*options)

type options struct {
	clock      clock.Clock
	httpClient *http.Client
	notifier   notifications.Notifier
}

// WithClock replaces the system clock
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithHTTPClient sets the HTTP client used for the Share service
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithNotifier replaces desktop notification delivery
func WithNotifier(n notifications.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// New opens the store and builds the Share client, session manager and
// polling engine for cfg
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{clock: clock.System{}}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	shareOpts := []share.Option{share.WithClock(o.clock)}
	if cfg.Share.UserAgent != "" {
		shareOpts = append(shareOpts, share.WithUserAgent(cfg.Share.UserAgent))
	}
	if o.httpClient != nil {
		shareOpts = append(shareOpts, share.WithHTTPClient(o.httpClient))
	}
	shareClient := share.NewClient(cfg.Share.BaseURL, cfg.Share.RequestTimeout, shareOpts...)

	sess := session.NewManager(shareClient, share.Credentials{
		Account:       cfg.Share.Account,
		Password:      cfg.Share.Password,
		ApplicationID: cfg.Share.ApplicationID,
	}, session.Config{
		MaxAuthFails:       cfg.Polling.MaxAuthFails,
		AuthRetryBase:      cfg.Polling.AuthRetryBase,
		AuthBackoffCeiling: cfg.Polling.AuthBackoffCeiling,
		LoginRatePerMinute: cfg.Share.LoginRatePerMinute,
	}, o.clock)

	buffer := readings.NewBuffer(cfg.Polling.BufferCapacity)
	engine := poller.New(poller.Config{
		Interval:      cfg.Polling.Interval,
		MaxFetchFails: cfg.Polling.MaxFetchFails,
		FailRetryBase: cfg.Polling.FailRetryBase,
		RetryDelay:    cfg.Polling.RetryDelay,
		MaxReadingLag: cfg.Polling.MaxReadingLag,
	}, sess, shareClient, db, buffer, o.clock)

	a := &App{
		cfg:     cfg,
		clock:   o.clock,
		db:      db,
		share:   shareClient,
		session: sess,
		buffer:  buffer,
		engine:  engine,
		log:     logging.Component("app"),
	}

	if cfg.Nightscout.Enabled {
		a.ns = nightscout.NewClient(cfg.Nightscout.URL, cfg.Nightscout.APISecret, cfg.Nightscout.APIToken, cfg.Nightscout.UseToken)
		a.doses = a.ns
	}
	engine.SetProjector(a.pipeline())

	if cfg.Alerts.Enabled {
		a.notify = notifications.NewManager(cfg.AlertSettings(), o.clock)
		if o.notifier != nil {
			a.notify.WithNotifier(o.notifier)
		}
		engine.AddObserver(a.notify.Observe)
	}

	return a, nil
}

// Close releases the store
func (a *App) Close() error {
	return a.db.Close()
}

// Engine returns the polling engine
func (a *App) Engine() *poller.Engine {
	return a.engine
}

// Watch polls under supervision until ctx is cancelled or the poller hits a
// fatal error, serving status over HTTP when server.listen is set
func (a *App) Watch(ctx context.Context) error {
	a.hydrateHistory(ctx)
	a.checkDoseSource(ctx)

	tree := supervisor.NewTree(
		slog.New(logging.NewSlogHandler(logging.Component("supervisor"))),
		supervisor.TreeConfig{ShutdownTimeout: a.cfg.Server.ShutdownTimeout},
	)

	pollerSvc := supervisor.NewPollerService("poller", a.engine)
	tree.AddWorker(pollerSvc)

	if a.cfg.Server.Listen != "" {
		deps := server.Deps{
			Poller:   a.engine,
			Session:  a.session,
			Breaker:  a.share,
			Store:    a.db,
			Settings: a.cfg.AlertSettings(),
			Clock:    a.clock,
		}
		if a.ns != nil {
			deps.Doses = a.ns
		}
		srv := server.New(deps)
		tree.AddAPIService(supervisor.NewHTTPService(srv.NewHTTPServer(a.cfg.Server.Listen), a.cfg.Server.ShutdownTimeout))
		a.log.Info().Str("listen", a.cfg.Server.Listen).Msg("status server enabled")
	}

	err := tree.Serve(ctx)
	if fatal := pollerSvc.Fatal(); fatal != nil {
		return fatal
	}
	if ctx.Err() != nil {
		return nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor stopped: %w", err)
	}
	return nil
}

// Report runs the single-shot pipeline
func (a *App) Report(ctx context.Context) (report.Result, error) {
	return a.pipeline().Run(ctx)
}

// Projection computes the IOB projection without reading glucose
func (a *App) Projection(ctx context.Context) (insulin.Projection, insulin.Stats, error) {
	return a.pipeline().Project(ctx)
}

// Recent returns the last n stored BG values, newest first
func (a *App) Recent(ctx context.Context, n int) ([]int, error) {
	return a.db.LatestValues(ctx, n)
}

// SendTestNotification sends a test notification
func (a *App) SendTestNotification() error {
	if a.notify == nil {
		return errors.New("alerts are disabled")
	}
	return a.notify.SendTestNotification()
}

func (a *App) pipeline() *report.Pipeline {
	return report.New(report.Config{
		Params:              a.cfg.PatientParams(),
		ActiveWindowMinutes: a.cfg.ActiveWindowMinutes(),
		DoseLookback:        a.cfg.DoseLookback(),
	}, a.engine, a.db, a.doses, a.clock)
}

// hydrateHistory seeds the buffer with recent stored readings so the badge
// sparkline is populated before the first poll. The newest stored reading
// becomes the engine's last seen timestamp.
func (a *App) hydrateHistory(ctx context.Context) {
	stored, err := a.db.LatestReadings(ctx, historySize)
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to hydrate reading history")
		return
	}
	if len(stored) == 0 {
		return
	}

	// Oldest first
	for i := len(stored) - 1; i >= 0; i-- {
		a.buffer.Add(stored[i].Timestamp, stored[i])
	}
	a.engine.Seed(stored[0].Timestamp)
	a.log.Debug().Int("readings", len(stored)).Int64("last_seen", stored[0].Timestamp).Msg("reading history hydrated")
}

// checkDoseSource logs whether Nightscout is reachable. Watch keeps going
// either way and projects without doses until it is.
func (a *App) checkDoseSource(ctx context.Context) {
	if a.ns == nil {
		return
	}
	status, err := a.ns.GetStatus(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("nightscout unreachable")
		return
	}
	a.log.Info().Str("site", status.Name).Str("version", status.Version).Msg("nightscout connected")
}
