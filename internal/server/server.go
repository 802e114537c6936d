// Package server exposes the poller state over HTTP
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mrcode/glucose-scraper/internal/badge"
	"github.com/mrcode/glucose-scraper/internal/clock"
	"github.com/mrcode/glucose-scraper/internal/logging"
	"github.com/mrcode/glucose-scraper/internal/models"
	"github.com/mrcode/glucose-scraper/internal/poller"
	"github.com/mrcode/glucose-scraper/internal/readings"
	"github.com/mrcode/glucose-scraper/internal/session"
)

// badgeHistory is how many buffered readings the badge sparkline shows (2 hours)
const badgeHistory = 24

// Poller is the engine view the server reads from
type Poller interface {
	Status() poller.Status
	Buffer() *readings.Buffer
}

// SessionState reports the session lifecycle state
type SessionState interface {
	State() session.State
}

// BreakerState reports the Share transport breaker state
type BreakerState interface {
	BreakerState() string
}

// Pinger checks a backing store
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the handlers read. Breaker, Store and Doses may be nil.
type Deps struct {
	Poller   Poller
	Session  SessionState
	Breaker  BreakerState
	Store    Pinger
	Doses    Pinger // Nightscout dose source
	Settings models.AlertSettings
	Clock    clock.Clock
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Session  string          `json:"session"`
	Breaker  string          `json:"breaker,omitempty"`
	Poller   poller.Status   `json:"poller"`
	Buffer   BufferStatus    `json:"buffer"`
	Latest   *models.Reading `json:"latest"`
	Arrow    string          `json:"arrow,omitempty"`
	Glucose  string          `json:"glucose_status,omitempty"`
	Checked  time.Time       `json:"checked"`
	AgeSecs  *int64          `json:"age_seconds,omitempty"`
	Database string          `json:"database,omitempty"`
	Doses    string          `json:"dose_source,omitempty"`
}

// BufferStatus describes the reading buffer
type BufferStatus struct {
	Size     int `json:"size"`
	Capacity int `json:"capacity"`
}

// Server holds the HTTP handlers
type Server struct {
	deps Deps
	log  zerolog.Logger
}

// New creates the server
func New(deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	return &Server{deps: deps, log: logging.Component("server")}
}

// Handler builds the chi router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Get("/status", s.status)
	r.Get("/badge.png", s.badge)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// NewHTTPServer wraps the handler in an http.Server listening on addr
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("database ping failed")
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	now := s.deps.Clock.Now()
	buf := s.deps.Poller.Buffer()

	resp := StatusResponse{
		Session: s.deps.Session.State().String(),
		Poller:  s.deps.Poller.Status(),
		Buffer:  BufferStatus{Size: buf.Size(), Capacity: buf.Capacity()},
		Checked: now,
	}
	if s.deps.Breaker != nil {
		resp.Breaker = s.deps.Breaker.BreakerState()
	}
	if s.deps.Store != nil {
		resp.Database = "ok"
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			resp.Database = err.Error()
		}
	}
	if s.deps.Doses != nil {
		resp.Doses = "ok"
		if err := s.deps.Doses.Ping(r.Context()); err != nil {
			resp.Doses = err.Error()
		}
	}
	if latest, ok := buf.Latest(); ok {
		age := now.Unix() - latest.Timestamp
		resp.Latest = &latest
		resp.Arrow = latest.TrendArrow()
		resp.Glucose = s.deps.Settings.GetGlucoseStatus(latest.Value)
		resp.AgeSecs = &age
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) badge(w http.ResponseWriter, _ *http.Request) {
	buf := s.deps.Poller.Buffer()
	in := badge.Input{
		Now:      s.deps.Clock.Now(),
		Settings: s.deps.Settings,
	}
	if latest, ok := buf.Latest(); ok {
		in.Reading = &latest
		history := buf.Ordered()
		if len(history) > badgeHistory {
			history = history[len(history)-badgeHistory:]
		}
		in.History = history
	}

	data, err := badge.Render(in)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to render badge")
		http.Error(w, "failed to render badge", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(data); err != nil {
		s.log.Debug().Err(err).Msg("failed to write badge")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.log.Debug().Err(err).Msg("failed to write JSON response")
	}
}
