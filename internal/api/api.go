// Package api exposes the Pollexy HTTP API.
//
// It covers message scheduling and outcomes, people and locations (reference data),
// motion updates, spoken replies heard at a location and location resets.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/Pollexy/internal/availability"
	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/BTreeMap/Pollexy/internal/scheduler"
	"github.com/BTreeMap/Pollexy/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// DefaultServerAddress is the default address the API listens on
	DefaultServerAddress = ":8080"
	// DefaultRequestTimeout bounds each request
	DefaultRequestTimeout = 30 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 10 * time.Second
)

// Scheduler is the part of the scheduling engine the API drives.
type Scheduler interface {
	Now() time.Time
	Schedule(ctx context.Context, req models.ScheduleRequest) (models.ScheduleResult, error)
	GetMessage(ctx context.Context, id string) (*models.ScheduledMessage, error)
	ListMessages(ctx context.Context, personName string, includeExhausted bool) ([]*models.ScheduledMessage, error)
	OnDeliveryOutcome(ctx context.Context, messageID string, occurrence time.Time, outcome models.DeliveryOutcome, reason string) (scheduler.OutcomeResult, error)
	RunCycle(ctx context.Context, now time.Time) (scheduler.CycleReport, error)
	ResetLocation(ctx context.Context, location string) (int, error)
}

var _ Scheduler = (*scheduler.Engine)(nil)

// ReplySink receives replies heard at a location.
type ReplySink interface {
	SubmitAtLocation(location, text string) int
}

// Hooks are notified after reference data changes. Any of them may be nil.
type Hooks struct {
	LocationUpserted func(l *models.Location)
	LocationDeleted  func(name string)
	PeopleChanged    func(ctx context.Context)
}

// Config wires the server's collaborators.
type Config struct {
	Scheduler Scheduler
	People    store.PersonStore
	Locations store.LocationStore
	Resolver  *availability.Resolver
	Replies   ReplySink
	Hooks     Hooks
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string // HTTP server address
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP server address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// Server holds the API dependencies.
type Server struct {
	sched     Scheduler
	people    store.PersonStore
	locations store.LocationStore
	resolver  *availability.Resolver
	replies   ReplySink
	hooks     Hooks
	addr      string
	router    chi.Router
}

// NewServer builds the router.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	switch {
	case cfg.Scheduler == nil:
		return nil, errors.New("api: scheduler is required")
	case cfg.People == nil || cfg.Locations == nil:
		return nil, errors.New("api: people and locations stores are required")
	case cfg.Resolver == nil:
		return nil, errors.New("api: availability resolver is required")
	}
	apiCfg := Opts{Addr: DefaultServerAddress}
	for _, opt := range opts {
		opt(&apiCfg)
	}
	s := &Server{
		sched:     cfg.Scheduler,
		people:    cfg.People,
		locations: cfg.Locations,
		resolver:  cfg.Resolver,
		replies:   cfg.Replies,
		hooks:     cfg.Hooks,
		addr:      apiCfg.Addr,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(DefaultRequestTimeout))

	r.Get("/health", s.healthHandler)
	r.Post("/cycle", s.cycleHandler)

	r.Route("/messages", func(r chi.Router) {
		r.Post("/", s.scheduleHandler)
		r.Get("/", s.listMessagesHandler)
		r.Get("/{id}", s.getMessageHandler)
		r.Post("/{id}/outcome", s.outcomeHandler)
	})
	r.Route("/people", func(r chi.Router) {
		r.Get("/", s.listPeopleHandler)
		r.Get("/{name}", s.getPersonHandler)
		r.Put("/{name}", s.upsertPersonHandler)
		r.Delete("/{name}", s.deletePersonHandler)
		r.Get("/{name}/availability", s.availabilityHandler)
	})
	r.Route("/locations", func(r chi.Router) {
		r.Get("/", s.listLocationsHandler)
		r.Get("/{name}", s.getLocationHandler)
		r.Put("/{name}", s.upsertLocationHandler)
		r.Delete("/{name}", s.deleteLocationHandler)
		r.Put("/{name}/motion", s.motionHandler)
		r.Post("/{name}/responses", s.responseHandler)
		r.Post("/{name}/reset", s.resetHandler)
	})
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down API")
	return srv.Shutdown(shutdownCtx)
}
