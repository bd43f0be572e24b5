// Package api exposes the device managers to UI clients: a REST surface for
// reads and commands, a websocket stream of state changes, and health checks.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/devsync/internal/ledger"
	"github.com/dokzlo13/devsync/internal/manager"
	"github.com/dokzlo13/devsync/internal/scheduler"
	"github.com/dokzlo13/devsync/internal/storage"
)

// CommandHistory lists recent commands. *ledger.Ledger satisfies it.
type CommandHistory interface {
	Recent(limit int) ([]*ledger.Entry, error)
	ForDevice(family, deviceID string, limit int) ([]*ledger.Entry, error)
}

// SnapshotReader lists stored device state. *storage.Store satisfies it.
type SnapshotReader interface {
	All(family string) ([]*storage.Snapshot, error)
}

// Schedules manages daily scheduled commands. *scheduler.Scheduler
// satisfies it.
type Schedules interface {
	List() []scheduler.Schedule
	Put(sched scheduler.Schedule) (scheduler.Schedule, error)
	Cancel(id string) error
}

// Deps are the collaborators the server reads from. History, Snapshots and
// Schedules may be nil; their routes then answer 404.
type Deps struct {
	Managers  []*manager.Manager
	History   CommandHistory
	Snapshots SnapshotReader
	Schedules Schedules
}

// Server is the HTTP API.
type Server struct {
	addr            string
	shutdownTimeout time.Duration

	managers  map[string]*manager.Manager
	order     []string
	history   CommandHistory
	snapshots SnapshotReader
	schedules Schedules
	hub       *WSHub

	unsubscribe []func()
	server      *http.Server
}

// New creates the server and subscribes its websocket hub to every manager.
func New(addr string, shutdownTimeout time.Duration, deps Deps) *Server {
	s := &Server{
		addr:            addr,
		shutdownTimeout: shutdownTimeout,
		managers:        make(map[string]*manager.Manager, len(deps.Managers)),
		history:         deps.History,
		snapshots:       deps.Snapshots,
		schedules:       deps.Schedules,
		hub:             NewWSHub(),
	}

	for _, m := range deps.Managers {
		name := m.Family().Name
		s.managers[name] = m
		s.order = append(s.order, name)
		s.unsubscribe = append(s.unsubscribe, m.OnStateChange(s.hub.StateHandler(name)))
	}
	return s
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(loggingMiddleware)
	r.Use(recoveryMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/families", s.handleListFamilies)
		r.Get("/commands", s.handleListCommands)

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Put("/{id}", s.handlePutSchedule)
			r.Delete("/{id}", s.handleDeleteSchedule)
		})

		r.Route("/{family}", func(r chi.Router) {
			r.Use(s.familyMiddleware)

			r.Get("/snapshots", s.handleListSnapshots)
			r.Post("/refresh", s.handleRefreshFamily)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Get("/state", s.handleGetState)
					r.Post("/on", s.handleTurnOn)
					r.Post("/off", s.handleTurnOff)
					r.Post("/color", s.handleSetColor)
					r.Post("/refresh", s.handleRefreshDevice)
					r.Get("/energy", s.handleGetEnergy)
					r.Delete("/energy", s.handleInvalidateEnergy)
					r.Get("/commands", s.handleDeviceCommands)
				})
			})
		})
	})

	return r
}

// Start serves in the background until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("API server error")
		}
	}()
}

// Shutdown stops accepting requests, disconnects websocket clients and
// unsubscribes from the managers.
func (s *Server) Shutdown() {
	for _, unsub := range s.unsubscribe {
		unsub()
	}
	s.hub.CloseAll()

	if s.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API server shutdown error")
	}
}

// loggingMiddleware logs each request with method, path, status and duration.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// recoveryMiddleware turns handler panics into 500 responses.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("request_id", middleware.GetReqID(r.Context())).
					Msg("Panic recovered in HTTP handler")
				writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
