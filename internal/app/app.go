// Package app assembles the device families, their persistence and the
// optional API, scheduler and sinks into one process.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/devsync/internal/config"
)

// App owns the services of one devsync process.
type App struct {
	cfg      *config.Config
	services *Services
}

// New wires every service. Nothing runs until Run.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, fmt.Errorf("create services: %w", err)
	}
	return &App{cfg: cfg, services: services}, nil
}

// ResetSnapshots drops every stored device state snapshot before Run.
func (a *App) ResetSnapshots() error {
	return a.services.ClearState()
}

// Run starts all services and blocks until ctx is cancelled, then closes
// them. A start failure closes what was already started.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.services.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start services: %w", a.close(err))
	}

	log.Info().
		Int("families", len(a.cfg.Families)).
		Bool("api", a.cfg.API.Enabled).
		Bool("scheduler", a.cfg.Scheduler.Enabled).
		Msg("devsync running")

	<-runCtx.Done()
	log.Info().Msg("Shutting down")

	cancel()
	return a.close(nil)
}

func (a *App) close(cause error) error {
	start := time.Now()
	err := a.services.Close()
	log.Info().Dur("took", time.Since(start)).Msg("Services closed")
	if cause != nil {
		return cause
	}
	return err
}
