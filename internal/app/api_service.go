package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/devsync/internal/api"
	"github.com/dokzlo13/devsync/internal/config"
	"github.com/dokzlo13/devsync/internal/manager"
)

// APIService serves the REST and websocket API, health checks included.
type APIService struct {
	cfg    *config.Config
	Server *api.Server
}

// NewAPIService creates the API server over managers. history and
// schedules may be nil.
func NewAPIService(cfg *config.Config, managers []*manager.Manager, history *HistoryService, schedules *SchedulerService) *APIService {
	if !cfg.API.Enabled {
		return &APIService{cfg: cfg}
	}

	deps := api.Deps{Managers: managers}
	if history != nil {
		deps.History = history.Ledger
		deps.Snapshots = history.Snapshots
	}
	if schedules != nil && schedules.IsEnabled() {
		deps.Schedules = schedules.Scheduler
	}

	return &APIService{
		cfg:    cfg,
		Server: api.New(cfg.API.Addr(), cfg.ShutdownTimeout.Duration(), deps),
	}
}

// Start begins serving if the API is enabled.
func (s *APIService) Start(ctx context.Context) {
	if s.Server == nil {
		log.Info().Msg("API server is disabled")
		return
	}
	s.Server.Start(ctx)
}
