package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/devsync/internal/config"
	"github.com/dokzlo13/devsync/internal/db"
	"github.com/dokzlo13/devsync/internal/manager"
	"github.com/dokzlo13/devsync/internal/scheduler"
)

// SchedulerService runs daily scheduled on/off commands against the family
// managers.
type SchedulerService struct {
	cfg       *config.Config
	Scheduler *scheduler.Scheduler
}

// NewSchedulerService creates the scheduler when it is enabled. Schedules
// are read from the database on Start.
func NewSchedulerService(cfg *config.Config, database *db.DB, managers []*manager.Manager) *SchedulerService {
	if !cfg.Scheduler.Enabled {
		return &SchedulerService{cfg: cfg}
	}

	byFamily := make(map[string]*manager.Manager, len(managers))
	for _, m := range managers {
		byFamily[m.Family().Name] = m
	}
	resolve := func(family string) (scheduler.Commander, bool) {
		m, ok := byFamily[family]
		if !ok {
			return nil, false
		}
		return m, true
	}

	return &SchedulerService{
		cfg:       cfg,
		Scheduler: scheduler.New(scheduler.NewStore(database.DB), resolve, cfg.Scheduler.Timezone),
	}
}

// IsEnabled returns whether the scheduler is enabled.
func (s *SchedulerService) IsEnabled() bool {
	return s.Scheduler != nil
}

// Start reloads stored schedules and begins firing them.
func (s *SchedulerService) Start(ctx context.Context) error {
	if !s.IsEnabled() {
		log.Info().Msg("Scheduler is disabled")
		return nil
	}

	if _, err := s.Scheduler.Load(); err != nil {
		return err
	}

	go func() {
		if err := s.Scheduler.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Scheduler error")
		}
	}()
	return nil
}
