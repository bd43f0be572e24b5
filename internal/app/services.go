package app

import (
	"context"
	"fmt"

	"github.com/dokzlo13/devsync/internal/config"
	"github.com/dokzlo13/devsync/internal/db"
	"github.com/dokzlo13/devsync/internal/ledger"
	"github.com/dokzlo13/devsync/internal/storage"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB *db.DB

	// High-level services
	History   *HistoryService
	Families  *FamilyService
	Scheduler *SchedulerService
	Sinks     *SinkService
	API       *APIService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	// Command ledger and state snapshots share the database
	s.History = NewHistoryService(cfg, ledger.New(database.DB), storage.NewStore(database.DB))

	// One manager per family; every command outcome lands in the ledger
	s.Families, err = NewFamilyService(cfg, s.History.RecordCommand)
	if err != nil {
		s.Close()
		return nil, err
	}

	// Daily on/off commands issued through the managers
	s.Scheduler = NewSchedulerService(cfg, database, s.Families.Managers)

	// Optional MQTT and InfluxDB fan-out
	s.Sinks, err = NewSinkService(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	for _, m := range s.Families.Managers {
		m.OnStateChange(s.History.SnapshotHandler(m.Family().Name))
	}
	s.Sinks.Attach(s.Families.Managers)

	// API subscribes its websocket hub to every manager
	s.API = NewAPIService(cfg, s.Families.Managers, s.History, s.Scheduler)

	return s, nil
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context) error {
	s.History.Start(ctx)
	s.API.Start(ctx)
	s.Families.Start(ctx)
	if err := s.Scheduler.Start(ctx); err != nil {
		return err
	}
	s.Sinks.Start(ctx)
	return nil
}

// ClearState clears all stored state snapshots.
func (s *Services) ClearState() error {
	return s.History.Snapshots.Clear("")
}

// Close releases all resources. Families close before the database so
// flushed commands still reach the ledger.
func (s *Services) Close() error {
	if s.API != nil && s.API.Server != nil {
		s.API.Server.Shutdown()
	}
	if s.Families != nil {
		s.Families.Close()
	}
	if s.Sinks != nil {
		s.Sinks.Close()
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			return fmt.Errorf("close database: %w", err)
		}
	}
	return nil
}
