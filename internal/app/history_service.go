package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/devsync/internal/config"
	"github.com/dokzlo13/devsync/internal/debounce"
	"github.com/dokzlo13/devsync/internal/device"
	"github.com/dokzlo13/devsync/internal/ledger"
	"github.com/dokzlo13/devsync/internal/notify"
	"github.com/dokzlo13/devsync/internal/storage"
)

// HistoryService records command outcomes in the ledger and the latest state
// of every device in the snapshot store.
type HistoryService struct {
	cfg       *config.Config
	Ledger    *ledger.Ledger
	Snapshots *storage.Store
}

// NewHistoryService creates a new HistoryService.
func NewHistoryService(cfg *config.Config, l *ledger.Ledger, store *storage.Store) *HistoryService {
	return &HistoryService{
		cfg:       cfg,
		Ledger:    l,
		Snapshots: store,
	}
}

// RecordCommand is a manager.CommandFunc writing each outcome to the ledger.
func (s *HistoryService) RecordCommand(family string, cmd debounce.Command, err error) {
	if recErr := s.Ledger.Record(family, cmd, err); recErr != nil {
		log.Error().
			Err(recErr).
			Str("family", family).
			Str("device", cmd.DeviceID).
			Str("command", cmd.ID).
			Msg("Failed to record command")
	}
}

// SnapshotHandler returns a subscriber persisting state changes of family.
func (s *HistoryService) SnapshotHandler(family string) notify.Handler {
	return func(id string, state *device.State) {
		if err := s.Snapshots.Save(family, id, state); err != nil {
			log.Error().Err(err).Str("family", family).Str("device", id).Msg("Failed to save state snapshot")
		}
	}
}

// Start begins the ledger retention loop.
func (s *HistoryService) Start(ctx context.Context) {
	go s.runLedgerCleanup(ctx)
}

// runLedgerCleanup periodically cleans up old ledger entries.
func (s *HistoryService) runLedgerCleanup(ctx context.Context) {
	retention := time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour
	interval := s.cfg.Ledger.CleanupInterval.Duration()
	if interval <= 0 || retention <= 0 {
		log.Info().Dur("interval", interval).Dur("retention", retention).Msg("Ledger cleanup disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.Ledger.DeleteOlderThan(retention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
			} else if deleted > 0 {
				log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
			}
		}
	}
}
