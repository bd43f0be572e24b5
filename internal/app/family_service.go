package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/devsync/internal/backend"
	"github.com/dokzlo13/devsync/internal/config"
	"github.com/dokzlo13/devsync/internal/debounce"
	"github.com/dokzlo13/devsync/internal/manager"
)

// FamilyService owns one manager per configured device family and drives
// their discovery.
type FamilyService struct {
	cfg *config.Config

	Managers []*manager.Manager

	wg sync.WaitGroup
}

// NewFamilyService builds a backend and manager for each family. Nothing
// touches the network until Start.
func NewFamilyService(cfg *config.Config, onCommand manager.CommandFunc) (*FamilyService, error) {
	s := &FamilyService{cfg: cfg}

	for _, fc := range cfg.Families {
		b, err := newBackend(fc)
		if err != nil {
			return nil, err
		}

		s.Managers = append(s.Managers, manager.New(manager.Options{
			Family:          fc.Family(),
			Backend:         b,
			CacheTTL:        fc.CacheTTL.Duration(),
			PollInterval:    fc.PollInterval.Duration(),
			PollConcurrency: fc.PollConcurrency,
			Timeout:         fc.Timeout.Duration(),
			Delays: debounce.Delays{
				debounce.KindColor: fc.Debounce.Color.Duration(),
				debounce.KindPower: fc.Debounce.Power.Duration(),
			},
			RateLimitRPS: fc.RateLimit(),
			OnCommand:    onCommand,
		}))

		log.Info().
			Str("family", fc.Name).
			Str("vendor", fc.Vendor).
			Str("kind", string(fc.Kind)).
			Str("driver", fc.Driver).
			Msg("Configured device family")
	}

	return s, nil
}

func newBackend(fc config.FamilyConfig) (backend.Backend, error) {
	switch fc.Driver {
	case config.DriverProxy:
		return backend.NewClient(fc.BaseURL, fc.Family(), fc.ListPath, fc.Timeout.Duration()), nil
	case config.DriverHueBridge:
		return backend.NewHueBridge(fc.Bridge, fc.Token, fc.Timeout.Duration()), nil
	default:
		return nil, fmt.Errorf("family %s: unknown driver %q", fc.Name, fc.Driver)
	}
}

// Start launches every poll loop and discovers devices in the background.
// A family whose discovery fails is retried until it succeeds or ctx ends;
// the other families are not held back.
func (s *FamilyService) Start(ctx context.Context) {
	for _, m := range s.Managers {
		m.Start(ctx)

		s.wg.Add(1)
		go func(m *manager.Manager) {
			defer s.wg.Done()
			s.discover(ctx, m)
		}(m)
	}
}

func (s *FamilyService) discover(ctx context.Context, m *manager.Manager) {
	timeout := s.cfg.Startup.DiscoveryTimeout.Duration()
	retry := s.cfg.Startup.RetryInterval.Duration()

	for attempt := 1; ; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		devices, err := m.FetchDevices(fetchCtx)
		cancel()
		if err == nil {
			log.Info().
				Str("family", m.Family().Name).
				Int("devices", len(devices)).
				Int("attempt", attempt).
				Msg("Discovery complete")
			m.Refresh()
			return
		}

		log.Warn().
			Str("family", m.Family().Name).
			Int("attempt", attempt).
			Dur("retry_in", retry).
			Msg("Discovery failed, retrying")

		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

// Close stops polling and flushes pending commands of every family.
func (s *FamilyService) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()

	for _, m := range s.Managers {
		if err := m.Close(ctx); err != nil {
			log.Warn().Err(err).Str("family", m.Family().Name).Msg("Failed to close backend")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Discovery still running at shutdown")
	}
}
