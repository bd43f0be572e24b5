// Package poller provides the loop that keeps cached device state in sync with
// the backend.
package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/devsync/internal/backend"
	"github.com/dokzlo13/devsync/internal/cache"
	"github.com/dokzlo13/devsync/internal/device"
)

// DefaultInterval is the poll period when none is configured.
const DefaultInterval = 30 * time.Second

// Source lists the devices to poll.
type Source interface {
	IDs() []string
}

// Fetcher reads one device's state from the backend.
type Fetcher interface {
	DeviceState(ctx context.Context, id string) (device.State, error)
}

// Publisher receives state changes.
type Publisher interface {
	Publish(id string, state *device.State)
}

// Config contains poller settings.
type Config struct {
	Family      string
	Interval    time.Duration // 0 = DefaultInterval
	Concurrency int           // parallel fetches per tick (0 = 4)
	Timeout     time.Duration // per-device fetch timeout (0 = 10s)
	Limiter     *rate.Limiter // shared with the command path; may be nil
}

// TickResult summarizes one pass over the device list.
type TickResult struct {
	Checked int
	Changed int
	Missing int
	Failed  int
}

// Poller refetches every device on an interval and publishes the ones whose
// state differs from the cache.
type Poller struct {
	family      string
	interval    time.Duration
	concurrency int
	timeout     time.Duration
	limiter     *rate.Limiter

	source  Source
	fetcher Fetcher
	cache   *cache.StateCache
	pub     Publisher

	trigger chan struct{}
	running atomic.Bool
}

// New creates a poller. Call Run to start it.
func New(cfg Config, source Source, fetcher Fetcher, c *cache.StateCache, pub Publisher) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Poller{
		family:      cfg.Family,
		interval:    cfg.Interval,
		concurrency: cfg.Concurrency,
		timeout:     cfg.Timeout,
		limiter:     cfg.Limiter,
		source:      source,
		fetcher:     fetcher,
		cache:       c,
		pub:         pub,
		trigger:     make(chan struct{}, 1),
	}
}

// Interval returns the configured poll period.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Running reports whether Run is active.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// Trigger requests an immediate tick. Coalesces with a tick already queued.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
		// Already triggered
	}
}

// Run polls until ctx is cancelled. A tick in progress when ctx is cancelled
// is allowed to finish its fetches before Run returns.
func (p *Poller) Run(ctx context.Context) error {
	p.running.Store(true)
	defer p.running.Store(false)

	log.Info().Str("family", p.family).Dur("interval", p.interval).Msg("Poller started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("family", p.family).Msg("Poller stopping")
			return nil

		case <-p.trigger:
			p.Tick(context.WithoutCancel(ctx))

		case <-ticker.C:
			p.Tick(context.WithoutCancel(ctx))
		}
	}
}

// Tick polls every device once. Fetches run concurrently; one device's
// failure never affects the others.
func (p *Poller) Tick(ctx context.Context) TickResult {
	// Snapshot so registry refreshes during the tick don't matter
	ids := p.source.IDs()

	var changed, missing, failed atomic.Int32

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, didChange, err := p.Poll(ctx, id)
			switch {
			case errors.Is(err, backend.ErrNotFound):
				missing.Add(1)
				log.Debug().Str("family", p.family).Str("device", id).Msg("Device unavailable, skipping until next tick")
			case err != nil:
				failed.Add(1)
				log.Warn().Err(err).Str("family", p.family).Str("device", id).Msg("Failed to poll device")
			case didChange:
				changed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := TickResult{
		Checked: len(ids),
		Changed: int(changed.Load()),
		Missing: int(missing.Load()),
		Failed:  int(failed.Load()),
	}
	log.Debug().
		Str("family", p.family).
		Int("checked", res.Checked).
		Int("changed", res.Changed).
		Int("missing", res.Missing).
		Int("failed", res.Failed).
		Msg("Poll tick complete")
	return res
}

// Poll fetches one device, stores the result and publishes it if it differs
// from the cached entry (or there was none). The publish happens only after the
// cache write.
//
// A fetch that started before an Invalidate for the same device is discarded
// rather than written back.
func (p *Poller) Poll(ctx context.Context, id string) (device.State, bool, error) {
	gen := p.cache.Generation(id)

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return device.State{}, false, err
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	state, err := p.fetcher.DeviceState(fetchCtx, id)
	cancel()
	if err != nil {
		return device.State{}, false, err
	}

	switch p.cache.Update(id, state, gen) {
	case cache.Unchanged:
		return state, false, nil
	case cache.Discarded:
		log.Debug().Str("family", p.family).Str("device", id).Msg("Discarding state fetched before invalidation")
		return state, false, nil
	}

	published := state
	p.pub.Publish(id, &published)
	return state, true, nil
}
