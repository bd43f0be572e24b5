package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/devsync/internal/device"
)

// DefaultSampleInterval is how often plug energy is read.
const DefaultSampleInterval = time.Minute

// EnergySource is a smart-plug family that can report energy.
// manager.Manager satisfies it.
type EnergySource interface {
	Family() device.Family
	Ready() bool
	Devices() []device.Descriptor
	Energy(ctx context.Context, id string) (device.Energy, error)
}

// EnergySampler reads every plug of its sources on an interval and writes one
// point per reading.
type EnergySampler struct {
	sources  []EnergySource
	writer   PointWriter
	interval time.Duration
}

// NewEnergySampler creates a sampler. Sources of other kinds are ignored.
func NewEnergySampler(writer PointWriter, interval time.Duration, sources ...EnergySource) *EnergySampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}

	var plugs []EnergySource
	for _, src := range sources {
		if src.Family().Kind == device.KindSmartPlug {
			plugs = append(plugs, src)
		}
	}

	return &EnergySampler{sources: plugs, writer: writer, interval: interval}
}

// Len returns the number of plug families being sampled.
func (s *EnergySampler) Len() int {
	return len(s.sources)
}

// Run samples until ctx is cancelled.
func (s *EnergySampler) Run(ctx context.Context) error {
	log.Info().Int("families", len(s.sources)).Dur("interval", s.interval).Msg("Energy sampler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Energy sampler stopping")
			return nil
		case <-ticker.C:
			s.Sample(ctx)
		}
	}
}

// Sample reads every plug once and returns the number of points written.
// Failures are logged per device.
func (s *EnergySampler) Sample(ctx context.Context) int {
	written := 0
	for _, src := range s.sources {
		if !src.Ready() {
			continue
		}
		family := src.Family().Name

		for _, d := range src.Devices() {
			e, err := src.Energy(ctx, d.ID)
			if errors.Is(err, device.ErrUnavailable) {
				log.Debug().Str("family", family).Str("device", d.ID).Msg("Plug unavailable, skipping energy sample")
				continue
			}
			if err != nil {
				log.Warn().Err(err).Str("family", family).Str("device", d.ID).Msg("Failed to read energy")
				continue
			}

			s.writer.WritePoint(EnergyPoint(family, d, e))
			written++
		}
	}
	return written
}
