package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/devsync/internal/config"
	"github.com/dokzlo13/devsync/internal/manager"
	"github.com/dokzlo13/devsync/internal/mqtt"
	"github.com/dokzlo13/devsync/internal/telemetry"
)

// SinkService fans state changes out to MQTT and InfluxDB and samples
// smart-plug energy. Both sinks are optional.
type SinkService struct {
	cfg *config.Config

	MQTT    *mqtt.Publisher
	Influx  *telemetry.Sink
	Sampler *telemetry.EnergySampler
}

// NewSinkService connects the enabled sinks.
func NewSinkService(cfg *config.Config) (*SinkService, error) {
	s := &SinkService{cfg: cfg}

	if cfg.MQTT.Enabled {
		pub, err := mqtt.Connect(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Prefix:   cfg.MQTT.Prefix,
			QoS:      byte(cfg.MQTT.QoS),
		})
		if err != nil {
			return nil, err
		}
		s.MQTT = pub
	}

	if cfg.InfluxDB.Enabled {
		sink, err := telemetry.Connect(telemetry.Config{
			URL:           cfg.InfluxDB.URL,
			Token:         cfg.InfluxDB.Token,
			Org:           cfg.InfluxDB.Org,
			Bucket:        cfg.InfluxDB.Bucket,
			BatchSize:     uint(cfg.InfluxDB.BatchSize),
			FlushInterval: cfg.InfluxDB.FlushInterval.Duration(),
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Influx = sink
	}

	return s, nil
}

// Attach subscribes the enabled sinks to every manager and prepares the
// energy sampler.
func (s *SinkService) Attach(managers []*manager.Manager) {
	sources := make([]telemetry.EnergySource, 0, len(managers))
	for _, m := range managers {
		name := m.Family().Name
		if s.MQTT != nil {
			m.OnStateChange(s.MQTT.Handler(name))
		}
		if s.Influx != nil {
			m.OnStateChange(telemetry.StateHandler(s.Influx.Writer(), name))
		}
		sources = append(sources, m)
	}

	if s.Influx != nil {
		s.Sampler = telemetry.NewEnergySampler(s.Influx.Writer(), s.cfg.InfluxDB.SampleInterval.Duration(), sources...)
	}
}

// Start runs the energy sampler if there is anything to sample.
func (s *SinkService) Start(ctx context.Context) {
	if s.Sampler == nil || s.Sampler.Len() == 0 {
		return
	}
	go func() {
		if err := s.Sampler.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Energy sampler error")
		}
	}()
}

// Close disconnects the sinks.
func (s *SinkService) Close() {
	if s.MQTT != nil {
		if err := s.MQTT.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close MQTT publisher")
		}
	}
	if s.Influx != nil {
		if err := s.Influx.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close InfluxDB client")
		}
	}
}
