// Package telemetry writes device measurements to InfluxDB: periodic
// smart-plug energy samples and a point per state change.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/devsync/internal/device"
	"github.com/dokzlo13/devsync/internal/notify"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 100
	defaultFlushInterval  = 10 * time.Second
)

// ErrConnectionFailed is returned when the server cannot be reached at startup.
var ErrConnectionFailed = errors.New("influxdb: connection failed")

// Config contains InfluxDB settings.
type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     uint
	FlushInterval time.Duration
}

// PointWriter accepts points for asynchronous, batched delivery.
// api.WriteAPI satisfies it.
type PointWriter interface {
	WritePoint(p *write.Point)
}

// Sink owns the InfluxDB client and its non-blocking write API.
type Sink struct {
	client influxdb2.Client
	writer api.WriteAPI
}

// Connect creates the client, pings the server and starts logging async
// write errors.
func Connect(cfg Config) (*Sink, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(cfg.BatchSize).
			SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writer := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writer.Errors() {
			log.Warn().Err(err).Msg("InfluxDB write failed")
		}
	}()

	log.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("InfluxDB connected")
	return &Sink{client: client, writer: writer}, nil
}

// Writer returns the point writer.
func (s *Sink) Writer() PointWriter {
	return s.writer
}

// Close flushes pending points and closes the client.
func (s *Sink) Close() error {
	s.writer.Flush()
	s.client.Close()
	return nil
}

// EnergyPoint converts a reading into an "energy" point.
func EnergyPoint(family string, d device.Descriptor, e device.Energy) *write.Point {
	fields := map[string]interface{}{
		"power_w":   e.PowerWatts,
		"total_kwh": e.TotalKWh,
	}
	if e.VoltageV != 0 {
		fields["voltage_v"] = e.VoltageV
	}
	if e.CurrentA != 0 {
		fields["current_a"] = e.CurrentA
	}

	return write.NewPoint("energy",
		map[string]string{
			"family": family,
			"device": d.ID,
			"name":   d.DisplayName,
		},
		fields, e.MeasuredAt)
}

// StatePoint converts a state change into a "device_state" point.
// Returns nil when the state carries no numeric fields.
func StatePoint(family, id string, s device.State, at time.Time) *write.Point {
	fields := map[string]interface{}{}
	if s.Power != nil {
		fields["power"] = *s.Power
	}
	if s.Brightness != nil {
		fields["brightness"] = *s.Brightness
	}
	if s.Color != nil {
		fields["hue"] = s.Color.Hue
		fields["saturation"] = s.Color.Saturation
	}
	if len(fields) == 0 {
		return nil
	}

	return write.NewPoint("device_state",
		map[string]string{"family": family, "device": id},
		fields, at)
}

// StateHandler returns a hub subscriber that records every state change.
// Removals are not recorded.
func StateHandler(w PointWriter, family string) notify.Handler {
	return func(id string, state *device.State) {
		if state == nil {
			return
		}
		if p := StatePoint(family, id, *state, time.Now()); p != nil {
			w.WritePoint(p)
		}
	}
}
