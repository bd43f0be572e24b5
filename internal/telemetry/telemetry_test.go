package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/devsync/internal/device"
)

type pointRecorder struct {
	mu     sync.Mutex
	points []*write.Point
}

func (r *pointRecorder) WritePoint(p *write.Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, p)
}

type fakeSource struct {
	family  device.Family
	ready   bool
	devices []device.Descriptor
	energy  map[string]device.Energy
	errs    map[string]error
}

func (s *fakeSource) Family() device.Family        { return s.family }
func (s *fakeSource) Ready() bool                  { return s.ready }
func (s *fakeSource) Devices() []device.Descriptor { return s.devices }

func (s *fakeSource) Energy(_ context.Context, id string) (device.Energy, error) {
	if err := s.errs[id]; err != nil {
		return device.Energy{}, err
	}
	return s.energy[id], nil
}

func fieldMap(p *write.Point) map[string]interface{} {
	out := map[string]interface{}{}
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func tagMap(p *write.Point) map[string]string {
	out := map[string]string{}
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func TestSampleWritesOnePointPerPlug(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	plugs := &fakeSource{
		family: device.Family{Name: "kasa-plugs", Vendor: "kasa", Kind: device.KindSmartPlug},
		ready:  true,
		devices: []device.Descriptor{
			{ID: "p1", DisplayName: "Heater"},
			{ID: "p2", DisplayName: "Desk"},
			{ID: "p3", DisplayName: "Rebooting"},
			{ID: "p4", DisplayName: "Broken"},
		},
		energy: map[string]device.Energy{
			"p1": {PowerWatts: 1500, TotalKWh: 12.5, VoltageV: 230, MeasuredAt: at},
			"p2": {PowerWatts: 40, TotalKWh: 1.1, MeasuredAt: at},
		},
		errs: map[string]error{
			"p3": fmt.Errorf("p3: %w", device.ErrUnavailable),
			"p4": errors.New("timeout"),
		},
	}
	lights := &fakeSource{
		family:  device.Family{Name: "hue", Kind: device.KindLight},
		ready:   true,
		devices: []device.Descriptor{{ID: "1"}},
	}

	rec := &pointRecorder{}
	s := NewEnergySampler(rec, time.Hour, plugs, lights)
	assert.Equal(t, 1, s.Len())

	n := s.Sample(context.Background())
	assert.Equal(t, 2, n)
	require.Len(t, rec.points, 2)

	p := rec.points[0]
	assert.Equal(t, "energy", p.Name())
	assert.Equal(t, at, p.Time())
	assert.Equal(t, map[string]string{"family": "kasa-plugs", "device": "p1", "name": "Heater"}, tagMap(p))
	assert.Equal(t, map[string]interface{}{"power_w": 1500.0, "total_kwh": 12.5, "voltage_v": 230.0}, fieldMap(p))
}

func TestSampleSkipsNotReady(t *testing.T) {
	src := &fakeSource{
		family:  device.Family{Name: "kasa", Kind: device.KindSmartPlug},
		devices: []device.Descriptor{{ID: "p1"}},
	}
	rec := &pointRecorder{}
	s := NewEnergySampler(rec, 0, src)

	assert.Equal(t, 0, s.Sample(context.Background()))
	assert.Empty(t, rec.points)
}

func TestSamplerNonPositiveIntervalUsesDefault(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Minute} {
		s := NewEnergySampler(&pointRecorder{}, interval)
		assert.Equal(t, DefaultSampleInterval, s.interval)
	}
}

func TestStateHandler(t *testing.T) {
	rec := &pointRecorder{}
	h := StateHandler(rec, "hue")

	h("1", &device.State{Power: device.Bool(true), Brightness: device.Int(50), Color: &device.Color{Hue: 120, Saturation: 80}})
	h("1", nil)
	h("2", &device.State{Raw: map[string]any{"x": 1}})

	require.Len(t, rec.points, 1)
	p := rec.points[0]
	assert.Equal(t, "device_state", p.Name())
	assert.Equal(t, map[string]string{"family": "hue", "device": "1"}, tagMap(p))

	fields := fieldMap(p)
	assert.Equal(t, true, fields["power"])
	assert.EqualValues(t, 50, fields["brightness"])
	assert.EqualValues(t, 120, fields["hue"])
}
