package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/devsync/internal/device"
)

const bridgeKey = "testkey"

// recordingBridge serves canned light JSON and remembers state writes.
type recordingBridge struct {
	mu     sync.Mutex
	writes []map[string]any
}

func (b *recordingBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/"+bridgeKey+"/lights/":
		w.Write([]byte(`{
			"1": {"name": "Desk", "type": "Extended color light", "modelid": "LCT015",
			      "state": {"on": true, "bri": 254, "hue": 43690, "sat": 254, "colormode": "hs", "reachable": true}},
			"2": {"name": "Hall", "type": "Color temperature light",
			      "state": {"on": false, "bri": 127, "ct": 366, "colormode": "ct", "reachable": true}},
			"3": {"name": "Kettle", "type": "On/Off plug-in unit",
			      "state": {"on": true, "reachable": true}}
		}`))
	case r.Method == http.MethodGet && r.URL.Path == "/api/"+bridgeKey+"/lights/1":
		w.Write([]byte(`{"name": "Desk", "type": "Extended color light",
			"state": {"on": true, "bri": 254, "hue": 65535, "sat": 127, "colormode": "hs", "reachable": true}}`))
	case r.URL.Path == "/api/"+bridgeKey+"/lights/9" || r.URL.Path == "/api/"+bridgeKey+"/lights/9/state":
		w.Write([]byte(`[{"error": {"type": 3, "address": "/lights/9", "description": "resource, /lights/9, not available"}}]`))
	case r.Method == http.MethodPut && r.URL.Path == "/api/"+bridgeKey+"/lights/1/state":
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)
		b.mu.Lock()
		b.writes = append(b.writes, body)
		b.mu.Unlock()
		w.Write([]byte(`[{"success": {"/lights/1/state/on": true}}]`))
	default:
		http.NotFound(w, r)
	}
}

func (b *recordingBridge) lastWrite(t *testing.T) map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.writes)
	return b.writes[len(b.writes)-1]
}

func newTestBridge(t *testing.T) (*HueBridge, *recordingBridge) {
	t.Helper()
	rb := &recordingBridge{}
	srv := httptest.NewServer(rb)
	t.Cleanup(srv.Close)
	return NewHueBridge(srv.URL, bridgeKey, time.Second), rb
}

func TestHueBridgeListDevices(t *testing.T) {
	h, _ := newTestBridge(t)

	devices, err := h.ListDevices(context.Background())
	require.NoError(t, err)

	caps := map[string][]device.Capability{}
	for _, d := range devices {
		assert.Equal(t, device.KindLight, d.Kind)
		caps[d.DisplayName] = d.Capabilities
	}

	want := map[string][]device.Capability{
		"Desk":   {device.CapPower, device.CapBrightness, device.CapColor},
		"Hall":   {device.CapPower, device.CapBrightness},
		"Kettle": {device.CapPower},
	}
	if diff := cmp.Diff(want, caps); diff != "" {
		t.Errorf("capabilities mismatch (-want +got):\n%s", diff)
	}
}

func TestHueBridgeDeviceStateScales(t *testing.T) {
	h, _ := newTestBridge(t)

	state, err := h.DeviceState(context.Background(), "1")
	require.NoError(t, err)

	require.NotNil(t, state.Power)
	assert.True(t, *state.Power)
	require.NotNil(t, state.Brightness)
	assert.Equal(t, 100, *state.Brightness)
	assert.Equal(t, &device.Color{Hue: 360, Saturation: 50}, state.Color)
	assert.Equal(t, "hs", state.Raw["colormode"])
}

func TestHueBridgeSetColorScales(t *testing.T) {
	h, rb := newTestBridge(t)

	err := h.SetColor(context.Background(), "1", device.HSV{Hue: 240, Saturation: 100, Brightness: 80})
	require.NoError(t, err)

	body := rb.lastWrite(t)
	assert.Equal(t, true, body["on"])
	assert.Equal(t, float64(43690), body["hue"])
	assert.Equal(t, float64(254), body["sat"])
	assert.Equal(t, float64(203), body["bri"])
}

func TestHueBridgeZeroBrightnessTurnsOff(t *testing.T) {
	h, rb := newTestBridge(t)

	err := h.SetColor(context.Background(), "1", device.HSV{Hue: 120, Saturation: 50, Brightness: 0})
	require.NoError(t, err)

	body := rb.lastWrite(t)
	assert.Equal(t, map[string]any{"on": false}, body)
}

func TestHueBridgeLowBrightnessAndPower(t *testing.T) {
	h, rb := newTestBridge(t)

	require.NoError(t, h.SetColor(context.Background(), "1", device.HSV{Hue: 0, Saturation: 0, Brightness: 1}))
	assert.Equal(t, float64(3), rb.lastWrite(t)["bri"])

	require.NoError(t, h.SetPower(context.Background(), "1", true))
	assert.Equal(t, map[string]any{"on": true}, rb.lastWrite(t))
}

func TestHueBridgeUnavailableResource(t *testing.T) {
	h, _ := newTestBridge(t)

	_, err := h.DeviceState(context.Background(), "9")
	assert.ErrorIs(t, err, ErrNotFound)

	err = h.SetPower(context.Background(), "9", true)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.DeviceState(context.Background(), "not-a-number")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestHueBridgeHonorsDeadlines(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		case <-time.After(2 * time.Second):
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	defer close(release)

	t.Run("caller deadline", func(t *testing.T) {
		h := NewHueBridge(srv.URL, bridgeKey, time.Minute)
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := h.DeviceState(ctx, "1")
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("bridge timeout", func(t *testing.T) {
		h := NewHueBridge(srv.URL, bridgeKey, 100*time.Millisecond)

		start := time.Now()
		err := h.SetPower(context.Background(), "1", false)
		require.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)

		start = time.Now()
		_, err = h.ListDevices(context.Background())
		require.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
	})
}
