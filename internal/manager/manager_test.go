package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/devsync/internal/backend/backendtest"
	"github.com/dokzlo13/devsync/internal/debounce"
	"github.com/dokzlo13/devsync/internal/device"
)

func light(id string) device.Descriptor {
	return device.Descriptor{
		ID:           id,
		DisplayName:  "Light " + id,
		Kind:         device.KindLight,
		Capabilities: device.DefaultCapabilities(device.KindLight),
	}
}

func plug(id string) device.Descriptor {
	return device.Descriptor{
		ID:           id,
		DisplayName:  "Plug " + id,
		Kind:         device.KindSmartPlug,
		Capabilities: device.DefaultCapabilities(device.KindSmartPlug),
	}
}

type results struct {
	ch chan error
}

func (r *results) hook(_ string, _ debounce.Command, err error) { r.ch <- err }

func (r *results) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("no command result")
		return nil
	}
}

func newManager(t *testing.T, fake *backendtest.Fake, kind device.Kind, delay time.Duration) (*Manager, *results) {
	t.Helper()
	res := &results{ch: make(chan error, 16)}
	m := New(Options{
		Family:       device.Family{Name: "test", Vendor: "kasa", Kind: kind},
		Backend:      fake,
		CacheTTL:     time.Minute,
		PollInterval: time.Hour,
		Delays:       debounce.Delays{debounce.KindColor: delay, debounce.KindPower: delay},
		OnCommand:    res.hook,
	})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, res
}

func TestSetColorEndToEnd(t *testing.T) {
	fake := backendtest.NewFake(
		[]device.Descriptor{light("1")},
		map[string]device.State{"1": {Power: device.Bool(false)}},
	)
	m, res := newManager(t, fake, device.KindLight, 150*time.Millisecond)
	ctx := context.Background()

	_, err := m.FetchDevices(ctx)
	require.NoError(t, err)
	_, err = m.DeviceState(ctx, "1")
	require.NoError(t, err)
	require.True(t, m.cache.Fresh("1"))

	hsv := device.HSV{Hue: 240, Saturation: 100, Brightness: 80}
	_, err = m.SetColor("1", hsv)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fake.Calls(), "no write inside the debounce window")

	require.NoError(t, res.wait(t))

	calls := fake.Calls()
	require.Len(t, calls, 1)
	if diff := cmp.Diff(backendtest.Call{Op: "color", DeviceID: "1", HSV: hsv}, calls[0]); diff != "" {
		t.Errorf("write mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, m.cache.Fresh("1"), "cache must not hold a fresh entry after a write")
}

func TestSetColorCoalesces(t *testing.T) {
	fake := backendtest.NewFake([]device.Descriptor{light("1")}, nil)
	m, res := newManager(t, fake, device.KindLight, 80*time.Millisecond)
	_, err := m.FetchDevices(context.Background())
	require.NoError(t, err)

	for hue := 0; hue <= 200; hue += 20 {
		_, err := m.SetColor("1", device.HSV{Hue: hue, Saturation: 50, Brightness: 50})
		require.NoError(t, err)
	}

	require.NoError(t, res.wait(t))
	time.Sleep(100 * time.Millisecond)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 200, calls[0].HSV.Hue)
}

func TestSetColorRejectsOutOfRange(t *testing.T) {
	fake := backendtest.NewFake([]device.Descriptor{light("1")}, nil)
	m, _ := newManager(t, fake, device.KindLight, 10*time.Millisecond)
	_, err := m.FetchDevices(context.Background())
	require.NoError(t, err)

	_, err = m.SetColor("1", device.HSV{Hue: 400, Saturation: 50, Brightness: 50})
	require.ErrorIs(t, err, device.ErrInvalidColor)
	assert.Contains(t, err.Error(), "hue")

	_, pending := m.PendingCommand("1", debounce.KindColor)
	assert.False(t, pending)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fake.Calls())
}

func TestCommandErrors(t *testing.T) {
	fake := backendtest.NewFake([]device.Descriptor{light("1"), plug("p")}, nil)
	m, _ := newManager(t, fake, device.KindLight, 10*time.Millisecond)

	_, err := m.TurnOn("1")
	assert.ErrorIs(t, err, device.ErrNotReady)

	_, err = m.FetchDevices(context.Background())
	require.NoError(t, err)

	_, err = m.TurnOn("missing")
	assert.ErrorIs(t, err, device.ErrNotFound)

	_, err = m.SetColor("p", device.HSV{Hue: 10, Saturation: 10, Brightness: 10})
	assert.ErrorIs(t, err, device.ErrUnsupported)
}

func TestTurnOnOffLastWins(t *testing.T) {
	fake := backendtest.NewFake([]device.Descriptor{light("1")}, nil)
	m, res := newManager(t, fake, device.KindLight, 50*time.Millisecond)
	_, err := m.FetchDevices(context.Background())
	require.NoError(t, err)

	first, err := m.TurnOn("1")
	require.NoError(t, err)
	second, err := m.TurnOff("1")
	require.NoError(t, err)
	assert.Equal(t, first, second, "coalesced commands share an id")

	require.NoError(t, res.wait(t))
	assert.Equal(t, []backendtest.Call{{Op: "power", DeviceID: "1", On: false}}, fake.Calls())
}

func TestFailedWriteKeepsCacheAndIsNotRetried(t *testing.T) {
	fake := backendtest.NewFake(
		[]device.Descriptor{light("1")},
		map[string]device.State{"1": {Power: device.Bool(false)}},
	)
	fake.FailWrites(errors.New("bridge busy"))
	m, res := newManager(t, fake, device.KindLight, 10*time.Millisecond)
	ctx := context.Background()
	_, err := m.FetchDevices(ctx)
	require.NoError(t, err)
	_, err = m.DeviceState(ctx, "1")
	require.NoError(t, err)

	_, err = m.TurnOn("1")
	require.NoError(t, err)

	assert.Error(t, res.wait(t))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, fake.Calls(), 1)
	assert.True(t, m.cache.Fresh("1"))
	_, pending := m.PendingCommand("1", debounce.KindPower)
	assert.False(t, pending)
}

func TestDeviceStatePrefersFreshCache(t *testing.T) {
	fake := backendtest.NewFake(
		[]device.Descriptor{light("1")},
		map[string]device.State{"1": {Brightness: device.Int(10)}},
	)
	m, _ := newManager(t, fake, device.KindLight, time.Millisecond)
	ctx := context.Background()
	_, err := m.FetchDevices(ctx)
	require.NoError(t, err)

	s, err := m.DeviceState(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 10, *s.Brightness)

	fake.SetState("1", device.State{Brightness: device.Int(90)})
	s, err = m.DeviceState(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 10, *s.Brightness, "fresh cache is served")
	assert.Equal(t, 1, fake.StateCalls("1"))
}

func TestInvalidateForcesRefetch(t *testing.T) {
	fake := backendtest.NewFake(
		[]device.Descriptor{light("1")},
		map[string]device.State{"1": {Brightness: device.Int(10)}},
	)
	m, _ := newManager(t, fake, device.KindLight, time.Millisecond)
	ctx := context.Background()
	_, err := m.FetchDevices(ctx)
	require.NoError(t, err)
	_, err = m.DeviceState(ctx, "1")
	require.NoError(t, err)

	fake.SetState("1", device.State{Brightness: device.Int(90)})
	m.Invalidate("1")

	s, err := m.DeviceState(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 90, *s.Brightness)
	assert.GreaterOrEqual(t, fake.StateCalls("1"), 2)
}

func TestDeviceStateUnavailable(t *testing.T) {
	fake := backendtest.NewFake([]device.Descriptor{light("1")}, nil)
	m, _ := newManager(t, fake, device.KindLight, time.Millisecond)
	_, err := m.FetchDevices(context.Background())
	require.NoError(t, err)

	_, err = m.DeviceState(context.Background(), "1")
	assert.ErrorIs(t, err, device.ErrUnavailable)
}

func TestOnReadyOrdering(t *testing.T) {
	fake := backendtest.NewFake([]device.Descriptor{light("1")}, nil)
	m, _ := newManager(t, fake, device.KindLight, time.Millisecond)

	var order []string
	m.OnReady(func() { order = append(order, "a") })
	m.OnReady(func() { order = append(order, "b") })
	assert.Empty(t, order)
	assert.Equal(t, StatusUninitialized, m.Status())

	fake.FailList(errors.New("proxy down"))
	_, err := m.FetchDevices(context.Background())
	require.Error(t, err)
	assert.Empty(t, order, "failed discovery must not flush callbacks")
	assert.Equal(t, StatusLoading, m.Status())

	fake.FailList(nil)
	_, err = m.FetchDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, StatusReady, m.Status())

	// Second refresh does not re-run queued callbacks
	_, err = m.FetchDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)

	// Already ready: runs synchronously
	m.OnReady(func() { order = append(order, "c") })
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestReadyCallbackPanicDoesNotBlockOthers(t *testing.T) {
	fake := backendtest.NewFake([]device.Descriptor{light("1")}, nil)
	m, _ := newManager(t, fake, device.KindLight, time.Millisecond)

	ran := false
	m.OnReady(func() { panic("ui not mounted") })
	m.OnReady(func() { ran = true })

	_, err := m.FetchDevices(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRemovedDeviceNotifiesNil(t *testing.T) {
	fake := backendtest.NewFake(
		[]device.Descriptor{light("1"), light("2")},
		map[string]device.State{"1": {}, "2": {}},
	)
	m, _ := newManager(t, fake, device.KindLight, time.Millisecond)
	ctx := context.Background()
	_, err := m.FetchDevices(ctx)
	require.NoError(t, err)
	_, err = m.DeviceState(ctx, "2")
	require.NoError(t, err)

	var mu sync.Mutex
	got := map[string]*device.State{}
	unsubscribe := m.OnStateChange(func(id string, s *device.State) {
		mu.Lock()
		got[id] = s
		mu.Unlock()
	})
	defer unsubscribe()

	fake.SetDevices([]device.Descriptor{light("1")})
	_, err = m.FetchDevices(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	s, ok := got["2"]
	require.True(t, ok)
	assert.Nil(t, s)
	_, cached := m.CachedState("2")
	assert.False(t, cached)
	_, known := m.Device("2")
	assert.False(t, known)
}

func TestPollingNotifiesSubscribers(t *testing.T) {
	fake := backendtest.NewFake(
		[]device.Descriptor{light("a"), light("b")},
		map[string]device.State{
			"a": {Power: device.Bool(true)},
			"b": {Power: device.Bool(true)},
		},
	)
	fake.FailState("a", errors.New("timeout"))
	m, _ := newManager(t, fake, device.KindLight, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := m.FetchDevices(ctx)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	m.OnStateChange(func(id string, _ *device.State) {
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
	})

	m.Start(ctx)
	m.Refresh()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"b"}, seen)
	mu.Unlock()
}

func TestEnergy(t *testing.T) {
	fake := backendtest.NewFake([]device.Descriptor{plug("p")}, nil)
	measured := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fake.SetEnergy("p", device.Energy{PowerWatts: 12.5, TotalKWh: 3.2, MeasuredAt: measured})

	m, _ := newManager(t, fake, device.KindSmartPlug, time.Millisecond)
	ctx := context.Background()
	_, err := m.FetchDevices(ctx)
	require.NoError(t, err)

	e, err := m.Energy(ctx, "p")
	require.NoError(t, err)
	assert.InDelta(t, 12.5, e.PowerWatts, 0.001)

	last, ok := m.LastEnergy("p")
	require.True(t, ok)
	assert.Equal(t, measured, last.MeasuredAt)
}

func TestInvalidateEnergy(t *testing.T) {
	fake := backendtest.NewFake([]device.Descriptor{plug("p"), plug("q")}, nil)
	fake.SetEnergy("p", device.Energy{PowerWatts: 5})
	fake.SetEnergy("q", device.Energy{PowerWatts: 7})

	m, _ := newManager(t, fake, device.KindSmartPlug, time.Millisecond)
	ctx := context.Background()
	_, err := m.FetchDevices(ctx)
	require.NoError(t, err)

	_, err = m.Energy(ctx, "p")
	require.NoError(t, err)
	_, err = m.Energy(ctx, "q")
	require.NoError(t, err)

	m.InvalidateEnergy("p")
	m.InvalidateEnergy("unknown")

	_, ok := m.LastEnergy("p")
	assert.False(t, ok)
	last, ok := m.LastEnergy("q")
	require.True(t, ok)
	assert.InDelta(t, 7, last.PowerWatts, 0.001)

	// A new read repopulates the reading
	fake.SetEnergy("p", device.Energy{PowerWatts: 9})
	_, err = m.Energy(ctx, "p")
	require.NoError(t, err)
	last, ok = m.LastEnergy("p")
	require.True(t, ok)
	assert.InDelta(t, 9, last.PowerWatts, 0.001)
}

func TestEnergyUnsupportedForLights(t *testing.T) {
	fake := backendtest.NewFake([]device.Descriptor{light("1")}, nil)
	m, _ := newManager(t, fake, device.KindLight, time.Millisecond)
	_, err := m.FetchDevices(context.Background())
	require.NoError(t, err)

	_, err = m.Energy(context.Background(), "1")
	assert.ErrorIs(t, err, device.ErrUnsupported)
}
