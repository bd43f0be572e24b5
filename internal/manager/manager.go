// Package manager provides the per-family facade over registry, cache, poller,
// hub and debouncer.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/devsync/internal/backend"
	"github.com/dokzlo13/devsync/internal/cache"
	"github.com/dokzlo13/devsync/internal/debounce"
	"github.com/dokzlo13/devsync/internal/device"
	"github.com/dokzlo13/devsync/internal/notify"
	"github.com/dokzlo13/devsync/internal/poller"
	"github.com/dokzlo13/devsync/internal/registry"
)

// Status is the lifecycle position of a manager.
type Status int

const (
	StatusUninitialized Status = iota
	StatusLoading
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// CommandFunc observes every dispatched command. err is nil on success.
type CommandFunc func(family string, cmd debounce.Command, err error)

// Options configures a Manager.
type Options struct {
	Family  device.Family
	Backend backend.Backend

	CacheTTL        time.Duration   // 0 = cache.DefaultTTL
	PollInterval    time.Duration   // 0 = poller.DefaultInterval
	PollConcurrency int             // 0 = 4
	Timeout         time.Duration   // per backend call (0 = 10s)
	Delays          debounce.Delays // missing kinds fall back to DefaultDelays
	RateLimitRPS    float64         // shared by polls and commands (0 = unlimited)

	// OnCommand, if set, is called after each dispatch, after the cache
	// has been invalidated on success.
	OnCommand CommandFunc
}

// Manager is the public facade of one device family. Construct it with New;
// there is one per family and none are global.
//
// Lifecycle: uninitialized -> loading on the first FetchDevices, loading ->
// ready on the first success. Failed refreshes never move it back.
type Manager struct {
	family  device.Family
	backend backend.Backend

	registry  *registry.Registry
	cache     *cache.StateCache
	hub       *notify.Hub
	poller    *poller.Poller
	debouncer *debounce.Debouncer
	delays    debounce.Delays
	onCommand CommandFunc

	mu       sync.Mutex
	status   Status
	readyCbs []func()
	cancel   context.CancelFunc
	done     chan struct{}

	energyMu sync.RWMutex
	energy   map[string]device.Energy
}

// New wires a manager. Nothing touches the backend until FetchDevices or Start.
func New(opts Options) *Manager {
	delays := debounce.DefaultDelays()
	for kind, d := range opts.Delays {
		if d > 0 {
			delays[kind] = d
		}
	}

	var limiter *rate.Limiter
	if opts.RateLimitRPS > 0 {
		burst := int(opts.RateLimitRPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), burst)
	}

	m := &Manager{
		family:    opts.Family,
		backend:   opts.Backend,
		registry:  registry.New(opts.Family.Name, opts.Backend),
		cache:     cache.New(opts.CacheTTL),
		hub:       notify.New(opts.Family.Name),
		delays:    delays,
		onCommand: opts.OnCommand,
		energy:    make(map[string]device.Energy),
	}

	m.poller = poller.New(poller.Config{
		Family:      opts.Family.Name,
		Interval:    opts.PollInterval,
		Concurrency: opts.PollConcurrency,
		Timeout:     opts.Timeout,
		Limiter:     limiter,
	}, m.registry, opts.Backend, m.cache, m.hub)

	m.debouncer = debounce.New(debounce.Config{
		Name:    opts.Family.Name,
		Timeout: opts.Timeout,
		Limiter: limiter,
	}, m.dispatch, m.commandResult)

	return m
}

// Family returns the family this manager serves.
func (m *Manager) Family() device.Family {
	return m.family
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Ready reports whether the first device discovery has succeeded.
func (m *Manager) Ready() bool {
	return m.Status() == StatusReady
}

// Start launches the poll loop. It runs until ctx is cancelled or Close.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		_ = m.poller.Run(ctx)
	}()
}

// Close stops polling, flushes pending commands and waits for in-flight
// dispatches until ctx expires. Backends implementing io.Closer are closed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			log.Warn().Str("family", m.family.Name).Msg("Poller did not stop before shutdown deadline")
		}
	}

	m.debouncer.Close(ctx)

	if c, ok := m.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// FetchDevices reloads the device list. The first success makes the manager
// ready and runs queued OnReady callbacks in registration order. Devices that
// disappeared lose their cache entry and subscribers get (id, nil).
//
// On failure the previous list is kept and readiness does not change.
func (m *Manager) FetchDevices(ctx context.Context) ([]device.Descriptor, error) {
	m.mu.Lock()
	if m.status == StatusUninitialized {
		m.status = StatusLoading
	}
	m.mu.Unlock()

	devices, removed, err := m.registry.Fetch(ctx)
	if err != nil {
		log.Error().Err(err).Str("family", m.family.Name).Msg("Device discovery failed")
		return nil, err
	}

	for _, id := range removed {
		log.Info().Str("family", m.family.Name).Str("device", id).Msg("Device removed")
		m.cache.Invalidate(id)
		m.energyMu.Lock()
		delete(m.energy, id)
		m.energyMu.Unlock()
		m.hub.Publish(id, nil)
	}

	m.mu.Lock()
	wasReady := m.status == StatusReady
	m.status = StatusReady
	callbacks := m.readyCbs
	m.readyCbs = nil
	m.mu.Unlock()

	if !wasReady {
		log.Info().Str("family", m.family.Name).Int("devices", len(devices)).Msg("Device manager ready")
	}
	for _, cb := range callbacks {
		m.runReady(cb)
	}

	return devices, nil
}

// OnReady runs cb once the manager is ready. If it already is, cb runs now on
// the caller's goroutine; otherwise it is queued and runs exactly once after
// the first successful FetchDevices.
func (m *Manager) OnReady(cb func()) {
	m.mu.Lock()
	if m.status != StatusReady {
		m.readyCbs = append(m.readyCbs, cb)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.runReady(cb)
}

func (m *Manager) runReady(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("family", m.family.Name).Msg("Ready callback panicked")
		}
	}()
	cb()
}

// OnStateChange subscribes to state changes and returns the unsubscribe func.
func (m *Manager) OnStateChange(handler notify.Handler) func() {
	return m.hub.Subscribe(handler)
}

// Device returns the descriptor for id without touching the backend.
func (m *Manager) Device(id string) (device.Descriptor, bool) {
	return m.registry.Get(id)
}

// Devices returns a copy of the current device list.
func (m *Manager) Devices() []device.Descriptor {
	return m.registry.List()
}

// CachedState returns whatever is cached for id, regardless of age.
func (m *Manager) CachedState(id string) (device.State, bool) {
	return m.cache.Get(id)
}

// DeviceState returns the cached state if it is fresh, otherwise fetches it,
// fills the cache and publishes the change before returning.
func (m *Manager) DeviceState(ctx context.Context, id string) (device.State, error) {
	if _, err := m.lookup("get state", id); err != nil {
		return device.State{}, err
	}

	if m.cache.Fresh(id) {
		if s, ok := m.cache.Get(id); ok {
			return s, nil
		}
	}

	state, _, err := m.poller.Poll(ctx, id)
	if errors.Is(err, backend.ErrNotFound) {
		return device.State{}, fmt.Errorf("device %s: %w", id, device.ErrUnavailable)
	}
	if err != nil {
		return device.State{}, fmt.Errorf("fetch state of %s: %w", id, err)
	}
	return state, nil
}

// TurnOn schedules a debounced power-on. Returns the command id.
func (m *Manager) TurnOn(id string) (string, error) {
	return m.setPower(id, true)
}

// TurnOff schedules a debounced power-off. Returns the command id.
func (m *Manager) TurnOff(id string) (string, error) {
	return m.setPower(id, false)
}

func (m *Manager) setPower(id string, on bool) (string, error) {
	d, err := m.lookup("set power", id)
	if err != nil {
		return "", err
	}
	if !d.Has(device.CapPower) {
		return "", fmt.Errorf("device %s: power: %w", id, device.ErrUnsupported)
	}
	return m.debouncer.Schedule(id, debounce.KindPower, on, m.delays[debounce.KindPower])
}

// SetColor validates hsv and schedules a debounced color change. Out-of-range
// values are rejected before anything is scheduled.
func (m *Manager) SetColor(id string, hsv device.HSV) (string, error) {
	if err := hsv.Validate(); err != nil {
		return "", err
	}

	d, err := m.lookup("set color", id)
	if err != nil {
		return "", err
	}
	if !d.Has(device.CapColor) {
		return "", fmt.Errorf("device %s: color: %w", id, device.ErrUnsupported)
	}
	return m.debouncer.Schedule(id, debounce.KindColor, hsv, m.delays[debounce.KindColor])
}

// PendingCommand returns the payload waiting in the debounce window, if any.
func (m *Manager) PendingCommand(id string, kind debounce.Kind) (any, bool) {
	return m.debouncer.Pending(id, kind)
}

// Invalidate drops the cached state for id and asks the poller for a tick.
func (m *Manager) Invalidate(id string) {
	m.cache.Invalidate(id)
	m.poller.Trigger()
}

// Refresh asks the poller for an immediate tick.
func (m *Manager) Refresh() {
	m.poller.Trigger()
}

// Energy reads the current energy of a smart plug and remembers it.
func (m *Manager) Energy(ctx context.Context, id string) (device.Energy, error) {
	reader, ok := m.backend.(backend.EnergyReader)
	if m.family.Kind != device.KindSmartPlug || !ok {
		return device.Energy{}, fmt.Errorf("family %s: energy: %w", m.family.Name, device.ErrUnsupported)
	}
	if _, err := m.lookup("read energy", id); err != nil {
		return device.Energy{}, err
	}

	e, err := reader.Energy(ctx, id)
	if errors.Is(err, backend.ErrNotFound) {
		return device.Energy{}, fmt.Errorf("device %s: %w", id, device.ErrUnavailable)
	}
	if err != nil {
		return device.Energy{}, fmt.Errorf("read energy of %s: %w", id, err)
	}
	if e.MeasuredAt.IsZero() {
		e.MeasuredAt = time.Now()
	}

	m.energyMu.Lock()
	m.energy[id] = e
	m.energyMu.Unlock()
	return e, nil
}

// LastEnergy returns the most recent reading taken by Energy.
func (m *Manager) LastEnergy(id string) (device.Energy, bool) {
	m.energyMu.RLock()
	defer m.energyMu.RUnlock()
	e, ok := m.energy[id]
	return e, ok
}

// InvalidateEnergy forgets the last energy reading of id.
func (m *Manager) InvalidateEnergy(id string) {
	m.energyMu.Lock()
	_, ok := m.energy[id]
	delete(m.energy, id)
	m.energyMu.Unlock()
	if ok {
		log.Debug().Str("family", m.family.Name).Str("device", id).Msg("Invalidated energy reading")
	}
}

// lookup checks readiness and resolves id against the registry.
func (m *Manager) lookup(op, id string) (device.Descriptor, error) {
	if !m.Ready() {
		log.Warn().Str("family", m.family.Name).Str("device", id).Str("op", op).Msg("Operation before device discovery, ignoring")
		return device.Descriptor{}, device.ErrNotReady
	}
	d, ok := m.registry.Get(id)
	if !ok {
		return device.Descriptor{}, fmt.Errorf("device %s: %w", id, device.ErrNotFound)
	}
	return d, nil
}

func (m *Manager) dispatch(ctx context.Context, cmd debounce.Command) error {
	switch cmd.Kind {
	case debounce.KindPower:
		on, _ := cmd.Payload.(bool)
		return m.backend.SetPower(ctx, cmd.DeviceID, on)
	case debounce.KindColor:
		hsv, ok := cmd.Payload.(device.HSV)
		if !ok {
			return fmt.Errorf("color command carries %T", cmd.Payload)
		}
		return m.backend.SetColor(ctx, cmd.DeviceID, hsv)
	default:
		return fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

func (m *Manager) commandResult(cmd debounce.Command, err error) {
	if err != nil {
		log.Error().
			Err(err).
			Str("family", m.family.Name).
			Str("device", cmd.DeviceID).
			Str("kind", string(cmd.Kind)).
			Str("command", cmd.ID).
			Msg("Command failed")
	} else {
		// Next poll refetches truth instead of trusting the written value
		m.cache.Invalidate(cmd.DeviceID)
		log.Info().
			Str("family", m.family.Name).
			Str("device", cmd.DeviceID).
			Str("kind", string(cmd.Kind)).
			Str("command", cmd.ID).
			Int("coalesced", cmd.Coalesced).
			Msg("Command dispatched")
	}

	if m.onCommand != nil {
		m.onCommand(m.family.Name, cmd, err)
	}
}
