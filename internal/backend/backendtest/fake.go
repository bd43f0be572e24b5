// Package backendtest provides an in-memory backend for tests.
package backendtest

import (
	"context"
	"sync"

	"github.com/dokzlo13/devsync/internal/backend"
	"github.com/dokzlo13/devsync/internal/device"
)

// Call records one write issued to the fake.
type Call struct {
	Op       string // "power" or "color"
	DeviceID string
	On       bool
	HSV      device.HSV
}

// Fake is a thread-safe Backend and EnergyReader.
type Fake struct {
	mu sync.Mutex

	devices   []device.Descriptor
	states    map[string]device.State
	energy    map[string]device.Energy
	stateErrs map[string]error
	listErr   error
	writeErr  error

	calls      []Call
	listCalls  int
	stateCalls map[string]int

	// OnStateFetch, if set, runs before each DeviceState returns.
	OnStateFetch func(id string)
}

var (
	_ backend.Backend      = (*Fake)(nil)
	_ backend.EnergyReader = (*Fake)(nil)
)

// NewFake returns a fake serving devices with the given initial states.
func NewFake(devices []device.Descriptor, states map[string]device.State) *Fake {
	f := &Fake{
		devices:    devices,
		states:     make(map[string]device.State),
		energy:     make(map[string]device.Energy),
		stateErrs:  make(map[string]error),
		stateCalls: make(map[string]int),
	}
	for id, s := range states {
		f.states[id] = s
	}
	return f
}

// SetDevices replaces the device list.
func (f *Fake) SetDevices(devices []device.Descriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

// SetState sets what DeviceState returns for id.
func (f *Fake) SetState(id string, s device.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = s
}

// SetEnergy sets what Energy returns for id.
func (f *Fake) SetEnergy(id string, e device.Energy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.energy[id] = e
}

// FailState makes DeviceState return err for id. A nil err clears it.
func (f *Fake) FailState(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.stateErrs, id)
		return
	}
	f.stateErrs[id] = err
}

// FailList makes ListDevices return err. A nil err clears it.
func (f *Fake) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// FailWrites makes SetPower and SetColor return err after recording the call.
func (f *Fake) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// Calls returns a copy of all recorded writes.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// ListCalls returns how many times ListDevices was called.
func (f *Fake) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// StateCalls returns how many times DeviceState was called for id.
func (f *Fake) StateCalls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateCalls[id]
}

func (f *Fake) ListDevices(ctx context.Context) ([]device.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]device.Descriptor, len(f.devices))
	for i, d := range f.devices {
		out[i] = d.Clone()
	}
	return out, nil
}

func (f *Fake) DeviceState(ctx context.Context, id string) (device.State, error) {
	f.mu.Lock()
	f.stateCalls[id]++
	err := f.stateErrs[id]
	s, ok := f.states[id]
	hook := f.OnStateFetch
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	if err != nil {
		return device.State{}, err
	}
	if !ok {
		return device.State{}, backend.ErrNotFound
	}
	return s, nil
}

func (f *Fake) SetPower(ctx context.Context, id string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "power", DeviceID: id, On: on})
	return f.writeErr
}

func (f *Fake) SetColor(ctx context.Context, id string, hsv device.HSV) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "color", DeviceID: id, HSV: hsv})
	return f.writeErr
}

func (f *Fake) Energy(ctx context.Context, id string) (device.Energy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.energy[id]
	if !ok {
		return device.Energy{}, backend.ErrNotFound
	}
	return e, nil
}
