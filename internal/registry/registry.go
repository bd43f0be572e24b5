// Package registry holds the device list of one family.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/devsync/internal/device"
)

// Lister fetches the full device list from a backend.
type Lister interface {
	ListDevices(ctx context.Context) ([]device.Descriptor, error)
}

// Registry is an in-memory map of device id to descriptor.
//
// The list is replaced atomically on every successful Fetch; readers never see
// a partial update. Descriptors are copied on the way in and out.
type Registry struct {
	lister Lister
	family string

	mu      sync.RWMutex
	order   []string
	devices map[string]device.Descriptor
	ready   bool
}

// New creates an empty, not-ready registry.
func New(family string, lister Lister) *Registry {
	return &Registry{
		lister:  lister,
		family:  family,
		devices: make(map[string]device.Descriptor),
	}
}

// Fetch reloads the device list. On failure the previous list is kept and the
// error is returned. Returns the ids that were present before and are gone now.
func (r *Registry) Fetch(ctx context.Context) ([]device.Descriptor, []string, error) {
	fetched, err := r.lister.ListDevices(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch devices: %w", err)
	}

	order := make([]string, 0, len(fetched))
	devices := make(map[string]device.Descriptor, len(fetched))
	for _, d := range fetched {
		if _, dup := devices[d.ID]; dup {
			log.Warn().Str("family", r.family).Str("device", d.ID).Msg("Duplicate device id in listing, keeping first")
			continue
		}
		order = append(order, d.ID)
		devices[d.ID] = d.Clone()
	}

	r.mu.Lock()
	var removed []string
	for _, id := range r.order {
		if _, still := devices[id]; !still {
			removed = append(removed, id)
		}
	}
	r.order = order
	r.devices = devices
	r.ready = true
	r.mu.Unlock()

	log.Debug().Str("family", r.family).Int("count", len(order)).Int("removed", len(removed)).Msg("Device registry refreshed")
	return r.List(), removed, nil
}

// Get returns the descriptor for id. Never triggers a fetch.
func (r *Registry) Get(id string) (device.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return device.Descriptor{}, false
	}
	return d.Clone(), true
}

// List returns a copy of all descriptors in backend order.
func (r *Registry) List() []device.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]device.Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id].Clone())
	}
	return out
}

// IDs returns a snapshot of the device ids in backend order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Ready reports whether at least one Fetch has succeeded.
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}
