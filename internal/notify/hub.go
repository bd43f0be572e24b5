// Package notify fans device state changes out to subscribers.
package notify

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/devsync/internal/device"
)

// Handler receives a state change. state is nil when the device was removed
// from the registry.
type Handler func(id string, state *device.State)

type subscriber struct {
	id      uint64
	handler Handler
}

// Hub is a multi-subscriber callback registry.
//
// Publish is synchronous: handlers run on the publisher's goroutine, in
// registration order. A panicking handler is recovered and logged so the
// remaining handlers still run.
type Hub struct {
	name string

	mu          sync.RWMutex
	subscribers []subscriber
	nextID      uint64
}

// New creates an empty hub. name is used in logs only.
func New(name string) *Hub {
	return &Hub{name: name}
}

// Subscribe registers handler and returns a func that removes it.
// Registering the same handler twice delivers every change twice.
func (h *Hub) Subscribe(handler Handler) (unsubscribe func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subscribers = append(h.subscribers, subscriber{id: id, handler: handler})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, s := range h.subscribers {
		if s.id == id {
			// Copy so in-flight Publish calls keep iterating their snapshot
			next := make([]subscriber, 0, len(h.subscribers)-1)
			next = append(next, h.subscribers[:i]...)
			next = append(next, h.subscribers[i+1:]...)
			h.subscribers = next
			return
		}
	}
}

// Publish delivers a change to every subscriber.
func (h *Hub) Publish(id string, state *device.State) {
	h.mu.RLock()
	subscribers := h.subscribers
	h.mu.RUnlock()

	for _, s := range subscribers {
		h.deliver(s, id, state)
	}
}

func (h *Hub) deliver(s subscriber, id string, state *device.State) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("hub", h.name).
				Str("device", id).
				Uint64("subscriber", s.id).
				Msg("State change handler panicked")
		}
	}()
	s.handler(id, state)
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Clear removes all subscribers.
func (h *Hub) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = nil
}
