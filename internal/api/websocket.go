package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/devsync/internal/device"
	"github.com/dokzlo13/devsync/internal/notify"
)

const (
	wsSendBufferSize = 256
	wsPingInterval   = 30 * time.Second
	wsPongWait       = 10 * time.Second
	wsMaxMessageSize = 4096
)

// Message types sent to websocket clients.
const (
	WSTypeState   = "state"
	WSTypeRemoved = "removed"
)

// WSMessage is one state change as seen by websocket clients.
type WSMessage struct {
	Type      string        `json:"type"`
	Family    string        `json:"family"`
	DeviceID  string        `json:"device_id"`
	State     *device.State `json:"state,omitempty"`
	Timestamp string        `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// WSHub fans state changes out to connected websocket clients.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	id     string
	hub    *WSHub
	conn   *websocket.Conn
	send   chan []byte
	family string // empty = all families
}

// NewWSHub creates an empty hub.
func NewWSHub() *WSHub {
	return &WSHub{clients: make(map[*wsClient]struct{})}
}

// StateHandler returns a manager subscriber broadcasting changes of family.
func (h *WSHub) StateHandler(family string) notify.Handler {
	return func(id string, state *device.State) {
		msg := WSMessage{
			Type:      WSTypeState,
			Family:    family,
			DeviceID:  id,
			State:     state,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if state == nil {
			msg.Type = WSTypeRemoved
		}
		h.Broadcast(msg)
	}
}

// Broadcast sends msg to every client interested in its family. Slow clients
// drop messages instead of blocking the publisher.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal websocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if c.family == "" || c.family == msg.Family {
			c.trySend(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Debug().Str("client", c.id).Str("family", c.family).Msg("Websocket client connected")
}

// unregister removes c; only the caller that removed it closes its channel.
func (h *WSHub) unregister(c *wsClient) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if existed {
		close(c.send)
		log.Debug().Str("client", c.id).Msg("Websocket client disconnected")
	}
}

// CloseAll disconnects every client.
func (h *WSHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		c.conn.Close()
		delete(h.clients, c)
	}
}

// handleWebSocket streams state changes. ?family=<name> limits the stream to
// one family.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	family := r.URL.Query().Get("family")
	if family != "" {
		if _, ok := s.managers[family]; !ok {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown family "+family)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &wsClient{
		id:     uuid.NewString(),
		hub:    s.hub,
		conn:   conn,
		send:   make(chan []byte, wsSendBufferSize),
		family: family,
	}
	s.hub.register(c)

	go c.writePump()
	go c.readPump()
}

// readPump only drains control frames; clients never send commands here.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("Websocket read error")
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(wsPongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(wsPongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend drops the message if the client is slow or already gone.
func (c *wsClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
	}
}
