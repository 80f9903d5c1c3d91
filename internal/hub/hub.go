// Package hub maps sessions to their live subscriber connections and
// broadcasts ordered events to them.
package hub

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// sendBuffer is the per-connection outbound queue depth. A subscriber that
// falls this far behind starts losing events rather than blocking publishers.
const sendBuffer = 256

// Connection is one subscriber handle (a browser tab). The transport layer
// drains Send and writes frames to the socket.
type Connection struct {
	ID   string
	Send chan []byte

	mu     sync.Mutex
	closed bool
}

// NewConnection allocates an unjoined connection handle.
func NewConnection() *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Send: make(chan []byte, sendBuffer),
	}
}

// enqueue hands data to the connection without blocking. Events for a closed
// or backed-up connection are dropped; delivery is best-effort.
func (c *Connection) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// Close marks the connection dead and closes its send channel. Safe to call
// more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// Hub is the broadcast broker. Rooms are keyed by session id in both the join
// and leave paths; multiple tabs of the same user share one room.
type Hub struct {
	log zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*Connection]struct{}
}

// New creates an empty hub.
func New(log zerolog.Logger) *Hub {
	return &Hub{
		log:   log.With().Str("component", "hub").Logger(),
		rooms: make(map[string]map[*Connection]struct{}),
	}
}

// Join adds the connection to the session's room.
func (h *Hub) Join(sessionID string, c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[sessionID]
	if !ok {
		room = make(map[*Connection]struct{})
		h.rooms[sessionID] = room
	}
	room[c] = struct{}{}
	h.log.Debug().Str("session_id", sessionID).Str("conn_id", c.ID).Msg("connection joined")
}

// Leave removes the connection from the session's room. Leaving a room that
// does not contain the connection is a no-op.
func (h *Hub) Leave(sessionID string, c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, sessionID)
	}
	h.log.Debug().Str("session_id", sessionID).Str("conn_id", c.ID).Msg("connection left")
}

// Publish broadcasts the event to all current subscribers of the session's
// room, preserving per-room publish order. Subscribers that cannot keep up
// silently drop events; publishing never fails.
//
// The exclusive lock serializes concurrent publishers: every subscriber of a
// room observes the same relative event order even when a reconciler
// broadcast races an in-flight stream.
func (h *Hub) Publish(sessionID string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to marshal event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[sessionID] {
		if !c.enqueue(data) {
			h.log.Warn().Str("session_id", sessionID).Str("conn_id", c.ID).Msg("subscriber behind, event dropped")
		}
	}
}

// SendTo delivers an event to a single connection only, outside any room.
func (h *Hub) SendTo(c *Connection, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	c.enqueue(data)
	return nil
}

// RoomSize returns the number of subscribers in the session's room.
func (h *Hub) RoomSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}
