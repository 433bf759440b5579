package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for WebSocket keepalive. Distinct
	// from the sync-engine heartbeat, which clients send as an event.
	PingInterval = 30
	PongWait     = 60
)

// Hub maintains session_id -> set of connections, plus a participant index
// for targeted sends (per-participant lag compensation makes most sync
// payloads client-specific). Room-wide events go through Redis pub/sub so
// subscribers on other instances see them too.
type Hub struct {
	// sessionID -> map[connID]*Client
	sessions map[uuid.UUID]map[string]*Client
	// sessionID -> participantID -> connID
	participants map[uuid.UUID]map[uuid.UUID]string
	subs         map[uuid.UUID]func() // cancel Redis subscription per session
	mu           sync.RWMutex
	logger       *zap.Logger
	redis        RedisPublisher
	redisSub     RedisSubscriber
}

// RedisPublisher publishes session events for cross-instance delivery.
type RedisPublisher interface {
	PublishSessionEvent(sessionID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to session channels and invokes handler for
// incoming events.
type RedisSubscriber interface {
	SubscribeSession(sessionID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	return &Hub{
		sessions:     make(map[uuid.UUID]map[string]*Client),
		participants: make(map[uuid.UUID]map[uuid.UUID]string),
		subs:         make(map[uuid.UUID]func()),
		logger:       logger,
		redis:        redisPub,
		redisSub:     redisSub,
	}
}

// Register adds a client to a session room. Starts the Redis subscription
// for this session when the first client arrives.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.sessions[c.SessionID] == nil {
		h.sessions[c.SessionID] = make(map[string]*Client)
		if h.redisSub != nil {
			cancel, err := h.redisSub.SubscribeSession(c.SessionID, func(event string, payload []byte) {
				h.broadcastLocal(c.SessionID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[c.SessionID] = cancel
			}
		}
	}
	h.sessions[c.SessionID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID.String()))
}

// Unregister removes a client. The participant record is untouched: a
// dropped connection is a transient disconnect until the heartbeat sweep
// decides otherwise. Cancels the Redis subscription when the room empties.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.sessions[c.SessionID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.sessions, c.SessionID)
			delete(h.participants, c.SessionID)
			if cancel, ok := h.subs[c.SessionID]; ok {
				cancel()
				delete(h.subs, c.SessionID)
			}
		}
	}
	if idx, ok := h.participants[c.SessionID]; ok {
		for pid, connID := range idx {
			if connID == c.ID {
				delete(idx, pid)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID.String()))
}

// BindParticipant links a joined participant to its connection so the
// engine can target it individually. A rejoin from a new connection simply
// rebinds.
func (h *Hub) BindParticipant(sessionID, participantID uuid.UUID, connID string) {
	h.mu.Lock()
	if h.participants[sessionID] == nil {
		h.participants[sessionID] = make(map[uuid.UUID]string)
	}
	h.participants[sessionID][participantID] = connID
	h.mu.Unlock()
}

// ToParticipant implements playsync.Emitter: targeted send to one
// participant's connection. Local only; a participant's connection lives on
// the session's owning instance.
func (h *Hub) ToParticipant(sessionID, participantID uuid.UUID, event string, payload interface{}) {
	h.mu.RLock()
	connID, ok := h.participants[sessionID][participantID]
	var c *Client
	if ok {
		c = h.sessions[sessionID][connID]
	}
	h.mu.RUnlock()
	if c == nil {
		return
	}
	h.send(c, event, payload)
}

// ToSession implements playsync.Emitter: room-wide event. Published to
// Redis when available so every instance (including this one) delivers it
// exactly once via its subscription; falls back to local broadcast.
func (h *Hub) ToSession(sessionID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if h.redis != nil {
		if err := h.redis.PublishSessionEvent(sessionID, event, data); err == nil {
			return
		}
	}
	h.broadcastLocal(sessionID, event, json.RawMessage(data))
}

// SendToClient sends an event to a single connection (replies, errors).
func (h *Hub) SendToClient(sessionID uuid.UUID, connID string, event string, payload interface{}) {
	h.mu.RLock()
	c := h.sessions[sessionID][connID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	h.send(c, event, payload)
}

// ConnectionCount returns the number of open connections in a session.
func (h *Hub) ConnectionCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func (h *Hub) broadcastLocal(sessionID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	clients := h.sessions[sessionID]
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

func (h *Hub) send(c *Client, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
	default:
	}
}
