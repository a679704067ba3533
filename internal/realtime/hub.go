package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/pkg/metrics"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Hub maintains user_id -> set of connections and pushes notifications to them.
// A user may have several tabs open; each is a Client.
// With Redis configured, notifications go through pub/sub so every instance delivers to its own clients.
type Hub struct {
	users    map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per user
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// RedisPublisher publishes a user notification for cross-instance delivery.
type RedisPublisher interface {
	PublishUserEvent(userID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to a user's channel and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeUser(userID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. redisPub and redisSub may be nil for single-instance setups.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	return &Hub{
		users:    make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Register adds a client. Starts the Redis subscription for the user on their first connection.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	first := h.users[c.UserID] == nil
	if first {
		h.users[c.UserID] = make(map[string]*Client)
	}
	h.users[c.UserID][c.ID] = c
	h.mu.Unlock()
	if first && h.redisSub != nil {
		h.subscribe(c.UserID)
	}
	metrics.WebSocketClients.Inc()
	h.logger.Debug("client connected", zap.String("client_id", c.ID), zap.String("user_id", c.UserID.String()))
}

// subscribe runs without h.mu: the bridge may be delivering to this hub while Redis confirms.
func (h *Hub) subscribe(userID uuid.UUID) {
	cancel, err := h.redisSub.SubscribeUser(userID, func(event string, payload []byte) {
		h.Deliver(userID, event, json.RawMessage(payload))
	})
	if err != nil {
		h.logger.Warn("redis subscribe failed", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	h.mu.Lock()
	_, online := h.users[userID]
	_, held := h.subs[userID]
	keep := online && !held
	if keep {
		h.subs[userID] = cancel
	}
	h.mu.Unlock()
	if !keep {
		cancel()
	}
}

// Unregister removes a client. Cancels the Redis subscription when the user's last client leaves.
func (h *Hub) Unregister(c *Client) {
	var cancel func()
	h.mu.Lock()
	m, ok := h.users[c.UserID]
	if ok {
		if _, present := m[c.ID]; !present {
			h.mu.Unlock()
			return
		}
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.users, c.UserID)
			cancel = h.subs[c.UserID]
			delete(h.subs, c.UserID)
		}
	}
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ok {
		metrics.WebSocketClients.Dec()
	}
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID), zap.String("user_id", c.UserID.String()))
}

// Deliver sends a message to all of a user's local clients.
func (h *Hub) Deliver(userID uuid.UUID, event string, payload interface{}) {
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
	defer h.mu.RUnlock()
	for _, c := range h.users[userID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Notify pushes event to every connection of userID across instances.
// With Redis it publishes only, so the subscriber callback delivers once on every instance including this one.
func (h *Hub) Notify(userID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if h.redis != nil {
		if err := h.redis.PublishUserEvent(userID, event, data); err != nil {
			h.logger.Warn("redis publish failed", zap.String("event", event), zap.Error(err))
			h.Deliver(userID, event, json.RawMessage(data))
		}
		return
	}
	h.Deliver(userID, event, json.RawMessage(data))
}

// Connections returns the number of local clients for userID.
func (h *Hub) Connections(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}
