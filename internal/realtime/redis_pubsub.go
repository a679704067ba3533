package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	userChannelPrefix = "cfp:notify:user:"
	redisOpTimeout    = 5 * time.Second
)

// ErrBridgeClosed is returned by SubscribeUser after Close.
var ErrBridgeClosed = errors.New("realtime: redis bridge closed")

// UserChannel is the Redis channel carrying notifications for userID.
func UserChannel(userID uuid.UUID) string {
	return userChannelPrefix + userID.String()
}

func userFromChannel(channel string) (uuid.UUID, bool) {
	raw, ok := strings.CutPrefix(channel, userChannelPrefix)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	return id, err == nil
}

type envelope struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	SentAt time.Time       `json:"sent_at"`
}

// RedisPubSub carries user notifications between server instances.
// All user channels of one instance share a single Redis subscription connection;
// a channel is subscribed while at least one handler for that user is registered.
type RedisPubSub struct {
	client redis.UniversalClient
	logger *zap.Logger

	mu       sync.Mutex
	ps       *redis.PubSub
	closed   bool
	nextID   uint64
	handlers map[uuid.UUID]map[uint64]func(event string, payload []byte)
	pending  map[string]chan struct{}
}

// NewRedisPubSub returns a bridge over client. The subscription connection is opened on first use.
func NewRedisPubSub(client redis.UniversalClient, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{
		client:   client,
		logger:   logger,
		handlers: make(map[uuid.UUID]map[uint64]func(string, []byte)),
		pending:  make(map[string]chan struct{}),
	}
}

// PublishUserEvent publishes event to every instance subscribed to userID.
func (r *RedisPubSub) PublishUserEvent(userID uuid.UUID, event string, payload []byte) error {
	body, err := json.Marshal(envelope{Event: event, Data: payload, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return r.client.Publish(ctx, UserChannel(userID), body).Err()
}

// SubscribeUser registers handler for userID's notifications and returns once Redis
// has confirmed the channel subscription. The returned cancel is idempotent.
func (r *RedisPubSub) SubscribeUser(userID uuid.UUID, handler func(event string, payload []byte)) (func(), error) {
	channel := UserChannel(userID)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrBridgeClosed
	}
	if r.ps == nil {
		r.ps = r.client.Subscribe(context.Background())
		go r.dispatch(r.ps.ChannelWithSubscriptions())
	}
	id := r.nextID
	r.nextID++
	subs := r.handlers[userID]
	first := len(subs) == 0
	if subs == nil {
		subs = make(map[uint64]func(string, []byte))
		r.handlers[userID] = subs
	}
	subs[id] = handler
	var ready chan struct{}
	if first {
		ready = make(chan struct{})
		r.pending[channel] = ready
	}
	ps := r.ps
	r.mu.Unlock()

	if first {
		ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		defer cancel()
		err := ps.Subscribe(ctx, channel)
		if err == nil {
			select {
			case <-ready:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		if err != nil {
			r.remove(userID, id)
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}

	var once sync.Once
	return func() { once.Do(func() { r.remove(userID, id) }) }, nil
}

func (r *RedisPubSub) remove(userID uuid.UUID, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.handlers[userID]
	delete(subs, id)
	if len(subs) > 0 {
		return
	}
	delete(r.handlers, userID)
	channel := UserChannel(userID)
	delete(r.pending, channel)
	if r.ps == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.ps.Unsubscribe(ctx, channel); err != nil {
		r.logger.Warn("redis unsubscribe failed", zap.String("channel", channel), zap.Error(err))
	}
}

// Subscribed reports whether this instance currently listens on userID's channel.
func (r *RedisPubSub) Subscribed(userID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[userID]) > 0
}

// Close drops the subscription connection. Later SubscribeUser calls fail with ErrBridgeClosed.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	ps := r.ps
	r.ps, r.closed = nil, true
	r.mu.Unlock()
	if ps == nil {
		return nil
	}
	return ps.Close()
}

func (r *RedisPubSub) dispatch(ch <-chan interface{}) {
	for m := range ch {
		switch m := m.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			r.mu.Lock()
			if ready, ok := r.pending[m.Channel]; ok {
				close(ready)
				delete(r.pending, m.Channel)
			}
			r.mu.Unlock()
		case *redis.Message:
			r.deliver(m)
		}
	}
}

func (r *RedisPubSub) deliver(msg *redis.Message) {
	userID, ok := userFromChannel(msg.Channel)
	if !ok {
		return
	}
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Event == "" {
		r.logger.Debug("drop malformed notification", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}

	r.mu.Lock()
	handlers := make([]func(string, []byte), 0, len(r.handlers[userID]))
	for _, h := range r.handlers[userID] {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	// handlers run without r.mu so they may take their own locks
	for _, h := range handlers {
		h(env.Event, env.Data)
	}
}
