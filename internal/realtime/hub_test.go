package realtime

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func receive(t *testing.T, c *Client) WSMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return WSMessage{}
	}
}

func TestHubLocalNotify(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil, nil)
	user := uuid.New()
	a, b := NewClient(hub, user, zap.NewNop()), NewClient(hub, user, zap.NewNop())
	other := NewClient(hub, uuid.New(), zap.NewNop())
	hub.Register(a)
	hub.Register(b)
	hub.Register(other)
	assert.Equal(t, 2, hub.Connections(user))

	hub.Notify(user, "message.created", map[string]string{"body": "hi"})
	for _, c := range []*Client{a, b} {
		msg := receive(t, c)
		assert.Equal(t, "message.created", msg.Event)
		assert.JSONEq(t, `{"body":"hi"}`, string(msg.Data))
	}
	assert.Empty(t, other.send)

	hub.Unregister(a)
	hub.Unregister(a)
	assert.Equal(t, 1, hub.Connections(user))
	hub.Unregister(b)
	assert.Zero(t, hub.Connections(user))
}

func TestHubRedisFanOut(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ps := NewRedisPubSub(client, zap.NewNop())

	// two hubs sharing Redis stand in for two server instances
	hub1 := NewHub(zap.NewNop(), ps, ps)
	hub2 := NewHub(zap.NewNop(), ps, ps)
	user := uuid.New()
	c1, c2 := NewClient(hub1, user, zap.NewNop()), NewClient(hub2, user, zap.NewNop())
	hub1.Register(c1)
	hub2.Register(c2)

	hub1.Notify(user, "message.created", map[string]int{"n": 1})
	assert.Equal(t, "message.created", receive(t, c1).Event)
	assert.Equal(t, "message.created", receive(t, c2).Event)

	hub1.Unregister(c1)
	hub2.Unregister(c2)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://cfp.example.com"})
	r := httptest.NewRequest("GET", "http://api.local/ws", nil)
	assert.True(t, check(r), "no origin header")

	r.Header.Set("Origin", "https://cfp.example.com")
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(r))
	r.Header.Set("Origin", "http://api.local")
	assert.True(t, check(r), "same host")

	require.True(t, originChecker([]string{"*"})(r))
}
