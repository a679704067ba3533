package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/metrics"
	"github.com/cfpforge/backend/pkg/webhook"
)

// Paths on the directory service.
const (
	PingPath     = "/api/federation/ping"
	WebhooksPath = "/api/federation/webhooks"
)

var (
	ErrNotConfigured = errors.New("federation is not configured")
	ErrRejected      = errors.New("directory rejected the request")
)

// Envelope is the JSON body exchanged with the directory in both directions.
type Envelope struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Instance   string          `json:"instance,omitempty"`
}

// Client talks to the directory. Calls go through a circuit breaker so a failing directory is not hammered.
type Client struct {
	http     *http.Client
	cb       *gobreaker.CircuitBreaker
	instance string
	logger   *zap.Logger
	now      func() time.Time
}

// NewClient creates a directory client. instance identifies this host (its public URL).
func NewClient(timeout time.Duration, instance string, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "federation",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("component", name), zap.String("from", from.String()), zap.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return &Client{
		http:     &http.Client{Timeout: timeout},
		cb:       cb,
		instance: instance,
		logger:   logger,
		now:      time.Now,
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// State reports the breaker state.
func (c *Client) State() gobreaker.State { return c.cb.State() }

func usable(s *models.FederationSettings) error {
	if s == nil || s.DirectoryURL == "" || s.APIKey == "" {
		return ErrNotConfigured
	}
	return nil
}

// Ping checks the directory accepts our API key.
func (c *Client) Ping(ctx context.Context, s *models.FederationSettings) error {
	if err := usable(s); err != nil {
		return err
	}
	return c.send(ctx, s, http.MethodGet, PingPath, nil)
}

// Deliver POSTs one signed notification to the directory.
func (c *Client) Deliver(ctx context.Context, s *models.FederationSettings, eventType string, data json.RawMessage, occurredAt time.Time) error {
	if err := usable(s); err != nil {
		return err
	}
	body, err := json.Marshal(Envelope{Type: eventType, Data: data, OccurredAt: occurredAt.UTC(), Instance: c.instance})
	if err != nil {
		return err
	}
	return c.send(ctx, s, http.MethodPost, WebhooksPath, body)
}

func (c *Client) send(ctx context.Context, s *models.FederationSettings, method, path string, body []byte) error {
	url := strings.TrimRight(s.DirectoryURL, "/") + path
	_, err := c.cb.Execute(func() (interface{}, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
			if s.WebhookSecret != "" {
				webhook.SetHeaders(req, s.WebhookSecret, c.now(), body)
			}
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("%w: %s %s returned %d", ErrRejected, method, path, resp.StatusCode)
		}
		return nil, nil
	})
	return err
}
