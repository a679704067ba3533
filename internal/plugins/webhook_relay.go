package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/hooks"
	"github.com/cfpforge/backend/pkg/webhook"
)

// WebhookRelayEntry is the builtin entry of the webhook relay plugin.
const WebhookRelayEntry = "webhook-relay"

func init() {
	RegisterFactory(WebhookRelayEntry, func() Plugin { return &webhookRelay{now: time.Now} })
}

type relayMessage struct {
	Hook    string          `json:"hook"`
	Plugin  string          `json:"plugin"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload"`
}

// webhookRelay POSTs every subscribed hook as JSON to the configured url, signed when a secret is set.
type webhookRelay struct {
	url    string
	secret string
	name   string
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

func (w *webhookRelay) Init(pctx *Context) error {
	client, err := pctx.HTTPClient()
	if err != nil {
		return err
	}
	url, _ := pctx.Config["url"].(string)
	if url == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}
	w.url = url
	w.secret, _ = pctx.Config["secret"].(string)
	w.name = pctx.Name
	w.client = client
	w.logger = pctx.Logger
	return nil
}

func (w *webhookRelay) HandleHook(ctx context.Context, hook hooks.Hook, payload json.RawMessage) error {
	return w.post(ctx, string(hook), payload)
}

func (w *webhookRelay) Invoke(ctx context.Context, action string, _ json.RawMessage) (json.RawMessage, error) {
	if action != "test" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	if err := w.post(ctx, "relay.test", json.RawMessage(`{}`)); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"delivered":true}`), nil
}

func (w *webhookRelay) Shutdown(context.Context) error { return nil }

func (w *webhookRelay) post(ctx context.Context, hook string, payload json.RawMessage) error {
	now := w.now().UTC()
	body, err := json.Marshal(relayMessage{Hook: hook, Plugin: w.name, SentAt: now, Payload: payload})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		webhook.SetHeaders(req, w.secret, now, body)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay %s: %w", hook, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("relay %s: endpoint returned %d", hook, resp.StatusCode)
	}
	w.logger.Debug("hook relayed", zap.String("hook", hook), zap.Int("status", resp.StatusCode))
	return nil
}
