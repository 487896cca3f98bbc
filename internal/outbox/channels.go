package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Channel delivers one outbox entry. Implementations are responsible for
// their own idempotency, keyed on the entry's dedupe key.
type Channel interface {
	Name() string
	Send(ctx context.Context, e *Entry) error
}

// LogChannel writes alerts to the structured log, used as the default
// channel and as a fallback target for escalation.
type LogChannel struct {
	name string
}

// NewLogChannel returns a log-delivery channel with the given name
func NewLogChannel(name string) *LogChannel {
	if name == "" {
		name = "log"
	}
	return &LogChannel{name: name}
}

func (c *LogChannel) Name() string { return c.name }

func (c *LogChannel) Send(_ context.Context, e *Entry) error {
	log.Info().
		Str("rule", e.RuleID).
		Str("token", e.Token).
		Str("severity", string(e.Severity)).
		Str("dedupe_key", e.DedupeKey).
		Msg(e.Message)
	return nil
}

// WebhookChannel POSTs alerts as JSON to a fixed URL. The dedupe key
// travels as the Idempotency-Key header so receivers can collapse
// redelivery.
type WebhookChannel struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookChannel returns a webhook-delivery channel
func NewWebhookChannel(name, url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// SetHTTPClient swaps the transport, used by tests
func (c *WebhookChannel) SetHTTPClient(client *http.Client) { c.client = client }

func (c *WebhookChannel) Name() string { return c.name }

type webhookPayload struct {
	ID        string    `json:"id"`
	DedupeKey string    `json:"dedupe_key"`
	RuleID    string    `json:"rule_id"`
	Token     string    `json:"token"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *WebhookChannel) Send(ctx context.Context, e *Entry) error {
	body, err := json.Marshal(webhookPayload{
		ID:        e.ID,
		DedupeKey: e.DedupeKey,
		RuleID:    e.RuleID,
		Token:     e.Token,
		Severity:  string(e.Severity),
		Message:   e.Message,
		Timestamp: e.EnqueuedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", e.DedupeKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", c.name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", c.name, resp.StatusCode)
	}
	return nil
}

// WebsocketChannel pushes alerts over a persistent websocket. The
// connection is dialed lazily and dropped on any write error; the next
// send redials, so delivery retries double as reconnects.
type WebsocketChannel struct {
	name string
	url  string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebsocketChannel returns a websocket-delivery channel
func NewWebsocketChannel(name, url string) *WebsocketChannel {
	return &WebsocketChannel{name: name, url: url}
}

func (c *WebsocketChannel) Name() string { return c.name }

func (c *WebsocketChannel) Send(ctx context.Context, e *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			return fmt.Errorf("websocket %s: dial: %w", c.name, err)
		}
		c.conn = conn
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	}
	err := c.conn.WriteJSON(webhookPayload{
		ID:        e.ID,
		DedupeKey: e.DedupeKey,
		RuleID:    e.RuleID,
		Token:     e.Token,
		Severity:  string(e.Severity),
		Message:   e.Message,
		Timestamp: e.EnqueuedAt,
	})
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return fmt.Errorf("websocket %s: write: %w", c.name, err)
	}
	return nil
}

// Close tears down the websocket connection if one is open
func (c *WebsocketChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
