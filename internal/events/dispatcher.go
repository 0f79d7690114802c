package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types emitted by a synchronization run.
const (
	UserAdded   = "user.added"
	UserChanged = "user.changed"
)

// Event represents a system event.
type Event struct {
	ID        string      `json:"id"`
	Tenant    string      `json:"tenant"`
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// UserPayload identifies the user an event is about.
type UserPayload struct {
	InternalID string `json:"internal_id"`
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
}

// Webhook is a delivery target.
type Webhook struct {
	URL    string
	Secret string
}

// Publisher is what the synchronizer depends on.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Dispatcher handles event publication.
type Dispatcher struct {
	hooks      []Webhook
	logger     *zap.Logger
	httpClient *http.Client
	wg         sync.WaitGroup
}

// NewDispatcher creates a dispatcher delivering to hooks.
func NewDispatcher(hooks []Webhook, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		hooks:      hooks,
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Publish fires an event asynchronously. Delivery failures are logged only.
func (d *Dispatcher) Publish(_ context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.processEvent(context.Background(), event) // detached context
	}()
}

// Wait blocks until every published event has been delivered or dropped.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) processEvent(ctx context.Context, event Event) {
	d.logger.Debug("Processing event", zap.String("type", event.Type), zap.String("tenant", event.Tenant))

	if len(d.hooks) == 0 {
		return
	}

	payloadBytes, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("Failed to marshal event payload", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, hook := range d.hooks {
		wg.Add(1)
		go func(hook Webhook) {
			defer wg.Done()
			d.sendWebhook(ctx, hook, payloadBytes, event.ID)
		}(hook)
	}
	wg.Wait()
}

// Sign returns the signature header value for payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) sendWebhook(ctx context.Context, hook Webhook, payload []byte, eventID string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewBuffer(payload))
	if err != nil {
		d.logger.Error("Failed to create webhook request", zap.Error(err))
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dirsync-Event-ID", eventID)
	if hook.Secret != "" {
		req.Header.Set("X-Dirsync-Signature", Sign(hook.Secret, payload))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Error("Webhook delivery failed", zap.String("url", hook.URL), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.logger.Warn("Webhook received non-2xx response",
			zap.String("url", hook.URL),
			zap.Int("status", resp.StatusCode))
	} else {
		d.logger.Debug("Webhook delivered successfully", zap.String("url", hook.URL))
	}
}
