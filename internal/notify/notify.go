// Package notify triggers push notifications for messages arriving in
// chats that are not currently focused. Delivery is fire-and-forget.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Payload is the notification trigger body.
type Payload struct {
	ChatID          string `json:"chat_id"`
	SenderWallet    string `json:"sender_wallet"`
	RecipientWallet string `json:"recipient_wallet"`
	Preview         string `json:"preview"`
}

// Trigger posts notification payloads to an external endpoint. A zero
// URL disables it.
type Trigger struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func NewTrigger(url string, logger *zap.Logger) *Trigger {
	return &Trigger{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// Notify fires the trigger asynchronously. Errors are logged and
// dropped; a notification must never block or fail message handling.
func (t *Trigger) Notify(p Payload) {
	if t == nil || t.url == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		body, err := json.Marshal(p)
		if err != nil {
			t.logger.Warn("notification encode failed", zap.Error(err))
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
		if err != nil {
			t.logger.Warn("notification request failed", zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			t.logger.Warn("notification delivery failed", zap.Error(err))
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			t.logger.Warn("notification rejected", zap.Int("status", resp.StatusCode))
		}
	}()
}
