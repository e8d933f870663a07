// Package discord batches final transcripts into sentence-aligned
// multilingual messages and posts them to a webhook.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"subteksto/internal/config"
	"subteksto/internal/logging"

	"github.com/sirupsen/logrus"
)

const (
	notifyBackoffMin = time.Second
	notifyBackoffMax = 10 * time.Second
	notifyAttempts   = 5
)

// Notifier owns the webhook: one POST in flight, retry with backoff,
// drop after exhausting the attempt budget.
type Notifier struct {
	cfg       *config.Config
	logger    *logrus.Logger
	client    *http.Client
	warnLimit *logging.Limiter
}

func NewNotifier(cfg *config.Config, logger *logrus.Logger) *Notifier {
	return &Notifier{
		cfg:       cfg,
		logger:    logger,
		client:    &http.Client{Timeout: 10 * time.Second},
		warnLimit: logging.NewLimiter(time.Minute),
	}
}

func (n *Notifier) Enabled() bool {
	return n.cfg.Webhook.Enabled && n.cfg.Webhook.URL != ""
}

// Send posts one message, retrying transient failures. The message is
// dropped (with an error log) once the attempt budget is spent.
func (n *Notifier) Send(ctx context.Context, content string) {
	if !n.Enabled() || strings.TrimSpace(content) == "" {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"content":  content,
		"username": n.cfg.Webhook.Username,
	})

	backoff := notifyBackoffMin
	for attempt := 1; attempt <= notifyAttempts; attempt++ {
		if n.post(ctx, payload, attempt) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > notifyBackoffMax {
			backoff = notifyBackoffMax
		}
	}
	n.logger.Errorf("webhook: dropping message after %d attempts", notifyAttempts)
}

func (n *Notifier) post(ctx context.Context, payload []byte, attempt int) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.Webhook.URL, bytes.NewReader(payload))
	if err != nil {
		n.logger.Warnf("webhook: build request: %v", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		if n.warnLimit.Allow("webhook-post") {
			n.logger.Warnf("webhook: POST failed (%d/%d): %v", attempt, notifyAttempts, err)
		}
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		if n.warnLimit.Allow("webhook-post") {
			n.logger.Warnf("webhook: POST failed (%d/%d): status=%d body=%s", attempt, notifyAttempts, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return false
	}
	return true
}
