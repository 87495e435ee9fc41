package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// webhookPayload is the JSON body sent to the webhook endpoint. The "text"
// field keeps it compatible with Slack/Discord-style incoming webhooks,
// while "payload" carries structured data for custom integrations.
type webhookPayload struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"text"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// webhookSender delivers notices via an outbound HTTP POST to a configured
// URL, optionally signed with HMAC-SHA256 when a secret is configured.
type webhookSender struct {
	client *http.Client
	loader func(ctx context.Context) (*WebhookConfig, error)
}

func newWebhookSender(loader func(ctx context.Context) (*WebhookConfig, error)) *webhookSender {
	return &webhookSender{
		client: &http.Client{Timeout: 10 * time.Second},
		loader: loader,
	}
}

// Send serializes the notice as JSON and POSTs it to the configured webhook
// URL. If the webhook is disabled or not configured, the send is skipped
// silently.
func (s *webhookSender) Send(ctx context.Context, noticeType, title, body string, payload map[string]any) error {
	cfg, err := s.loader(ctx)
	if err != nil {
		if err == ErrConfigNotFound {
			return nil
		}
		return fmt.Errorf("%w: failed to load webhook config: %s", ErrSendFailed, err)
	}

	if !cfg.Enabled {
		return nil
	}

	data, err := json.Marshal(webhookPayload{
		Type:      noticeType,
		Title:     title,
		Body:      body,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to marshal webhook payload: %s", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: failed to build webhook request: %s", ErrSendFailed, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ezidcore-webhook/1.0")

	if cfg.Secret != "" {
		sig := hmacSHA256(data, cfg.Secret)
		req.Header.Set("X-Ezidcore-Signature", "sha256="+sig)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook request failed: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook returned non-2xx status %d", ErrSendFailed, resp.StatusCode)
	}

	return nil
}

func hmacSHA256(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
