package notification

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

// WebhookConfig configures the outbound webhook channel. An empty URL leaves
// the channel unconfigured.
type WebhookConfig struct {
	URL string
	// Secret, when set, signs the request body with HMAC-SHA256 so the
	// receiver can verify authenticity.
	Secret string
}

// webhookPayload is the JSON body sent to the webhook endpoint. The structure
// stays compatible with Slack/Discord/Teams incoming webhooks via the "text"
// field while carrying structured data in "payload" for custom integrations.
type webhookPayload struct {
	Kind      string         `json:"kind"`
	Priority  string         `json:"priority"`
	Title     string         `json:"title"`
	Body      string         `json:"text"` // "text" for Slack/Discord compatibility
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// webhookChannel delivers notifications via an outbound HTTP POST.
type webhookChannel struct {
	cfg    WebhookConfig
	client *http.Client
}

func newWebhookChannel(cfg WebhookConfig) *webhookChannel {
	return &webhookChannel{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *webhookChannel) ID() ChannelID    { return ChannelWebhook }
func (c *webhookChannel) Configured() bool { return c.cfg.URL != "" }

// Deliver serializes the message as JSON and POSTs it to the configured URL.
// Non-2xx responses are delivery failures wrapped in ErrSendFailed.
func (c *webhookChannel) Deliver(ctx context.Context, msg *Message) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	payload := map[string]any{}
	if id := msg.jobID(); id != "" {
		payload["jobId"] = id
	}

	data, err := json.Marshal(webhookPayload{
		Kind:      msg.Kind,
		Priority:  string(msg.Priority),
		Title:     msg.Subject,
		Body:      msg.Body,
		Payload:   payload,
		Timestamp: msg.Cause.At().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to marshal webhook payload: %s", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: failed to build webhook request: %s", ErrSendFailed, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Floworc-Webhook/1.0")

	// Signature follows the "sha256=<hex>" convention used by GitHub and
	// Stripe webhooks, in the X-Floworc-Signature header.
	if c.cfg.Secret != "" {
		req.Header.Set("X-Floworc-Signature", "sha256="+hmacSHA256(data, c.cfg.Secret))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook request failed: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook returned non-2xx status %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

// hmacSHA256 computes an HMAC-SHA256 signature of data using secret,
// returned as a lowercase hex string.
func hmacSHA256(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
