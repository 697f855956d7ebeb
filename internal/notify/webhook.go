package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Veraticus/grouptip/internal/common"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Grouptip-Signature"

// ErrDeliveryFailed is returned when the endpoint never accepted the event.
var ErrDeliveryFailed = errors.New("webhook delivery failed")

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	URL         string
	Secret      string
	Timeout     time.Duration
	MaxAttempts int
	// InitialDelay is the first backoff between attempts.
	InitialDelay time.Duration
}

// Webhook POSTs each event as JSON. Server errors and transport failures are
// retried with backoff; any other non-2xx response fails immediately.
type Webhook struct {
	client *http.Client
	cfg    WebhookConfig
}

// NewWebhook creates a webhook notifier.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: notify.webhook_url", common.ErrMissingConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 200 * time.Millisecond
	}
	return &Webhook{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
	}, nil
}

// PoolSettled implements service.Notifier.
func (w *Webhook) PoolSettled(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	err = common.WithRetry(ctx, func() error {
		return w.deliver(ctx, event.PoolID, payload)
	}, common.RetryOptions{
		MaxAttempts:  w.cfg.MaxAttempts,
		InitialDelay: w.cfg.InitialDelay,
		MaxDelay:     10 * w.cfg.InitialDelay,
		Multiplier:   2,
	})
	if err != nil {
		return fmt.Errorf("%w: pool %s: %w", ErrDeliveryFailed, event.PoolID, err)
	}
	return nil
}

func (w *Webhook) deliver(ctx context.Context, poolID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return common.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", poolID)
	if w.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.cfg.Secret, payload))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return common.Permanent(ctx.Err())
		}
		return &common.RetryableError{Err: err, Retryable: true}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return &common.RetryableError{Err: fmt.Errorf("endpoint returned %s", resp.Status), Retryable: true}
	default:
		return common.Permanent(fmt.Errorf("endpoint returned %s", resp.Status))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
