package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/exit1dev/monitor/internal/model"
)

// WebhookConfig configures the webhook sender. Knobs are closures for
// hot-reload from RuntimeConfig.
type WebhookConfig struct {
	Timeout func() time.Duration
	Backoff func() []time.Duration

	// Client overrides the HTTP client; nil uses a default. Test seam.
	Client *http.Client

	// Sleep is a test seam for backoff waits.
	Sleep func(ctx context.Context, d time.Duration) error
}

// WebhookSender POSTs events to user webhooks with HMAC signing and
// bounded retry.
type WebhookSender struct {
	cfg WebhookConfig
}

// NewWebhookSender creates a WebhookSender.
func NewWebhookSender(cfg WebhookConfig) *WebhookSender {
	if cfg.Timeout == nil {
		cfg.Timeout = func() time.Duration { return 10 * time.Second }
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func() []time.Duration {
			return []time.Duration{500 * time.Millisecond, 2 * time.Second, 8 * time.Second}
		}
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &WebhookSender{cfg: cfg}
}

// Send delivers one event. Retries on connect failure, 5xx, 408 and 429;
// any other non-2xx status is terminal. One retry per backoff entry, so the
// production schedule is four attempts waiting 0.5s, 2s and 8s between them.
func (w *WebhookSender) Send(ctx context.Context, sub *model.AlertSubscription, ev *Event) error {
	body, err := w.buildBody(sub.Recipient, ev)
	if err != nil {
		return err
	}

	backoff := w.cfg.Backoff()
	attempts := len(backoff) + 1

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := w.cfg.Sleep(ctx, backoff[i-1]); err != nil {
				return err
			}
		}

		retryable, err := w.attempt(ctx, sub, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return fmt.Errorf("webhook: retries exhausted: %w", lastErr)
}

// buildBody returns the JSON body; Slack incoming-webhook URLs get the
// text-only compatibility shape.
func (w *WebhookSender) buildBody(recipient string, ev *Event) ([]byte, error) {
	u, err := url.Parse(recipient)
	if err != nil {
		return nil, fmt.Errorf("webhook: parse recipient: %w", err)
	}
	if u.Hostname() == "hooks.slack.com" {
		return json.Marshal(map[string]string{"text": summaryText(ev)})
	}
	return json.Marshal(buildWebhookPayload(ev))
}

func (w *WebhookSender) attempt(ctx context.Context, sub *model.AlertSubscription, body []byte) (retryable bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Recipient, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	if sub.Secret != "" {
		req.Header.Set("X-Signature", "sha256="+signBody(body, sub.Secret))
	}

	resp, err := w.cfg.Client.Do(req)
	if err != nil {
		// Connect failures and timeouts are retryable.
		return true, fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500, resp.StatusCode == 408, resp.StatusCode == 429:
		return true, fmt.Errorf("webhook: status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("webhook: terminal status %d", resp.StatusCode)
	}
}

// signBody computes the hex HMAC-SHA-256 of body under secret.
func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
