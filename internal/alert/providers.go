package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/exit1dev/monitor/internal/model"
)

// emailTemplate renders the HTML body for email alerts.
var emailTemplate = template.Must(template.New("email").Parse(`<html><body>
<h2>{{.Title}}</h2>
<p><strong>{{.Name}}</strong> ({{.URL}}) is now <strong>{{.Status}}</strong>.</p>
{{if .LastError}}<p>Last error: <code>{{.LastError}}</code></p>{{end}}
<p>Response time: {{.ResponseTime}} ms</p>
</body></html>`))

type emailData struct {
	Title        string
	Name         string
	URL          string
	Status       string
	LastError    string
	ResponseTime int64
}

// ProviderConfig points a sender at a third-party delivery provider.
type ProviderConfig struct {
	URL    string // provider endpoint
	APIKey string
	From   string // email only

	// Client overrides the HTTP client; nil uses a 10s-timeout default.
	Client *http.Client
}

// EmailSender delivers alerts through an opaque HTTP email provider.
// Single attempt: provider-side retries are not modeled.
type EmailSender struct {
	cfg ProviderConfig
}

// NewEmailSender creates an EmailSender.
func NewEmailSender(cfg ProviderConfig) *EmailSender {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &EmailSender{cfg: cfg}
}

// Send renders the HTML template and posts it to the provider.
func (e *EmailSender) Send(ctx context.Context, sub *model.AlertSubscription, ev *Event) error {
	c := ev.Check
	name := c.Name
	if name == "" {
		name = c.URL
	}
	var html bytes.Buffer
	if err := emailTemplate.Execute(&html, emailData{
		Title:        summaryText(ev),
		Name:         name,
		URL:          c.URL,
		Status:       string(c.Status),
		LastError:    c.LastError,
		ResponseTime: c.LastResponseTimeMs,
	}); err != nil {
		return fmt.Errorf("email: render template: %w", err)
	}

	return postProvider(ctx, e.cfg, map[string]string{
		"from":    e.cfg.From,
		"to":      sub.Recipient,
		"subject": summaryText(ev),
		"html":    html.String(),
	})
}

// SMSSender delivers the one-line summary through an HTTP SMS provider.
// Single attempt, like email.
type SMSSender struct {
	cfg ProviderConfig
}

// NewSMSSender creates an SMSSender.
func NewSMSSender(cfg ProviderConfig) *SMSSender {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SMSSender{cfg: cfg}
}

// Send posts the summary text to the provider.
func (s *SMSSender) Send(ctx context.Context, sub *model.AlertSubscription, ev *Event) error {
	return postProvider(ctx, s.cfg, map[string]string{
		"to":      sub.Recipient,
		"message": summaryText(ev),
	})
}

func postProvider(ctx context.Context, cfg ProviderConfig, payload map[string]string) error {
	if cfg.URL == "" {
		return fmt.Errorf("provider: not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("provider: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("provider: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("provider: post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider: status %d", resp.StatusCode)
	}
	return nil
}
