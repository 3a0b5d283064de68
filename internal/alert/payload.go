// Package alert delivers transition events to subscribed channels under
// per-user budgets, with dedup, bounded retry and per-(check, channel)
// ordering.
package alert

import (
	"fmt"
	"time"

	"github.com/exit1dev/monitor/internal/model"
)

// Event is one transition event bound for delivery.
type Event struct {
	Kind           model.EventKind
	TimestampNs    int64
	PreviousStatus model.Status

	// Check is a snapshot of the record after the transition was applied.
	Check *model.Check
}

// websitePayload is the check snapshot embedded in webhook bodies.
type websitePayload struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	Status       string `json:"status"`
	ResponseTime int64  `json:"response_time"`
	LastError    string `json:"last_error,omitempty"`
}

// webhookPayload is the JSON body POSTed to webhook recipients.
type webhookPayload struct {
	Event          string         `json:"event"`
	Timestamp      string         `json:"timestamp"`
	Website        websitePayload `json:"website"`
	PreviousStatus string         `json:"previous_status"`
	UserID         string         `json:"user_id"`
}

func buildWebhookPayload(ev *Event) webhookPayload {
	c := ev.Check
	return webhookPayload{
		Event:          string(ev.Kind),
		Timestamp:      time.Unix(0, ev.TimestampNs).UTC().Format(time.RFC3339),
		Website: websitePayload{
			ID:           c.ID,
			Name:         c.Name,
			URL:          c.URL,
			Status:       string(c.Status),
			ResponseTime: c.LastResponseTimeMs,
			LastError:    c.LastError,
		},
		PreviousStatus: string(ev.PreviousStatus),
		UserID:         c.UserID,
	}
}

// summaryText renders the one-line human form used for Slack and SMS.
func summaryText(ev *Event) string {
	c := ev.Check
	name := c.Name
	if name == "" {
		name = c.URL
	}
	switch ev.Kind {
	case model.EventWentOffline:
		return fmt.Sprintf("%s is %s: %s", name, c.Status, c.LastError)
	case model.EventCameOnline:
		return fmt.Sprintf("%s is back online (%d ms)", name, c.LastResponseTimeMs)
	case model.EventErrorObserved:
		return fmt.Sprintf("%s error changed: %s", name, c.LastError)
	case model.EventAutoDisabled:
		return fmt.Sprintf("%s was disabled after sustained failure", name)
	default:
		return fmt.Sprintf("%s: %s", name, ev.Kind)
	}
}
