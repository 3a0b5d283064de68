package config

import "time"

// RuntimeConfig holds hot-updatable settings read by long-lived components
// through closures. The retry and timeout constants here are fixed in
// production and overridden only by tests.
type RuntimeConfig struct {
	// Probe
	UserAgent        string   `json:"user_agent"`
	ConnectTimeout   Duration `json:"connect_timeout"`
	TotalTimeout     Duration `json:"total_timeout"`
	MaxRedirects     int      `json:"max_redirects"`
	MaxResponseBytes int64    `json:"max_response_bytes"`

	// DNS
	DNSPositiveTTL          Duration   `json:"dns_positive_ttl"`
	DNSNegativePermanentTTL Duration   `json:"dns_negative_permanent_ttl"`
	DNSNegativeTransientTTL Duration   `json:"dns_negative_transient_ttl"`
	DNSQueryTimeout         Duration   `json:"dns_query_timeout"`
	DNSMaxRetries           int        `json:"dns_max_retries"`
	DNSRetryBackoff         []Duration `json:"dns_retry_backoff"`

	// Alerts
	WebhookTimeout   Duration   `json:"webhook_timeout"`
	WebhookBackoff   []Duration `json:"webhook_backoff"`
	AlertDedupWindow Duration   `json:"alert_dedup_window"`

	// Result sink
	AppendMaxRetries      int `json:"append_max_retries"`
	StateUpdateMaxRetries int `json:"state_update_max_retries"`
}

// NewDefaultRuntimeConfig returns a RuntimeConfig populated with the
// production defaults.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		UserAgent:        "Exit1-Monitor/1.0",
		ConnectTimeout:   Duration(10 * time.Second),
		TotalTimeout:     Duration(30 * time.Second),
		MaxRedirects:     5,
		MaxResponseBytes: 64 << 10,

		DNSPositiveTTL:          Duration(120 * time.Second),
		DNSNegativePermanentTTL: Duration(30 * time.Second),
		DNSNegativeTransientTTL: Duration(5 * time.Second),
		DNSQueryTimeout:         Duration(5 * time.Second),
		DNSMaxRetries:           3,
		DNSRetryBackoff: []Duration{
			Duration(200 * time.Millisecond),
			Duration(400 * time.Millisecond),
			Duration(800 * time.Millisecond),
		},

		WebhookTimeout: Duration(10 * time.Second),
		WebhookBackoff: []Duration{
			Duration(500 * time.Millisecond),
			Duration(2 * time.Second),
			Duration(8 * time.Second),
		},
		AlertDedupWindow: Duration(60 * time.Second),

		AppendMaxRetries:      3,
		StateUpdateMaxRetries: 3,
	}
}
