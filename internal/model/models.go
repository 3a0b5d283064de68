// Package model defines domain structs shared across the persistence layer.
package model

// Check represents a monitored endpoint and its runtime state.
type Check struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	// Configuration.
	URL                   string            `json:"url"`
	Name                  string            `json:"name"`
	Method                string            `json:"method"`
	ExpectedStatusCodes   []int             `json:"expected_status_codes"`
	BodyAssertion         string            `json:"body_assertion,omitempty"`
	IntervalSeconds       int               `json:"interval_seconds"`
	Headers               map[string]string `json:"headers,omitempty"`
	RequestBody           string            `json:"request_body,omitempty"`
	Region                string            `json:"region"`
	Enabled               bool              `json:"enabled"`
	FollowRedirects       bool              `json:"follow_redirects"`
	TreatRedirectAsOnline bool              `json:"treat_redirect_as_online"`
	PreferIPv6            bool              `json:"prefer_ipv6"`
	Tier                  string            `json:"tier"`
	OrderIndex            int               `json:"order_index"`

	// Runtime state.
	Status              Status `json:"status"`
	LastCheckedNs       int64  `json:"last_checked_ns"`
	NextDueNs           int64  `json:"next_due_ns"`
	LastResponseTimeMs  int64  `json:"last_response_time_ms"`
	LastStatusCode      int    `json:"last_status_code"`
	LastError           string `json:"last_error,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FirstFailureNs      int64  `json:"first_failure_ns"`
	Disabled            bool   `json:"disabled"`
	DisabledAtNs        int64  `json:"disabled_at_ns"`
	DisabledReason      string `json:"disabled_reason,omitempty"`
	TLSCertExpiryNs     int64  `json:"tls_cert_expiry_ns,omitempty"`

	UpdatedAtNs int64 `json:"updated_at_ns"`
	CreatedAtNs int64 `json:"created_at_ns"`
}

// ProbeOutcome is the immutable record of one probe execution.
type ProbeOutcome struct {
	ID      string `json:"id"`
	CheckID string `json:"check_id"`
	UserID  string `json:"user_id"`
	Region  string `json:"region"`

	TimestampNs    int64       `json:"timestamp_ns"`
	Kind           OutcomeKind `json:"kind"`
	ResponseTimeMs int64       `json:"response_time_ms"`
	StatusCode     int         `json:"status_code,omitempty"`
	ErrorCode      string      `json:"error_code,omitempty"`
	ErrorMessage   string      `json:"error_message,omitempty"`

	ResolvedIPs []string `json:"resolved_ips,omitempty"`
	IPFamily    int      `json:"ip_family,omitempty"` // 4 or 6

	// Enrichment (best effort; zero values mean unknown).
	Country   string  `json:"country,omitempty"`
	RegionGeo string  `json:"region_geo,omitempty"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	ASN       uint    `json:"asn,omitempty"`
	ASOrg     string  `json:"as_org,omitempty"`
	ISP       string  `json:"isp,omitempty"`
	CDN       string  `json:"cdn,omitempty"`
	EdgePoP   string  `json:"edge_pop,omitempty"`
	TraceID   string  `json:"trace_id,omitempty"`

	TLSCertExpiryNs int64 `json:"tls_cert_expiry_ns,omitempty"`

	// ResponseHeaders carries the probe's response headers to the enricher.
	// Transient; never persisted.
	ResponseHeaders map[string][]string `json:"-"`
}

// DailyRollup is the materialized per-(check, UTC day) aggregate.
type DailyRollup struct {
	CheckID       string      `json:"check_id"`
	Day           string      `json:"day"` // "2006-01-02" in UTC
	TotalProbes   int64       `json:"total_probes"`
	FailureCount  int64       `json:"failure_count"`
	HasIssue      bool        `json:"has_issue"`
	WorstKind     OutcomeKind `json:"worst_kind"`
	AvgResponseMs float64     `json:"avg_response_ms"`
	LastUpdatedNs int64       `json:"last_updated_ns"`
}

// RollupKey is the composite primary key for daily_rollups.
type RollupKey struct {
	CheckID string
	Day     string
}

// CheckOverride is a per-check alert override on a subscription.
type CheckOverride struct {
	Enabled *bool       `json:"enabled,omitempty"`
	Events  []EventKind `json:"events,omitempty"`
}

// AlertSubscription holds one user's alert routing for one channel.
type AlertSubscription struct {
	UserID    string  `json:"user_id"`
	Channel   Channel `json:"channel"`
	Recipient string  `json:"recipient"` // email address, phone number or webhook URL
	Secret    string  `json:"secret,omitempty"`
	Enabled   bool    `json:"enabled"`

	Events               []EventKind              `json:"events"`
	MinConsecutiveEvents int                      `json:"min_consecutive_events"`
	Headers              map[string]string        `json:"headers,omitempty"`
	Overrides            map[string]CheckOverride `json:"overrides,omitempty"` // check id -> override

	UpdatedAtNs int64 `json:"updated_at_ns"`
}

// SubscriptionKey is the composite primary key for alert_subscriptions.
type SubscriptionKey struct {
	UserID  string
	Channel Channel
}

// EventsFor resolves the effective event set for a check, applying the
// per-check override when present. The second return is false when the
// subscription (or the override) disables alerting for the check entirely.
func (s *AlertSubscription) EventsFor(checkID string) ([]EventKind, bool) {
	if !s.Enabled {
		return nil, false
	}
	events := s.Events
	if ov, ok := s.Overrides[checkID]; ok {
		if ov.Enabled != nil && !*ov.Enabled {
			return nil, false
		}
		if len(ov.Events) > 0 {
			events = ov.Events
		}
	}
	return events, true
}

// BudgetUsage reports one window's alert budget consumption.
type BudgetUsage struct {
	Count         int64 `json:"count"`
	Max           int64 `json:"max"`
	WindowStartNs int64 `json:"window_start_ns"`
}

// RegionLock is the time-leased exclusive claim on a region.
type RegionLock struct {
	Region       string `json:"region"`
	HolderID     string `json:"holder_id"`
	AcquiredAtNs int64  `json:"acquired_at_ns"`
	ExpiresAtNs  int64  `json:"expires_at_ns"`
}
