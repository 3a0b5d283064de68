package model

// Status is a check's derived runtime status.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusOnline   Status = "online"
	StatusOffline  Status = "offline"
	StatusDegraded Status = "degraded"
	StatusRedirect Status = "redirect"
	StatusDisabled Status = "disabled"
)

// IsFailing reports whether the status counts as a failure streak member.
func (s Status) IsFailing() bool {
	return s == StatusOffline || s == StatusDegraded
}

// IsHealthy reports whether the status counts as up for uptime purposes.
// Redirect is treated as online.
func (s Status) IsHealthy() bool {
	return s == StatusOnline || s == StatusRedirect
}

// OutcomeKind classifies one probe execution. It is the only error surface
// the probe pipeline presents to the state machine.
type OutcomeKind string

const (
	OutcomeOK              OutcomeKind = "ok"
	OutcomeHTTPError       OutcomeKind = "http_error"
	OutcomeAssertionFailed OutcomeKind = "assertion_failed"
	OutcomeRedirect        OutcomeKind = "redirect"
	OutcomeDNSFailure      OutcomeKind = "dns_failure"
	OutcomeConnectFailure  OutcomeKind = "connect_failure"
	OutcomeTLSFailure      OutcomeKind = "tls_failure"
	OutcomeTimeout         OutcomeKind = "timeout"
	OutcomeUnknownError    OutcomeKind = "unknown_error"
)

// Status maps an outcome kind to the resulting check status.
func (k OutcomeKind) Status() Status {
	switch k {
	case OutcomeOK:
		return StatusOnline
	case OutcomeRedirect:
		return StatusRedirect
	case OutcomeHTTPError, OutcomeAssertionFailed:
		return StatusDegraded
	case OutcomeDNSFailure, OutcomeConnectFailure, OutcomeTLSFailure,
		OutcomeTimeout, OutcomeUnknownError:
		return StatusOffline
	default:
		return StatusUnknown
	}
}

// Severity orders outcome kinds from best to worst for the daily rollup's
// worst-kind column. Higher is worse.
func (k OutcomeKind) Severity() int {
	switch k {
	case OutcomeOK:
		return 0
	case OutcomeRedirect:
		return 1
	case OutcomeAssertionFailed:
		return 2
	case OutcomeHTTPError:
		return 3
	case OutcomeTimeout:
		return 4
	case OutcomeConnectFailure:
		return 5
	case OutcomeTLSFailure:
		return 6
	case OutcomeDNSFailure:
		return 7
	case OutcomeUnknownError:
		return 8
	default:
		return 9
	}
}

// IsFailure reports whether the kind counts toward the rollup failure count.
func (k OutcomeKind) IsFailure() bool {
	return k != OutcomeOK && k != OutcomeRedirect
}

// EventKind is a transition event emitted by the state machine.
type EventKind string

const (
	EventWentOffline   EventKind = "went_offline"
	EventCameOnline    EventKind = "came_online"
	EventErrorObserved EventKind = "error_observed"
	EventAutoDisabled  EventKind = "auto_disabled"
)

// Channel identifies an alert delivery channel.
type Channel string

const (
	ChannelWebhook Channel = "webhook"
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
)

// Channels lists all delivery channels.
var Channels = []Channel{ChannelWebhook, ChannelEmail, ChannelSMS}
