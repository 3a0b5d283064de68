package classify

import (
	"testing"
	"time"

	"github.com/exit1dev/monitor/internal/model"
)

func outcome(kind model.OutcomeKind, code, msg string) *model.ProbeOutcome {
	return &model.ProbeOutcome{Kind: kind, ErrorCode: code, ErrorMessage: msg}
}

func TestApply_Transitions(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		check  model.Check
		out    *model.ProbeOutcome
		status model.Status
		events []model.EventKind
		cf     int
	}{
		{
			name:   "first probe ok",
			check:  model.Check{Status: model.StatusUnknown},
			out:    outcome(model.OutcomeOK, "", ""),
			status: model.StatusOnline,
			cf:     0,
		},
		{
			name:   "steady online",
			check:  model.Check{Status: model.StatusOnline},
			out:    outcome(model.OutcomeOK, "", ""),
			status: model.StatusOnline,
			cf:     0,
		},
		{
			name:   "online to offline",
			check:  model.Check{Status: model.StatusOnline},
			out:    outcome(model.OutcomeTimeout, "Timeout", "context deadline exceeded"),
			status: model.StatusOffline,
			events: []model.EventKind{model.EventWentOffline},
			cf:     1,
		},
		{
			name:   "unknown to degraded",
			check:  model.Check{Status: model.StatusUnknown},
			out:    outcome(model.OutcomeHTTPError, "ProtocolError", "unexpected status 500"),
			status: model.StatusDegraded,
			events: []model.EventKind{model.EventWentOffline},
			cf:     1,
		},
		{
			name: "offline stays offline",
			check: model.Check{
				Status: model.StatusOffline, ConsecutiveFailures: 2,
				FirstFailureNs: now.Add(-time.Hour).UnixNano(),
				LastError:      "Timeout: context deadline exceeded",
			},
			out:    outcome(model.OutcomeTimeout, "Timeout", "context deadline exceeded"),
			status: model.StatusOffline,
			cf:     3,
		},
		{
			name: "offline to degraded with new error",
			check: model.Check{
				Status: model.StatusOffline, ConsecutiveFailures: 2,
				FirstFailureNs: now.Add(-time.Hour).UnixNano(),
				LastError:      "Timeout: context deadline exceeded",
			},
			out:    outcome(model.OutcomeHTTPError, "ProtocolError", "unexpected status 503"),
			status: model.StatusDegraded,
			events: []model.EventKind{model.EventErrorObserved},
			cf:     3,
		},
		{
			name: "degraded to offline with same error string",
			check: model.Check{
				Status: model.StatusDegraded, ConsecutiveFailures: 4,
				FirstFailureNs: now.Add(-time.Hour).UnixNano(),
				LastError:      "Timeout: context deadline exceeded",
			},
			out:    outcome(model.OutcomeTimeout, "Timeout", "context deadline exceeded"),
			status: model.StatusOffline,
			cf:     5,
		},
		{
			name: "recovery",
			check: model.Check{
				Status: model.StatusOffline, ConsecutiveFailures: 5,
				FirstFailureNs: now.Add(-time.Hour).UnixNano(),
			},
			out:    outcome(model.OutcomeOK, "", ""),
			status: model.StatusOnline,
			events: []model.EventKind{model.EventCameOnline},
			cf:     0,
		},
		{
			name:   "redirect as its own status",
			check:  model.Check{Status: model.StatusOnline},
			out:    outcome(model.OutcomeRedirect, "", ""),
			status: model.StatusRedirect,
			cf:     0,
		},
		{
			name:   "redirect treated as online",
			check:  model.Check{Status: model.StatusOnline, TreatRedirectAsOnline: true},
			out:    outcome(model.OutcomeRedirect, "", ""),
			status: model.StatusOnline,
			cf:     0,
		},
		{
			name: "recovery from degraded via redirect",
			check: model.Check{
				Status: model.StatusDegraded, ConsecutiveFailures: 1,
				FirstFailureNs: now.Add(-time.Minute).UnixNano(),
			},
			out:    outcome(model.OutcomeRedirect, "", ""),
			status: model.StatusRedirect,
			events: []model.EventKind{model.EventCameOnline},
			cf:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := Apply(&tt.check, tt.out, now)
			if tr.Status != tt.status {
				t.Fatalf("status = %s, want %s", tr.Status, tt.status)
			}
			if tr.ConsecutiveFailures != tt.cf {
				t.Fatalf("consecutive failures = %d, want %d", tr.ConsecutiveFailures, tt.cf)
			}
			if len(tr.Events) != len(tt.events) {
				t.Fatalf("events = %v, want %v", tr.Events, tt.events)
			}
			for i := range tt.events {
				if tr.Events[i] != tt.events[i] {
					t.Fatalf("events = %v, want %v", tr.Events, tt.events)
				}
			}
		})
	}
}

func TestApply_FirstFailureTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	check := model.Check{Status: model.StatusOnline}

	tr := Apply(&check, outcome(model.OutcomeTimeout, "Timeout", "t"), now)
	if tr.FirstFailureNs != now.UnixNano() {
		t.Fatalf("first failure = %d, want %d", tr.FirstFailureNs, now.UnixNano())
	}

	// Recovery clears it.
	check.Status = tr.Status
	check.ConsecutiveFailures = tr.ConsecutiveFailures
	check.FirstFailureNs = tr.FirstFailureNs
	tr = Apply(&check, outcome(model.OutcomeOK, "", ""), now.Add(time.Minute))
	if tr.FirstFailureNs != 0 {
		t.Fatalf("first failure after recovery = %d, want 0", tr.FirstFailureNs)
	}
	if tr.PriorFailures != 1 {
		t.Fatalf("prior failures = %d, want 1", tr.PriorFailures)
	}
}

func TestApply_AutoDisable(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	check := model.Check{
		Status:              model.StatusOffline,
		ConsecutiveFailures: 10000,
		FirstFailureNs:      now.Add(-AutoDisableAfter).UnixNano(),
		LastError:           "Timeout: t",
	}

	tr := Apply(&check, outcome(model.OutcomeTimeout, "Timeout", "t"), now)
	if !tr.AutoDisable {
		t.Fatal("want auto-disable after sustained failure")
	}
	if tr.DisabledReason != DisabledReasonSustainedFailure {
		t.Fatalf("reason = %q", tr.DisabledReason)
	}
	last := tr.Events[len(tr.Events)-1]
	if last != model.EventAutoDisabled {
		t.Fatalf("events = %v, want auto_disabled last", tr.Events)
	}

	// One nanosecond short of the window: still scheduled.
	check.FirstFailureNs = now.Add(-AutoDisableAfter).UnixNano() + 1
	tr = Apply(&check, outcome(model.OutcomeTimeout, "Timeout", "t"), now)
	if tr.AutoDisable {
		t.Fatal("auto-disable fired before the window elapsed")
	}
}

func TestApply_AutoDisableNotTriggeredByRecovery(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	check := model.Check{
		Status:              model.StatusOffline,
		ConsecutiveFailures: 10000,
		FirstFailureNs:      now.Add(-2 * AutoDisableAfter).UnixNano(),
	}

	tr := Apply(&check, outcome(model.OutcomeOK, "", ""), now)
	if tr.AutoDisable {
		t.Fatal("a recovering check must not be auto-disabled")
	}
	if len(tr.Events) != 1 || tr.Events[0] != model.EventCameOnline {
		t.Fatalf("events = %v", tr.Events)
	}
}

func TestLastErrorDerivation(t *testing.T) {
	tests := []struct {
		out  *model.ProbeOutcome
		want string
	}{
		{outcome(model.OutcomeOK, "", ""), ""},
		{outcome(model.OutcomeRedirect, "", ""), ""},
		{outcome(model.OutcomeTimeout, "Timeout", "context deadline exceeded"), "Timeout: context deadline exceeded"},
		{outcome(model.OutcomeDNSFailure, "NameNotFound", ""), "NameNotFound"},
		{outcome(model.OutcomeAssertionFailed, "", `body does not contain "ok"`), `body does not contain "ok"`},
		{outcome(model.OutcomeUnknownError, "", ""), "unknown_error"},
	}
	for _, tt := range tests {
		if got := lastErrorFor(tt.out); got != tt.want {
			t.Errorf("lastErrorFor(%s) = %q, want %q", tt.out.Kind, got, tt.want)
		}
	}
}

func TestEligible(t *testing.T) {
	no := false
	base := model.AlertSubscription{
		UserID:  "u1",
		Channel: model.ChannelWebhook,
		Enabled: true,
		Events:  []model.EventKind{model.EventWentOffline, model.EventCameOnline},
	}

	tests := []struct {
		name     string
		mutate   func(*model.AlertSubscription)
		event    model.EventKind
		failures int
		disabled bool
		want     bool
	}{
		{name: "enabled event", event: model.EventWentOffline, failures: 1, want: true},
		{name: "event not subscribed", event: model.EventErrorObserved, failures: 1, want: false},
		{
			name:   "subscription disabled",
			mutate: func(s *model.AlertSubscription) { s.Enabled = false },
			event:  model.EventWentOffline, failures: 1, want: false,
		},
		{
			name:   "below threshold",
			mutate: func(s *model.AlertSubscription) { s.MinConsecutiveEvents = 3 },
			event:  model.EventWentOffline, failures: 2, want: false,
		},
		{
			name:   "at threshold",
			mutate: func(s *model.AlertSubscription) { s.MinConsecutiveEvents = 3 },
			event:  model.EventWentOffline, failures: 3, want: true,
		},
		{
			name:   "came online judged on prior failures",
			mutate: func(s *model.AlertSubscription) { s.MinConsecutiveEvents = 3 },
			event:  model.EventCameOnline, failures: 5, want: true,
		},
		{name: "disabled check suppresses", event: model.EventWentOffline, failures: 1, disabled: true, want: false},
		{name: "auto disable always delivered", event: model.EventAutoDisabled, failures: 1, disabled: true, want: true},
		{
			name: "per check override disables",
			mutate: func(s *model.AlertSubscription) {
				s.Overrides = map[string]model.CheckOverride{"chk-1": {Enabled: &no}}
			},
			event: model.EventWentOffline, failures: 1, want: false,
		},
		{
			name: "per check override narrows events",
			mutate: func(s *model.AlertSubscription) {
				s.Overrides = map[string]model.CheckOverride{"chk-1": {Events: []model.EventKind{model.EventCameOnline}}}
			},
			event: model.EventWentOffline, failures: 1, want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := base
			if tt.mutate != nil {
				tt.mutate(&sub)
			}
			got := Eligible(&sub, "chk-1", tt.event, tt.failures, tt.disabled)
			if got != tt.want {
				t.Fatalf("eligible = %v, want %v", got, tt.want)
			}
		})
	}
}
