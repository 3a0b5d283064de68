// Package classify derives status transitions from probe outcomes. It is a
// pure function of (previous check state, outcome, now); persistence and
// alert delivery happen downstream. The scheduler invokes it strictly
// serially per check, so emitted events are totally ordered.
package classify

import (
	"fmt"
	"time"

	"github.com/exit1dev/monitor/internal/model"
)

// AutoDisableAfter is how long a check may fail continuously before it is
// taken out of scheduling.
const AutoDisableAfter = 7 * 24 * time.Hour

// DisabledReasonSustainedFailure marks checks auto-disabled for failing
// continuously past AutoDisableAfter.
const DisabledReasonSustainedFailure = "sustained_failure"

// Transition is the state delta produced by one outcome.
type Transition struct {
	Status              model.Status
	ConsecutiveFailures int
	FirstFailureNs      int64
	LastError           string
	Events              []model.EventKind

	// PriorFailures is the failure count before a recovery reset; alert
	// eligibility for came_online is judged against it.
	PriorFailures int

	AutoDisable    bool
	DisabledReason string
}

// Apply computes the transition for one outcome against the check's
// current state. It does not mutate the check.
func Apply(check *model.Check, out *model.ProbeOutcome, now time.Time) Transition {
	newStatus := out.Kind.Status()
	if out.Kind == model.OutcomeRedirect && check.TreatRedirectAsOnline {
		newStatus = model.StatusOnline
	}

	tr := Transition{
		Status:              newStatus,
		ConsecutiveFailures: check.ConsecutiveFailures,
		FirstFailureNs:      check.FirstFailureNs,
		LastError:           lastErrorFor(out),
	}

	prev := check.Status
	switch {
	case newStatus.IsFailing() && prev.IsFailing():
		tr.ConsecutiveFailures++
		// degraded<->offline stays one streak; surface it only when the
		// underlying error actually changed.
		if newStatus != prev && tr.LastError != check.LastError {
			tr.Events = append(tr.Events, model.EventErrorObserved)
		}

	case newStatus.IsFailing():
		// online/redirect/unknown -> failing.
		tr.Events = append(tr.Events, model.EventWentOffline)
		tr.ConsecutiveFailures = 1
		if tr.FirstFailureNs == 0 {
			tr.FirstFailureNs = now.UnixNano()
		}

	case prev.IsFailing():
		tr.Events = append(tr.Events, model.EventCameOnline)
		tr.PriorFailures = check.ConsecutiveFailures
		tr.ConsecutiveFailures = 0
		tr.FirstFailureNs = 0

	default:
		// healthy -> healthy, or the first probe ever.
		tr.ConsecutiveFailures = 0
		tr.FirstFailureNs = 0
	}

	if tr.ConsecutiveFailures > 0 && tr.FirstFailureNs > 0 &&
		now.UnixNano()-tr.FirstFailureNs >= int64(AutoDisableAfter) {
		tr.AutoDisable = true
		tr.DisabledReason = DisabledReasonSustainedFailure
		tr.Events = append(tr.Events, model.EventAutoDisabled)
	}

	return tr
}

// lastErrorFor derives the short user-visible error string.
func lastErrorFor(out *model.ProbeOutcome) string {
	if !out.Kind.IsFailure() {
		return ""
	}
	if out.ErrorCode != "" && out.ErrorMessage != "" {
		return fmt.Sprintf("%s: %s", out.ErrorCode, out.ErrorMessage)
	}
	if out.ErrorMessage != "" {
		return out.ErrorMessage
	}
	if out.ErrorCode != "" {
		return out.ErrorCode
	}
	return string(out.Kind)
}

// Eligible reports whether a transition event should be dispatched to the
// subscription. failures is the streak the event is judged against: the
// current count for failure events, the pre-recovery count for came_online.
func Eligible(sub *model.AlertSubscription, checkID string, event model.EventKind, failures int, disabled bool) bool {
	events, ok := sub.EventsFor(checkID)
	if !ok {
		return false
	}

	// Auto-disable is terminal and always delivered to an enabled
	// subscription, even though the check is now disabled.
	if event == model.EventAutoDisabled {
		return true
	}
	if disabled {
		return false
	}

	found := false
	for _, e := range events {
		if e == event {
			found = true
			break
		}
	}
	if !found {
		return false
	}

	if sub.MinConsecutiveEvents > 1 && failures < sub.MinConsecutiveEvents {
		return false
	}
	return true
}
