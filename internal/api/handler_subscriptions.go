package api

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/exit1dev/monitor/internal/alert"
	"github.com/exit1dev/monitor/internal/model"
	"github.com/exit1dev/monitor/internal/store"
)

// subscriptionRequest is the write shape for PUT subscription.
type subscriptionRequest struct {
	Recipient            string                         `json:"recipient"`
	Secret               string                         `json:"secret"`
	Enabled              *bool                          `json:"enabled"`
	Events               []model.EventKind              `json:"events"`
	MinConsecutiveEvents int                            `json:"min_consecutive_events"`
	Headers              map[string]string              `json:"headers"`
	Overrides            map[string]model.CheckOverride `json:"overrides"`
}

var validEvents = []model.EventKind{
	model.EventWentOffline, model.EventCameOnline,
	model.EventErrorObserved, model.EventAutoDisabled,
}

func parseChannel(r *http.Request) (model.Channel, error) {
	ch := model.Channel(PathParam(r, "channel"))
	if !slices.Contains(model.Channels, ch) {
		return "", fmt.Errorf("channel: must be one of %v", model.Channels)
	}
	return ch, nil
}

func validateSubscriptionRequest(req *subscriptionRequest, channel model.Channel) error {
	if req.Recipient == "" {
		return fmt.Errorf("recipient: required")
	}
	if channel == model.ChannelWebhook {
		u, err := url.Parse(req.Recipient)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("recipient: must be an absolute http or https URL")
		}
	}
	for _, e := range req.Events {
		if !slices.Contains(validEvents, e) {
			return fmt.Errorf("events: unknown event %q", e)
		}
	}
	for _, ov := range req.Overrides {
		for _, e := range ov.Events {
			if !slices.Contains(validEvents, e) {
				return fmt.Errorf("overrides: unknown event %q", e)
			}
		}
	}
	if req.MinConsecutiveEvents < 0 {
		return fmt.Errorf("min_consecutive_events: must be non-negative")
	}
	return nil
}

// HandleListSubscriptions returns a handler for GET
// /api/v1/users/{user}/subscriptions.
func HandleListSubscriptions(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subs, err := st.ListSubscriptions(PathParam(r, "user"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteList(w, http.StatusOK, subs)
	}
}

// HandleGetSubscription returns a handler for GET
// /api/v1/users/{user}/subscriptions/{channel}.
func HandleGetSubscription(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel, err := parseChannel(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		sub, err := st.GetSubscription(PathParam(r, "user"), channel)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sub)
	}
}

// HandlePutSubscription returns a handler for PUT
// /api/v1/users/{user}/subscriptions/{channel}. Create and update share
// the same full-replace shape; the (user, channel) pair is the identity.
func HandlePutSubscription(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel, err := parseChannel(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}

		var req subscriptionRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if err := validateSubscriptionRequest(&req, channel); err != nil {
			writeConfigInvalid(w, err.Error())
			return
		}

		events := req.Events
		if len(events) == 0 {
			events = []model.EventKind{model.EventWentOffline, model.EventCameOnline}
		}
		sub := &model.AlertSubscription{
			UserID:               PathParam(r, "user"),
			Channel:              channel,
			Recipient:            req.Recipient,
			Secret:               req.Secret,
			Enabled:              req.Enabled == nil || *req.Enabled,
			Events:               events,
			MinConsecutiveEvents: req.MinConsecutiveEvents,
			Headers:              req.Headers,
			Overrides:            req.Overrides,
			UpdatedAtNs:          time.Now().UnixNano(),
		}

		if err := st.UpsertSubscription(sub); err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sub)
	}
}

// HandleDeleteSubscription returns a handler for DELETE
// /api/v1/users/{user}/subscriptions/{channel}.
func HandleDeleteSubscription(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel, err := parseChannel(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		userID := PathParam(r, "user")
		if _, err := st.GetSubscription(userID, channel); err != nil {
			writeStoreError(w, err)
			return
		}
		if err := st.DeleteSubscription(userID, channel); err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleTestSubscription returns a handler for POST
// /api/v1/users/{user}/subscriptions/{channel}/actions/test. A synthetic
// recovery event is pushed through the normal dispatch path, so dedup and
// budgets apply exactly as they would in production.
func HandleTestSubscription(st *store.Store, dispatcher AlertDispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel, err := parseChannel(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		sub, err := st.GetSubscription(PathParam(r, "user"), channel)
		if err != nil {
			writeStoreError(w, err)
			return
		}

		now := time.Now()
		ev := &alert.Event{
			Kind:           model.EventCameOnline,
			TimestampNs:    now.UnixNano(),
			PreviousStatus: model.StatusUnknown,
			Check: &model.Check{
				ID:     "test-" + fmt.Sprint(now.UnixNano()),
				UserID: sub.UserID,
				Name:   "Test notification",
				URL:    "https://example.com",
				Status: model.StatusOnline,
			},
		}

		res := dispatcher.Dispatch(r.Context(), sub, ev)
		status := http.StatusOK
		if res.Disposition == alert.Failed {
			status = http.StatusBadGateway
		}
		WriteJSON(w, status, map[string]string{
			"disposition": string(res.Disposition),
			"reason":      res.Reason,
		})
	}
}

// HandleUserUsage returns a handler for GET /api/v1/users/{user}/usage:
// the current hour and month alert budget consumption per channel. The
// tier query parameter selects the limits to report against (default
// free).
func HandleUserUsage(st *store.Store) http.HandlerFunc {
	type channelUsage struct {
		Channel model.Channel     `json:"channel"`
		Hour    model.BudgetUsage `json:"hour"`
		Month   model.BudgetUsage `json:"month"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID := PathParam(r, "user")
		tier := model.TierByName(r.URL.Query().Get("tier"))

		now := time.Now()
		hourStart := alert.HourWindowStart(now)
		monthStart := alert.MonthWindowStart(now)

		usage := make([]channelUsage, 0, len(model.Channels))
		for _, ch := range model.Channels {
			hour, err := st.BudgetCount(store.BudgetHour, userID, ch, hourStart)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			month, err := st.BudgetCount(store.BudgetMonth, userID, ch, monthStart)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			usage = append(usage, channelUsage{
				Channel: ch,
				Hour:    model.BudgetUsage{Count: hour, Max: tier.HourlyAlertMax, WindowStartNs: hourStart},
				Month:   model.BudgetUsage{Count: month, Max: tier.MonthlyAlertMax, WindowStartNs: monthStart},
			})
		}
		WriteList(w, http.StatusOK, usage)
	}
}
