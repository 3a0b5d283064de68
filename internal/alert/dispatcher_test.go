package alert

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/exit1dev/monitor/internal/metrics"
	"github.com/exit1dev/monitor/internal/model"
	"github.com/exit1dev/monitor/internal/store"
)

type stubSender struct {
	calls int
	err   error
}

func (s *stubSender) Send(context.Context, *model.AlertSubscription, *Event) error {
	s.calls++
	return s.err
}

func newTestDispatcher(t *testing.T, sender Sender, window time.Duration) (*Dispatcher, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	d := NewDispatcher(Config{
		Store:       st,
		Metrics:     metrics.New(),
		Senders:     map[model.Channel]Sender{model.ChannelWebhook: sender},
		DedupWindow: window,
		Now: func() time.Time {
			return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
		},
	})
	t.Cleanup(d.Close)
	return d, st
}

func testSub() *model.AlertSubscription {
	return &model.AlertSubscription{
		UserID:    "user-1",
		Channel:   model.ChannelWebhook,
		Recipient: "https://example.com/hook",
		Enabled:   true,
		Events:    []model.EventKind{model.EventWentOffline, model.EventCameOnline},
	}
}

func TestDispatchDelivered(t *testing.T) {
	sender := &stubSender{}
	d, st := newTestDispatcher(t, sender, time.Minute)

	res := d.Dispatch(context.Background(), testSub(), testEvent())
	if res.Disposition != Delivered {
		t.Fatalf("disposition = %v (%s)", res.Disposition, res.Reason)
	}
	if sender.calls != 1 {
		t.Fatalf("sender calls = %d", sender.calls)
	}

	// Both budget windows consumed exactly one unit.
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	hour, err := st.BudgetCount(store.BudgetHour, "user-1", model.ChannelWebhook, HourWindowStart(now))
	if err != nil || hour != 1 {
		t.Fatalf("hour count = %d, err = %v", hour, err)
	}
	month, err := st.BudgetCount(store.BudgetMonth, "user-1", model.ChannelWebhook, MonthWindowStart(now))
	if err != nil || month != 1 {
		t.Fatalf("month count = %d, err = %v", month, err)
	}
}

func TestDispatchDuplicateSuppressed(t *testing.T) {
	sender := &stubSender{}
	d, _ := newTestDispatcher(t, sender, time.Minute)
	sub := testSub()
	ev := testEvent()

	if res := d.Dispatch(context.Background(), sub, ev); res.Disposition != Delivered {
		t.Fatalf("first dispatch: %v", res)
	}
	res := d.Dispatch(context.Background(), sub, ev)
	if res.Disposition != Suppressed || res.Reason != ReasonDuplicate {
		t.Fatalf("second dispatch: %+v", res)
	}
	if sender.calls != 1 {
		t.Fatalf("sender calls = %d, want 1", sender.calls)
	}
}

func TestDispatchDedupWindowExpires(t *testing.T) {
	sender := &stubSender{}
	d, _ := newTestDispatcher(t, sender, 50*time.Millisecond)
	sub := testSub()
	ev := testEvent()

	if res := d.Dispatch(context.Background(), sub, ev); res.Disposition != Delivered {
		t.Fatalf("first dispatch: %v", res)
	}
	time.Sleep(150 * time.Millisecond)
	if res := d.Dispatch(context.Background(), sub, ev); res.Disposition != Delivered {
		t.Fatalf("dispatch after window: %+v", res)
	}
	if sender.calls != 2 {
		t.Fatalf("sender calls = %d, want 2", sender.calls)
	}
}

func TestDispatchDistinctTuplesNotDeduped(t *testing.T) {
	sender := &stubSender{}
	d, _ := newTestDispatcher(t, sender, time.Minute)
	sub := testSub()

	down := testEvent()
	if res := d.Dispatch(context.Background(), sub, down); res.Disposition != Delivered {
		t.Fatalf("went_offline: %v", res)
	}

	up := testEvent()
	up.Kind = model.EventCameOnline
	up.PreviousStatus = model.StatusOffline
	up.Check.Status = model.StatusOnline
	if res := d.Dispatch(context.Background(), sub, up); res.Disposition != Delivered {
		t.Fatalf("came_online: %v", res)
	}
	if sender.calls != 2 {
		t.Fatalf("sender calls = %d, want 2", sender.calls)
	}
}

func TestDispatchHourBudget(t *testing.T) {
	sender := &stubSender{}
	d, st := newTestDispatcher(t, sender, time.Minute)
	sub := testSub()
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	// Free tier allows 10 per hour. Seed nine prior deliveries, so the
	// tenth lands exactly at the cap and the eleventh trips it.
	for i := 0; i < 9; i++ {
		if _, err := st.IncrementBudget(store.BudgetHour, sub.UserID, sub.Channel, HourWindowStart(now)); err != nil {
			t.Fatalf("seed hour budget: %v", err)
		}
	}

	if res := d.Dispatch(context.Background(), sub, testEvent()); res.Disposition != Delivered {
		t.Fatalf("dispatch at cap: %+v", res)
	}

	up := testEvent()
	up.Kind = model.EventCameOnline
	up.Check.Status = model.StatusOnline
	res := d.Dispatch(context.Background(), sub, up)
	if res.Disposition != Suppressed || res.Reason != ReasonBudget {
		t.Fatalf("dispatch over cap: %+v", res)
	}
	if sender.calls != 1 {
		t.Fatalf("sender calls = %d, want 1", sender.calls)
	}

	// The failed attempt's increment was rolled back.
	hour, err := st.BudgetCount(store.BudgetHour, sub.UserID, sub.Channel, HourWindowStart(now))
	if err != nil || hour != 10 {
		t.Fatalf("hour count = %d, err = %v", hour, err)
	}
}

func TestDispatchMonthBudget(t *testing.T) {
	sender := &stubSender{}
	d, st := newTestDispatcher(t, sender, time.Minute)
	sub := testSub()
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	// Free tier allows 100 per month. Exhaust the month while the hour
	// window still has room.
	for i := 0; i < 100; i++ {
		if _, err := st.IncrementBudget(store.BudgetMonth, sub.UserID, sub.Channel, MonthWindowStart(now)); err != nil {
			t.Fatalf("seed month budget: %v", err)
		}
	}

	res := d.Dispatch(context.Background(), sub, testEvent())
	if res.Disposition != Suppressed || res.Reason != ReasonBudget {
		t.Fatalf("dispatch: %+v", res)
	}
	if sender.calls != 0 {
		t.Fatalf("sender calls = %d, want 0", sender.calls)
	}

	// Both increments rolled back: hour at 0, month back at the cap.
	hour, err := st.BudgetCount(store.BudgetHour, sub.UserID, sub.Channel, HourWindowStart(now))
	if err != nil || hour != 0 {
		t.Fatalf("hour count = %d, err = %v", hour, err)
	}
	month, err := st.BudgetCount(store.BudgetMonth, sub.UserID, sub.Channel, MonthWindowStart(now))
	if err != nil || month != 100 {
		t.Fatalf("month count = %d, err = %v", month, err)
	}
}

func TestDispatchBudgetSuppressionDoesNotMarkDedup(t *testing.T) {
	sender := &stubSender{}
	d, st := newTestDispatcher(t, sender, time.Minute)
	sub := testSub()
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		if _, err := st.IncrementBudget(store.BudgetHour, sub.UserID, sub.Channel, HourWindowStart(now)); err != nil {
			t.Fatalf("seed hour budget: %v", err)
		}
	}

	if res := d.Dispatch(context.Background(), sub, testEvent()); res.Reason != ReasonBudget {
		t.Fatalf("over budget: %+v", res)
	}

	// Budget frees up; the same tuple must go through, not read as a dup.
	for i := 0; i < 5; i++ {
		if err := st.DecrementBudget(store.BudgetHour, sub.UserID, sub.Channel, HourWindowStart(now)); err != nil {
			t.Fatalf("free hour budget: %v", err)
		}
	}
	if res := d.Dispatch(context.Background(), sub, testEvent()); res.Disposition != Delivered {
		t.Fatalf("after budget freed: %+v", res)
	}
}

func TestDispatchFailedDeliveryStillDeduped(t *testing.T) {
	sender := &stubSender{err: errors.New("boom")}
	d, _ := newTestDispatcher(t, sender, time.Minute)
	sub := testSub()

	res := d.Dispatch(context.Background(), sub, testEvent())
	if res.Disposition != Failed {
		t.Fatalf("first dispatch: %+v", res)
	}

	// A failed dispatch consumed its slot; the retry inside the window is
	// collapsed rather than hammering the recipient.
	res = d.Dispatch(context.Background(), sub, testEvent())
	if res.Disposition != Suppressed || res.Reason != ReasonDuplicate {
		t.Fatalf("second dispatch: %+v", res)
	}
	if sender.calls != 1 {
		t.Fatalf("sender calls = %d, want 1", sender.calls)
	}
}

func TestDispatchNoSenderForChannel(t *testing.T) {
	d, _ := newTestDispatcher(t, &stubSender{}, time.Minute)
	sub := testSub()
	sub.Channel = model.ChannelSMS

	res := d.Dispatch(context.Background(), sub, testEvent())
	if res.Disposition != Failed || res.Reason != "no_sender" {
		t.Fatalf("dispatch: %+v", res)
	}
}

func TestMonthWindowStart(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 12, 345, time.UTC)
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	if got := MonthWindowStart(now); got != want {
		t.Fatalf("MonthWindowStart = %d, want %d", got, want)
	}
	if got := HourWindowStart(now); got != time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC).UnixNano() {
		t.Fatalf("HourWindowStart = %d", got)
	}
}

// failingMonthStore passes hour-window budget calls through and fails the
// month increment, as if the store died between the two writes.
type failingMonthStore struct {
	*store.Store
	monthErr error
}

func (f *failingMonthStore) IncrementBudget(w store.BudgetWindow, userID string, channel model.Channel, windowStartNs int64) (int64, error) {
	if w == store.BudgetMonth {
		return 0, f.monthErr
	}
	return f.Store.IncrementBudget(w, userID, channel, windowStartNs)
}

func TestDispatchMonthIncrementErrorRollsBackHour(t *testing.T) {
	sender := &stubSender{}
	d, st := newTestDispatcher(t, sender, time.Minute)
	d.cfg.Store = &failingMonthStore{Store: st, monthErr: errors.New("database is locked")}

	res := d.Dispatch(context.Background(), testSub(), testEvent())
	if res.Disposition != Failed || res.Reason != "budget_store" {
		t.Fatalf("result = %+v", res)
	}
	if sender.calls != 0 {
		t.Fatalf("sender calls = %d, want 0", sender.calls)
	}

	// The hour counter consumed before the failure must be given back.
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	hour, err := st.BudgetCount(store.BudgetHour, "user-1", model.ChannelWebhook, HourWindowStart(now))
	if err != nil || hour != 0 {
		t.Fatalf("hour count = %d, err = %v, want rolled back to 0", hour, err)
	}
}
