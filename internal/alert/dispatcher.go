package alert

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/exit1dev/monitor/internal/metrics"
	"github.com/exit1dev/monitor/internal/model"
	"github.com/exit1dev/monitor/internal/store"
)

// Sender delivers one event over one channel.
type Sender interface {
	Send(ctx context.Context, sub *model.AlertSubscription, ev *Event) error
}

// Disposition is the outcome of one dispatch.
type Disposition string

const (
	Delivered  Disposition = "delivered"
	Suppressed Disposition = "suppressed"
	Failed     Disposition = "failed"
)

// Suppression reasons.
const (
	ReasonDuplicate = "duplicate"
	ReasonBudget    = "budget"
)

// Result reports what happened to one dispatch.
type Result struct {
	Disposition Disposition
	Reason      string
}

// BudgetStore is the slice of the store the dispatcher consumes.
type BudgetStore interface {
	IncrementBudget(w store.BudgetWindow, userID string, channel model.Channel, windowStartNs int64) (int64, error)
	DecrementBudget(w store.BudgetWindow, userID string, channel model.Channel, windowStartNs int64) error
}

// Config wires the dispatcher.
type Config struct {
	Store   BudgetStore
	Metrics *metrics.Metrics
	Senders map[model.Channel]Sender

	// DedupWindow collapses identical (check, event, status) tuples per
	// channel. Default 60s.
	DedupWindow time.Duration

	// Now is a test seam.
	Now func() time.Time
}

type dedupKey struct {
	hash    uint64
	channel model.Channel
}

type laneKey struct {
	checkID string
	channel model.Channel
}

// Dispatcher applies dedup and budget checks, then hands events to the
// channel senders. A per-(check, channel) lane lock keeps delivery in
// emission order even when the scheduler and a manual probe overlap.
type Dispatcher struct {
	cfg   Config
	dedup otter.Cache[dedupKey, struct{}]
	lanes *xsync.Map[laneKey, *sync.Mutex]
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	dedup, err := otter.MustBuilder[dedupKey, struct{}](16_384).
		Cost(func(dedupKey, struct{}) uint32 { return 1 }).
		WithTTL(cfg.DedupWindow).
		Build()
	if err != nil {
		panic("alert: failed to create dedup cache: " + err.Error())
	}

	return &Dispatcher{
		cfg:   cfg,
		dedup: dedup,
		lanes: xsync.NewMap[laneKey, *sync.Mutex](),
	}
}

// Close releases the dedup cache.
func (d *Dispatcher) Close() {
	d.dedup.Close()
}

// Dispatch delivers one event to one subscription's channel. Eligibility
// (event set, threshold, overrides) is decided by the caller; this layer
// owns dedup, budgets, delivery and ordering.
func (d *Dispatcher) Dispatch(ctx context.Context, sub *model.AlertSubscription, ev *Event) Result {
	lane, _ := d.lanes.LoadOrStore(laneKey{checkID: ev.Check.ID, channel: sub.Channel}, &sync.Mutex{})
	lane.Lock()
	defer lane.Unlock()

	channel := string(sub.Channel)

	key := dedupKey{
		hash:    model.DedupKey(ev.Check.ID, ev.Kind, ev.Check.Status),
		channel: sub.Channel,
	}
	if _, seen := d.dedup.Get(key); seen {
		d.cfg.Metrics.AlertsSuppressed.WithLabelValues(channel, ReasonDuplicate).Inc()
		return Result{Disposition: Suppressed, Reason: ReasonDuplicate}
	}

	tier := model.TierByName(ev.Check.Tier)
	now := d.cfg.Now()
	if result, ok := d.consumeBudget(sub, tier, now); !ok {
		d.cfg.Metrics.AlertsSuppressed.WithLabelValues(channel, result.Reason).Inc()
		return result
	}

	// Collapse duplicates to a single dispatch, delivered or not.
	d.dedup.Set(key, struct{}{})

	sender, ok := d.cfg.Senders[sub.Channel]
	if !ok {
		log.Printf("[alert] no sender for channel %s", sub.Channel)
		d.cfg.Metrics.AlertsFailed.WithLabelValues(channel).Inc()
		return Result{Disposition: Failed, Reason: "no_sender"}
	}

	if err := sender.Send(ctx, sub, ev); err != nil {
		log.Printf("[alert] %s delivery for check %s failed: %v", sub.Channel, ev.Check.ID, err)
		d.cfg.Metrics.AlertsFailed.WithLabelValues(channel).Inc()
		return Result{Disposition: Failed, Reason: "delivery"}
	}

	d.cfg.Metrics.AlertsDelivered.WithLabelValues(channel).Inc()
	return Result{Disposition: Delivered}
}

// consumeBudget increments the hourly and monthly counters and rolls back
// when either window is over its tier cap.
func (d *Dispatcher) consumeBudget(sub *model.AlertSubscription, tier model.Tier, now time.Time) (Result, bool) {
	hourStart := HourWindowStart(now)
	monthStart := MonthWindowStart(now)

	hourCount, err := d.cfg.Store.IncrementBudget(store.BudgetHour, sub.UserID, sub.Channel, hourStart)
	if err != nil {
		log.Printf("[alert] hour budget increment for %s/%s: %v", sub.UserID, sub.Channel, err)
		return Result{Disposition: Failed, Reason: "budget_store"}, false
	}
	if hourCount > tier.HourlyAlertMax {
		if err := d.cfg.Store.DecrementBudget(store.BudgetHour, sub.UserID, sub.Channel, hourStart); err != nil {
			log.Printf("[alert] hour budget rollback for %s/%s: %v", sub.UserID, sub.Channel, err)
		}
		return Result{Disposition: Suppressed, Reason: ReasonBudget}, false
	}

	monthCount, err := d.cfg.Store.IncrementBudget(store.BudgetMonth, sub.UserID, sub.Channel, monthStart)
	if err != nil {
		log.Printf("[alert] month budget increment for %s/%s: %v", sub.UserID, sub.Channel, err)
		// The hour counter was already consumed; give it back since
		// nothing will be delivered.
		if err := d.cfg.Store.DecrementBudget(store.BudgetHour, sub.UserID, sub.Channel, hourStart); err != nil {
			log.Printf("[alert] hour budget rollback for %s/%s: %v", sub.UserID, sub.Channel, err)
		}
		return Result{Disposition: Failed, Reason: "budget_store"}, false
	}
	if monthCount > tier.MonthlyAlertMax {
		for w, start := range map[store.BudgetWindow]int64{
			store.BudgetHour:  hourStart,
			store.BudgetMonth: monthStart,
		} {
			if err := d.cfg.Store.DecrementBudget(w, sub.UserID, sub.Channel, start); err != nil {
				log.Printf("[alert] %s budget rollback for %s/%s: %v", w, sub.UserID, sub.Channel, err)
			}
		}
		return Result{Disposition: Suppressed, Reason: ReasonBudget}, false
	}

	return Result{}, true
}

// HourWindowStart floors now to the rolling-hour window.
func HourWindowStart(now time.Time) int64 {
	return now.UnixNano() - now.UnixNano()%int64(time.Hour)
}

// MonthWindowStart floors now to the first instant of its UTC calendar
// month.
func MonthWindowStart(now time.Time) int64 {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).UnixNano()
}
