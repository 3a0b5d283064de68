// Package aggregate runs the background maintenance pass: rebuilding recent
// daily rollups from outcome history, reconciling check records that the
// scheduler has not touched for too long, and draining the replay queue.
package aggregate

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/exit1dev/monitor/internal/classify"
	"github.com/exit1dev/monitor/internal/metrics"
	"github.com/exit1dev/monitor/internal/model"
	"github.com/exit1dev/monitor/internal/store"
)

// Config wires the Aggregator.
type Config struct {
	Store   *store.Store
	Sink    *store.Sink
	Metrics *metrics.Metrics

	// Schedule is when the pass runs. Default "5 * * * *" (hourly, five
	// past, clear of the top-of-hour tick burst).
	Schedule string

	// LookbackDays bounds the recompute to recent partitions. Older rollups
	// are settled; rebuilding them every hour would rescan all history.
	// Default 2.
	LookbackDays int

	// Now is a test seam.
	Now func() time.Time
}

// Aggregator owns the scheduled maintenance pass.
type Aggregator struct {
	cfg  Config
	cron *cron.Cron
}

// New creates an Aggregator. Call Start to begin the schedule.
func New(cfg Config) *Aggregator {
	if cfg.Schedule == "" {
		cfg.Schedule = "5 * * * *"
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	a := &Aggregator{cfg: cfg, cron: cron.New()}
	if _, err := a.cron.AddFunc(cfg.Schedule, a.RunOnce); err != nil {
		log.Printf("[aggregate] invalid schedule %q: %v", cfg.Schedule, err)
	}
	return a
}

// Start begins the schedule.
func (a *Aggregator) Start() {
	a.cron.Start()
}

// Stop halts the schedule. A pass already running finishes.
func (a *Aggregator) Stop() {
	a.cron.Stop()
}

// RunOnce executes one full maintenance pass.
func (a *Aggregator) RunOnce() {
	if n, err := a.DrainReplay(); err != nil {
		log.Printf("[aggregate] drain replay: %v", err)
	} else if n > 0 {
		log.Printf("[aggregate] replayed %d parked outcomes", n)
	}

	if n, err := a.RecomputeRecent(); err != nil {
		log.Printf("[aggregate] recompute rollups: %v", err)
	} else if n > 0 {
		log.Printf("[aggregate] recomputed %d rollup partitions", n)
	}

	if n, err := a.Reconcile(); err != nil {
		log.Printf("[aggregate] reconcile: %v", err)
	} else if n > 0 {
		log.Printf("[aggregate] reconciled %d stale checks", n)
	}
}

// DrainReplay re-appends parked outcomes and refreshes the depth gauge.
// Runs before the recompute so replayed history lands in this pass's
// rollups.
func (a *Aggregator) DrainReplay() (int, error) {
	n, err := a.cfg.Sink.DrainReplay()
	if n > 0 {
		a.cfg.Metrics.OutcomesReplayed.Add(float64(n))
	}
	if depth, derr := a.cfg.Sink.Depth(); derr == nil {
		a.cfg.Metrics.ReplayQueueDepth.Set(float64(depth))
	}
	return n, err
}

// RecomputeRecent rebuilds every (check, day) rollup with outcomes in the
// lookback window from history. Incremental deltas the scheduler missed,
// replayed outcomes and duplicate-absorbed inserts are all trued up here.
func (a *Aggregator) RecomputeRecent() (int, error) {
	now := a.cfg.Now()
	fromDay := store.DayOf(now.AddDate(0, 0, -a.cfg.LookbackDays).UnixNano())

	parts, err := a.cfg.Store.ActivePartitions(fromDay)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, p := range parts {
		if _, err := a.cfg.Store.RecomputeRollup(p.CheckID, p.Day, now.UnixNano()); err != nil {
			log.Printf("[aggregate] recompute %s/%s: %v", p.CheckID, p.Day, err)
			continue
		}
		done++
	}
	return done, nil
}

// Reconcile patches checks whose record went untouched for more than twice
// their probe interval, re-deriving runtime state from the latest outcome
// in history. This repairs records left behind by parked appends or crashes
// between the append and the state write. No alerts fire from here: the
// transition already happened, stale notice helps nobody.
func (a *Aggregator) Reconcile() (int, error) {
	now := a.cfg.Now()
	stale, err := a.cfg.Store.StaleChecks(now.UnixNano())
	if err != nil {
		return 0, err
	}

	patched := 0
	for i := range stale {
		check := &stale[i]
		out, err := a.cfg.Store.LatestOutcome(check.ID)
		if err == store.ErrNotFound {
			continue // never probed, nothing to derive
		}
		if err != nil {
			log.Printf("[aggregate] latest outcome for %s: %v", check.ID, err)
			continue
		}
		if out.TimestampNs <= check.LastCheckedNs {
			continue // record already reflects the newest outcome
		}

		_, conflicts, err := a.cfg.Store.UpdateCheckState(check.ID, now.UnixNano(), func(c *model.Check) {
			tr := classify.Apply(c, out, time.Unix(0, out.TimestampNs))
			c.Status = tr.Status
			c.ConsecutiveFailures = tr.ConsecutiveFailures
			c.FirstFailureNs = tr.FirstFailureNs
			c.LastError = tr.LastError
			c.LastCheckedNs = out.TimestampNs
			c.LastResponseTimeMs = out.ResponseTimeMs
			c.LastStatusCode = out.StatusCode
			if out.TLSCertExpiryNs > 0 {
				c.TLSCertExpiryNs = out.TLSCertExpiryNs
			}
			if c.NextDueNs > now.UnixNano() {
				// Stale and overdue: owe it a probe on the next tick.
				c.NextDueNs = now.UnixNano()
			}
			if tr.AutoDisable {
				c.Disabled = true
				c.DisabledAtNs = now.UnixNano()
				c.DisabledReason = tr.DisabledReason
			}
		})
		if conflicts > 0 {
			a.cfg.Metrics.StoreConflicts.Add(float64(conflicts))
		}
		if err != nil {
			log.Printf("[aggregate] patch %s: %v", check.ID, err)
			continue
		}
		patched++
	}
	return patched, nil
}
