// Package sched drives the probe pipeline: every tick it claims the region
// lock, pulls due checks and fans them out over a bounded worker pool. Each
// check runs probe, enrichment, classification, the history append and the
// conditional state write strictly in order, so per-check events stay
// totally ordered.
package sched

import (
	"context"
	"errors"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/exit1dev/monitor/internal/alert"
	"github.com/exit1dev/monitor/internal/classify"
	"github.com/exit1dev/monitor/internal/enrich"
	"github.com/exit1dev/monitor/internal/metrics"
	"github.com/exit1dev/monitor/internal/model"
	"github.com/exit1dev/monitor/internal/probe"
	"github.com/exit1dev/monitor/internal/store"
)

// Config wires the scheduler.
type Config struct {
	Store      *store.Store
	Sink       *store.Sink
	Engine     *probe.Engine
	Enricher   *enrich.Enricher
	Dispatcher *alert.Dispatcher
	Metrics    *metrics.Metrics

	// Region this worker probes from; only checks pinned to it are pulled.
	Region string

	// HolderID identifies this process in the region lock table.
	HolderID string

	TickInterval time.Duration // default 60s
	LockLease    time.Duration // default 5m
	BatchSize    int           // default 500
	Concurrency  int           // default 128

	// JitterFraction spreads next-due times by ±fraction of the interval so
	// checks created together do not stay phase-locked. Default 0.10.
	JitterFraction float64

	// Now is a test seam.
	Now func() time.Time
}

// Scheduler owns the tick loop for one region.
type Scheduler struct {
	cfg Config

	// inFlight guards against the same check running twice at once, which
	// a manual probe racing the tick could otherwise cause.
	inFlight *xsync.Map[string, struct{}]
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 128
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.JitterFraction == 0 {
		cfg.JitterFraction = 0.10
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		cfg:      cfg,
		inFlight: xsync.NewMap[string, struct{}](),
	}
}

// Run executes the tick loop until stopCh is closed. The timer is one-shot
// and re-armed only after the tick returns, so ticks never overlap; a tick
// that overruns the interval is surfaced as lag and the next tick starts
// immediately after it.
func (s *Scheduler) Run(ctx context.Context, stopCh <-chan struct{}) {
	timer := time.NewTimer(s.cfg.TickInterval)
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		s.Tick(ctx)
		elapsed := time.Since(start)

		s.cfg.Metrics.TickDuration.Observe(elapsed.Seconds())
		lag := elapsed - s.cfg.TickInterval
		if lag < 0 {
			lag = 0
		}
		s.cfg.Metrics.TickLagSeconds.Set(lag.Seconds())

		timer.Reset(rearmDelay(s.cfg.TickInterval, elapsed))
	}
}

// rearmDelay returns how long to wait before the next tick. A tick that
// overran the interval already owes the next one, so the remainder never
// goes below zero.
func rearmDelay(interval, elapsed time.Duration) time.Duration {
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

// Tick runs one scheduling pass: claim the region, pull due checks, fan out.
func (s *Scheduler) Tick(ctx context.Context) {
	s.cfg.Metrics.TicksTotal.Inc()

	now := s.cfg.Now()
	nowNs := now.UnixNano()

	acquired, err := s.cfg.Store.AcquireRegionLock(s.cfg.Region, s.cfg.HolderID, nowNs, int64(s.cfg.LockLease))
	if err != nil {
		log.Printf("[sched] region lock %s: %v", s.cfg.Region, err)
		return
	}
	if !acquired {
		s.cfg.Metrics.LockNotAcquired.Inc()
		log.Printf("[sched] region %s locked elsewhere, skipping tick", s.cfg.Region)
		return
	}
	defer func() {
		if err := s.cfg.Store.ReleaseRegionLock(s.cfg.Region, s.cfg.HolderID); err != nil {
			log.Printf("[sched] release region lock %s: %v", s.cfg.Region, err)
		}
	}()

	checks, err := s.cfg.Store.DueChecks(s.cfg.Region, nowNs, s.cfg.BatchSize)
	if err != nil {
		log.Printf("[sched] list due checks: %v", err)
		return
	}
	if len(checks) == 0 {
		return
	}

	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := range checks {
		check := checks[i]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.runCheck(ctx, &check)
			s.cfg.Metrics.ChecksScheduled.Inc()
		}()
	}
	wg.Wait()
}

// ProbeNow executes the full pipeline for one check immediately, outside
// the due schedule. Used by the manual probe endpoint. Disabled checks are
// still probed; the caller decided to.
func (s *Scheduler) ProbeNow(ctx context.Context, checkID string) (*model.ProbeOutcome, error) {
	check, err := s.cfg.Store.GetCheck(checkID)
	if err != nil {
		return nil, err
	}
	return s.runCheck(ctx, check), nil
}

// runCheck executes probe through alert dispatch for one check. The outcome
// is returned for the manual probe path; scheduling callers ignore it.
func (s *Scheduler) runCheck(ctx context.Context, check *model.Check) *model.ProbeOutcome {
	if _, loaded := s.inFlight.LoadOrStore(check.ID, struct{}{}); loaded {
		log.Printf("[sched] check %s already in flight, skipping", check.ID)
		return nil
	}
	defer s.inFlight.Delete(check.ID)

	now := s.cfg.Now()
	out := s.cfg.Engine.Probe(ctx, check, now)
	s.cfg.Enricher.Enrich(&out)

	s.cfg.Metrics.ProbeOutcomes.WithLabelValues(string(out.Kind)).Inc()
	s.cfg.Metrics.ProbeDuration.Observe(float64(out.ResponseTimeMs) / 1000)

	if err := s.cfg.Sink.Append(&out); err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) {
			// The outcome is parked; leave the record untouched so the
			// reconciler can replay and correct it later.
			log.Printf("[sched] outcome for %s parked, skipping state update", check.ID)
			return &out
		}
		log.Printf("[sched] append outcome for %s: %v", check.ID, err)
		return &out
	}

	delta := store.RollupDelta{Probes: 1, Kind: out.Kind, ResponseTimeMs: out.ResponseTimeMs}
	if out.Kind.IsFailure() {
		delta.Failures = 1
		delta.HasIssue = true
	}
	if err := s.cfg.Store.ApplyRollupDelta(check.ID, store.DayOf(out.TimestampNs), delta, now.UnixNano()); err != nil {
		// The hourly recompute rebuilds the partition from history.
		log.Printf("[sched] rollup delta for %s: %v", check.ID, err)
	}

	var tr classify.Transition
	var prevStatus model.Status
	updated, conflicts, err := s.cfg.Store.UpdateCheckState(check.ID, now.UnixNano(), func(c *model.Check) {
		prevStatus = c.Status
		tr = classify.Apply(c, &out, now)

		c.Status = tr.Status
		c.ConsecutiveFailures = tr.ConsecutiveFailures
		c.FirstFailureNs = tr.FirstFailureNs
		c.LastError = tr.LastError
		c.LastCheckedNs = now.UnixNano()
		c.LastResponseTimeMs = out.ResponseTimeMs
		c.LastStatusCode = out.StatusCode
		if out.TLSCertExpiryNs > 0 {
			c.TLSCertExpiryNs = out.TLSCertExpiryNs
		}
		c.NextDueNs = s.nextDue(now, c.IntervalSeconds)
		if tr.AutoDisable {
			c.Disabled = true
			c.DisabledAtNs = now.UnixNano()
			c.DisabledReason = tr.DisabledReason
		}
	})
	if conflicts > 0 {
		s.cfg.Metrics.StoreConflicts.Add(float64(conflicts))
	}
	if err != nil {
		log.Printf("[sched] update state for %s: %v", check.ID, err)
		return &out
	}

	s.dispatchEvents(ctx, prevStatus, updated, &tr, now)
	return &out
}

// dispatchEvents fans the transition's events out to the owner's eligible
// subscriptions, in emission order.
func (s *Scheduler) dispatchEvents(ctx context.Context, prevStatus model.Status, check *model.Check, tr *classify.Transition, now time.Time) {
	if len(tr.Events) == 0 || s.cfg.Dispatcher == nil {
		return
	}

	subs, err := s.cfg.Store.ListSubscriptions(check.UserID)
	if err != nil {
		log.Printf("[sched] list subscriptions for %s: %v", check.UserID, err)
		return
	}
	if len(subs) == 0 {
		return
	}

	for _, event := range tr.Events {
		// Recoveries are judged against the streak they ended.
		failures := tr.ConsecutiveFailures
		if event == model.EventCameOnline {
			failures = tr.PriorFailures
		}

		ev := &alert.Event{
			Kind:           event,
			TimestampNs:    now.UnixNano(),
			PreviousStatus: prevStatus,
			Check:          check,
		}
		for i := range subs {
			sub := &subs[i]
			if !classify.Eligible(sub, check.ID, event, failures, check.Disabled) {
				continue
			}
			s.cfg.Dispatcher.Dispatch(ctx, sub, ev)
		}
	}
}

// nextDue spreads the next probe across ±JitterFraction of the interval.
func (s *Scheduler) nextDue(now time.Time, intervalSeconds int) int64 {
	interval := time.Duration(intervalSeconds) * time.Second
	jitter := time.Duration((rand.Float64()*2 - 1) * s.cfg.JitterFraction * float64(interval))
	return now.Add(interval + jitter).UnixNano()
}
