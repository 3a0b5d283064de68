package store

import (
	"fmt"
	"log"
	"time"

	"github.com/exit1dev/monitor/internal/model"
)

// SinkConfig configures the outcome sink.
type SinkConfig struct {
	// MaxRetries is the total number of insert attempts before parking.
	// Closure for hot-reload; defaults to 3.
	MaxRetries func() int

	// OnParked is called with the queue depth after an outcome is parked.
	OnParked func(depth int)

	// sleep is a test seam.
	Sleep func(time.Duration)
}

// Sink is the durable write path for probe outcomes: insert with bounded
// retry, park in the replay queue when the store stays unavailable.
type Sink struct {
	store  *Store
	replay *ReplayQueue
	cfg    SinkConfig
}

// NewSink creates a Sink over the store and replay queue.
func NewSink(store *Store, replay *ReplayQueue, cfg SinkConfig) *Sink {
	if cfg.MaxRetries == nil {
		cfg.MaxRetries = func() int { return 3 }
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	return &Sink{store: store, replay: replay, cfg: cfg}
}

// Append writes one outcome to history. Inserts are idempotent on the
// outcome id. After the retry budget is spent the outcome is parked and
// ErrStoreUnavailable is returned; the caller skips the state update for
// this tick and the reconciler corrects later.
func (s *Sink) Append(out *model.ProbeOutcome) error {
	attempts := s.cfg.MaxRetries()
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for i := 0; i < attempts; i++ {
		if i > 0 {
			s.cfg.Sleep(backoff)
			backoff *= 2
		}
		if lastErr = s.store.InsertOutcome(out); lastErr == nil {
			return nil
		}
	}

	log.Printf("[store] append %s failed after %d attempts, parking for replay: %v",
		out.ID, attempts, lastErr)
	if err := s.replay.Enqueue(out); err != nil {
		return fmt.Errorf("park outcome %s: %v (append: %w)", out.ID, err, lastErr)
	}
	if s.cfg.OnParked != nil {
		if depth, err := s.replay.Depth(); err == nil {
			s.cfg.OnParked(depth)
		}
	}
	return fmt.Errorf("append outcome %s: %w", out.ID, ErrStoreUnavailable)
}

// DrainReplay re-appends parked outcomes. Duplicates are absorbed by the
// idempotent insert; the aggregator's recompute pass trues up any rollup
// the parked outcomes should have counted toward.
func (s *Sink) DrainReplay() (int, error) {
	return s.replay.Drain(func(out *model.ProbeOutcome) error {
		return s.store.InsertOutcome(out)
	})
}

// Depth reports the replay queue depth.
func (s *Sink) Depth() (int, error) {
	return s.replay.Depth()
}
