package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/exit1dev/monitor/internal/model"
)

// ReplayQueue is the durable on-disk queue for outcomes that could not be
// appended to the store. It is a JSON-lines file, appended on park and
// rewritten on drain. Deliberately separate from the database: it must
// stay writable when the database is not.
type ReplayQueue struct {
	path string
	mu   sync.Mutex
}

// OpenReplayQueue opens (or creates) the queue file at path.
func OpenReplayQueue(path string) (*ReplayQueue, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open replay queue %s: %w", path, err)
	}
	f.Close()
	return &ReplayQueue{path: path}, nil
}

// Enqueue appends one outcome and syncs it to disk.
func (q *ReplayQueue) Enqueue(out *model.ProbeOutcome) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal outcome %s: %w", out.ID, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open replay queue %s: %w", q.path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append to replay queue: %w", err)
	}
	return f.Sync()
}

// Depth returns the number of parked outcomes.
func (q *ReplayQueue) Depth() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	outcomes, _, err := q.read()
	return len(outcomes), err
}

// Drain replays parked outcomes through handle. Outcomes that replay
// successfully are dropped; failures stay queued for the next drain.
// Corrupt lines are logged and discarded.
func (q *ReplayQueue) Drain(handle func(*model.ProbeOutcome) error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	outcomes, corrupt, err := q.read()
	if err != nil {
		return 0, err
	}
	if corrupt > 0 {
		log.Printf("[store] replay queue: dropped %d corrupt entries", corrupt)
	}
	if len(outcomes) == 0 && corrupt == 0 {
		return 0, nil
	}

	var remaining []*model.ProbeOutcome
	replayed := 0
	for _, out := range outcomes {
		if err := handle(out); err != nil {
			remaining = append(remaining, out)
			continue
		}
		replayed++
	}

	if err := q.rewrite(remaining); err != nil {
		return replayed, err
	}
	return replayed, nil
}

func (q *ReplayQueue) read() ([]*model.ProbeOutcome, int, error) {
	f, err := os.Open(q.path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open replay queue %s: %w", q.path, err)
	}
	defer f.Close()

	var outcomes []*model.ProbeOutcome
	corrupt := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var out model.ProbeOutcome
		if err := json.Unmarshal(line, &out); err != nil {
			corrupt++
			continue
		}
		outcomes = append(outcomes, &out)
	}
	if err := sc.Err(); err != nil {
		return nil, corrupt, fmt.Errorf("scan replay queue: %w", err)
	}
	return outcomes, corrupt, nil
}

// rewrite replaces the queue file atomically.
func (q *ReplayQueue) rewrite(outcomes []*model.ProbeOutcome) error {
	tmp := q.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	for _, out := range outcomes {
		data, err := json.Marshal(out)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("marshal outcome %s: %w", out.ID, err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write %s: %w", tmp, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, q.path)
}
