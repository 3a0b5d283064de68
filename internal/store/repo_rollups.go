package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/exit1dev/monitor/internal/model"
)

// RollupDelta is one pipeline pass's contribution to a (check, day) rollup.
type RollupDelta struct {
	Probes         int64
	Failures       int64
	HasIssue       bool
	Kind           model.OutcomeKind
	ResponseTimeMs int64
}

// ApplyRollupDelta folds a delta into the rollup row: counters increment,
// has_issue ORs in, worst_kind keeps the highest severity, and the mean
// response time is maintained as a running average.
func (s *Store) ApplyRollupDelta(checkID, day string, d RollupDelta, nowNs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur := model.DailyRollup{CheckID: checkID, Day: day, WorstKind: model.OutcomeOK}
	var hasIssue int
	var worst string
	err = tx.QueryRow(`
		SELECT total_probes, failure_count, has_issue, worst_kind, avg_response_ms
		FROM daily_rollups WHERE check_id = ? AND day = ?
	`, checkID, day).Scan(&cur.TotalProbes, &cur.FailureCount, &hasIssue, &worst, &cur.AvgResponseMs)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// first delta for this partition
	case err != nil:
		return fmt.Errorf("read rollup %s/%s: %w", checkID, day, err)
	default:
		cur.HasIssue = hasIssue != 0
		cur.WorstKind = model.OutcomeKind(worst)
	}

	total := cur.TotalProbes + d.Probes
	if total > 0 {
		cur.AvgResponseMs = (cur.AvgResponseMs*float64(cur.TotalProbes) +
			float64(d.ResponseTimeMs)*float64(d.Probes)) / float64(total)
	}
	cur.TotalProbes = total
	cur.FailureCount += d.Failures
	cur.HasIssue = cur.HasIssue || d.HasIssue
	if d.Kind != "" && d.Kind.Severity() > cur.WorstKind.Severity() {
		cur.WorstKind = d.Kind
	}
	cur.LastUpdatedNs = nowNs

	if err := upsertRollup(tx, &cur); err != nil {
		return fmt.Errorf("upsert rollup %s/%s: %w", checkID, day, err)
	}
	return tx.Commit()
}

// RecomputeRollup rebuilds a (check, day) rollup from history, replacing
// whatever incremental deltas produced. Used by the hourly aggregator.
func (s *Store) RecomputeRollup(checkID, day string, nowNs int64) (*model.DailyRollup, error) {
	r := model.DailyRollup{CheckID: checkID, Day: day, WorstKind: model.OutcomeOK, LastUpdatedNs: nowNs}
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN kind NOT IN ('ok', 'redirect') THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(response_time_ms), 0)
		FROM probe_outcomes WHERE check_id = ? AND day = ?
	`, checkID, day).Scan(&r.TotalProbes, &r.FailureCount, &r.AvgResponseMs)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s/%s: %w", checkID, day, err)
	}
	r.HasIssue = r.FailureCount > 0

	rows, err := s.db.Query(
		"SELECT DISTINCT kind FROM probe_outcomes WHERE check_id = ? AND day = ?",
		checkID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return nil, err
		}
		if k := model.OutcomeKind(kind); k.Severity() > r.WorstKind.Severity() {
			r.WorstKind = k
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := upsertRollup(s.db, &r); err != nil {
		return nil, fmt.Errorf("upsert rollup %s/%s: %w", checkID, day, err)
	}
	return &r, nil
}

// GetRollup loads one rollup row, or ErrNotFound.
func (s *Store) GetRollup(checkID, day string) (*model.DailyRollup, error) {
	r := model.DailyRollup{CheckID: checkID, Day: day}
	var hasIssue int
	var worst string
	err := s.db.QueryRow(`
		SELECT total_probes, failure_count, has_issue, worst_kind, avg_response_ms, last_updated_ns
		FROM daily_rollups WHERE check_id = ? AND day = ?
	`, checkID, day).Scan(&r.TotalProbes, &r.FailureCount, &hasIssue, &worst, &r.AvgResponseMs, &r.LastUpdatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.HasIssue = hasIssue != 0
	r.WorstKind = model.OutcomeKind(worst)
	return &r, nil
}

// ListRollups returns a check's rollups for days in [fromDay, toDay],
// oldest first.
func (s *Store) ListRollups(checkID, fromDay, toDay string) ([]model.DailyRollup, error) {
	rows, err := s.db.Query(`
		SELECT check_id, day, total_probes, failure_count, has_issue, worst_kind, avg_response_ms, last_updated_ns
		FROM daily_rollups
		WHERE check_id = ? AND day >= ? AND day <= ?
		ORDER BY day ASC
	`, checkID, fromDay, toDay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.DailyRollup
	for rows.Next() {
		var r model.DailyRollup
		var hasIssue int
		var worst string
		if err := rows.Scan(&r.CheckID, &r.Day, &r.TotalProbes, &r.FailureCount,
			&hasIssue, &worst, &r.AvgResponseMs, &r.LastUpdatedNs); err != nil {
			return nil, err
		}
		r.HasIssue = hasIssue != 0
		r.WorstKind = model.OutcomeKind(worst)
		result = append(result, r)
	}
	return result, rows.Err()
}

// ActivePartitions lists the (check, day) partitions holding outcomes for
// days >= fromDay. The aggregator walks these.
func (s *Store) ActivePartitions(fromDay string) ([]model.RollupKey, error) {
	rows, err := s.db.Query(
		"SELECT DISTINCT check_id, day FROM probe_outcomes WHERE day >= ? ORDER BY day, check_id",
		fromDay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.RollupKey
	for rows.Next() {
		var k model.RollupKey
		if err := rows.Scan(&k.CheckID, &k.Day); err != nil {
			return nil, err
		}
		result = append(result, k)
	}
	return result, rows.Err()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertRollup(e execer, r *model.DailyRollup) error {
	_, err := e.Exec(`
		INSERT INTO daily_rollups (check_id, day, total_probes, failure_count, has_issue, worst_kind, avg_response_ms, last_updated_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(check_id, day) DO UPDATE SET
			total_probes    = excluded.total_probes,
			failure_count   = excluded.failure_count,
			has_issue       = excluded.has_issue,
			worst_kind      = excluded.worst_kind,
			avg_response_ms = excluded.avg_response_ms,
			last_updated_ns = excluded.last_updated_ns
	`, r.CheckID, r.Day, r.TotalProbes, r.FailureCount, r.HasIssue,
		string(r.WorstKind), r.AvgResponseMs, r.LastUpdatedNs)
	return err
}
