package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/exit1dev/monitor/internal/model"
)

const checkColumns = `id, user_id, url, name, method, expected_status_json, body_assertion,
	interval_seconds, headers_json, request_body, region, enabled, follow_redirects,
	treat_redirect_as_online, prefer_ipv6, tier, order_index, status, last_checked_ns,
	next_due_ns, last_response_time_ms, last_status_code, last_error, consecutive_failures,
	first_failure_ns, disabled, disabled_at_ns, disabled_reason, tls_cert_expiry_ns,
	updated_at_ns, created_at_ns`

// UpsertCheck inserts or fully replaces a check row. On update,
// created_at_ns is preserved.
func (s *Store) UpsertCheck(c *model.Check) error {
	expected, err := json.Marshal(c.ExpectedStatusCodes)
	if err != nil {
		return fmt.Errorf("marshal expected statuses: %w", err)
	}
	headers, err := json.Marshal(c.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO checks (`+checkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id                  = excluded.user_id,
			url                      = excluded.url,
			name                     = excluded.name,
			method                   = excluded.method,
			expected_status_json     = excluded.expected_status_json,
			body_assertion           = excluded.body_assertion,
			interval_seconds         = excluded.interval_seconds,
			headers_json             = excluded.headers_json,
			request_body             = excluded.request_body,
			region                   = excluded.region,
			enabled                  = excluded.enabled,
			follow_redirects         = excluded.follow_redirects,
			treat_redirect_as_online = excluded.treat_redirect_as_online,
			prefer_ipv6              = excluded.prefer_ipv6,
			tier                     = excluded.tier,
			order_index              = excluded.order_index,
			status                   = excluded.status,
			last_checked_ns          = excluded.last_checked_ns,
			next_due_ns              = excluded.next_due_ns,
			last_response_time_ms    = excluded.last_response_time_ms,
			last_status_code         = excluded.last_status_code,
			last_error               = excluded.last_error,
			consecutive_failures     = excluded.consecutive_failures,
			first_failure_ns         = excluded.first_failure_ns,
			disabled                 = excluded.disabled,
			disabled_at_ns           = excluded.disabled_at_ns,
			disabled_reason          = excluded.disabled_reason,
			tls_cert_expiry_ns       = excluded.tls_cert_expiry_ns,
			updated_at_ns            = excluded.updated_at_ns
	`, c.ID, c.UserID, c.URL, c.Name, c.Method, string(expected), c.BodyAssertion,
		c.IntervalSeconds, string(headers), c.RequestBody, c.Region, c.Enabled,
		c.FollowRedirects, c.TreatRedirectAsOnline, c.PreferIPv6, c.Tier, c.OrderIndex,
		string(c.Status), c.LastCheckedNs, c.NextDueNs, c.LastResponseTimeMs,
		c.LastStatusCode, c.LastError, c.ConsecutiveFailures, c.FirstFailureNs,
		c.Disabled, c.DisabledAtNs, c.DisabledReason, c.TLSCertExpiryNs,
		c.UpdatedAtNs, c.CreatedAtNs)
	return err
}

// GetCheck loads a check by id.
func (s *Store) GetCheck(id string) (*model.Check, error) {
	row := s.db.QueryRow("SELECT "+checkColumns+" FROM checks WHERE id = ?", id)
	c, err := scanCheck(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// DeleteCheck removes a check and purges its history and rollups. This is
// the only path that deletes outcome history.
func (s *Store) DeleteCheck(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM probe_outcomes WHERE check_id = ?",
		"DELETE FROM daily_rollups WHERE check_id = ?",
		"DELETE FROM checks WHERE id = ?",
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("delete check %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ListChecks returns all checks for a user ordered by their UI index.
func (s *Store) ListChecks(userID string) ([]model.Check, error) {
	rows, err := s.db.Query(
		"SELECT "+checkColumns+" FROM checks WHERE user_id = ? ORDER BY order_index, created_at_ns",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChecks(rows)
}

// DueChecks returns up to limit checks owed a probe in the region, oldest
// due first. Disabled checks are never returned.
func (s *Store) DueChecks(region string, nowNs int64, limit int) ([]model.Check, error) {
	rows, err := s.db.Query(`
		SELECT `+checkColumns+` FROM checks
		WHERE region = ? AND enabled = 1 AND disabled = 0 AND next_due_ns <= ?
		ORDER BY next_due_ns ASC
		LIMIT ?
	`, region, nowNs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChecks(rows)
}

// UpdateCheckState performs the conditional read-modify-write of a check's
// runtime state. apply receives a fresh copy of the record; the write only
// lands if updated_at_ns is unchanged since the read. On conflict the
// cycle restarts with fresh inputs, up to the configured attempt budget
// (default 3), then ErrStoreConflict. The returned conflict count feeds the
// store_conflicts metric.
func (s *Store) UpdateCheckState(id string, nowNs int64, apply func(*model.Check)) (*model.Check, int, error) {
	maxAttempts := s.stateRetries()
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	conflicts := 0
	for attempt := 0; attempt < maxAttempts; attempt++ {
		c, err := s.GetCheck(id)
		if err != nil {
			return nil, conflicts, err
		}
		prevUpdated := c.UpdatedAtNs

		apply(c)
		c.UpdatedAtNs = nowNs

		s.mu.Lock()
		res, err := s.db.Exec(`
			UPDATE checks SET
				status = ?, last_checked_ns = ?, next_due_ns = ?, last_response_time_ms = ?,
				last_status_code = ?, last_error = ?, consecutive_failures = ?, first_failure_ns = ?,
				disabled = ?, disabled_at_ns = ?, disabled_reason = ?, tls_cert_expiry_ns = ?,
				updated_at_ns = ?
			WHERE id = ? AND updated_at_ns = ?
		`, string(c.Status), c.LastCheckedNs, c.NextDueNs, c.LastResponseTimeMs,
			c.LastStatusCode, c.LastError, c.ConsecutiveFailures, c.FirstFailureNs,
			c.Disabled, c.DisabledAtNs, c.DisabledReason, c.TLSCertExpiryNs,
			c.UpdatedAtNs, id, prevUpdated)
		s.mu.Unlock()
		if err != nil {
			return nil, conflicts, fmt.Errorf("update check state %s: %w", id, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return nil, conflicts, err
		}
		if n == 1 {
			return c, conflicts, nil
		}
		conflicts++
	}
	return nil, conflicts, fmt.Errorf("update check state %s: %w", id, ErrStoreConflict)
}

// StaleChecks returns enabled checks whose record has not been touched for
// more than twice their probe interval; the reconciler re-derives their
// state from history.
func (s *Store) StaleChecks(nowNs int64) ([]model.Check, error) {
	rows, err := s.db.Query(`
		SELECT `+checkColumns+` FROM checks
		WHERE enabled = 1 AND disabled = 0
		  AND updated_at_ns < ? - 2 * interval_seconds * 1000000000
	`, nowNs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChecks(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheck(row rowScanner) (*model.Check, error) {
	var c model.Check
	var expected, headers, status string
	if err := row.Scan(&c.ID, &c.UserID, &c.URL, &c.Name, &c.Method, &expected,
		&c.BodyAssertion, &c.IntervalSeconds, &headers, &c.RequestBody, &c.Region,
		&c.Enabled, &c.FollowRedirects, &c.TreatRedirectAsOnline, &c.PreferIPv6,
		&c.Tier, &c.OrderIndex, &status, &c.LastCheckedNs, &c.NextDueNs,
		&c.LastResponseTimeMs, &c.LastStatusCode, &c.LastError, &c.ConsecutiveFailures,
		&c.FirstFailureNs, &c.Disabled, &c.DisabledAtNs, &c.DisabledReason,
		&c.TLSCertExpiryNs, &c.UpdatedAtNs, &c.CreatedAtNs); err != nil {
		return nil, err
	}
	c.Status = model.Status(status)
	if err := json.Unmarshal([]byte(expected), &c.ExpectedStatusCodes); err != nil {
		return nil, fmt.Errorf("unmarshal expected statuses for %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(headers), &c.Headers); err != nil {
		return nil, fmt.Errorf("unmarshal headers for %s: %w", c.ID, err)
	}
	return &c, nil
}

func scanChecks(rows *sql.Rows) ([]model.Check, error) {
	var result []model.Check
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}
