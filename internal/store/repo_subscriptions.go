package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/exit1dev/monitor/internal/model"
)

// UpsertSubscription inserts or replaces one (user, channel) subscription.
func (s *Store) UpsertSubscription(sub *model.AlertSubscription) error {
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	headers, err := json.Marshal(sub.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	overrides, err := json.Marshal(sub.Overrides)
	if err != nil {
		return fmt.Errorf("marshal overrides: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO alert_subscriptions (user_id, channel, recipient, secret, enabled,
			events_json, min_consecutive_events, headers_json, overrides_json, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, channel) DO UPDATE SET
			recipient              = excluded.recipient,
			secret                 = excluded.secret,
			enabled                = excluded.enabled,
			events_json            = excluded.events_json,
			min_consecutive_events = excluded.min_consecutive_events,
			headers_json           = excluded.headers_json,
			overrides_json         = excluded.overrides_json,
			updated_at_ns          = excluded.updated_at_ns
	`, sub.UserID, string(sub.Channel), sub.Recipient, sub.Secret, sub.Enabled,
		string(events), sub.MinConsecutiveEvents, string(headers), string(overrides),
		sub.UpdatedAtNs)
	return err
}

// GetSubscription loads one (user, channel) subscription, or ErrNotFound.
func (s *Store) GetSubscription(userID string, channel model.Channel) (*model.AlertSubscription, error) {
	row := s.db.QueryRow(`
		SELECT user_id, channel, recipient, secret, enabled, events_json,
		       min_consecutive_events, headers_json, overrides_json, updated_at_ns
		FROM alert_subscriptions WHERE user_id = ? AND channel = ?
	`, userID, string(channel))
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

// ListSubscriptions returns all of a user's subscriptions.
func (s *Store) ListSubscriptions(userID string) ([]model.AlertSubscription, error) {
	rows, err := s.db.Query(`
		SELECT user_id, channel, recipient, secret, enabled, events_json,
		       min_consecutive_events, headers_json, overrides_json, updated_at_ns
		FROM alert_subscriptions WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.AlertSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *sub)
	}
	return result, rows.Err()
}

// DeleteSubscription removes one (user, channel) subscription.
func (s *Store) DeleteSubscription(userID string, channel model.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"DELETE FROM alert_subscriptions WHERE user_id = ? AND channel = ?",
		userID, string(channel))
	return err
}

func scanSubscription(row rowScanner) (*model.AlertSubscription, error) {
	var sub model.AlertSubscription
	var channel, events, headers, overrides string
	if err := row.Scan(&sub.UserID, &channel, &sub.Recipient, &sub.Secret,
		&sub.Enabled, &events, &sub.MinConsecutiveEvents, &headers, &overrides,
		&sub.UpdatedAtNs); err != nil {
		return nil, err
	}
	sub.Channel = model.Channel(channel)
	if err := json.Unmarshal([]byte(events), &sub.Events); err != nil {
		return nil, fmt.Errorf("unmarshal events for %s/%s: %w", sub.UserID, channel, err)
	}
	if err := json.Unmarshal([]byte(headers), &sub.Headers); err != nil {
		return nil, fmt.Errorf("unmarshal headers for %s/%s: %w", sub.UserID, channel, err)
	}
	if err := json.Unmarshal([]byte(overrides), &sub.Overrides); err != nil {
		return nil, fmt.Errorf("unmarshal overrides for %s/%s: %w", sub.UserID, channel, err)
	}
	return &sub, nil
}

// BudgetWindow selects one of the two budget tables.
type BudgetWindow string

const (
	BudgetHour  BudgetWindow = "hour"
	BudgetMonth BudgetWindow = "month"
)

func budgetTable(w BudgetWindow) (string, error) {
	switch w {
	case BudgetHour:
		return "alert_budgets_hour", nil
	case BudgetMonth:
		return "alert_budgets_month", nil
	default:
		return "", fmt.Errorf("unknown budget window %q", w)
	}
}

// IncrementBudget atomically bumps the (user, channel, window) counter and
// returns the post-increment count. The dispatcher decrements back when the
// count exceeds the tier limit.
func (s *Store) IncrementBudget(w BudgetWindow, userID string, channel model.Channel, windowStartNs int64) (int64, error) {
	table, err := budgetTable(w)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO `+table+` (user_id, channel, window_start_ns, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(user_id, channel, window_start_ns) DO UPDATE SET count = count + 1
	`, userID, string(channel), windowStartNs); err != nil {
		return 0, err
	}

	var count int64
	if err := tx.QueryRow(`
		SELECT count FROM `+table+` WHERE user_id = ? AND channel = ? AND window_start_ns = ?
	`, userID, string(channel), windowStartNs).Scan(&count); err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

// DecrementBudget undoes one increment, flooring at zero.
func (s *Store) DecrementBudget(w BudgetWindow, userID string, channel model.Channel, windowStartNs int64) error {
	table, err := budgetTable(w)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		UPDATE `+table+` SET count = MAX(count - 1, 0)
		WHERE user_id = ? AND channel = ? AND window_start_ns = ?
	`, userID, string(channel), windowStartNs)
	return err
}

// BudgetCount reads the counter for one window; a missing row is zero.
func (s *Store) BudgetCount(w BudgetWindow, userID string, channel model.Channel, windowStartNs int64) (int64, error) {
	table, err := budgetTable(w)
	if err != nil {
		return 0, err
	}

	var count int64
	err = s.db.QueryRow(`
		SELECT count FROM `+table+` WHERE user_id = ? AND channel = ? AND window_start_ns = ?
	`, userID, string(channel), windowStartNs).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}
