package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/exit1dev/monitor/internal/model"
)

// DayOf returns the UTC day partition key for a timestamp.
func DayOf(tsNs int64) string {
	return time.Unix(0, tsNs).UTC().Format("2006-01-02")
}

const outcomeColumns = `id, day, check_id, user_id, region, timestamp_ns, kind,
	response_time_ms, status_code, error_code, error_message, resolved_ips_json,
	ip_family, country, region_geo, city, latitude, longitude, asn, as_org, isp,
	cdn, edge_pop, trace_id, tls_cert_expiry_ns`

// InsertOutcome appends one outcome to history. Idempotent on id: a
// duplicate insert is a no-op.
func (s *Store) InsertOutcome(out *model.ProbeOutcome) error {
	ips, err := json.Marshal(out.ResolvedIPs)
	if err != nil {
		return fmt.Errorf("marshal resolved ips: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO probe_outcomes (`+outcomeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, out.ID, DayOf(out.TimestampNs), out.CheckID, out.UserID, out.Region,
		out.TimestampNs, string(out.Kind), out.ResponseTimeMs, out.StatusCode,
		out.ErrorCode, out.ErrorMessage, string(ips), out.IPFamily,
		out.Country, out.RegionGeo, out.City, out.Latitude, out.Longitude,
		out.ASN, out.ASOrg, out.ISP, out.CDN, out.EdgePoP, out.TraceID,
		out.TLSCertExpiryNs)
	return err
}

// OutcomeQuery selects a slice of history.
type OutcomeQuery struct {
	CheckID string
	FromNs  int64 // inclusive; 0 means unbounded
	ToNs    int64 // exclusive; 0 means unbounded
	Kind    model.OutcomeKind
	Limit   int
	Offset  int
}

// ListOutcomes returns history newest first.
func (s *Store) ListOutcomes(q OutcomeQuery) ([]model.ProbeOutcome, error) {
	query := "SELECT " + outcomeColumns + " FROM probe_outcomes WHERE check_id = ?"
	args := []any{q.CheckID}
	if q.FromNs > 0 {
		query += " AND timestamp_ns >= ?"
		args = append(args, q.FromNs)
	}
	if q.ToNs > 0 {
		query += " AND timestamp_ns < ?"
		args = append(args, q.ToNs)
	}
	if q.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(q.Kind))
	}
	query += " ORDER BY timestamp_ns DESC"
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ProbeOutcome
	for rows.Next() {
		out, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *out)
	}
	return result, rows.Err()
}

// LatestOutcome returns the newest outcome for a check, or ErrNotFound.
func (s *Store) LatestOutcome(checkID string) (*model.ProbeOutcome, error) {
	row := s.db.QueryRow(
		"SELECT "+outcomeColumns+" FROM probe_outcomes WHERE check_id = ? ORDER BY timestamp_ns DESC LIMIT 1",
		checkID)
	out, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return out, err
}

// CountOutcomes returns how many outcomes a (check, day) partition holds.
func (s *Store) CountOutcomes(checkID, day string) (int64, error) {
	var n int64
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM probe_outcomes WHERE check_id = ? AND day = ?",
		checkID, day).Scan(&n)
	return n, err
}

// CheckStats is the aggregate view over a history range.
type CheckStats struct {
	TotalProbes    int64   `json:"total_probes"`
	FailureCount   int64   `json:"failure_count"`
	UptimePercent  float64 `json:"uptime_percent"`
	MeanResponseMs float64 `json:"mean_response_ms"`
	P50ResponseMs  int64   `json:"p50_response_ms"`
	P95ResponseMs  int64   `json:"p95_response_ms"`
}

// Stats computes uptime and response-time aggregates for a check over
// [fromNs, toNs).
func (s *Store) Stats(checkID string, fromNs, toNs int64) (*CheckStats, error) {
	var st CheckStats
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN kind NOT IN ('ok', 'redirect') THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(response_time_ms), 0)
		FROM probe_outcomes
		WHERE check_id = ? AND timestamp_ns >= ? AND timestamp_ns < ?
	`, checkID, fromNs, toNs).Scan(&st.TotalProbes, &st.FailureCount, &st.MeanResponseMs)
	if err != nil {
		return nil, err
	}
	if st.TotalProbes == 0 {
		return &st, nil
	}
	st.UptimePercent = 100 * float64(st.TotalProbes-st.FailureCount) / float64(st.TotalProbes)

	p50, err := s.percentile(checkID, fromNs, toNs, st.TotalProbes, 0.50)
	if err != nil {
		return nil, err
	}
	p95, err := s.percentile(checkID, fromNs, toNs, st.TotalProbes, 0.95)
	if err != nil {
		return nil, err
	}
	st.P50ResponseMs, st.P95ResponseMs = p50, p95
	return &st, nil
}

// percentile is the nearest-rank percentile over response times in range.
func (s *Store) percentile(checkID string, fromNs, toNs, total int64, p float64) (int64, error) {
	idx := int64(math.Ceil(p*float64(total))) - 1
	if idx < 0 {
		idx = 0
	}
	var v int64
	err := s.db.QueryRow(`
		SELECT response_time_ms FROM probe_outcomes
		WHERE check_id = ? AND timestamp_ns >= ? AND timestamp_ns < ?
		ORDER BY response_time_ms ASC
		LIMIT 1 OFFSET ?
	`, checkID, fromNs, toNs, idx).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func scanOutcome(row rowScanner) (*model.ProbeOutcome, error) {
	var out model.ProbeOutcome
	var day, kind, ips string
	if err := row.Scan(&out.ID, &day, &out.CheckID, &out.UserID, &out.Region,
		&out.TimestampNs, &kind, &out.ResponseTimeMs, &out.StatusCode,
		&out.ErrorCode, &out.ErrorMessage, &ips, &out.IPFamily,
		&out.Country, &out.RegionGeo, &out.City, &out.Latitude, &out.Longitude,
		&out.ASN, &out.ASOrg, &out.ISP, &out.CDN, &out.EdgePoP, &out.TraceID,
		&out.TLSCertExpiryNs); err != nil {
		return nil, err
	}
	out.Kind = model.OutcomeKind(kind)
	if err := json.Unmarshal([]byte(ips), &out.ResolvedIPs); err != nil {
		return nil, fmt.Errorf("unmarshal resolved ips for %s: %w", out.ID, err)
	}
	return &out, nil
}
