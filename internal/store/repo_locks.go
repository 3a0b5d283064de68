package store

import (
	"database/sql"
	"errors"

	"github.com/exit1dev/monitor/internal/model"
)

// AcquireRegionLock attempts to claim the region for holder with a lease.
// It succeeds when the region is unclaimed, the current lease has expired,
// or the holder already owns the lock (re-acquire renews the lease).
func (s *Store) AcquireRegionLock(region, holder string, nowNs, leaseNs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO region_locks (region, holder_id, acquired_at_ns, expires_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(region) DO UPDATE SET
			holder_id      = excluded.holder_id,
			acquired_at_ns = excluded.acquired_at_ns,
			expires_at_ns  = excluded.expires_at_ns
		WHERE region_locks.expires_at_ns <= excluded.acquired_at_ns
		   OR region_locks.holder_id = excluded.holder_id
	`, region, holder, nowNs, nowNs+leaseNs)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RenewRegionLock extends the lease of a lock the holder already owns.
func (s *Store) RenewRegionLock(region, holder string, nowNs, leaseNs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE region_locks SET expires_at_ns = ? WHERE region = ? AND holder_id = ?",
		nowNs+leaseNs, region, holder)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseRegionLock drops the lock if the holder still owns it.
func (s *Store) ReleaseRegionLock(region, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"DELETE FROM region_locks WHERE region = ? AND holder_id = ?",
		region, holder)
	return err
}

// GetRegionLock loads the current lock record, or ErrNotFound.
func (s *Store) GetRegionLock(region string) (*model.RegionLock, error) {
	var l model.RegionLock
	err := s.db.QueryRow(
		"SELECT region, holder_id, acquired_at_ns, expires_at_ns FROM region_locks WHERE region = ?",
		region).Scan(&l.Region, &l.HolderID, &l.AcquiredAtNs, &l.ExpiresAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}
