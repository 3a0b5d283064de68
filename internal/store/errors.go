package store

import "errors"

// ErrStoreConflict means a conditional check-state write lost to a
// concurrent writer three times in a row.
var ErrStoreConflict = errors.New("store: conditional write conflict")

// ErrNotFound means the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrStoreUnavailable means the append retry loop was exhausted; the
// outcome has been parked in the replay queue.
var ErrStoreUnavailable = errors.New("store: unavailable")
