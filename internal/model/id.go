package model

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/xxh3"
)

// OutcomeID derives the deterministic id for a probe outcome from its
// identity tuple. Re-appending the same outcome therefore collides on the
// primary key and becomes a no-op.
func OutcomeID(checkID, region string, timestampNs int64) string {
	buf := make([]byte, 0, len(checkID)+len(region)+8)
	buf = append(buf, checkID...)
	buf = append(buf, region...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(timestampNs))
	h := xxh3.Hash128(buf)
	var out [16]byte
	binary.BigEndian.PutUint64(out[:8], h.Hi)
	binary.BigEndian.PutUint64(out[8:], h.Lo)
	return hex.EncodeToString(out[:])
}

// DedupKey collapses identical alert dispatches inside the dedup window.
func DedupKey(checkID string, event EventKind, status Status) uint64 {
	buf := make([]byte, 0, len(checkID)+len(event)+len(status)+2)
	buf = append(buf, checkID...)
	buf = append(buf, 0)
	buf = append(buf, event...)
	buf = append(buf, 0)
	buf = append(buf, status...)
	return xxh3.Hash(buf)
}
