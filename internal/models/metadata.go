package models

import (
	"encoding/json"
	"sort"
	"time"
)

// MetadataEntry summarises one section list for eviction.
type MetadataEntry struct {
	UpdatedAt    int64 `json:"updatedAt,omitempty"` // epoch ms
	SectionCount int   `json:"sectionCount"`
}

// MetadataIndex maps section keys to their entries. Stored under sr:metadata.
type MetadataIndex map[string]MetadataEntry

// Clone returns an independent copy.
func (idx MetadataIndex) Clone() MetadataIndex {
	clone := make(MetadataIndex, len(idx))
	for k, v := range idx {
		clone[k] = v
	}
	return clone
}

// Keys returns the indexed keys in ascending order.
func (idx MetadataIndex) Keys() []string {
	keys := make([]string, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Expired reports whether the entry has no timestamp or is older than maxAge.
func (e MetadataEntry) Expired(now time.Time, maxAge time.Duration) bool {
	if e.UpdatedAt <= 0 {
		return true
	}
	return now.UnixMilli()-e.UpdatedAt > maxAge.Milliseconds()
}

// PendingWrite is a write deferred because the store was over quota.
type PendingWrite struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// LockRecord is stored under lock_<name> while a lock is held.
type LockRecord struct {
	AcquiredAt int64  `json:"acquiredAt"` // epoch ms
	ID         string `json:"id"`
}

// Stale reports whether the holder has exceeded threshold.
func (r LockRecord) Stale(now time.Time, threshold time.Duration) bool {
	return now.UnixMilli()-r.AcquiredAt > threshold.Milliseconds()
}
