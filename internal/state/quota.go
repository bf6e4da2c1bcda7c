package state

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/TheMichaelB/sectionrepeat/internal/models"
)

// QuotaStore enforces a byte ceiling on writes to the wrapped store. Writes
// whose keys all carry an exempt prefix are never rejected, so recovery
// stashes still land when the area is full.
type QuotaStore struct {
	Store
	maxBytes int64
	exempt   []string
}

// NewQuotaStore wraps s with a maxBytes ceiling.
func NewQuotaStore(s Store, maxBytes int64, exemptPrefixes ...string) *QuotaStore {
	return &QuotaStore{Store: s, maxBytes: maxBytes, exempt: exemptPrefixes}
}

// MaxBytes returns the ceiling.
func (q *QuotaStore) MaxBytes() int64 {
	return q.maxBytes
}

// Set rejects writes that would push usage above the ceiling.
func (q *QuotaStore) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	if q.allExempt(entries) {
		return q.Store.Set(ctx, entries)
	}

	keys := entryKeys(entries)
	total, err := q.Store.BytesInUse(ctx)
	if err != nil {
		return err
	}
	replaced, err := q.Store.BytesInUse(ctx, keys...)
	if err != nil {
		return err
	}

	projected := total - replaced
	for k, v := range entries {
		projected += EntrySize(k, v)
	}
	if projected > q.maxBytes {
		return &models.StoreError{Op: "set", Key: firstKey(keys), Err: models.ErrQuotaExceeded}
	}

	return q.Store.Set(ctx, entries)
}

func (q *QuotaStore) allExempt(entries map[string]json.RawMessage) bool {
	if len(q.exempt) == 0 || len(entries) == 0 {
		return false
	}
	for k := range entries {
		matched := false
		for _, prefix := range q.exempt {
			if strings.HasPrefix(k, prefix) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
