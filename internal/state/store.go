package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/TheMichaelB/sectionrepeat/internal/models"
)

// Store is a flat key-value area holding JSON values. Three areas exist at
// runtime: session (cleared on restart), persistent (quota-bound) and sync
// (roams with the user).
type Store interface {
	// Get returns the values present for keys. Missing keys are absent
	// from the result rather than an error.
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)

	// GetAll returns every entry.
	GetAll(ctx context.Context) (map[string]json.RawMessage, error)

	// Set writes all entries or none.
	Set(ctx context.Context, entries map[string]json.RawMessage) error

	// Remove deletes keys. Removing a missing key is not an error.
	Remove(ctx context.Context, keys ...string) error

	// BytesInUse reports the size of keys, or of the whole area when no
	// keys are given.
	BytesInUse(ctx context.Context, keys ...string) (int64, error)

	// Close releases resources.
	Close() error
}

// EntrySize is the accounting size of one entry.
func EntrySize(key string, value json.RawMessage) int64 {
	return int64(len(key) + len(value))
}

// GetJSON decodes a single key into v. It reports false when the key is
// absent.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	values, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	raw, ok := values[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and writes it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, map[string]json.RawMessage{key: raw})
}

// KeysWithPrefix lists stored keys starting with prefix, sorted.
func KeysWithPrefix(ctx context.Context, s Store, prefix string) ([]string, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// transient wraps a backend failure so callers can classify it.
func transient(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *models.StoreError
	if errors.As(err, &se) {
		return err
	}
	return &models.StoreError{Op: op, Key: key, Err: fmt.Errorf("%w: %v", models.ErrTransientStore, err)}
}

func firstKey(keys []string) string {
	if len(keys) == 1 {
		return keys[0]
	}
	return ""
}

func entryKeys(entries map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), v...)
}
