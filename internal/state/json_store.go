package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/TheMichaelB/sectionrepeat/internal/events"
)

// CurrentSchemaVersion of the JSON store file layout.
const CurrentSchemaVersion = 1

// ErrStateCorrupt is returned when neither the file nor its backup decode.
var ErrStateCorrupt = errors.New("state file is corrupt")

// fileEnvelope is the on-disk layout of a JSONStore.
type fileEnvelope struct {
	SchemaVersion int                        `json:"schema_version"`
	SavedAt       time.Time                  `json:"saved_at"`
	Entries       map[string]json.RawMessage `json:"entries"`
	Checksum      string                     `json:"checksum,omitempty"`
}

// JSONStore keeps an area in a single JSON file, rewritten atomically on
// each mutation.
type JSONStore struct {
	path   string
	logger *events.Logger

	mu      sync.RWMutex
	entries map[string]json.RawMessage
}

// NewJSONStore opens or creates the file at path.
func NewJSONStore(path string, logger *events.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	s := &JSONStore{
		path:    path,
		logger:  logger.WithField("component", "json_state_store"),
		entries: make(map[string]json.RawMessage),
	}

	entries, err := s.load()
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		s.entries = entries
	}

	return s, nil
}

func (s *JSONStore) load() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	entries, err := decodeEnvelope(data)
	if err == nil {
		return entries, nil
	}

	s.logger.WithError(err).Warn("State file unreadable, trying backup")
	backup, berr := os.ReadFile(s.backupPath())
	if berr != nil {
		return nil, ErrStateCorrupt
	}
	entries, berr = decodeEnvelope(backup)
	if berr != nil {
		return nil, ErrStateCorrupt
	}
	s.logger.Warn("Loaded state from backup due to corruption")
	return entries, nil
}

func decodeEnvelope(data []byte) (map[string]json.RawMessage, error) {
	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Checksum != "" {
		sum, err := envelopeChecksum(env)
		if err != nil {
			return nil, err
		}
		if sum != env.Checksum {
			return nil, fmt.Errorf("checksum mismatch: expected %s, got %s", env.Checksum, sum)
		}
	}
	if env.Entries == nil {
		env.Entries = make(map[string]json.RawMessage)
	}
	return env.Entries, nil
}

func envelopeChecksum(env fileEnvelope) (string, error) {
	env.Checksum = ""
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// persist must be called with s.mu held for writing.
func (s *JSONStore) persist(entries map[string]json.RawMessage) error {
	env := fileEnvelope{
		SchemaVersion: CurrentSchemaVersion,
		SavedAt:       time.Now().UTC(),
		Entries:       entries,
	}
	sum, err := envelopeChecksum(env)
	if err != nil {
		return fmt.Errorf("checksum state: %w", err)
	}
	env.Checksum = sum

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := copyFile(s.path, s.backupPath()); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if file, err := os.Open(tmpPath); err == nil {
		_ = file.Sync()
		file.Close()
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// Get returns the values present for keys.
func (s *JSONStore) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := s.entries[k]; ok {
			out[k] = cloneRaw(v)
		}
	}
	return out, nil
}

// GetAll returns every entry.
func (s *JSONStore) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(s.entries))
	for k, v := range s.entries {
		out[k] = cloneRaw(v)
	}
	return out, nil
}

// Set writes entries and rewrites the file. The in-memory view only
// changes once the file is on disk.
func (s *JSONStore) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]json.RawMessage, len(s.entries)+len(entries))
	for k, v := range s.entries {
		next[k] = v
	}
	for k, v := range entries {
		next[k] = cloneRaw(v)
	}

	if err := s.persist(next); err != nil {
		return transient("set", firstKey(entryKeys(entries)), err)
	}
	s.entries = next
	return nil
}

// Remove deletes keys and rewrites the file.
func (s *JSONStore) Remove(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]json.RawMessage, len(s.entries))
	for k, v := range s.entries {
		next[k] = v
	}
	for _, k := range keys {
		delete(next, k)
	}

	if err := s.persist(next); err != nil {
		return transient("remove", firstKey(keys), err)
	}
	s.entries = next
	return nil
}

// BytesInUse sums EntrySize over keys or the whole file.
func (s *JSONStore) BytesInUse(ctx context.Context, keys ...string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	if len(keys) == 0 {
		for k, v := range s.entries {
			total += EntrySize(k, v)
		}
		return total, nil
	}
	for _, k := range keys {
		if v, ok := s.entries[k]; ok {
			total += EntrySize(k, v)
		}
	}
	return total, nil
}

// Close releases resources.
func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) backupPath() string {
	return s.path + ".backup"
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
