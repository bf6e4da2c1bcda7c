package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/sectionrepeat/internal/events"
)

// sqliteChunk keeps IN lists under SQLite's host parameter limit.
const sqliteChunk = 500

// SQLiteStore keeps one area per namespace in a SQLite table.
type SQLiteStore struct {
	db        *sql.DB
	namespace string
	logger    *events.Logger
}

// NewSQLiteStore opens the database at dbPath and prepares the schema.
func NewSQLiteStore(dbPath, namespace string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:        db,
		namespace: namespace,
		logger: logger.WithFields(map[string]any{
			"component": "sqlite_state_store",
			"namespace": namespace,
		}),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS kv_entries (
        namespace TEXT NOT NULL,
        key TEXT NOT NULL,
        value TEXT NOT NULL,
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
        PRIMARY KEY (namespace, key)
    );

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Get returns the values present for keys.
func (s *SQLiteStore) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	for _, chunk := range chunkKeys(keys, sqliteChunk) {
		query := `SELECT key, value FROM kv_entries WHERE namespace = ? AND key IN (` + placeholders(len(chunk)) + `)`
		if err := s.scan(ctx, out, query, s.args(chunk)...); err != nil {
			return nil, transient("get", firstKey(keys), err)
		}
	}
	return out, nil
}

// GetAll returns every entry in the namespace.
func (s *SQLiteStore) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	if err := s.scan(ctx, out, `SELECT key, value FROM kv_entries WHERE namespace = ?`, s.namespace); err != nil {
		return nil, transient("get_all", "", err)
	}
	return out, nil
}

func (s *SQLiteStore) scan(ctx context.Context, out map[string]json.RawMessage, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scan entry row: %w", err)
		}
		out[key] = json.RawMessage(value)
	}
	return rows.Err()
}

// Set upserts entries in one transaction.
func (s *SQLiteStore) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	s.logger.WithField("count", len(entries)).Debug("Writing entries to SQLite")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transient("set", "", fmt.Errorf("begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO kv_entries (namespace, key, value, updated_at)
        VALUES (?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(namespace, key) DO UPDATE SET
            value = excluded.value,
            updated_at = CURRENT_TIMESTAMP
    `)
	if err != nil {
		return transient("set", "", fmt.Errorf("prepare statement: %w", err))
	}
	defer stmt.Close()

	for _, key := range entryKeys(entries) {
		if _, err := stmt.ExecContext(ctx, s.namespace, key, string(entries[key])); err != nil {
			return transient("set", key, fmt.Errorf("upsert entry: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return transient("set", "", fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// Remove deletes keys in one transaction.
func (s *SQLiteStore) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transient("remove", "", fmt.Errorf("begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	for _, chunk := range chunkKeys(keys, sqliteChunk) {
		query := `DELETE FROM kv_entries WHERE namespace = ? AND key IN (` + placeholders(len(chunk)) + `)`
		if _, err := tx.ExecContext(ctx, query, s.args(chunk)...); err != nil {
			return transient("remove", firstKey(keys), fmt.Errorf("delete entries: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return transient("remove", "", fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// BytesInUse sums key and value lengths.
func (s *SQLiteStore) BytesInUse(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		var total sql.NullInt64
		err := s.db.QueryRowContext(ctx,
			`SELECT SUM(LENGTH(CAST(key AS BLOB)) + LENGTH(CAST(value AS BLOB))) FROM kv_entries WHERE namespace = ?`,
			s.namespace,
		).Scan(&total)
		if err != nil {
			return 0, transient("bytes_in_use", "", err)
		}
		return total.Int64, nil
	}

	values, err := s.Get(ctx, keys...)
	if err != nil {
		return 0, err
	}
	var total int64
	for k, v := range values {
		total += EntrySize(k, v)
	}
	return total, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) args(keys []string) []any {
	args := make([]any, 0, len(keys)+1)
	args = append(args, s.namespace)
	for _, k := range keys {
		args = append(args, k)
	}
	return args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func chunkKeys(keys []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[start:end])
	}
	return chunks
}
