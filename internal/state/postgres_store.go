package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/TheMichaelB/sectionrepeat/internal/events"
)

const (
	postgresTableName        = "sectionrepeat_kv"
	postgresOperationTimeout = 5 * time.Second
)

// ErrInvalidDSN is returned for an empty or malformed store address.
var ErrInvalidDSN = errors.New("invalid store dsn")

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps one area per namespace in a shared Postgres table.
// The connection and schema are set up lazily on first use.
type PostgresStore struct {
	dsn       string
	namespace string
	tableName string
	openDB    sqlOpenFunc
	logger    *events.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStore validates dsn without connecting.
func NewPostgresStore(dsn, namespace string, logger *events.Logger) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	return &PostgresStore{
		dsn:       dsn,
		namespace: namespace,
		tableName: postgresTableName,
		openDB:    sql.Open,
		logger: logger.WithFields(map[string]any{
			"component": "postgres_state_store",
			"namespace": namespace,
		}),
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				namespace TEXT NOT NULL,
				key TEXT NOT NULL,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (namespace, key)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

// Get returns the values present for keys.
func (s *PostgresStore) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	if len(keys) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	if err := s.ensureReady(); err != nil {
		return nil, transient("get", firstKey(keys), err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT key, value FROM %s WHERE namespace = $1 AND key = ANY($2)", postgresQuoteIdentifier(s.tableName))
	out := make(map[string]json.RawMessage, len(keys))
	if err := s.scan(ctx, out, query, s.namespace, pq.Array(keys)); err != nil {
		return nil, transient("get", firstKey(keys), err)
	}
	return out, nil
}

// GetAll returns every entry in the namespace.
func (s *PostgresStore) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	if err := s.ensureReady(); err != nil {
		return nil, transient("get_all", "", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT key, value FROM %s WHERE namespace = $1", postgresQuoteIdentifier(s.tableName))
	out := make(map[string]json.RawMessage)
	if err := s.scan(ctx, out, query, s.namespace); err != nil {
		return nil, transient("get_all", "", err)
	}
	return out, nil
}

func (s *PostgresStore) scan(ctx context.Context, out map[string]json.RawMessage, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		out[key] = json.RawMessage(value)
	}
	return rows.Err()
}

// Set upserts entries in one transaction.
func (s *PostgresStore) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	if len(entries) == 0 {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return transient("set", "", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transient("set", "", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	for _, key := range entryKeys(entries) {
		if _, err := tx.ExecContext(ctx, query, s.namespace, key, string(entries[key])); err != nil {
			return transient("set", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return transient("set", "", err)
	}
	return nil
}

// Remove deletes keys.
func (s *PostgresStore) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return transient("remove", firstKey(keys), err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE namespace = $1 AND key = ANY($2)", postgresQuoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, s.namespace, pq.Array(keys)); err != nil {
		return transient("remove", firstKey(keys), err)
	}
	return nil
}

// BytesInUse sums key and value octet lengths.
func (s *PostgresStore) BytesInUse(ctx context.Context, keys ...string) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, transient("bytes_in_use", "", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(s.tableName)
	var (
		total sql.NullInt64
		err   error
	)
	if len(keys) == 0 {
		query := fmt.Sprintf("SELECT SUM(OCTET_LENGTH(key) + OCTET_LENGTH(value)) FROM %s WHERE namespace = $1", table)
		err = s.db.QueryRowContext(ctx, query, s.namespace).Scan(&total)
	} else {
		query := fmt.Sprintf("SELECT SUM(OCTET_LENGTH(key) + OCTET_LENGTH(value)) FROM %s WHERE namespace = $1 AND key = ANY($2)", table)
		err = s.db.QueryRowContext(ctx, query, s.namespace, pq.Array(keys)).Scan(&total)
	}
	if err != nil {
		return 0, transient("bytes_in_use", firstKey(keys), err)
	}
	return total.Int64, nil
}

// Close releases the connection pool if one was opened.
func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
