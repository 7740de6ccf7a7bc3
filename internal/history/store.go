// Package history is the durable record of everything the agent saw and
// did: state-change blocks, messages, actions, user memories, and
// undecryptable events, in a single embedded SQLite database. Writes from
// the hot path go through the write-behind Recorder; reads and the
// operator surfaces (training export, cleanup) talk to the Store
// directly.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/corvid-labs/corvid/internal/corviderr"
	"github.com/corvid-labs/corvid/internal/observability"
)

// Store is the synchronous database layer.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Open opens (creating if needed) the database at path, applies pragmas
// and pending migrations, and returns the store.
func Open(path string, logger *slog.Logger, metrics *observability.Metrics) (*Store, error) {
	if path == "" {
		path = "corvid.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, corviderr.ErrPersistence("open history database", err).WithContext("path", path)
	}
	// modernc's driver is single-writer; one connection avoids
	// SQLITE_BUSY churn entirely.
	db.SetMaxOpenConns(1)

	store := NewWithDB(db, logger, metrics)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, corviderr.ErrPersistence("apply pragma", err).WithContext("pragma", pragma)
		}
	}

	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an existing connection without running migrations. The
// caller owns the schema.
func NewWithDB(db *sql.DB, logger *slog.Logger, metrics *observability.Metrics) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, metrics: metrics}
}

// DB exposes the underlying connection for related stores and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ConfigGet reads a row from the config table.
func (s *Store) ConfigGet(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, corviderr.ErrPersistence("read config value", err).WithContext("key", key)
	}
	return value, true, nil
}

// ConfigSet upserts a row in the config table.
func (s *Store) ConfigSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return corviderr.ErrPersistence("write config value", err).WithContext("key", key)
	}
	return nil
}

// observe records query metrics and passes the error through.
func (s *Store) observe(op, table string, start time.Time, err error) error {
	if s.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordDatabaseQuery(op, table, status, time.Since(start).Seconds())
	}
	return err
}

// jsonColumn marshals v for a TEXT column, mapping empty values to NULL.
func jsonColumn(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if s := string(data); s != "null" && s != "{}" && s != "[]" {
		return s, nil
	}
	return nil, nil
}

// scanJSON unmarshals a nullable TEXT column into out, leaving out
// untouched for NULL.
func scanJSON(col sql.NullString, out any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), out)
}
