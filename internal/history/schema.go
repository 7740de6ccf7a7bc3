package history

import (
	"context"
	"strconv"

	"github.com/corvid-labs/corvid/internal/corviderr"
)

const schemaVersionKey = "schema_version"

type migration struct {
	version    int
	statements []string
}

// migrations are applied in order inside one transaction each. The config
// row schema_version records how far a database has been migrated, so
// startup is idempotent.
var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS state_changes (
				id TEXT PRIMARY KEY,
				ts INTEGER NOT NULL,
				change_type TEXT NOT NULL,
				source TEXT,
				channel_id TEXT,
				platform TEXT,
				observations TEXT,
				potential_actions TEXT,
				selected_actions TEXT,
				reasoning TEXT,
				raw_content TEXT,
				metadata TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_state_changes_ts ON state_changes(ts)`,
			`CREATE INDEX IF NOT EXISTS idx_state_changes_channel ON state_changes(channel_id, ts)`,
			`CREATE TABLE IF NOT EXISTS messages (
				platform TEXT NOT NULL,
				id TEXT NOT NULL,
				channel_id TEXT NOT NULL,
				sender_id TEXT,
				sender_display TEXT,
				content TEXT,
				reply_to TEXT,
				media_urls TEXT,
				metadata TEXT,
				from_self INTEGER NOT NULL DEFAULT 0,
				ts INTEGER NOT NULL,
				PRIMARY KEY (platform, id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, ts)`,
			`CREATE TABLE IF NOT EXISTS actions (
				id TEXT PRIMARY KEY,
				ts INTEGER NOT NULL,
				kind TEXT NOT NULL,
				parameters TEXT,
				result TEXT,
				success INTEGER NOT NULL DEFAULT 0,
				channel_id TEXT,
				platform TEXT,
				reasoning TEXT,
				duration_ms INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_actions_ts ON actions(ts)`,
			`CREATE INDEX IF NOT EXISTS idx_actions_kind ON actions(kind, ts)`,
			`CREATE INDEX IF NOT EXISTS idx_actions_channel ON actions(channel_id, ts)`,
			`CREATE TABLE IF NOT EXISTS memories (
				id TEXT PRIMARY KEY,
				ts INTEGER NOT NULL,
				user_id TEXT NOT NULL,
				platform TEXT NOT NULL,
				kind TEXT,
				content TEXT NOT NULL,
				metadata TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, platform, ts)`,
			`CREATE INDEX IF NOT EXISTS idx_memories_ts ON memories(ts)`,
			`CREATE TABLE IF NOT EXISTS undecryptable_events (
				event_id TEXT NOT NULL,
				channel_id TEXT NOT NULL,
				sender TEXT,
				retry_count INTEGER NOT NULL DEFAULT 0,
				last_retry INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 5,
				PRIMARY KEY (event_id, channel_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_undecryptable_retry ON undecryptable_events(last_retry)`,
		},
	},
}

// migrate brings the schema up to the newest version.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return corviderr.ErrPersistence("create config table", err)
	}

	current := 0
	if raw, ok, err := s.ConfigGet(ctx, schemaVersionKey); err != nil {
		return err
	} else if ok {
		current, err = strconv.Atoi(raw)
		if err != nil {
			return corviderr.ErrPersistence("parse schema_version", err).WithContext("value", raw)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return corviderr.ErrPersistence("begin migration", err).WithContext("version", m.version)
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return corviderr.ErrPersistence("apply migration", err).WithContext("version", m.version)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO config (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, schemaVersionKey, strconv.Itoa(m.version)); err != nil {
			tx.Rollback()
			return corviderr.ErrPersistence("record migration", err).WithContext("version", m.version)
		}
		if err := tx.Commit(); err != nil {
			return corviderr.ErrPersistence("commit migration", err).WithContext("version", m.version)
		}
		s.logger.Info("applied history migration", "version", m.version)
	}
	return nil
}
