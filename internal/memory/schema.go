package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// latestSchemaVersion is stored in PRAGMA user_version.
const latestSchemaVersion = 1

// Each indexed table has an integer pk used as the FTS content_rowid, so
// VACUUM cannot renumber rows underneath the index.
var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		pk INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		agent_id TEXT NOT NULL REFERENCES agents(agent_id),
		type TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		tier TEXT NOT NULL DEFAULT 'hot'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_agent_time ON events(agent_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_events_agent_tier ON events(agent_id, tier, timestamp)`,
	`CREATE TABLE IF NOT EXISTS entities (
		pk INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		agent_id TEXT NOT NULL REFERENCES agents(agent_id),
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_agent_type ON entities(agent_id, type, updated_at)`,
	`CREATE TABLE IF NOT EXISTS lessons (
		pk INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		agent_id TEXT NOT NULL REFERENCES agents(agent_id),
		type TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		source_event_id TEXT,
		consolidated_to TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_lessons_agent_time ON lessons(agent_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS principles (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(agent_id),
		name TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		source_lessons TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_principles_agent ON principles(agent_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS summaries (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(agent_id),
		type TEXT NOT NULL,
		period TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		event_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_summaries_agent ON summaries(agent_id, type, created_at)`,
	`CREATE TABLE IF NOT EXISTS state (
		agent_id TEXT PRIMARY KEY REFERENCES agents(agent_id),
		content TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
		title,
		content,
		content='events',
		content_rowid='pk',
		tokenize='unicode61'
	)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS entities_fts USING fts5(
		name,
		content,
		content='entities',
		content_rowid='pk',
		tokenize='unicode61'
	)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS lessons_fts USING fts5(
		title,
		content,
		content='lessons',
		content_rowid='pk',
		tokenize='unicode61'
	)`,
}

// requiredColumns is checked when a database claims to be current.
var requiredColumns = map[string][]string{
	"agents":     {"agent_id", "created_at"},
	"events":     {"pk", "id", "agent_id", "type", "timestamp", "title", "content", "metadata", "tier"},
	"entities":   {"pk", "id", "agent_id", "type", "name", "content", "updated_at", "metadata"},
	"lessons":    {"pk", "id", "agent_id", "type", "timestamp", "title", "content", "source_event_id", "consolidated_to"},
	"principles": {"id", "agent_id", "name", "content", "source_lessons", "metadata", "created_at", "updated_at"},
	"summaries":  {"id", "agent_id", "type", "period", "content", "event_count", "created_at"},
	"state":      {"agent_id", "content", "updated_at"},
}

func (e *Engine) migrateSchema() error {
	ctx := context.Background()

	var version int
	if err := e.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	switch {
	case version > latestSchemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported %d", version, latestSchemaVersion)
	case version == latestSchemaVersion:
		return e.validateSchema(ctx)
	}

	return e.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range schemaV1 {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("init schema: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, latestSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
		return nil
	})
}

func (e *Engine) validateSchema(ctx context.Context) error {
	for table, want := range requiredColumns {
		have, err := tableColumns(ctx, e.db, table)
		if err != nil {
			return err
		}
		var missing []string
		for _, col := range want {
			if _, ok := have[col]; !ok {
				missing = append(missing, col)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("table %s missing required columns: %s", table, strings.Join(missing, ", "))
		}
	}
	return nil
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("table_info(%s): %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table_info(%s): %w", table, err)
		}
		cols[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table_info(%s): %w", table, err)
	}
	return cols, nil
}
