package sqlite

import (
	"context"
	"fmt"
	"time"
)

// migration is a numbered schema change. Applied IDs are recorded in the
// _migrations table so each script runs exactly once.
type migration struct {
	id    int
	name  string
	stmts []string
}

var migrations = []migration{
	{
		id:   1,
		name: "initial schema",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS workspaces (
				id         TEXT PRIMARY KEY,
				name       TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS workspace_settings (
				workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
				key          TEXT NOT NULL,
				value        TEXT NOT NULL,
				updated_at   INTEGER NOT NULL,
				PRIMARY KEY (workspace_id, key)
			)`,
			`CREATE TABLE IF NOT EXISTS agents (
				id                  TEXT PRIMARY KEY,
				workspace_id        TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
				name                TEXT NOT NULL,
				role_instruction    TEXT NOT NULL DEFAULT '',
				working_instruction TEXT NOT NULL DEFAULT '',
				cli_type            TEXT NOT NULL DEFAULT 'claude',
				position            INTEGER NOT NULL,
				timeout_minutes     INTEGER NOT NULL DEFAULT 0,
				created_at          INTEGER NOT NULL,
				updated_at          INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id           TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
				title        TEXT NOT NULL,
				description  TEXT NOT NULL DEFAULT '',
				status       TEXT NOT NULL,
				created_at   INTEGER NOT NULL,
				updated_at   INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS task_routings (
				id                  TEXT PRIMARY KEY,
				task_id             TEXT NOT NULL UNIQUE REFERENCES tasks(id) ON DELETE CASCADE,
				status              TEXT NOT NULL,
				current_agent_index INTEGER NOT NULL DEFAULT 0,
				iteration           INTEGER NOT NULL DEFAULT 0,
				any_agent_worked    INTEGER NOT NULL DEFAULT 0,
				locked_at           INTEGER,
				error_message       TEXT,
				retry_count         INTEGER NOT NULL DEFAULT 0,
				created_at          INTEGER NOT NULL,
				updated_at          INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS executions (
				id           TEXT PRIMARY KEY,
				task_id      TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				agent_id     TEXT NOT NULL,
				agent_name   TEXT NOT NULL,
				cli_type     TEXT NOT NULL,
				status       TEXT NOT NULL,
				result       TEXT,
				output       TEXT,
				started_at   INTEGER,
				completed_at INTEGER,
				created_at   INTEGER NOT NULL,
				updated_at   INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS execution_logs (
				id           TEXT PRIMARY KEY,
				execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
				content      TEXT NOT NULL,
				timestamp    INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS comments (
				id          TEXT PRIMARY KEY,
				task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				author      TEXT NOT NULL,
				author_type TEXT NOT NULL,
				content     TEXT NOT NULL,
				log         TEXT,
				created_at  INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS attachments (
				id          TEXT PRIMARY KEY,
				task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				filename    TEXT NOT NULL,
				stored_name TEXT NOT NULL,
				mime_type   TEXT NOT NULL,
				size        INTEGER NOT NULL,
				created_at  INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS task_templates (
				id           TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
				name         TEXT NOT NULL,
				title        TEXT NOT NULL,
				description  TEXT NOT NULL DEFAULT '',
				created_at   INTEGER NOT NULL,
				updated_at   INTEGER NOT NULL
			)`,
		},
	},
	{
		id:   2,
		name: "query indexes",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_agents_workspace ON agents(workspace_id, position)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_workspace ON tasks(workspace_id)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
			`CREATE INDEX IF NOT EXISTS idx_routings_status ON task_routings(status, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_executions_task ON executions(task_id)`,
			`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
			`CREATE INDEX IF NOT EXISTS idx_execution_logs_execution ON execution_logs(execution_id, timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_comments_task ON comments(task_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_attachments_task ON attachments(task_id)`,
		},
	},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.exec(ctx,
		`CREATE TABLE IF NOT EXISTS _migrations (
			id         INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var applied int
	row := s.conn().QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM _migrations`)
	if err := row.Scan(&applied); err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}

	for _, m := range migrations {
		if m.id <= applied {
			continue
		}
		start := time.Now()
		err := s.retryBusy(ctx, func() error { return s.applyMigration(ctx, m) })
		if err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.id, m.name, err)
		}
		s.logger.Info("sqlite: migration applied", "id", m.id, "name", m.name, "duration", time.Since(start))
	}
	return nil
}

// applyMigration runs a single migration's statements and records it in
// _migrations, all inside one transaction.
func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO _migrations (id, name, applied_at) VALUES (?, ?, ?)`,
		m.id, m.name, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}
