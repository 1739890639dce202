// Package postgres implements maestro.Store using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool. Postgres handles
// concurrent writers natively, so unlike the SQLite store there is no
// busy-retry machinery here.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/maestro"
)

// Store implements maestro.Store backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	tx     pgx.Tx
	logger *slog.Logger
}

var _ maestro.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger used by the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) conn() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.pool
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS workspace_settings (
			workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			key          TEXT NOT NULL,
			value        TEXT NOT NULL,
			updated_at   BIGINT NOT NULL,
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
			created_at          BIGINT NOT NULL,
			updated_at          BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_workspace ON agents(workspace_id, position)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			title        TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			created_at   BIGINT NOT NULL,
			updated_at   BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_workspace ON tasks(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,

		`CREATE TABLE IF NOT EXISTS task_routings (
			id                  TEXT PRIMARY KEY,
			task_id             TEXT NOT NULL UNIQUE REFERENCES tasks(id) ON DELETE CASCADE,
			status              TEXT NOT NULL,
			current_agent_index INTEGER NOT NULL DEFAULT 0,
			iteration           INTEGER NOT NULL DEFAULT 0,
			any_agent_worked    BOOLEAN NOT NULL DEFAULT FALSE,
			locked_at           BIGINT,
			error_message       TEXT,
			retry_count         INTEGER NOT NULL DEFAULT 0,
			created_at          BIGINT NOT NULL,
			updated_at          BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routings_status ON task_routings(status, created_at)`,

		`CREATE TABLE IF NOT EXISTS executions (
			id           TEXT PRIMARY KEY,
			task_id      TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			agent_id     TEXT NOT NULL,
			agent_name   TEXT NOT NULL,
			cli_type     TEXT NOT NULL,
			status       TEXT NOT NULL,
			result       TEXT,
			output       TEXT,
			started_at   BIGINT,
			completed_at BIGINT,
			created_at   BIGINT NOT NULL,
			updated_at   BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_task ON executions(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,

		`CREATE TABLE IF NOT EXISTS execution_logs (
			id           TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			content      TEXT NOT NULL,
			timestamp    BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_execution ON execution_logs(execution_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS comments (
			id          TEXT PRIMARY KEY,
			task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			author      TEXT NOT NULL,
			author_type TEXT NOT NULL,
			content     TEXT NOT NULL,
			log         TEXT,
			created_at  BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_comments_task ON comments(task_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS attachments (
			id          TEXT PRIMARY KEY,
			task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			filename    TEXT NOT NULL,
			stored_name TEXT NOT NULL,
			mime_type   TEXT NOT NULL,
			size        BIGINT NOT NULL,
			created_at  BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_task ON attachments(task_id)`,

		`CREATE TABLE IF NOT EXISTS task_templates (
			id           TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			name         TEXT NOT NULL,
			title        TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			created_at   BIGINT NOT NULL,
			updated_at   BIGINT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.conn().Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	s.logger.Debug("postgres: init completed")
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error {
	return nil
}

// WithTx runs fn with a Store bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx maestro.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	return s.withTx(ctx, func(st *Store) error { return fn(st) })
}

func (s *Store) withTx(ctx context.Context, fn func(st *Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	st := &Store{pool: s.pool, tx: tx, logger: s.logger}
	if err := fn(st); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// --- Workspaces ---

func (s *Store) CreateWorkspace(ctx context.Context, w *maestro.Workspace) error {
	_, err := s.conn().Exec(ctx,
		`INSERT INTO workspaces (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		w.ID, w.Name, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create workspace: %w", err)
	}
	return nil
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (*maestro.Workspace, error) {
	w := &maestro.Workspace{}
	err := s.conn().QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM workspaces WHERE id = $1`, id).
		Scan(&w.ID, &w.Name, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &maestro.NotFoundError{Kind: "workspace", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get workspace: %w", err)
	}
	return w, nil
}

func (s *Store) ListWorkspaces(ctx context.Context) ([]*maestro.Workspace, error) {
	rows, err := s.conn().Query(ctx,
		`SELECT id, name, created_at, updated_at FROM workspaces ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*maestro.Workspace
	for rows.Next() {
		w := &maestro.Workspace{}
		if err := rows.Scan(&w.ID, &w.Name, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) UpdateWorkspace(ctx context.Context, w *maestro.Workspace) error {
	tag, err := s.conn().Exec(ctx,
		`UPDATE workspaces SET name = $1, updated_at = $2 WHERE id = $3`,
		w.Name, w.UpdatedAt, w.ID)
	if err != nil {
		return fmt.Errorf("postgres: update workspace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &maestro.NotFoundError{Kind: "workspace", ID: w.ID}
	}
	return nil
}

func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	tag, err := s.conn().Exec(ctx, `DELETE FROM workspaces WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete workspace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &maestro.NotFoundError{Kind: "workspace", ID: id}
	}
	return nil
}

// --- Workspace settings ---

func (s *Store) SetWorkspaceSetting(ctx context.Context, ws *maestro.WorkspaceSetting) error {
	_, err := s.conn().Exec(ctx,
		`INSERT INTO workspace_settings (workspace_id, key, value, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (workspace_id, key) DO UPDATE SET
		   value = EXCLUDED.value,
		   updated_at = EXCLUDED.updated_at`,
		ws.WorkspaceID, ws.Key, ws.Value, ws.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: set workspace setting: %w", err)
	}
	return nil
}

func (s *Store) GetWorkspaceSetting(ctx context.Context, workspaceID, key string) (*maestro.WorkspaceSetting, error) {
	ws := &maestro.WorkspaceSetting{}
	err := s.conn().QueryRow(ctx,
		`SELECT workspace_id, key, value, updated_at FROM workspace_settings WHERE workspace_id = $1 AND key = $2`,
		workspaceID, key).
		Scan(&ws.WorkspaceID, &ws.Key, &ws.Value, &ws.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &maestro.NotFoundError{Kind: "workspace setting", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get workspace setting: %w", err)
	}
	return ws, nil
}

func (s *Store) ListWorkspaceSettings(ctx context.Context, workspaceID string) ([]*maestro.WorkspaceSetting, error) {
	rows, err := s.conn().Query(ctx,
		`SELECT workspace_id, key, value, updated_at FROM workspace_settings WHERE workspace_id = $1 ORDER BY key ASC`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list workspace settings: %w", err)
	}
	defer rows.Close()

	var out []*maestro.WorkspaceSetting
	for rows.Next() {
		ws := &maestro.WorkspaceSetting{}
		if err := rows.Scan(&ws.WorkspaceID, &ws.Key, &ws.Value, &ws.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan workspace setting: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWorkspaceSetting(ctx context.Context, workspaceID, key string) error {
	tag, err := s.conn().Exec(ctx,
		`DELETE FROM workspace_settings WHERE workspace_id = $1 AND key = $2`, workspaceID, key)
	if err != nil {
		return fmt.Errorf("postgres: delete workspace setting: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &maestro.NotFoundError{Kind: "workspace setting", ID: key}
	}
	return nil
}

// --- Agents ---

func (s *Store) CreateAgent(ctx context.Context, a *maestro.Agent) error {
	err := s.withTx(ctx, func(st *Store) error {
		err := st.conn().QueryRow(ctx,
			`SELECT COALESCE(MAX(position) + 1, 0) FROM agents WHERE workspace_id = $1`, a.WorkspaceID).
			Scan(&a.Order)
		if err != nil {
			return fmt.Errorf("next agent position: %w", err)
		}
		_, err = st.conn().Exec(ctx,
			`INSERT INTO agents (id, workspace_id, name, role_instruction, working_instruction, cli_type, position, timeout_minutes, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			a.ID, a.WorkspaceID, a.Name, a.RoleInstruction, a.WorkingInstruction, a.CLIType, a.Order, a.TimeoutMinutes, a.CreatedAt, a.UpdatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*maestro.Agent, error) {
	a := &maestro.Agent{}
	err := s.conn().QueryRow(ctx,
		`SELECT id, workspace_id, name, role_instruction, working_instruction, cli_type, position, timeout_minutes, created_at, updated_at
		 FROM agents WHERE id = $1`, id).
		Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.RoleInstruction, &a.WorkingInstruction,
			&a.CLIType, &a.Order, &a.TimeoutMinutes, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &maestro.NotFoundError{Kind: "agent", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, workspaceID string) ([]*maestro.Agent, error) {
	rows, err := s.conn().Query(ctx,
		`SELECT id, workspace_id, name, role_instruction, working_instruction, cli_type, position, timeout_minutes, created_at, updated_at
		 FROM agents WHERE workspace_id = $1 ORDER BY position ASC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agents: %w", err)
	}
	defer rows.Close()

	var out []*maestro.Agent
	for rows.Next() {
		a := &maestro.Agent{}
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.RoleInstruction, &a.WorkingInstruction,
			&a.CLIType, &a.Order, &a.TimeoutMinutes, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAgent(ctx context.Context, a *maestro.Agent) error {
	tag, err := s.conn().Exec(ctx,
		`UPDATE agents SET name = $1, role_instruction = $2, working_instruction = $3, cli_type = $4, timeout_minutes = $5, updated_at = $6
		 WHERE id = $7`,
		a.Name, a.RoleInstruction, a.WorkingInstruction, a.CLIType, a.TimeoutMinutes, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("postgres: update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &maestro.NotFoundError{Kind: "agent", ID: a.ID}
	}
	return nil
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(st *Store) error {
		var workspaceID string
		err := st.conn().QueryRow(ctx, `SELECT workspace_id FROM agents WHERE id = $1`, id).Scan(&workspaceID)
		if errors.Is(err, pgx.ErrNoRows) {
			return &maestro.NotFoundError{Kind: "agent", ID: id}
		}
		if err != nil {
			return err
		}
		if _, err := st.conn().Exec(ctx, `DELETE FROM agents WHERE id = $1`, id); err != nil {
			return err
		}
		return st.renumberAgents(ctx, workspaceID)
	})
	if err != nil {
		var nf *maestro.NotFoundError
		if errors.As(err, &nf) {
			return err
		}
		return fmt.Errorf("postgres: delete agent: %w", err)
	}
	return nil
}

func (s *Store) ReorderAgents(ctx context.Context, workspaceID string, agentIDs []string) error {
	err := s.withTx(ctx, func(st *Store) error {
		rows, err := st.conn().Query(ctx, `SELECT id FROM agents WHERE workspace_id = $1`, workspaceID)
		if err != nil {
			return err
		}
		current := make(map[string]bool)
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			current[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(agentIDs) != len(current) {
			return &maestro.ValidationError{Field: "agent_ids", Reason: "must contain every agent in the workspace exactly once"}
		}
		seen := make(map[string]bool, len(agentIDs))
		for _, id := range agentIDs {
			if !current[id] || seen[id] {
				return &maestro.ValidationError{Field: "agent_ids", Reason: fmt.Sprintf("unknown or duplicate agent %q", id)}
			}
			seen[id] = true
		}

		now := maestro.NowUnixMilli()
		for i, id := range agentIDs {
			if _, err := st.conn().Exec(ctx,
				`UPDATE agents SET position = $1, updated_at = $2 WHERE id = $3`, i, now, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var ve *maestro.ValidationError
		if errors.As(err, &ve) {
			return err
		}
		return fmt.Errorf("postgres: reorder agents: %w", err)
	}
	return nil
}

func (s *Store) renumberAgents(ctx context.Context, workspaceID string) error {
	rows, err := s.conn().Query(ctx,
		`SELECT id FROM agents WHERE workspace_id = $1 ORDER BY position ASC`, workspaceID)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for i, id := range ids {
		if _, err := s.conn().Exec(ctx, `UPDATE agents SET position = $1 WHERE id = $2`, i, id); err != nil {
			return err
		}
	}
	return nil
}

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, t *maestro.Task) error {
	_, err := s.conn().Exec(ctx,
		`INSERT INTO tasks (id, workspace_id, title, description, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.WorkspaceID, t.Title, t.Description, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*maestro.Task, error) {
	t := &maestro.Task{}
	err := s.conn().QueryRow(ctx,
		`SELECT id, workspace_id, title, description, status, created_at, updated_at FROM tasks WHERE id = $1`, id).
		Scan(&t.ID, &t.WorkspaceID, &t.Title, &t.Description, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &maestro.NotFoundError{Kind: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, f maestro.TaskFilter) ([]*maestro.Task, error) {
	q := `SELECT id, workspace_id, title, description, status, created_at, updated_at FROM tasks`
	var where []string
	var args []any
	if f.WorkspaceID != "" {
		args = append(args, f.WorkspaceID)
		where = append(where, fmt.Sprintf("workspace_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"

	rows, err := s.conn().Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks: %w", err)
	}
	defer rows.Close()

	var out []*maestro.Task
	for rows.Next() {
		t := &maestro.Task{}
		if err := rows.Scan(&t.ID, &t.WorkspaceID, &t.Title, &t.Description, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTask(ctx context.Context, t *maestro.Task) error {
	tag, err := s.conn().Exec(ctx,
		`UPDATE tasks SET title = $1, description = $2, status = $3, updated_at = $4 WHERE id = $5`,
		t.Title, t.Description, t.Status, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("postgres: update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &maestro.NotFoundError{Kind: "task", ID: t.ID}
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.conn().Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &maestro.NotFoundError{Kind: "task", ID: id}
	}
	return nil
}

// --- Comments ---

func (s *Store) CreateComment(ctx context.Context, c *maestro.Comment) error {
	_, err := s.conn().Exec(ctx,
		`INSERT INTO comments (id, task_id, author, author_type, content, log, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.TaskID, c.Author, c.AuthorType, c.Content, nullString(c.Log), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create comment: %w", err)
	}
	return nil
}

func (s *Store) ListComments(ctx context.Context, taskID string) ([]*maestro.Comment, error) {
	rows, err := s.conn().Query(ctx,
		`SELECT id, task_id, author, author_type, content, COALESCE(log, ''), created_at
		 FROM comments WHERE task_id = $1 ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list comments: %w", err)
	}
	defer rows.Close()

	var out []*maestro.Comment
	for rows.Next() {
		c := &maestro.Comment{}
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Author, &c.AuthorType, &c.Content, &c.Log, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Attachments ---

func (s *Store) CreateAttachment(ctx context.Context, a *maestro.Attachment) error {
	_, err := s.conn().Exec(ctx,
		`INSERT INTO attachments (id, task_id, filename, stored_name, mime_type, size, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.TaskID, a.Filename, a.StoredName, a.MimeType, a.Size, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create attachment: %w", err)
	}
	return nil
}

func (s *Store) GetAttachment(ctx context.Context, id string) (*maestro.Attachment, error) {
	a := &maestro.Attachment{}
	err := s.conn().QueryRow(ctx,
		`SELECT id, task_id, filename, stored_name, mime_type, size, created_at FROM attachments WHERE id = $1`, id).
		Scan(&a.ID, &a.TaskID, &a.Filename, &a.StoredName, &a.MimeType, &a.Size, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &maestro.NotFoundError{Kind: "attachment", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get attachment: %w", err)
	}
	return a, nil
}

func (s *Store) ListAttachments(ctx context.Context, taskID string) ([]*maestro.Attachment, error) {
	rows, err := s.conn().Query(ctx,
		`SELECT id, task_id, filename, stored_name, mime_type, size, created_at
		 FROM attachments WHERE task_id = $1 ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list attachments: %w", err)
	}
	defer rows.Close()

	var out []*maestro.Attachment
	for rows.Next() {
		a := &maestro.Attachment{}
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Filename, &a.StoredName, &a.MimeType, &a.Size, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAttachment(ctx context.Context, id string) error {
	tag, err := s.conn().Exec(ctx, `DELETE FROM attachments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete attachment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &maestro.NotFoundError{Kind: "attachment", ID: id}
	}
	return nil
}

// --- Task templates ---

func (s *Store) CreateTemplate(ctx context.Context, t *maestro.TaskTemplate) error {
	_, err := s.conn().Exec(ctx,
		`INSERT INTO task_templates (id, workspace_id, name, title, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.WorkspaceID, t.Name, t.Title, t.Description, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create template: %w", err)
	}
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*maestro.TaskTemplate, error) {
	t := &maestro.TaskTemplate{}
	err := s.conn().QueryRow(ctx,
		`SELECT id, workspace_id, name, title, description, created_at, updated_at FROM task_templates WHERE id = $1`, id).
		Scan(&t.ID, &t.WorkspaceID, &t.Name, &t.Title, &t.Description, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &maestro.NotFoundError{Kind: "template", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get template: %w", err)
	}
	return t, nil
}

func (s *Store) ListTemplates(ctx context.Context, workspaceID string) ([]*maestro.TaskTemplate, error) {
	rows, err := s.conn().Query(ctx,
		`SELECT id, workspace_id, name, title, description, created_at, updated_at
		 FROM task_templates WHERE workspace_id = $1 ORDER BY created_at ASC, id ASC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list templates: %w", err)
	}
	defer rows.Close()

	var out []*maestro.TaskTemplate
	for rows.Next() {
		t := &maestro.TaskTemplate{}
		if err := rows.Scan(&t.ID, &t.WorkspaceID, &t.Name, &t.Title, &t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTemplate(ctx context.Context, t *maestro.TaskTemplate) error {
	tag, err := s.conn().Exec(ctx,
		`UPDATE task_templates SET name = $1, title = $2, description = $3, updated_at = $4 WHERE id = $5`,
		t.Name, t.Title, t.Description, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("postgres: update template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &maestro.NotFoundError{Kind: "template", ID: t.ID}
	}
	return nil
}

func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	tag, err := s.conn().Exec(ctx, `DELETE FROM task_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &maestro.NotFoundError{Kind: "template", ID: id}
	}
	return nil
}

// --- Task routings ---

const selectRouting = `SELECT id, task_id, status, current_agent_index, iteration, any_agent_worked, COALESCE(locked_at, 0), COALESCE(error_message, ''), retry_count, created_at, updated_at FROM task_routings`

func (s *Store) CreateRouting(ctx context.Context, r *maestro.TaskRouting) error {
	_, err := s.conn().Exec(ctx,
		`INSERT INTO task_routings (id, task_id, status, current_agent_index, iteration, any_agent_worked, locked_at, error_message, retry_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.TaskID, r.Status, r.CurrentAgentIndex, r.Iteration, r.AnyAgentWorked,
		nullInt64(r.LockedAt), nullString(r.ErrorMessage), r.RetryCount, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create routing: %w", err)
	}
	return nil
}

func (s *Store) GetRouting(ctx context.Context, id string) (*maestro.TaskRouting, error) {
	r, err := scanRouting(s.conn().QueryRow(ctx, selectRouting+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &maestro.NotFoundError{Kind: "routing", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get routing: %w", err)
	}
	return r, nil
}

func (s *Store) GetRoutingByTask(ctx context.Context, taskID string) (*maestro.TaskRouting, error) {
	r, err := scanRouting(s.conn().QueryRow(ctx, selectRouting+` WHERE task_id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &maestro.NotFoundError{Kind: "routing for task", ID: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get routing by task: %w", err)
	}
	return r, nil
}

func (s *Store) ListRoutings(ctx context.Context, f maestro.RoutingFilter) ([]*maestro.TaskRouting, error) {
	q := selectRouting
	var where []string
	var args []any
	if f.TaskID != "" {
		args = append(args, f.TaskID)
		where = append(where, fmt.Sprintf("task_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			args = append(args, string(st))
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"

	rows, err := s.conn().Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list routings: %w", err)
	}
	defer rows.Close()

	var out []*maestro.TaskRouting
	for rows.Next() {
		r, err := scanRouting(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan routing: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRouting(ctx context.Context, r *maestro.TaskRouting) error {
	tag, err := s.conn().Exec(ctx,
		`UPDATE task_routings
		 SET status = $1, current_agent_index = $2, iteration = $3, any_agent_worked = $4, locked_at = $5, error_message = $6, retry_count = $7, updated_at = $8
		 WHERE id = $9`,
		r.Status, r.CurrentAgentIndex, r.Iteration, r.AnyAgentWorked,
		nullInt64(r.LockedAt), nullString(r.ErrorMessage), r.RetryCount, r.UpdatedAt, r.ID)
	if err != nil {
		return fmt.Errorf("postgres: update routing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &maestro.NotFoundError{Kind: "routing", ID: r.ID}
	}
	return nil
}

func (s *Store) DeleteRoutingByTask(ctx context.Context, taskID string) error {
	_, err := s.conn().Exec(ctx, `DELETE FROM task_routings WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("postgres: delete routing by task: %w", err)
	}
	return nil
}

func (s *Store) AcquireRoutingLock(ctx context.Context, id string, now, staleBefore int64) (bool, error) {
	tag, err := s.conn().Exec(ctx,
		`UPDATE task_routings SET locked_at = $1, updated_at = $2
		 WHERE id = $3 AND (locked_at IS NULL OR locked_at < $4)`,
		now, now, id, staleBefore)
	if err != nil {
		return false, fmt.Errorf("postgres: acquire routing lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseRoutingLock(ctx context.Context, id string) error {
	_, err := s.conn().Exec(ctx,
		`UPDATE task_routings SET locked_at = NULL, updated_at = $1 WHERE id = $2`,
		maestro.NowUnixMilli(), id)
	if err != nil {
		return fmt.Errorf("postgres: release routing lock: %w", err)
	}
	return nil
}

// --- Executions ---

const selectExecution = `SELECT id, task_id, agent_id, agent_name, cli_type, status, COALESCE(result, ''), COALESCE(output, ''), COALESCE(started_at, 0), COALESCE(completed_at, 0), created_at, updated_at FROM executions`

func (s *Store) CreateExecution(ctx context.Context, e *maestro.Execution) error {
	_, err := s.conn().Exec(ctx,
		`INSERT INTO executions (id, task_id, agent_id, agent_name, cli_type, status, result, output, started_at, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.TaskID, e.AgentID, e.AgentName, e.CLIType, e.Status, nullString(string(e.Result)),
		nullString(e.Output), nullInt64(e.StartedAt), nullInt64(e.CompletedAt), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*maestro.Execution, error) {
	e, err := scanExecution(s.conn().QueryRow(ctx, selectExecution+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &maestro.NotFoundError{Kind: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get execution: %w", err)
	}
	return e, nil
}

func (s *Store) ListExecutions(ctx context.Context, f maestro.ExecutionFilter) ([]*maestro.Execution, error) {
	q := selectExecution
	var where []string
	var args []any
	if f.TaskID != "" {
		args = append(args, f.TaskID)
		where = append(where, fmt.Sprintf("task_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			args = append(args, string(st))
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"

	rows, err := s.conn().Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var out []*maestro.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpdateExecution(ctx context.Context, e *maestro.Execution) error {
	tag, err := s.conn().Exec(ctx,
		`UPDATE executions SET status = $1, result = $2, output = $3, started_at = $4, completed_at = $5, updated_at = $6
		 WHERE id = $7`,
		e.Status, nullString(string(e.Result)), nullString(e.Output),
		nullInt64(e.StartedAt), nullInt64(e.CompletedAt), e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("postgres: update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &maestro.NotFoundError{Kind: "execution", ID: e.ID}
	}
	return nil
}

// --- Execution logs ---

func (s *Store) AppendExecutionLog(ctx context.Context, l *maestro.ExecutionLog) error {
	_, err := s.conn().Exec(ctx,
		`INSERT INTO execution_logs (id, execution_id, content, timestamp) VALUES ($1, $2, $3, $4)`,
		l.ID, l.ExecutionID, l.Content, l.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: append execution log: %w", err)
	}
	return nil
}

func (s *Store) ListExecutionLogs(ctx context.Context, executionID string) ([]*maestro.ExecutionLog, error) {
	rows, err := s.conn().Query(ctx,
		`SELECT id, execution_id, content, timestamp
		 FROM execution_logs WHERE execution_id = $1 ORDER BY timestamp ASC, id ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list execution logs: %w", err)
	}
	defer rows.Close()

	var out []*maestro.ExecutionLog
	for rows.Next() {
		l := &maestro.ExecutionLog{}
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Content, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan execution log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRouting(r rowScanner) (*maestro.TaskRouting, error) {
	rt := &maestro.TaskRouting{}
	if err := r.Scan(&rt.ID, &rt.TaskID, &rt.Status, &rt.CurrentAgentIndex, &rt.Iteration,
		&rt.AnyAgentWorked, &rt.LockedAt, &rt.ErrorMessage, &rt.RetryCount, &rt.CreatedAt, &rt.UpdatedAt); err != nil {
		return nil, err
	}
	return rt, nil
}

func scanExecution(r rowScanner) (*maestro.Execution, error) {
	e := &maestro.Execution{}
	var result string
	if err := r.Scan(&e.ID, &e.TaskID, &e.AgentID, &e.AgentName, &e.CLIType, &e.Status,
		&result, &e.Output, &e.StartedAt, &e.CompletedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Result = maestro.ExecutionResult(result)
	return e, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// nopLogger discards all log output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
