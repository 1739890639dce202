// Package sqlite provides a Store implementation backed by SQLite using
// the pure-Go modernc.org/sqlite driver. Zero CGO required.
//
// The database is opened in WAL mode with a 5 second busy timeout and
// foreign keys enforced, so deleting a workspace or task cascades to its
// dependents. Writes that still hit SQLITE_BUSY are retried with
// exponential backoff.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nevindra/maestro"
	_ "modernc.org/sqlite"
)

// Store implements maestro.Store backed by a SQLite database.
type Store struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

var _ maestro.Store = (*Store)(nil)

// StoreOption configures the Store.
type StoreOption func(*Store)

// WithLogger sets the logger used by the store.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a SQLite-backed store at the given database path.
// Call Init to create the schema before first use.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		// Only fails if the driver is not registered.
		panic(fmt.Sprintf("sqlite: open database: %v", err))
	}
	// SQLite allows a single writer. Serializing all access through one
	// connection avoids SQLITE_BUSY churn under concurrent routing drivers.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func dsn(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)"
}

// DB exposes the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Init applies all pending schema migrations. It is safe to call on
// every startup; already-applied migrations are skipped.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	if err := s.migrate(ctx); err != nil {
		s.logger.Error("sqlite: init failed", "error", err, "duration", time.Since(start))
		return err
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) conn() dbtx {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// exec runs a write statement, retrying on SQLITE_BUSY unless the store
// is already inside a transaction.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.retryBusy(ctx, func() error {
		var err error
		res, err = s.conn().ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// WithTx runs fn with a Store bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
// Calling WithTx on a transactional store runs fn in the same
// transaction.
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	st := &Store{db: s.db, tx: tx, logger: s.logger}
	if err := fn(st); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Workspaces ---

func (s *Store) CreateWorkspace(ctx context.Context, w *maestro.Workspace) error {
	start := time.Now()
	_, err := s.exec(ctx,
		`INSERT INTO workspaces (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		w.ID, w.Name, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	s.logger.Debug("sqlite: create workspace", "id", w.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (*maestro.Workspace, error) {
	row := s.conn().QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM workspaces WHERE id = ?`, id)
	w, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &maestro.NotFoundError{Kind: "workspace", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return w, nil
}

func (s *Store) ListWorkspaces(ctx context.Context) ([]*maestro.Workspace, error) {
	rows, err := s.conn().QueryContext(ctx,
		`SELECT id, name, created_at, updated_at FROM workspaces ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*maestro.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("list workspaces: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) UpdateWorkspace(ctx context.Context, w *maestro.Workspace) error {
	res, err := s.exec(ctx,
		`UPDATE workspaces SET name = ?, updated_at = ? WHERE id = ?`,
		w.Name, w.UpdatedAt, w.ID)
	if err != nil {
		return fmt.Errorf("update workspace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &maestro.NotFoundError{Kind: "workspace", ID: w.ID}
	}
	return nil
}

func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	start := time.Now()
	res, err := s.exec(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &maestro.NotFoundError{Kind: "workspace", ID: id}
	}
	s.logger.Debug("sqlite: delete workspace", "id", id, "duration", time.Since(start))
	return nil
}

// --- Workspace settings ---

func (s *Store) SetWorkspaceSetting(ctx context.Context, ws *maestro.WorkspaceSetting) error {
	_, err := s.exec(ctx,
		`INSERT INTO workspace_settings (workspace_id, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (workspace_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		ws.WorkspaceID, ws.Key, ws.Value, ws.UpdatedAt)
	if err != nil {
		return fmt.Errorf("set workspace setting: %w", err)
	}
	return nil
}

func (s *Store) GetWorkspaceSetting(ctx context.Context, workspaceID, key string) (*maestro.WorkspaceSetting, error) {
	row := s.conn().QueryRowContext(ctx,
		`SELECT workspace_id, key, value, updated_at FROM workspace_settings WHERE workspace_id = ? AND key = ?`,
		workspaceID, key)
	ws := &maestro.WorkspaceSetting{}
	err := row.Scan(&ws.WorkspaceID, &ws.Key, &ws.Value, &ws.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &maestro.NotFoundError{Kind: "workspace setting", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace setting: %w", err)
	}
	return ws, nil
}

func (s *Store) ListWorkspaceSettings(ctx context.Context, workspaceID string) ([]*maestro.WorkspaceSetting, error) {
	rows, err := s.conn().QueryContext(ctx,
		`SELECT workspace_id, key, value, updated_at FROM workspace_settings WHERE workspace_id = ? ORDER BY key ASC`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list workspace settings: %w", err)
	}
	defer rows.Close()

	var out []*maestro.WorkspaceSetting
	for rows.Next() {
		ws := &maestro.WorkspaceSetting{}
		if err := rows.Scan(&ws.WorkspaceID, &ws.Key, &ws.Value, &ws.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list workspace settings: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWorkspaceSetting(ctx context.Context, workspaceID, key string) error {
	res, err := s.exec(ctx,
		`DELETE FROM workspace_settings WHERE workspace_id = ? AND key = ?`, workspaceID, key)
	if err != nil {
		return fmt.Errorf("delete workspace setting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &maestro.NotFoundError{Kind: "workspace setting", ID: key}
	}
	return nil
}

// --- Agents ---

// CreateAgent inserts the agent at the end of its workspace's pipeline,
// assigning the next dense order index.
func (s *Store) CreateAgent(ctx context.Context, a *maestro.Agent) error {
	start := time.Now()
	err := s.withTx(ctx, func(st *Store) error {
		row := st.conn().QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position) + 1, 0) FROM agents WHERE workspace_id = ?`, a.WorkspaceID)
		if err := row.Scan(&a.Order); err != nil {
			return fmt.Errorf("next agent position: %w", err)
		}
		_, err := st.conn().ExecContext(ctx,
			`INSERT INTO agents (id, workspace_id, name, role_instruction, working_instruction, cli_type, position, timeout_minutes, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.WorkspaceID, a.Name, a.RoleInstruction, a.WorkingInstruction, a.CLIType, a.Order, a.TimeoutMinutes, a.CreatedAt, a.UpdatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	s.logger.Debug("sqlite: create agent", "id", a.ID, "workspace_id", a.WorkspaceID, "position", a.Order, "duration", time.Since(start))
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*maestro.Agent, error) {
	row := s.conn().QueryRowContext(ctx,
		`SELECT id, workspace_id, name, role_instruction, working_instruction, cli_type, position, timeout_minutes, created_at, updated_at
		 FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &maestro.NotFoundError{Kind: "agent", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns the workspace's agents in pipeline order.
func (s *Store) ListAgents(ctx context.Context, workspaceID string) ([]*maestro.Agent, error) {
	rows, err := s.conn().QueryContext(ctx,
		`SELECT id, workspace_id, name, role_instruction, working_instruction, cli_type, position, timeout_minutes, created_at, updated_at
		 FROM agents WHERE workspace_id = ? ORDER BY position ASC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*maestro.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAgent(ctx context.Context, a *maestro.Agent) error {
	res, err := s.exec(ctx,
		`UPDATE agents SET name = ?, role_instruction = ?, working_instruction = ?, cli_type = ?, timeout_minutes = ?, updated_at = ?
		 WHERE id = ?`,
		a.Name, a.RoleInstruction, a.WorkingInstruction, a.CLIType, a.TimeoutMinutes, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &maestro.NotFoundError{Kind: "agent", ID: a.ID}
	}
	return nil
}

// DeleteAgent removes the agent and renumbers the remaining agents in
// its workspace so order indexes stay dense.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	start := time.Now()
	err := s.withTx(ctx, func(st *Store) error {
		var workspaceID string
		row := st.conn().QueryRowContext(ctx, `SELECT workspace_id FROM agents WHERE id = ?`, id)
		if err := row.Scan(&workspaceID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &maestro.NotFoundError{Kind: "agent", ID: id}
			}
			return err
		}
		if _, err := st.conn().ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
			return err
		}
		return st.renumberAgents(ctx, workspaceID)
	})
	if err != nil {
		var nf *maestro.NotFoundError
		if errors.As(err, &nf) {
			return err
		}
		return fmt.Errorf("delete agent: %w", err)
	}
	s.logger.Debug("sqlite: delete agent", "id", id, "duration", time.Since(start))
	return nil
}

// ReorderAgents applies a full permutation of the workspace's agent IDs.
// The input must contain exactly the workspace's current agents.
func (s *Store) ReorderAgents(ctx context.Context, workspaceID string, agentIDs []string) error {
	start := time.Now()
	err := s.withTx(ctx, func(st *Store) error {
		rows, err := st.conn().QueryContext(ctx,
			`SELECT id FROM agents WHERE workspace_id = ?`, workspaceID)
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
			if _, err := st.conn().ExecContext(ctx,
				`UPDATE agents SET position = ?, updated_at = ? WHERE id = ?`, i, now, id); err != nil {
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
		return fmt.Errorf("reorder agents: %w", err)
	}
	s.logger.Debug("sqlite: reorder agents", "workspace_id", workspaceID, "count", len(agentIDs), "duration", time.Since(start))
	return nil
}

func (s *Store) renumberAgents(ctx context.Context, workspaceID string) error {
	rows, err := s.conn().QueryContext(ctx,
		`SELECT id FROM agents WHERE workspace_id = ? ORDER BY position ASC`, workspaceID)
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
		if _, err := s.conn().ExecContext(ctx,
			`UPDATE agents SET position = ? WHERE id = ?`, i, id); err != nil {
			return err
		}
	}
	return nil
}

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, t *maestro.Task) error {
	start := time.Now()
	_, err := s.exec(ctx,
		`INSERT INTO tasks (id, workspace_id, title, description, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkspaceID, t.Title, t.Description, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	s.logger.Debug("sqlite: create task", "id", t.ID, "workspace_id", t.WorkspaceID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*maestro.Task, error) {
	row := s.conn().QueryRowContext(ctx,
		`SELECT id, workspace_id, title, description, status, created_at, updated_at FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &maestro.NotFoundError{Kind: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, f maestro.TaskFilter) ([]*maestro.Task, error) {
	q := `SELECT id, workspace_id, title, description, status, created_at, updated_at FROM tasks`
	var where []string
	var args []any
	if f.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"

	rows, err := s.conn().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*maestro.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTask(ctx context.Context, t *maestro.Task) error {
	res, err := s.exec(ctx,
		`UPDATE tasks SET title = ?, description = ?, status = ?, updated_at = ? WHERE id = ?`,
		t.Title, t.Description, t.Status, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &maestro.NotFoundError{Kind: "task", ID: t.ID}
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	start := time.Now()
	res, err := s.exec(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &maestro.NotFoundError{Kind: "task", ID: id}
	}
	s.logger.Debug("sqlite: delete task", "id", id, "duration", time.Since(start))
	return nil
}

// --- Comments ---

func (s *Store) CreateComment(ctx context.Context, c *maestro.Comment) error {
	_, err := s.exec(ctx,
		`INSERT INTO comments (id, task_id, author, author_type, content, log, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TaskID, c.Author, c.AuthorType, c.Content, nullString(c.Log), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create comment: %w", err)
	}
	return nil
}

// ListComments returns the task's comments oldest first.
func (s *Store) ListComments(ctx context.Context, taskID string) ([]*maestro.Comment, error) {
	rows, err := s.conn().QueryContext(ctx,
		`SELECT id, task_id, author, author_type, content, log, created_at
		 FROM comments WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var out []*maestro.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("list comments: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Attachments ---

func (s *Store) CreateAttachment(ctx context.Context, a *maestro.Attachment) error {
	_, err := s.exec(ctx,
		`INSERT INTO attachments (id, task_id, filename, stored_name, mime_type, size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.Filename, a.StoredName, a.MimeType, a.Size, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	return nil
}

func (s *Store) GetAttachment(ctx context.Context, id string) (*maestro.Attachment, error) {
	row := s.conn().QueryRowContext(ctx,
		`SELECT id, task_id, filename, stored_name, mime_type, size, created_at FROM attachments WHERE id = ?`, id)
	a := &maestro.Attachment{}
	err := row.Scan(&a.ID, &a.TaskID, &a.Filename, &a.StoredName, &a.MimeType, &a.Size, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &maestro.NotFoundError{Kind: "attachment", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return a, nil
}

func (s *Store) ListAttachments(ctx context.Context, taskID string) ([]*maestro.Attachment, error) {
	rows, err := s.conn().QueryContext(ctx,
		`SELECT id, task_id, filename, stored_name, mime_type, size, created_at
		 FROM attachments WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var out []*maestro.Attachment
	for rows.Next() {
		a := &maestro.Attachment{}
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Filename, &a.StoredName, &a.MimeType, &a.Size, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("list attachments: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAttachment(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM attachments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &maestro.NotFoundError{Kind: "attachment", ID: id}
	}
	return nil
}

// --- Task templates ---

func (s *Store) CreateTemplate(ctx context.Context, t *maestro.TaskTemplate) error {
	_, err := s.exec(ctx,
		`INSERT INTO task_templates (id, workspace_id, name, title, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkspaceID, t.Name, t.Title, t.Description, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*maestro.TaskTemplate, error) {
	row := s.conn().QueryRowContext(ctx,
		`SELECT id, workspace_id, name, title, description, created_at, updated_at FROM task_templates WHERE id = ?`, id)
	t := &maestro.TaskTemplate{}
	err := row.Scan(&t.ID, &t.WorkspaceID, &t.Name, &t.Title, &t.Description, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &maestro.NotFoundError{Kind: "template", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

func (s *Store) ListTemplates(ctx context.Context, workspaceID string) ([]*maestro.TaskTemplate, error) {
	rows, err := s.conn().QueryContext(ctx,
		`SELECT id, workspace_id, name, title, description, created_at, updated_at
		 FROM task_templates WHERE workspace_id = ? ORDER BY created_at ASC, id ASC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []*maestro.TaskTemplate
	for rows.Next() {
		t := &maestro.TaskTemplate{}
		if err := rows.Scan(&t.ID, &t.WorkspaceID, &t.Name, &t.Title, &t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list templates: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTemplate(ctx context.Context, t *maestro.TaskTemplate) error {
	res, err := s.exec(ctx,
		`UPDATE task_templates SET name = ?, title = ?, description = ?, updated_at = ? WHERE id = ?`,
		t.Name, t.Title, t.Description, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &maestro.NotFoundError{Kind: "template", ID: t.ID}
	}
	return nil
}

func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM task_templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &maestro.NotFoundError{Kind: "template", ID: id}
	}
	return nil
}

// --- Task routings ---

func (s *Store) CreateRouting(ctx context.Context, r *maestro.TaskRouting) error {
	start := time.Now()
	_, err := s.exec(ctx,
		`INSERT INTO task_routings (id, task_id, status, current_agent_index, iteration, any_agent_worked, locked_at, error_message, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.Status, r.CurrentAgentIndex, r.Iteration, boolToInt(r.AnyAgentWorked),
		nullInt64(r.LockedAt), nullString(r.ErrorMessage), r.RetryCount, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create routing: %w", err)
	}
	s.logger.Debug("sqlite: create routing", "id", r.ID, "task_id", r.TaskID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetRouting(ctx context.Context, id string) (*maestro.TaskRouting, error) {
	row := s.conn().QueryRowContext(ctx, selectRouting+` WHERE id = ?`, id)
	r, err := scanRouting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &maestro.NotFoundError{Kind: "routing", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get routing: %w", err)
	}
	return r, nil
}

func (s *Store) GetRoutingByTask(ctx context.Context, taskID string) (*maestro.TaskRouting, error) {
	row := s.conn().QueryRowContext(ctx, selectRouting+` WHERE task_id = ?`, taskID)
	r, err := scanRouting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &maestro.NotFoundError{Kind: "routing for task", ID: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("get routing by task: %w", err)
	}
	return r, nil
}

func (s *Store) ListRoutings(ctx context.Context, f maestro.RoutingFilter) ([]*maestro.TaskRouting, error) {
	q := selectRouting
	var where []string
	var args []any
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"

	rows, err := s.conn().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list routings: %w", err)
	}
	defer rows.Close()

	var out []*maestro.TaskRouting
	for rows.Next() {
		r, err := scanRouting(rows)
		if err != nil {
			return nil, fmt.Errorf("list routings: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRouting(ctx context.Context, r *maestro.TaskRouting) error {
	start := time.Now()
	res, err := s.exec(ctx,
		`UPDATE task_routings
		 SET status = ?, current_agent_index = ?, iteration = ?, any_agent_worked = ?, locked_at = ?, error_message = ?, retry_count = ?, updated_at = ?
		 WHERE id = ?`,
		r.Status, r.CurrentAgentIndex, r.Iteration, boolToInt(r.AnyAgentWorked),
		nullInt64(r.LockedAt), nullString(r.ErrorMessage), r.RetryCount, r.UpdatedAt, r.ID)
	if err != nil {
		return fmt.Errorf("update routing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &maestro.NotFoundError{Kind: "routing", ID: r.ID}
	}
	s.logger.Debug("sqlite: update routing", "id", r.ID, "status", r.Status,
		"agent_index", r.CurrentAgentIndex, "iteration", r.Iteration, "duration", time.Since(start))
	return nil
}

func (s *Store) DeleteRoutingByTask(ctx context.Context, taskID string) error {
	_, err := s.exec(ctx, `DELETE FROM task_routings WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete routing by task: %w", err)
	}
	return nil
}

// AcquireRoutingLock atomically claims the routing lock. It succeeds
// when the routing is unlocked or its lock is older than staleBefore,
// and reports whether the lock was taken.
func (s *Store) AcquireRoutingLock(ctx context.Context, id string, now, staleBefore int64) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE task_routings SET locked_at = ?, updated_at = ?
		 WHERE id = ? AND (locked_at IS NULL OR locked_at < ?)`,
		now, now, id, staleBefore)
	if err != nil {
		return false, fmt.Errorf("acquire routing lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire routing lock: %w", err)
	}
	acquired := n == 1
	s.logger.Debug("sqlite: acquire routing lock", "id", id, "acquired", acquired)
	return acquired, nil
}

func (s *Store) ReleaseRoutingLock(ctx context.Context, id string) error {
	_, err := s.exec(ctx,
		`UPDATE task_routings SET locked_at = NULL, updated_at = ? WHERE id = ?`,
		maestro.NowUnixMilli(), id)
	if err != nil {
		return fmt.Errorf("release routing lock: %w", err)
	}
	return nil
}

// --- Executions ---

func (s *Store) CreateExecution(ctx context.Context, e *maestro.Execution) error {
	start := time.Now()
	_, err := s.exec(ctx,
		`INSERT INTO executions (id, task_id, agent_id, agent_name, cli_type, status, result, output, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.AgentID, e.AgentName, e.CLIType, e.Status, nullString(string(e.Result)),
		nullString(e.Output), nullInt64(e.StartedAt), nullInt64(e.CompletedAt), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	s.logger.Debug("sqlite: create execution", "id", e.ID, "task_id", e.TaskID, "agent", e.AgentName, "duration", time.Since(start))
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*maestro.Execution, error) {
	row := s.conn().QueryRowContext(ctx, selectExecution+` WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &maestro.NotFoundError{Kind: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

func (s *Store) ListExecutions(ctx context.Context, f maestro.ExecutionFilter) ([]*maestro.Execution, error) {
	q := selectExecution
	var where []string
	var args []any
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"

	rows, err := s.conn().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*maestro.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("list executions: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpdateExecution(ctx context.Context, e *maestro.Execution) error {
	start := time.Now()
	res, err := s.exec(ctx,
		`UPDATE executions SET status = ?, result = ?, output = ?, started_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		e.Status, nullString(string(e.Result)), nullString(e.Output),
		nullInt64(e.StartedAt), nullInt64(e.CompletedAt), e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &maestro.NotFoundError{Kind: "execution", ID: e.ID}
	}
	s.logger.Debug("sqlite: update execution", "id", e.ID, "status", e.Status, "result", e.Result, "duration", time.Since(start))
	return nil
}

// --- Execution logs ---

func (s *Store) AppendExecutionLog(ctx context.Context, l *maestro.ExecutionLog) error {
	_, err := s.exec(ctx,
		`INSERT INTO execution_logs (id, execution_id, content, timestamp) VALUES (?, ?, ?, ?)`,
		l.ID, l.ExecutionID, l.Content, l.Timestamp)
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

// ListExecutionLogs returns the execution's log lines in append order.
func (s *Store) ListExecutionLogs(ctx context.Context, executionID string) ([]*maestro.ExecutionLog, error) {
	rows, err := s.conn().QueryContext(ctx,
		`SELECT id, execution_id, content, timestamp
		 FROM execution_logs WHERE execution_id = ? ORDER BY timestamp ASC, id ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	defer rows.Close()

	var out []*maestro.ExecutionLog
	for rows.Next() {
		l := &maestro.ExecutionLog{}
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Content, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("list execution logs: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Scan helpers ---

const selectRouting = `SELECT id, task_id, status, current_agent_index, iteration, any_agent_worked, locked_at, error_message, retry_count, created_at, updated_at FROM task_routings`

const selectExecution = `SELECT id, task_id, agent_id, agent_name, cli_type, status, result, output, started_at, completed_at, created_at, updated_at FROM executions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(r rowScanner) (*maestro.Workspace, error) {
	w := &maestro.Workspace{}
	if err := r.Scan(&w.ID, &w.Name, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return w, nil
}

func scanAgent(r rowScanner) (*maestro.Agent, error) {
	a := &maestro.Agent{}
	if err := r.Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.RoleInstruction, &a.WorkingInstruction,
		&a.CLIType, &a.Order, &a.TimeoutMinutes, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

func scanTask(r rowScanner) (*maestro.Task, error) {
	t := &maestro.Task{}
	if err := r.Scan(&t.ID, &t.WorkspaceID, &t.Title, &t.Description, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return t, nil
}

func scanComment(r rowScanner) (*maestro.Comment, error) {
	c := &maestro.Comment{}
	var log sql.NullString
	if err := r.Scan(&c.ID, &c.TaskID, &c.Author, &c.AuthorType, &c.Content, &log, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Log = log.String
	return c, nil
}

func scanRouting(r rowScanner) (*maestro.TaskRouting, error) {
	rt := &maestro.TaskRouting{}
	var worked int
	var lockedAt sql.NullInt64
	var errMsg sql.NullString
	if err := r.Scan(&rt.ID, &rt.TaskID, &rt.Status, &rt.CurrentAgentIndex, &rt.Iteration,
		&worked, &lockedAt, &errMsg, &rt.RetryCount, &rt.CreatedAt, &rt.UpdatedAt); err != nil {
		return nil, err
	}
	rt.AnyAgentWorked = worked != 0
	rt.LockedAt = lockedAt.Int64
	rt.ErrorMessage = errMsg.String
	return rt, nil
}

func scanExecution(r rowScanner) (*maestro.Execution, error) {
	e := &maestro.Execution{}
	var result, output sql.NullString
	var startedAt, completedAt sql.NullInt64
	if err := r.Scan(&e.ID, &e.TaskID, &e.AgentID, &e.AgentName, &e.CLIType, &e.Status,
		&result, &output, &startedAt, &completedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Result = maestro.ExecutionResult(result.String)
	e.Output = output.String
	e.StartedAt = startedAt.Int64
	e.CompletedAt = completedAt.Int64
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
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
