package taskgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Iron-Ham/crew/internal/errors"
	"github.com/Iron-Ham/crew/internal/logging"
)

// DefaultPoolSize is the connection pool size used when SQLiteConfig.PoolSize
// is not positive.
const DefaultPoolSize = 4

// SQLiteConfig holds the parameters for opening a SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string
	// PoolSize is the number of pooled connections. SQLite serializes
	// writes regardless, so a handful is enough.
	PoolSize int
	Logger   *logging.Logger
	// Now overrides the time source used for timestamps.
	Now func() time.Time
}

// SQLiteStore is a Store backed by a SQLite database. Version checks happen
// inside single UPDATE statements, so concurrent writers from any number of
// processes sharing the file are reconciled by the database.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	path   string
	logger *logging.Logger
	now    func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                    TEXT PRIMARY KEY,
	workspace_id          TEXT NOT NULL,
	title                 TEXT NOT NULL DEFAULT '',
	objective             TEXT NOT NULL DEFAULT '',
	scope                 TEXT NOT NULL DEFAULT '[]',
	acceptance_criteria   TEXT NOT NULL DEFAULT '[]',
	verification_commands TEXT NOT NULL DEFAULT '[]',
	assigned_to           TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL,
	dependencies          TEXT NOT NULL DEFAULT '[]',
	parallel_group        TEXT NOT NULL DEFAULT '',
	completion_summary    TEXT NOT NULL DEFAULT '',
	verification_verdict  TEXT NOT NULL DEFAULT '',
	verification_report   TEXT NOT NULL DEFAULT '',
	version               INTEGER NOT NULL,
	created_at            INTEGER NOT NULL,
	updated_at            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_workspace_status ON tasks (workspace_id, status);
CREATE INDEX IF NOT EXISTS tasks_assigned_to ON tasks (assigned_to);
`

const taskColumns = `id, workspace_id, title, objective, scope, acceptance_criteria,
	verification_commands, assigned_to, status, dependencies, parallel_group,
	completion_summary, verification_verdict, verification_report,
	version, created_at, updated_at`

// OpenSQLite opens (creating if needed) a task database. The schema is
// applied on every new connection.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.NewValidationError("sqlite path is required").WithField("store.path")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("taskgraph: opening %s: %w", cfg.Path, err)
	}

	logger := cfg.Logger.WithComponent("taskgraph")
	logger.Info("sqlite task store opened", "path", cfg.Path, "pool_size", poolSize)

	return &SQLiteStore{pool: pool, path: cfg.Path, logger: logger, now: now}, nil
}

// prepareConn applies pragmas and the schema once per pooled connection.
func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("taskgraph: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("taskgraph: creating schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("taskgraph: take connection: %w", err)
	}
	return conn, nil
}

// Save upserts a task. The version bump on overwrite happens in the
// ON CONFLICT clause so concurrent saves never lose a version.
func (s *SQLiteStore) Save(ctx context.Context, task Task) (result Task, err error) {
	task = task.Clone()
	task.normalize()
	if err := task.Validate(); err != nil {
		return Task{}, err
	}

	conn, err := s.take(ctx)
	if err != nil {
		return Task{}, err
	}
	defer s.pool.Put(conn)

	now := s.now()
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	lists, err := encodeLists(task)
	if err != nil {
		return Task{}, err
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id          = excluded.workspace_id,
			title                 = excluded.title,
			objective             = excluded.objective,
			scope                 = excluded.scope,
			acceptance_criteria   = excluded.acceptance_criteria,
			verification_commands = excluded.verification_commands,
			assigned_to           = excluded.assigned_to,
			status                = excluded.status,
			dependencies          = excluded.dependencies,
			parallel_group        = excluded.parallel_group,
			completion_summary    = excluded.completion_summary,
			verification_verdict  = excluded.verification_verdict,
			verification_report   = excluded.verification_report,
			version               = tasks.version + 1,
			updated_at            = excluded.updated_at
		RETURNING ` + taskColumns

	found := false
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{
			task.ID,
			task.WorkspaceID,
			task.Title,
			task.Objective,
			lists.scope,
			lists.acceptance,
			lists.verify,
			task.AssignedTo,
			string(task.Status),
			lists.deps,
			task.ParallelGroup,
			task.CompletionSummary,
			task.VerificationVerdict,
			task.VerificationReport,
			createdAt.UnixNano(),
			now.UnixNano(),
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			result, err = scanTask(stmt)
			return err
		},
	})
	if err != nil {
		return Task{}, fmt.Errorf("taskgraph: save %s: %w", task.ID, err)
	}
	if !found {
		return Task{}, fmt.Errorf("taskgraph: save %s: no row returned", task.ID)
	}
	return result, nil
}

// Get returns a task by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Task, error) {
	tasks, err := s.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return Task{}, err
	}
	if len(tasks) == 0 {
		return Task{}, errors.Wrapf(errors.ErrTaskNotFound, "get %s", id)
	}
	return tasks[0], nil
}

// ListByWorkspace returns the tasks of a workspace ordered by creation.
func (s *SQLiteStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]Task, error) {
	return s.query(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE workspace_id = ? ORDER BY created_at, id`, workspaceID)
}

// ListByStatus returns the tasks of a workspace in the given status.
func (s *SQLiteStore) ListByStatus(ctx context.Context, workspaceID string, status Status) ([]Task, error) {
	return s.query(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE workspace_id = ? AND status = ? ORDER BY created_at, id`, workspaceID, string(status))
}

// ListByAssignee returns every task assigned to the agent.
func (s *SQLiteStore) ListByAssignee(ctx context.Context, agentID string) ([]Task, error) {
	return s.query(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE assigned_to = ? ORDER BY created_at, id`, agentID)
}

// FindReadyTasks evaluates readiness in SQL: a PENDING task is ready when
// none of its dependencies is missing or not COMPLETED.
func (s *SQLiteStore) FindReadyTasks(ctx context.Context, workspaceID string) ([]Task, error) {
	return s.query(ctx, `SELECT `+taskColumns+` FROM tasks AS t
		WHERE t.workspace_id = ? AND t.status = ?
		AND NOT EXISTS (
			SELECT 1 FROM json_each(t.dependencies) AS d
			LEFT JOIN tasks AS dep ON dep.id = d.value
			WHERE dep.id IS NULL OR dep.status != ?
		)
		ORDER BY t.created_at, t.id`,
		workspaceID, string(StatusPending), string(StatusCompleted))
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Task, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var tasks []Task
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			t, err := scanTask(stmt)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("taskgraph: query: %w", err)
	}
	return tasks, nil
}

// UpdateStatus sets the status unconditionally and advances the version.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status) (Task, error) {
	if !status.Valid() {
		return Task{}, errors.NewValidationError("unknown status").WithField("status").WithValue(status)
	}
	tasks, err := s.query(ctx, `UPDATE tasks
		SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ?
		RETURNING `+taskColumns,
		string(status), s.now().UnixNano(), id)
	if err != nil {
		return Task{}, err
	}
	if len(tasks) == 0 {
		return Task{}, errors.Wrapf(errors.ErrTaskNotFound, "update status %s", id)
	}
	return tasks[0], nil
}

// AtomicUpdate applies u iff the stored version equals expectedVersion.
// The check and the write are one UPDATE statement.
func (s *SQLiteStore) AtomicUpdate(ctx context.Context, id string, expectedVersion int64, u Update) (bool, error) {
	if err := u.validate(); err != nil {
		return false, err
	}

	conn, err := s.take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	var status any
	if u.Status != nil {
		status = string(*u.Status)
	}
	err = sqlitex.Execute(conn, `UPDATE tasks SET
			status               = COALESCE(?, status),
			completion_summary   = COALESCE(?, completion_summary),
			verification_verdict = COALESCE(?, verification_verdict),
			verification_report  = COALESCE(?, verification_report),
			assigned_to          = COALESCE(?, assigned_to),
			version              = version + 1,
			updated_at           = ?
		WHERE id = ? AND version = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				status,
				nullable(u.CompletionSummary),
				nullable(u.VerificationVerdict),
				nullable(u.VerificationReport),
				nullable(u.AssignedTo),
				s.now().UnixNano(),
				id,
				expectedVersion,
			},
		})
	if err != nil {
		return false, fmt.Errorf("taskgraph: atomic update %s: %w", id, err)
	}
	if conn.Changes() > 0 {
		return true, nil
	}

	exists := false
	err = sqlitex.Execute(conn, `SELECT 1 FROM tasks WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(*sqlite.Stmt) error {
			exists = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("taskgraph: atomic update %s: %w", id, err)
	}
	if !exists {
		return false, errors.Wrapf(errors.ErrTaskNotFound, "atomic update %s", id)
	}
	return false, nil
}

// Delete removes a task.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM tasks WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
	}); err != nil {
		return fmt.Errorf("taskgraph: delete %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return errors.Wrapf(errors.ErrTaskNotFound, "delete %s", id)
	}
	return nil
}

// Close closes all pooled connections.
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		s.logger.Error("sqlite task store close failed", "path", s.path, "error", err)
		return fmt.Errorf("taskgraph: closing %s: %w", s.path, err)
	}
	s.logger.Info("sqlite task store closed", "path", s.path)
	return nil
}

var _ Store = (*SQLiteStore)(nil)

func nullable(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

type encodedLists struct {
	scope, acceptance, verify, deps string
}

func encodeLists(t Task) (encodedLists, error) {
	var out encodedLists
	for _, item := range []struct {
		dst *string
		src []string
	}{
		{&out.scope, t.Scope},
		{&out.acceptance, t.AcceptanceCriteria},
		{&out.verify, t.VerificationCommands},
		{&out.deps, t.Dependencies},
	} {
		if len(item.src) == 0 {
			*item.dst = "[]"
			continue
		}
		data, err := json.Marshal(item.src)
		if err != nil {
			return encodedLists{}, fmt.Errorf("taskgraph: encode list: %w", err)
		}
		*item.dst = string(data)
	}
	return out, nil
}

func decodeList(raw string) ([]string, error) {
	if raw == "" || raw == "[]" || raw == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("taskgraph: decode list: %w", err)
	}
	return out, nil
}

// scanTask reads a row selected with taskColumns.
func scanTask(stmt *sqlite.Stmt) (Task, error) {
	t := Task{
		ID:                  stmt.ColumnText(0),
		WorkspaceID:         stmt.ColumnText(1),
		Title:               stmt.ColumnText(2),
		Objective:           stmt.ColumnText(3),
		AssignedTo:          stmt.ColumnText(7),
		Status:              Status(stmt.ColumnText(8)),
		ParallelGroup:       stmt.ColumnText(10),
		CompletionSummary:   stmt.ColumnText(11),
		VerificationVerdict: stmt.ColumnText(12),
		VerificationReport:  stmt.ColumnText(13),
		Version:             stmt.ColumnInt64(14),
		CreatedAt:           time.Unix(0, stmt.ColumnInt64(15)),
		UpdatedAt:           time.Unix(0, stmt.ColumnInt64(16)),
	}

	var err error
	if t.Scope, err = decodeList(stmt.ColumnText(4)); err != nil {
		return Task{}, err
	}
	if t.AcceptanceCriteria, err = decodeList(stmt.ColumnText(5)); err != nil {
		return Task{}, err
	}
	if t.VerificationCommands, err = decodeList(stmt.ColumnText(6)); err != nil {
		return Task{}, err
	}
	if t.Dependencies, err = decodeList(stmt.ColumnText(9)); err != nil {
		return Task{}, err
	}
	return t, nil
}
