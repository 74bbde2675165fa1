package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/buildrelay/coordinator/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS build_sessions (
			id TEXT PRIMARY KEY,
			build_id TEXT NOT NULL UNIQUE,
			project_id TEXT NOT NULL,
			command_id TEXT,
			agent_id TEXT,
			operation_type TEXT NOT NULL DEFAULT 'build',
			status TEXT NOT NULL,
			summary TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			ended_at DATETIME,
			last_event_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_build_sessions_project ON build_sessions(project_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_build_sessions_status ON build_sessions(status, last_event_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_build_sessions_command ON build_sessions(command_id)`,
		`CREATE TABLE IF NOT EXISTS todos (
			session_id TEXT NOT NULL,
			todo_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			active_form TEXT,
			status TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, todo_index),
			FOREIGN KEY (session_id) REFERENCES build_sessions(id)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			session_id TEXT NOT NULL,
			tool_call_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			todo_index INTEGER NOT NULL DEFAULT -1,
			state TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error_text TEXT,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			PRIMARY KEY (session_id, tool_call_id),
			FOREIGN KEY (session_id) REFERENCES build_sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_todo ON tool_calls(session_id, todo_index)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Add new columns for existing DBs (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("build_sessions", "snapshot", "ALTER TABLE build_sessions ADD COLUMN snapshot TEXT"); err != nil {
		return err
	}
	if err := s.ensureColumn("build_sessions", "announced_at", "ALTER TABLE build_sessions ADD COLUMN announced_at DATETIME"); err != nil {
		return err
	}

	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sessionColumns = `id, build_id, project_id, command_id, agent_id, operation_type, status, summary,
	created_at, started_at, ended_at, last_event_ms, snapshot`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.BuildSession, error) {
	var bs domain.BuildSession
	var commandID, agentID, summary, snapshot sql.NullString
	var startedAt, endedAt sql.NullTime
	var lastEventMs int64
	if err := row.Scan(&bs.ID, &bs.BuildID, &bs.ProjectID, &commandID, &agentID, &bs.OperationType, &bs.Status, &summary,
		&bs.CreatedAt, &startedAt, &endedAt, &lastEventMs, &snapshot); err != nil {
		return nil, err
	}
	bs.CommandID = commandID.String
	bs.AgentID = agentID.String
	bs.Summary = summary.String
	if startedAt.Valid {
		bs.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		bs.EndedAt = &endedAt.Time
	}
	if lastEventMs > 0 {
		bs.LastEventAt = time.UnixMilli(lastEventMs).UTC()
	}
	if snapshot.Valid {
		bs.Snapshot = json.RawMessage(snapshot.String)
	}
	return &bs, nil
}

// GetOrCreateSession returns the session for session.BuildID, inserting a
// pending row first if none exists. The bool reports whether this call created it.
func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, session *domain.BuildSession) (*domain.BuildSession, bool, error) {
	if session.BuildID == "" {
		return nil, false, fmt.Errorf("build id is required")
	}
	id := session.ID
	if id == "" {
		id = "bs_" + uuid.New().String()
	}
	opType := session.OperationType
	if opType == "" {
		opType = domain.DefaultOperationType
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO build_sessions (id, build_id, project_id, command_id, agent_id, operation_type, status, created_at, last_event_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(build_id) DO NOTHING`,
		id, session.BuildID, session.ProjectID, nullString(session.CommandID), nullString(session.AgentID),
		opType, domain.SessionStatusPending, now, now.UnixMilli())
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	got, err := s.GetSessionByBuildID(ctx, session.BuildID)
	if err != nil {
		return nil, false, err
	}
	if got == nil {
		return nil, false, fmt.Errorf("session for build %s vanished after insert", session.BuildID)
	}
	return got, affected > 0, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.BuildSession, error) {
	bs, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM build_sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return bs, err
}

// GetSessionByBuildID retrieves a session by its build id.
func (s *SQLiteStore) GetSessionByBuildID(ctx context.Context, buildID string) (*domain.BuildSession, error) {
	bs, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM build_sessions WHERE build_id = ?`, buildID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return bs, err
}

// GetSessionByCommandID retrieves the session started by a command. When a
// command id was reused the oldest session wins.
func (s *SQLiteStore) GetSessionByCommandID(ctx context.Context, commandID string) (*domain.BuildSession, error) {
	bs, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM build_sessions WHERE command_id = ?
		 ORDER BY created_at ASC, rowid ASC LIMIT 1`, commandID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return bs, err
}

// LatestSessionForProject returns the most recently created session of a project.
func (s *SQLiteStore) LatestSessionForProject(ctx context.Context, projectID string) (*domain.BuildSession, error) {
	bs, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM build_sessions WHERE project_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, projectID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return bs, err
}

// ListSessionsByProject returns a project's sessions, newest first.
func (s *SQLiteStore) ListSessionsByProject(ctx context.Context, projectID string, limit int) ([]domain.BuildSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM build_sessions WHERE project_id = ? ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.querySessions(ctx, query, projectID)
}

// ListStuckSessions returns active sessions whose last event is older than idleSince.
func (s *SQLiteStore) ListStuckSessions(ctx context.Context, idleSince time.Time, limit int) ([]domain.BuildSession, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM build_sessions
		 WHERE status = ? AND last_event_ms < ?
		 ORDER BY last_event_ms ASC
		 LIMIT ?`,
		domain.SessionStatusActive, idleSince.UnixMilli(), limit)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...interface{}) ([]domain.BuildSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BuildSession
	for rows.Next() {
		bs, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *bs)
	}
	return out, rows.Err()
}

// TouchSession records that an event for the session arrived at at.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE build_sessions SET last_event_ms = MAX(last_event_ms, ?) WHERE id = ?`,
		at.UnixMilli(), id)
	return err
}

// ActivateSession moves a pending session to active.
func (s *SQLiteStore) ActivateSession(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE build_sessions SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ? AND status = ?`,
		domain.SessionStatusActive, at.UTC(), id, domain.SessionStatusPending)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// FinishSession moves a pending or active session to a terminal status. A
// non-empty summary replaces the stored one.
func (s *SQLiteStore) FinishSession(ctx context.Context, id string, status domain.SessionStatus, summary string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE build_sessions
		 SET status = ?, ended_at = ?, summary = COALESCE(?, summary)
		 WHERE id = ? AND status IN (?, ?)`,
		status, at.UTC(), nullString(summary), id, domain.SessionStatusPending, domain.SessionStatusActive)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetSessionSummary stores summary regardless of status.
func (s *SQLiteStore) SetSessionSummary(ctx context.Context, id, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE build_sessions SET summary = ? WHERE id = ?`, nullString(summary), id)
	return err
}

// MarkAnnounced records that the session's terminal outcome was broadcast.
// It reports true only for the first call.
func (s *SQLiteStore) MarkAnnounced(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE build_sessions SET announced_at = ? WHERE id = ? AND announced_at IS NULL`,
		at.UTC(), id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SaveSnapshot stores a serialized GenerationState for the session.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, id string, snapshot []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE build_sessions SET snapshot = ? WHERE id = ?`, nullStringBytes(snapshot), id)
	return err
}

// ReplaceTodos upserts todos by index and prunes todos and tool calls at or
// beyond the new list length, in one transaction.
func (s *SQLiteStore) ReplaceTodos(ctx context.Context, sessionID string, todos []domain.Todo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i, t := range todos {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO todos (session_id, todo_index, content, active_form, status, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id, todo_index) DO UPDATE SET
			   content = excluded.content,
			   active_form = excluded.active_form,
			   status = excluded.status,
			   updated_at = excluded.updated_at`,
			sessionID, i, t.Content, nullString(t.ActiveForm), t.Status, now); err != nil {
			return fmt.Errorf("failed to upsert todo %d: %w", i, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM todos WHERE session_id = ? AND todo_index >= ?`, sessionID, len(todos)); err != nil {
		return fmt.Errorf("failed to prune todos: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tool_calls WHERE session_id = ? AND todo_index >= ?`, sessionID, len(todos)); err != nil {
		return fmt.Errorf("failed to prune tool calls: %w", err)
	}

	return tx.Commit()
}

// ListTodos returns a session's todos ordered by index.
func (s *SQLiteStore) ListTodos(ctx context.Context, sessionID string) ([]domain.Todo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, todo_index, content, active_form, status, updated_at
		 FROM todos WHERE session_id = ? ORDER BY todo_index ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Todo
	for rows.Next() {
		var t domain.Todo
		var activeForm sql.NullString
		if err := rows.Scan(&t.SessionID, &t.Index, &t.Content, &activeForm, &t.Status, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.ActiveForm = activeForm.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertToolCallInput records the input phase of a tool call. A call that
// already has a result keeps its terminal state.
func (s *SQLiteStore) UpsertToolCallInput(ctx context.Context, tc *domain.ToolCall) error {
	startedAt := tc.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (session_id, tool_call_id, tool_name, todo_index, state, input, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, tool_call_id) DO UPDATE SET
		   tool_name = excluded.tool_name,
		   todo_index = excluded.todo_index,
		   input = excluded.input,
		   state = CASE WHEN tool_calls.state IN (?, ?) THEN tool_calls.state ELSE excluded.state END`,
		tc.SessionID, tc.ToolCallID, tc.ToolName, tc.TodoIndex, domain.ToolCallStateInputAvailable,
		nullStringBytes(tc.Input), startedAt.UTC(),
		domain.ToolCallStateOutputAvailable, domain.ToolCallStateError)
	return err
}

// GetToolCall retrieves a tool call by its key.
func (s *SQLiteStore) GetToolCall(ctx context.Context, sessionID, toolCallID string) (*domain.ToolCall, error) {
	tc, err := scanToolCall(s.db.QueryRowContext(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE session_id = ? AND tool_call_id = ?`,
		sessionID, toolCallID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tc, err
}

// CompleteToolCall records the result phase of an existing tool call.
func (s *SQLiteStore) CompleteToolCall(ctx context.Context, sessionID, toolCallID string, state domain.ToolCallState, output []byte, errorText string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_calls SET state = ?, output = ?, error_text = ?, ended_at = ?
		 WHERE session_id = ? AND tool_call_id = ?`,
		state, nullStringBytes(output), nullString(errorText), at.UTC(), sessionID, toolCallID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListToolCalls returns a session's tool calls in start order.
func (s *SQLiteStore) ListToolCalls(ctx context.Context, sessionID string) ([]domain.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE session_id = ? ORDER BY started_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ToolCall
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tc)
	}
	return out, rows.Err()
}

const toolCallColumns = `session_id, tool_call_id, tool_name, todo_index, state, input, output, error_text, started_at, ended_at`

func scanToolCall(row rowScanner) (*domain.ToolCall, error) {
	var tc domain.ToolCall
	var input, output, errorText sql.NullString
	var endedAt sql.NullTime
	if err := row.Scan(&tc.SessionID, &tc.ToolCallID, &tc.ToolName, &tc.TodoIndex, &tc.State,
		&input, &output, &errorText, &tc.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	if input.Valid {
		tc.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		tc.Output = json.RawMessage(output.String)
	}
	tc.ErrorText = errorText.String
	if endedAt.Valid {
		tc.EndedAt = &endedAt.Time
	}
	return &tc, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
