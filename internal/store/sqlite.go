package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shiplabs/shipd/internal/domain"
	"github.com/shiplabs/shipd/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	notify Notifier

	mu    sync.Mutex
	muxes map[string]*sync.Mutex // per-session write serialization
}

// NewSQLite creates a new SQLite-backed repository. The schema is created
// before the store is handed out, so no request can observe a missing table.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, muxes: make(map[string]*sync.Mutex)}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id) WHERE deleted_at IS NULL;

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		parts TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		mode TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_session_status ON tasks(session_id, status, created_at);

	CREATE TABLE IF NOT EXISTS session_meta (
		session_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (session_id, key)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SetNotifier wires change notifications. Must be called before serving.
func (s *SQLiteStore) SetNotifier(n Notifier) {
	s.notify = n
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession persists a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, title, userID string) (*domain.Session, error) {
	now := time.Now()
	sess := &domain.Session{
		ID:        uuid.NewString(),
		Title:     title,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `INSERT INTO sessions (id, title, user_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	err := s.execRetry(ctx, query, sess.ID, sess.Title, sess.UserID, now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// GetSession returns a session by id, or (nil, nil) when unknown.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	query := `SELECT id, title, user_id, created_at, updated_at, deleted_at FROM sessions WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	var sess domain.Session
	var createdAt, updatedAt int64
	var deletedAt sql.NullInt64

	err := row.Scan(&sess.ID, &sess.Title, &sess.UserID, &createdAt, &updatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.CreatedAt = time.Unix(0, createdAt)
	sess.UpdatedAt = time.Unix(0, updatedAt)
	if deletedAt.Valid {
		t := time.Unix(0, deletedAt.Int64)
		sess.DeletedAt = &t
	}
	return &sess, nil
}

// ListSessions returns non-deleted sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, title, user_id, created_at, updated_at, deleted_at FROM sessions WHERE deleted_at IS NULL`
	args := []interface{}{}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer closeRows(rows, "sessions")

	var sessions []*domain.Session
	for rows.Next() {
		var sess domain.Session
		var createdAt, updatedAt int64
		var deletedAt sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.UserID, &createdAt, &updatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.CreatedAt = time.Unix(0, createdAt)
		sess.UpdatedAt = time.Unix(0, updatedAt)
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession soft-deletes a session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	query := `UPDATE sessions SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`
	if err := s.execRetry(ctx, query, time.Now().UnixNano(), id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// TouchSession bumps updated_at for idle tracking.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string) error {
	query := `UPDATE sessions SET updated_at = ? WHERE id = ?`
	if err := s.execRetry(ctx, query, time.Now().UnixNano(), id); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// ListIdleActiveSessions returns sessions with an active sandbox and no
// activity for at least idleFor.
func (s *SQLiteStore) ListIdleActiveSessions(ctx context.Context, idleFor time.Duration) ([]*domain.Session, error) {
	threshold := time.Now().Add(-idleFor).UnixNano()
	query := `
		SELECT s.id, s.title, s.user_id, s.created_at, s.updated_at, s.deleted_at
		FROM sessions s
		JOIN session_meta m ON m.session_id = s.id AND m.key = ? AND m.value = ?
		WHERE s.deleted_at IS NULL AND s.updated_at < ?`

	rows, err := s.db.QueryContext(ctx, query, domain.MetaSandboxStatus, domain.SandboxStatusActive, threshold)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer closeRows(rows, "idle sessions")

	var sessions []*domain.Session
	for rows.Next() {
		var sess domain.Session
		var createdAt, updatedAt int64
		var deletedAt sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.UserID, &createdAt, &updatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan idle session row: %w", err)
		}
		sess.CreatedAt = time.Unix(0, createdAt)
		sess.UpdatedAt = time.Unix(0, updatedAt)
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	return sessions, nil
}

// ForSession returns the single-writer handle for one session.
func (s *SQLiteStore) ForSession(sessionID string) SessionStore {
	return &sessionStore{store: s, sessionID: sessionID, mu: s.sessionMu(sessionID)}
}

func (s *SQLiteStore) sessionMu(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.muxes[id]
	if !ok {
		m = &sync.Mutex{}
		s.muxes[id] = m
	}
	return m
}

// execRetry runs a write statement, retrying SQLITE_BUSY conflicts with
// exponential backoff: 50ms, 100ms, 200ms.
func (s *SQLiteStore) execRetry(ctx context.Context, query string, args ...interface{}) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("sqlite write busy, retrying", "attempt", i+1, "delay", delay)
			time.Sleep(delay)
		}
	}
	return err
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}

// sessionStore implements SessionStore over the shared database handle.
type sessionStore struct {
	store     *SQLiteStore
	sessionID string
	mu        *sync.Mutex
}

func (ss *sessionStore) SessionID() string {
	return ss.sessionID
}

// AppendMessage persists a new message and notifies attached connections.
func (ss *sessionStore) AppendMessage(ctx context.Context, role, content string, parts []domain.MessagePart) (*domain.Message, error) {
	msg := &domain.Message{
		ID:        uuid.NewString(),
		SessionID: ss.sessionID,
		Role:      role,
		Content:   content,
		Parts:     parts,
		CreatedAt: time.Now(),
	}

	partsJSON, err := marshalParts(parts)
	if err != nil {
		return nil, err
	}

	ss.mu.Lock()
	query := `INSERT INTO messages (id, session_id, role, content, parts, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	err = ss.store.execRetry(ctx, query, msg.ID, msg.SessionID, msg.Role, msg.Content, partsJSON, msg.CreatedAt.UnixNano())
	ss.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if err := ss.store.TouchSession(ctx, ss.sessionID); err != nil {
		slog.Warn("failed to touch session after message append", "session_id", ss.sessionID, "error", err)
	}

	if ss.store.notify != nil {
		ss.store.notify.MessageAppended(ss.sessionID, msg)
	}
	return msg, nil
}

// UpdateMessageParts overwrites the parts blob of an existing message.
func (ss *sessionStore) UpdateMessageParts(ctx context.Context, messageID string, parts []domain.MessagePart) error {
	partsJSON, err := marshalParts(parts)
	if err != nil {
		return err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	query := `UPDATE messages SET parts = ? WHERE id = ? AND session_id = ?`
	result, err := ss.store.db.ExecContext(ctx, query, partsJSON, messageID, ss.sessionID)
	if err != nil {
		return fmt.Errorf("update message parts: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrMessageNotFound
	}

	if ss.store.notify != nil {
		ss.store.notify.MessagePartsUpdated(ss.sessionID, messageID, parts)
	}
	return nil
}

// UpdateMessage overwrites content and parts of an existing message.
func (ss *sessionStore) UpdateMessage(ctx context.Context, messageID, content string, parts []domain.MessagePart) error {
	partsJSON, err := marshalParts(parts)
	if err != nil {
		return err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	query := `UPDATE messages SET content = ?, parts = ? WHERE id = ? AND session_id = ?`
	result, err := ss.store.db.ExecContext(ctx, query, content, partsJSON, messageID, ss.sessionID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrMessageNotFound
	}

	if ss.store.notify != nil {
		ss.store.notify.MessagePartsUpdated(ss.sessionID, messageID, parts)
	}
	return nil
}

// ListMessages returns up to limit messages in chronological order,
// optionally restricted to strictly before the cursor message's timestamp.
func (ss *sessionStore) ListMessages(ctx context.Context, limit int, before string) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = DefaultMessagePageSize
	}

	query := `SELECT id, role, content, parts, created_at FROM messages WHERE session_id = ?`
	args := []interface{}{ss.sessionID}

	if before != "" {
		var cursorTS int64
		row := ss.store.db.QueryRowContext(ctx,
			`SELECT created_at FROM messages WHERE id = ? AND session_id = ?`, before, ss.sessionID)
		if err := row.Scan(&cursorTS); err != nil {
			if err == sql.ErrNoRows {
				return nil, ErrMessageNotFound
			}
			return nil, fmt.Errorf("resolve message cursor: %w", err)
		}
		query += ` AND created_at < ?`
		args = append(args, cursorTS)
	}

	// Page from the newest end, then flip to chronological order.
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := ss.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var messages []*domain.Message
	for rows.Next() {
		msg, err := ss.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (ss *sessionStore) scanMessage(rows *sql.Rows) (*domain.Message, error) {
	var msg domain.Message
	var partsJSON sql.NullString
	var createdAt int64

	if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &partsJSON, &createdAt); err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	msg.SessionID = ss.sessionID
	msg.CreatedAt = time.Unix(0, createdAt)

	if partsJSON.Valid && partsJSON.String != "" {
		if err := json.Unmarshal([]byte(partsJSON.String), &msg.Parts); err != nil {
			return nil, fmt.Errorf("decode message parts: %w", err)
		}
	}
	return &msg, nil
}

// EnqueueTask appends a task to the FIFO queue.
func (ss *sessionStore) EnqueueTask(ctx context.Context, title, description, mode string) (*domain.Task, error) {
	if mode == "" {
		mode = domain.TaskModeBuild
	}
	task := &domain.Task{
		ID:          uuid.NewString(),
		SessionID:   ss.sessionID,
		Title:       title,
		Description: description,
		Status:      domain.TaskStatusPending,
		Mode:        mode,
		CreatedAt:   time.Now(),
	}

	ss.mu.Lock()
	query := `INSERT INTO tasks (id, session_id, title, description, status, mode, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	err := ss.store.execRetry(ctx, query, task.ID, task.SessionID, task.Title, task.Description, task.Status, task.Mode, task.CreatedAt.UnixNano())
	ss.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	if ss.store.notify != nil {
		ss.store.notify.TaskCreated(ss.sessionID, task)
	}
	return task, nil
}

// UpdateTaskStatus applies a monotonic status transition.
func (ss *sessionStore) UpdateTaskStatus(ctx context.Context, taskID, status string) (*domain.Task, error) {
	if !domain.ValidTaskStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrBadTransition, status)
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	task, err := ss.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	if !domain.ValidTaskTransition(task.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrBadTransition, task.Status, status)
	}
	if task.Status == status {
		return task, nil
	}

	task.Status = status
	var completedAt interface{}
	if task.Terminal() {
		now := time.Now()
		task.CompletedAt = &now
		completedAt = now.UnixNano()
	}

	query := `UPDATE tasks SET status = ?, completed_at = ? WHERE id = ? AND session_id = ?`
	if err := ss.store.execRetry(ctx, query, task.Status, completedAt, taskID, ss.sessionID); err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}

	if ss.store.notify != nil {
		ss.store.notify.TaskUpdated(ss.sessionID, task)
	}
	return task, nil
}

// NextPendingTask returns the oldest pending task, or (nil, nil).
func (ss *sessionStore) NextPendingTask(ctx context.Context) (*domain.Task, error) {
	query := `
		SELECT id, title, description, status, mode, created_at, completed_at
		FROM tasks WHERE session_id = ? AND status = ?
		ORDER BY created_at ASC, rowid ASC LIMIT 1`

	rows, err := ss.store.db.QueryContext(ctx, query, ss.sessionID, domain.TaskStatusPending)
	if err != nil {
		return nil, fmt.Errorf("query next pending task: %w", err)
	}
	defer closeRows(rows, "next pending task")

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate next pending task: %w", err)
		}
		return nil, nil
	}
	return ss.scanTask(rows)
}

// ListTasks returns tasks in FIFO order, optionally filtered by status.
func (ss *sessionStore) ListTasks(ctx context.Context, status string, limit int) ([]*domain.Task, error) {
	query := `SELECT id, title, description, status, mode, created_at, completed_at FROM tasks WHERE session_id = ?`
	args := []interface{}{ss.sessionID}

	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, rowid ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := ss.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer closeRows(rows, "tasks")

	var tasks []*domain.Task
	for rows.Next() {
		task, err := ss.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func (ss *sessionStore) getTask(ctx context.Context, taskID string) (*domain.Task, error) {
	query := `
		SELECT id, title, description, status, mode, created_at, completed_at
		FROM tasks WHERE id = ? AND session_id = ?`

	rows, err := ss.store.db.QueryContext(ctx, query, taskID, ss.sessionID)
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	defer closeRows(rows, "task")

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate task: %w", err)
		}
		return nil, nil
	}
	return ss.scanTask(rows)
}

func (ss *sessionStore) scanTask(rows *sql.Rows) (*domain.Task, error) {
	var task domain.Task
	var createdAt int64
	var completedAt sql.NullInt64

	if err := rows.Scan(&task.ID, &task.Title, &task.Description, &task.Status, &task.Mode, &createdAt, &completedAt); err != nil {
		return nil, fmt.Errorf("scan task row: %w", err)
	}
	task.SessionID = ss.sessionID
	task.CreatedAt = time.Unix(0, createdAt)
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		task.CompletedAt = &t
	}
	return &task, nil
}

// Meta returns the full key/value map for the session.
func (ss *sessionStore) Meta(ctx context.Context) (map[string]string, error) {
	query := `SELECT key, value FROM session_meta WHERE session_id = ?`
	rows, err := ss.store.db.QueryContext(ctx, query, ss.sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session meta: %w", err)
	}
	defer closeRows(rows, "session meta")

	meta := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan meta row: %w", err)
		}
		meta[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session meta: %w", err)
	}
	return meta, nil
}

// GetMeta returns one value; ok is false when the key is absent.
func (ss *sessionStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	query := `SELECT value FROM session_meta WHERE session_id = ? AND key = ?`
	row := ss.store.db.QueryRowContext(ctx, query, ss.sessionID, key)

	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("scan meta value: %w", err)
	}
	return value, true, nil
}

// SetMeta writes one key.
func (ss *sessionStore) SetMeta(ctx context.Context, key, value string) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	query := `
		INSERT INTO session_meta (session_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(session_id, key) DO UPDATE SET value = excluded.value`
	if err := ss.store.execRetry(ctx, query, ss.sessionID, key, value); err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// DeleteMeta removes one key.
func (ss *sessionStore) DeleteMeta(ctx context.Context, key string) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	query := `DELETE FROM session_meta WHERE session_id = ? AND key = ?`
	if err := ss.store.execRetry(ctx, query, ss.sessionID, key); err != nil {
		return fmt.Errorf("delete meta %s: %w", key, err)
	}
	return nil
}

// MarkFirstCommit sets the first-commit marker iff it was absent. The
// conflict clause makes the check-and-set a single atomic statement, so
// concurrent turns cannot both observe "absent".
func (ss *sessionStore) MarkFirstCommit(ctx context.Context) (bool, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	query := `
		INSERT INTO session_meta (session_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(session_id, key) DO NOTHING`
	result, err := ss.store.db.ExecContext(ctx, query, ss.sessionID, domain.MetaFirstCommit, "true")
	if err != nil {
		return false, fmt.Errorf("mark first commit: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows == 1, nil
}

func marshalParts(parts []domain.MessagePart) (interface{}, error) {
	if len(parts) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("encode message parts: %w", err)
	}
	return string(b), nil
}
