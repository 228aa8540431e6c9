// Package store persists sessions, their ordered messages, and
// per-session memory entries in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atrium-ai/atrium/pkg/errors"

	_ "modernc.org/sqlite"
)

const (
	sessionTable = "agent_sessions"
	messageTable = "agent_messages"
	memoryTable  = "agent_memories"
)

// Session is one conversation with the agent.
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Temperature  float64   `json:"temperature"`
	Active       bool      `json:"is_active"`
	Archived     bool      `json:"is_archived"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Message is one entry in a session transcript. Messages of a session
// form a total order by (CreatedAt, Seq).
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"` // system, user, assistant, tool
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	Seq       int64          `json:"-"`
	EventType string         `json:"event_type,omitempty"`
	SkillName string         `json:"skill_name,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Memory is a key-value fact scoped to a session.
type Memory struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Category  string     `json:"category"` // fact, preference, context
	Key       string     `json:"key"`
	Value     string     `json:"value"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Store wraps the SQLite database. Writers to the same session are
// serialized by a per-session lock; reads are unlocked.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc.org/sqlite serializes writes per connection; a single
	// connection avoids SQLITE_BUSY under concurrent requests.
	db.SetMaxOpenConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			temperature REAL NOT NULL DEFAULT 0.7,
			is_active INTEGER NOT NULL DEFAULT 1,
			is_archived INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`, sessionTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			event_type TEXT NOT NULL DEFAULT '',
			skill_name TEXT NOT NULL DEFAULT '',
			extra_json BLOB
		);`, messageTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_session ON %s(session_id, created_at, seq);`, messageTable, messageTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT 'fact',
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0,
			UNIQUE(session_id, key)
		);`, memoryTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_session ON %s(session_id);`, memoryTable, memoryTable),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// lockSession serializes writers for one session id.
func (s *Store) lockSession(sessionID string) func() {
	s.mu.Lock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func notFound(kind, id string) error {
	return errors.New(errors.CodeNotFound, fmt.Sprintf("%s %q not found", kind, id), nil)
}

func persistence(op string, err error) error {
	return errors.New(errors.CodePersistence, op, err)
}

// ==================== Sessions ====================

// CreateSession inserts a new session. A missing ID is generated.
func (s *Store) CreateSession(ctx context.Context, session Session) (*Session, error) {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	session.Active = true

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, title, model, system_prompt, temperature, is_active, is_archived, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, sessionTable),
		session.ID, session.Title, session.Model, session.SystemPrompt, session.Temperature,
		boolToInt(session.Active), boolToInt(session.Archived),
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, persistence("create session", err)
	}
	return &session, nil
}

// GetSession returns the session with its derived message count.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, title, model, system_prompt, temperature, is_active, is_archived, created_at, updated_at,
			(SELECT COUNT(*) FROM %s WHERE session_id = %s.id)
			FROM %s WHERE id = ?`, messageTable, sessionTable, sessionTable), id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, notFound("session", id)
	}
	if err != nil {
		return nil, persistence("get session", err)
	}
	return session, nil
}

// ListSessions returns sessions most recently updated first.
func (s *Store) ListSessions(ctx context.Context, includeArchived bool, limit, offset int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id, title, model, system_prompt, temperature, is_active, is_archived, created_at, updated_at,
		(SELECT COUNT(*) FROM %s WHERE session_id = %s.id)
		FROM %s`, messageTable, sessionTable, sessionTable)
	if !includeArchived {
		query += " WHERE is_archived = 0"
	}
	query += " ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?"

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, persistence("list sessions", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, persistence("list sessions", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list sessions", err)
	}
	return out, nil
}

// SessionUpdate carries the mutable session fields; nil means keep.
type SessionUpdate struct {
	Title        *string
	Model        *string
	SystemPrompt *string
	Temperature  *float64
	Archived     *bool
}

// UpdateSession applies the non-nil fields and bumps updated_at.
func (s *Store) UpdateSession(ctx context.Context, id string, update SessionUpdate) (*Session, error) {
	unlock := s.lockSession(id)
	defer unlock()

	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if update.Title != nil {
		session.Title = *update.Title
	}
	if update.Model != nil {
		session.Model = *update.Model
	}
	if update.SystemPrompt != nil {
		session.SystemPrompt = *update.SystemPrompt
	}
	if update.Temperature != nil {
		session.Temperature = *update.Temperature
	}
	if update.Archived != nil {
		session.Archived = *update.Archived
	}
	session.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET title = ?, model = ?, system_prompt = ?, temperature = ?, is_archived = ?, updated_at = ? WHERE id = ?`, sessionTable),
		session.Title, session.Model, session.SystemPrompt, session.Temperature,
		boolToInt(session.Archived), session.UpdatedAt.UnixMilli(), id)
	if err != nil {
		return nil, persistence("update session", err)
	}
	return session, nil
}

// DeleteSession removes the session, cascading its messages and
// memories.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	unlock := s.lockSession(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence("delete session", err)
	}
	result, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", sessionTable), id)
	if err != nil {
		tx.Rollback()
		return persistence("delete session", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		tx.Rollback()
		return persistence("delete session", err)
	}
	if affected == 0 {
		tx.Rollback()
		return notFound("session", id)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE session_id = ?", messageTable), id); err != nil {
		tx.Rollback()
		return persistence("delete session messages", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE session_id = ?", memoryTable), id); err != nil {
		tx.Rollback()
		return persistence("delete session memories", err)
	}
	if err := tx.Commit(); err != nil {
		return persistence("delete session", err)
	}
	return nil
}

// ==================== Messages ====================

// AppendMessage persists a message and bumps the session timestamp.
// A missing ID or timestamp is filled in.
func (s *Store) AppendMessage(ctx context.Context, msg Message) (*Message, error) {
	unlock := s.lockSession(msg.SessionID)
	defer unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var extraJSON []byte
	if msg.Extra != nil {
		var err error
		extraJSON, err = json.Marshal(msg.Extra)
		if err != nil {
			return nil, persistence("encode message extra", err)
		}
	}

	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, session_id, role, content, created_at, event_type, skill_name, extra_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, messageTable),
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt.UnixMilli(),
		msg.EventType, msg.SkillName, extraJSON)
	if err != nil {
		return nil, persistence("append message", err)
	}
	msg.Seq, _ = result.LastInsertId()

	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET updated_at = ? WHERE id = ?", sessionTable),
		time.Now().UTC().UnixMilli(), msg.SessionID)
	if err != nil {
		return nil, persistence("touch session", err)
	}
	return &msg, nil
}

// ListMessages returns the session's messages in chronological order.
// limit <= 0 returns the full history; otherwise the most recent limit
// messages are returned, still chronologically.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	query := fmt.Sprintf(`SELECT seq, id, session_id, role, content, created_at, event_type, skill_name, extra_json
		FROM %s WHERE session_id = ? ORDER BY created_at ASC, seq ASC`, messageTable)
	args := []any{sessionID}
	if limit > 0 {
		query = fmt.Sprintf(`SELECT * FROM (
			SELECT seq, id, session_id, role, content, created_at, event_type, skill_name, extra_json
			FROM %s WHERE session_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?
		) ORDER BY created_at ASC, seq ASC`, messageTable)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence("list messages", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, persistence("list messages", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list messages", err)
	}
	return out, nil
}

// CountUserMessages counts messages with role=user. Turn gating for
// memory retrieval counts user messages only.
func (s *Store) CountUserMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE session_id = ? AND role = 'user'", messageTable),
		sessionID).Scan(&count)
	if err != nil {
		return 0, persistence("count user messages", err)
	}
	return count, nil
}

// DeleteMessage removes one message. With includeFollowing, the target
// and every chronologically later message of the session are removed
// atomically. Returns the number of deleted messages.
func (s *Store) DeleteMessage(ctx context.Context, sessionID, messageID string, includeFollowing bool) (int, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, persistence("delete message", err)
	}

	var createdAt, seq int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT created_at, seq FROM %s WHERE id = ? AND session_id = ?", messageTable),
		messageID, sessionID).Scan(&createdAt, &seq)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return 0, notFound("message", messageID)
	}
	if err != nil {
		tx.Rollback()
		return 0, persistence("delete message", err)
	}

	var result sql.Result
	if includeFollowing {
		result, err = tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE session_id = ? AND (created_at > ? OR (created_at = ? AND seq >= ?))`, messageTable),
			sessionID, createdAt, createdAt, seq)
	} else {
		result, err = tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE id = ?", messageTable), messageID)
	}
	if err != nil {
		tx.Rollback()
		return 0, persistence("delete message", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		tx.Rollback()
		return 0, persistence("delete message", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, persistence("delete message", err)
	}
	return int(affected), nil
}

// ClearMessages removes every message of the session.
func (s *Store) ClearMessages(ctx context.Context, sessionID string) error {
	unlock := s.lockSession(sessionID)
	defer unlock()

	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE session_id = ?", messageTable), sessionID); err != nil {
		return persistence("clear messages", err)
	}
	return nil
}

// ==================== Memories ====================

// SetMemory inserts or updates the memory entry keyed by (session, key).
func (s *Store) SetMemory(ctx context.Context, memory Memory) (*Memory, error) {
	unlock := s.lockSession(memory.SessionID)
	defer unlock()

	if memory.ID == "" {
		memory.ID = uuid.NewString()
	}
	if memory.Category == "" {
		memory.Category = "fact"
	}
	now := time.Now().UTC()
	memory.CreatedAt = now
	memory.UpdatedAt = now

	var expires int64
	if memory.ExpiresAt != nil {
		expires = memory.ExpiresAt.UnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, session_id, category, key, value, created_at, updated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, key) DO UPDATE SET
				category = excluded.category,
				value = excluded.value,
				updated_at = excluded.updated_at,
				expires_at = excluded.expires_at`, memoryTable),
		memory.ID, memory.SessionID, memory.Category, memory.Key, memory.Value,
		now.UnixMilli(), now.UnixMilli(), expires)
	if err != nil {
		return nil, persistence("set memory", err)
	}

	// Opportunistic purge of expired entries for this session.
	_, _ = s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE session_id = ? AND expires_at > 0 AND expires_at <= ?", memoryTable),
		memory.SessionID, now.UnixMilli())

	return &memory, nil
}

// GetMemory returns one memory entry by key. Expired entries read as
// not found.
func (s *Store) GetMemory(ctx context.Context, sessionID, key string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, session_id, category, key, value, created_at, updated_at, expires_at
			FROM %s WHERE session_id = ? AND key = ?`, memoryTable), sessionID, key)
	memory, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, notFound("memory", key)
	}
	if err != nil {
		return nil, persistence("get memory", err)
	}
	if memory.ExpiresAt != nil && !memory.ExpiresAt.After(time.Now().UTC()) {
		return nil, notFound("memory", key)
	}
	return memory, nil
}

// ListMemories returns the session's unexpired memory entries.
func (s *Store) ListMemories(ctx context.Context, sessionID string) ([]*Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, session_id, category, key, value, created_at, updated_at, expires_at
			FROM %s WHERE session_id = ? AND (expires_at = 0 OR expires_at > ?)
			ORDER BY key ASC`, memoryTable),
		sessionID, time.Now().UTC().UnixMilli())
	if err != nil {
		return nil, persistence("list memories", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		memory, err := scanMemory(rows)
		if err != nil {
			return nil, persistence("list memories", err)
		}
		out = append(out, memory)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list memories", err)
	}
	return out, nil
}

// DeleteMemory removes one memory entry by key.
func (s *Store) DeleteMemory(ctx context.Context, sessionID, key string) error {
	unlock := s.lockSession(sessionID)
	defer unlock()

	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE session_id = ? AND key = ?", memoryTable), sessionID, key)
	if err != nil {
		return persistence("delete memory", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return persistence("delete memory", err)
	}
	if affected == 0 {
		return notFound("memory", key)
	}
	return nil
}

// ==================== Scanning ====================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var active, archived int
	var createdAt, updatedAt int64
	err := row.Scan(&session.ID, &session.Title, &session.Model, &session.SystemPrompt,
		&session.Temperature, &active, &archived, &createdAt, &updatedAt, &session.MessageCount)
	if err != nil {
		return nil, err
	}
	session.Active = active != 0
	session.Archived = archived != 0
	session.CreatedAt = time.UnixMilli(createdAt).UTC()
	session.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &session, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var createdAt int64
	var extraJSON []byte
	err := row.Scan(&msg.Seq, &msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
		&createdAt, &msg.EventType, &msg.SkillName, &extraJSON)
	if err != nil {
		return nil, err
	}
	msg.CreatedAt = time.UnixMilli(createdAt).UTC()
	if len(extraJSON) > 0 {
		if err := json.Unmarshal(extraJSON, &msg.Extra); err != nil {
			return nil, err
		}
	}
	return &msg, nil
}

func scanMemory(row rowScanner) (*Memory, error) {
	var memory Memory
	var createdAt, updatedAt, expiresAt int64
	err := row.Scan(&memory.ID, &memory.SessionID, &memory.Category, &memory.Key,
		&memory.Value, &createdAt, &updatedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	memory.CreatedAt = time.UnixMilli(createdAt).UTC()
	memory.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if expiresAt > 0 {
		t := time.UnixMilli(expiresAt).UTC()
		memory.ExpiresAt = &t
	}
	return &memory, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
