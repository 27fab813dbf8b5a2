// Package store – sqlite.go implements Store on a single SQLite
// database file.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/mounts"
)

// SQLite implements Store backed by mattn/go-sqlite3.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS groups (
		jid             TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		folder          TEXT NOT NULL UNIQUE,
		trigger_pattern TEXT NOT NULL DEFAULT '',
		requires_trigger INTEGER NOT NULL DEFAULT 1,
		session_id      TEXT NOT NULL DEFAULT '',
		extra_mounts    TEXT NOT NULL DEFAULT '[]',
		registered_at   TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tasks (
		id             TEXT PRIMARY KEY,
		group_folder   TEXT NOT NULL,
		chat_jid       TEXT NOT NULL,
		prompt         TEXT NOT NULL,
		schedule_type  TEXT NOT NULL,
		schedule_value TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'active',
		next_run       TEXT NOT NULL,
		last_run       TEXT,
		last_error     TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_run);
	CREATE TABLE IF NOT EXISTS messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_jid    TEXT NOT NULL,
		sender      TEXT NOT NULL,
		sender_name TEXT NOT NULL DEFAULT '',
		text        TEXT NOT NULL,
		message_id  TEXT NOT NULL DEFAULT '',
		timestamp   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_jid, timestamp);
	CREATE TABLE IF NOT EXISTS cursors (
		chat_jid  TEXT PRIMARY KEY,
		processed TEXT NOT NULL
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// ---------- GroupStore ----------

// SetGroup inserts or updates a registered group.
func (s *SQLite) SetGroup(g *Group) error {
	mountsJSON, err := json.Marshal(g.ExtraMounts)
	if err != nil {
		return fmt.Errorf("marshaling extra mounts: %w", err)
	}
	if g.RegisteredAt.IsZero() {
		g.RegisteredAt = time.Now()
	}
	_, err = s.db.Exec(`
		INSERT INTO groups (jid, name, folder, trigger_pattern, requires_trigger, session_id, extra_mounts, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			trigger_pattern = excluded.trigger_pattern,
			requires_trigger = excluded.requires_trigger,
			extra_mounts = excluded.extra_mounts`,
		g.JID, g.Name, g.Folder, g.Trigger, boolToInt(g.RequiresTrigger),
		g.SessionID, string(mountsJSON), g.RegisteredAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving group %q: %w", g.JID, err)
	}
	return nil
}

// GroupByJID returns the group with the given chat address, or nil.
func (s *SQLite) GroupByJID(jid string) (*Group, error) {
	return s.groupWhere("jid = ?", jid)
}

// GroupByFolder returns the group owning a workspace folder, or nil.
func (s *SQLite) GroupByFolder(folder string) (*Group, error) {
	return s.groupWhere("folder = ?", folder)
}

func (s *SQLite) groupWhere(where string, arg any) (*Group, error) {
	row := s.db.QueryRow(`
		SELECT jid, name, folder, trigger_pattern, requires_trigger, session_id, extra_mounts, registered_at
		FROM groups WHERE `+where, arg)
	g, err := scanGroup(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

// AllGroups returns every registered group.
func (s *SQLite) AllGroups() ([]*Group, error) {
	rows, err := s.db.Query(`
		SELECT jid, name, folder, trigger_pattern, requires_trigger, session_id, extra_mounts, registered_at
		FROM groups ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("loading groups: %w", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows.Scan)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// SetSessionID records the agent session to resume for a group.
func (s *SQLite) SetSessionID(jid, sessionID string) error {
	_, err := s.db.Exec("UPDATE groups SET session_id = ? WHERE jid = ?", sessionID, jid)
	if err != nil {
		return fmt.Errorf("saving session for %q: %w", jid, err)
	}
	return nil
}

func scanGroup(scan func(...any) error) (*Group, error) {
	var (
		g               Group
		requiresTrigger int
		mountsJSON      string
		registeredAt    string
	)
	if err := scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &requiresTrigger,
		&g.SessionID, &mountsJSON, &registeredAt); err != nil {
		return nil, err
	}
	g.RequiresTrigger = requiresTrigger != 0
	g.RegisteredAt, _ = time.Parse(time.RFC3339Nano, registeredAt)
	if mountsJSON != "" && mountsJSON != "[]" {
		var reqs []mounts.Request
		if err := json.Unmarshal([]byte(mountsJSON), &reqs); err == nil {
			g.ExtraMounts = reqs
		}
	}
	return &g, nil
}

// ---------- TaskStore ----------

// CreateTask inserts a new task.
func (s *SQLite) CreateTask(t *Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, group_folder, chat_jid, prompt, schedule_type, schedule_value, status, next_run, last_run, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.Status, formatTime(t.NextRun), nullableTime(t.LastRun), t.LastError,
		formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("creating task %q: %w", t.ID, err)
	}
	return nil
}

// UpdateTask rewrites a task's mutable fields.
func (s *SQLite) UpdateTask(t *Task) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET prompt = ?, schedule_type = ?, schedule_value = ?,
			status = ?, next_run = ?, last_run = ?, last_error = ?
		WHERE id = ?`,
		t.Prompt, t.ScheduleType, t.ScheduleValue, t.Status,
		formatTime(t.NextRun), nullableTime(t.LastRun), t.LastError, t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task %q: %w", t.ID, err)
	}
	return nil
}

// DeleteTask removes a task by id.
func (s *SQLite) DeleteTask(id string) error {
	_, err := s.db.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting task %q: %w", id, err)
	}
	return nil
}

// TaskByID returns one task, or nil when absent.
func (s *SQLite) TaskByID(id string) (*Task, error) {
	row := s.db.QueryRow(taskSelect+" WHERE id = ?", id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// AllTasks returns every task.
func (s *SQLite) AllTasks() ([]*Task, error) {
	return s.queryTasks(taskSelect + " ORDER BY created_at")
}

// DueTasks returns active tasks whose next run is at or before now.
func (s *SQLite) DueTasks(now time.Time) ([]*Task, error) {
	return s.queryTasks(taskSelect+" WHERE status = ? AND next_run <= ? ORDER BY next_run",
		TaskActive, formatTime(now))
}

const taskSelect = `
	SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
	       status, next_run, last_run, last_error, created_at
	FROM tasks`

func (s *SQLite) queryTasks(query string, args ...any) ([]*Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(scan func(...any) error) (*Task, error) {
	var (
		t         Task
		nextRun   string
		lastRun   sql.NullString
		createdAt string
	)
	if err := scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt,
		&t.ScheduleType, &t.ScheduleValue, &t.Status,
		&nextRun, &lastRun, &t.LastError, &createdAt); err != nil {
		return nil, err
	}
	t.NextRun, _ = time.Parse(time.RFC3339Nano, nextRun)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastRun.Valid {
		lr, _ := time.Parse(time.RFC3339Nano, lastRun.String)
		t.LastRun = &lr
	}
	return &t, nil
}

// ---------- MessageStore ----------

// SaveMessage appends an inbound chat message.
func (s *SQLite) SaveMessage(m *Message) error {
	res, err := s.db.Exec(`
		INSERT INTO messages (chat_jid, sender, sender_name, text, message_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ChatJID, m.Sender, m.SenderName, m.Text, m.MessageID, formatTime(m.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// MessagesSince returns messages for a chat strictly after the cursor
// time, oldest first.
func (s *SQLite) MessagesSince(chatJID string, after time.Time) ([]*Message, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_jid, sender, sender_name, text, message_id, timestamp
		FROM messages WHERE chat_jid = ? AND timestamp > ?
		ORDER BY timestamp`, chatJID, formatTime(after))
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var (
			m  Message
			ts string
		)
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &m.SenderName,
			&m.Text, &m.MessageID, &ts); err != nil {
			return nil, err
		}
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// Cursor returns the processed-message cursor for a chat. The zero
// time means nothing was processed yet.
func (s *SQLite) Cursor(chatJID string) (time.Time, error) {
	var processed string
	err := s.db.QueryRow("SELECT processed FROM cursors WHERE chat_jid = ?", chatJID).Scan(&processed)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("loading cursor for %q: %w", chatJID, err)
	}
	t, _ := time.Parse(time.RFC3339Nano, processed)
	return t, nil
}

// SetCursor records the processed-message cursor for a chat.
func (s *SQLite) SetCursor(chatJID string, t time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO cursors (chat_jid, processed) VALUES (?, ?)
		ON CONFLICT(chat_jid) DO UPDATE SET processed = excluded.processed`,
		chatJID, formatTime(t))
	if err != nil {
		return fmt.Errorf("saving cursor for %q: %w", chatJID, err)
	}
	return nil
}

// ---------- helpers ----------

// timeLayout is fixed width so stored timestamps compare correctly
// as text in SQL. RFC3339Nano drops trailing zeros, which makes a
// fractional-second value sort before a whole-second value within the
// same second ('.' < 'Z').
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
