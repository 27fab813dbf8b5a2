// Package store persists registered groups, scheduled tasks, chat
// messages and per-group processed-message cursors. The interfaces
// are small on purpose: the scheduler and watcher only see the
// capability they need, and the SQLite backend can be swapped
// without touching them.
package store

import (
	"time"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/mounts"
)

// Group is a registered chat group. Created by an authorized
// register_group request; never deleted by the orchestrator core.
type Group struct {
	// JID is the stable chat address.
	JID string `json:"jid"`

	// Name is the display name.
	Name string `json:"name"`

	// Folder is the filesystem-safe workspace folder name.
	Folder string `json:"folder"`

	// Trigger is a regular expression; when it matches a message the
	// group activates even without being addressed directly.
	Trigger string `json:"trigger,omitempty"`

	// RequiresTrigger disables activation on unaddressed messages.
	RequiresTrigger bool `json:"requiresTrigger"`

	// SessionID is the agent session to resume on the next run.
	SessionID string `json:"sessionId,omitempty"`

	// ExtraMounts are per-group mount requests, each gated before use.
	ExtraMounts []mounts.Request `json:"extraMounts,omitempty"`

	RegisteredAt time.Time `json:"registeredAt"`
}

// Task statuses.
const (
	TaskActive = "active"
	TaskPaused = "paused"
)

// Schedule types.
const (
	ScheduleCron  = "cron"
	ScheduleEvery = "every"
	ScheduleAt    = "at"
)

// Task is one scheduled agent run.
type Task struct {
	ID            string     `json:"id"`
	GroupFolder   string     `json:"groupFolder"`
	ChatJID       string     `json:"chatJid"`
	Prompt        string     `json:"prompt"`
	ScheduleType  string     `json:"scheduleType"`
	ScheduleValue string     `json:"scheduleValue"`
	Status        string     `json:"status"`
	NextRun       time.Time  `json:"nextRun"`
	LastRun       *time.Time `json:"lastRun,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Message is one inbound chat message awaiting (or past) processing.
type Message struct {
	ID         int64     `json:"id"`
	ChatJID    string    `json:"chatJid"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"senderName,omitempty"`
	Text       string    `json:"text"`
	MessageID  string    `json:"messageId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// GroupStore is the registered-group capability set.
type GroupStore interface {
	SetGroup(g *Group) error
	GroupByJID(jid string) (*Group, error)
	GroupByFolder(folder string) (*Group, error)
	AllGroups() ([]*Group, error)
	SetSessionID(jid, sessionID string) error
}

// TaskStore is the durable task capability set.
type TaskStore interface {
	CreateTask(t *Task) error
	UpdateTask(t *Task) error
	DeleteTask(id string) error
	TaskByID(id string) (*Task, error)
	AllTasks() ([]*Task, error)
	DueTasks(now time.Time) ([]*Task, error)
}

// MessageStore holds inbound messages and the per-group
// processed-message cursor. The cursor advances monotonically on
// successful runs and rolls back when a run fails without output.
type MessageStore interface {
	SaveMessage(m *Message) error
	MessagesSince(chatJID string, after time.Time) ([]*Message, error)
	Cursor(chatJID string) (time.Time, error)
	SetCursor(chatJID string, t time.Time) error
}

// Store is the full persistence surface.
type Store interface {
	GroupStore
	TaskStore
	MessageStore
	Close() error
}
