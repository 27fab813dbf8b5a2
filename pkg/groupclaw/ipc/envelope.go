// Package ipc implements the file-based control plane between the
// host and each group's sandbox. Sandboxes drop JSON envelope files
// into their group's ipc tree; the watcher picks them up, authorizes
// them against the directory they came from, and dispatches effects.
// Files are written atomically (temp file + rename) and named so an
// ascending sort matches creation order.
package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Envelope type discriminators. The set is closed: unknown values
// are rejected explicitly, never ignored.
const (
	TypeMessage       = "message"
	TypeReaction      = "reaction"
	TypeImage         = "image"
	TypeScheduleTask  = "schedule_task"
	TypePauseTask     = "pause_task"
	TypeResumeTask    = "resume_task"
	TypeCancelTask    = "cancel_task"
	TypeRefreshGroups = "refresh_groups"
	TypeRegisterGroup = "register_group"
)

// OutboundMessage is a sandbox request to send chat text.
type OutboundMessage struct {
	Type    string `json:"type"`
	ChatJID string `json:"chatJid"`
	Text    string `json:"text"`
}

// OutboundReaction is a sandbox request to react to a message.
type OutboundReaction struct {
	Type         string `json:"type"`
	ChatJID      string `json:"chatJid"`
	Emoji        string `json:"emoji"`
	TargetID     string `json:"targetId"`
	TargetSender string `json:"targetSender"`
}

// OutboundImage is a sandbox request to send a file it produced. The
// path is container-relative and mapped back to a host path through
// the workspace layout, never taken literally.
type OutboundImage struct {
	Type    string `json:"type"`
	ChatJID string `json:"chatJid"`
	Path    string `json:"path"`
	Caption string `json:"caption,omitempty"`
}

// ScheduleTask is a sandbox request to create a scheduled task.
type ScheduleTask struct {
	Type          string `json:"type"`
	GroupJID      string `json:"groupJid"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"scheduleType"`
	ScheduleValue string `json:"scheduleValue"`
}

// TaskAction is a pause/resume/cancel request for an existing task.
type TaskAction struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId"`
}

// RefreshGroups asks the host to resync chat metadata and rewrite the
// group snapshot. Main group only.
type RefreshGroups struct {
	Type string `json:"type"`
}

// RegisterGroup asks the host to register a new group. Main group
// only; the folder must pass workspace validation first.
type RegisterGroup struct {
	Type            string `json:"type"`
	JID             string `json:"jid"`
	Name            string `json:"name"`
	Folder          string `json:"folder"`
	Trigger         string `json:"trigger,omitempty"`
	RequiresTrigger *bool  `json:"requiresTrigger,omitempty"`
}

// Parse decodes one envelope file into its concrete variant.
func Parse(data []byte) (any, error) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}

	decode := func(v any) (any, error) {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("parsing %s envelope: %w", header.Type, err)
		}
		return v, nil
	}

	switch header.Type {
	case TypeMessage:
		return decode(&OutboundMessage{})
	case TypeReaction:
		return decode(&OutboundReaction{})
	case TypeImage:
		return decode(&OutboundImage{})
	case TypeScheduleTask:
		return decode(&ScheduleTask{})
	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		return decode(&TaskAction{})
	case TypeRefreshGroups:
		return decode(&RefreshGroups{})
	case TypeRegisterGroup:
		return decode(&RegisterGroup{})
	case "":
		return nil, fmt.Errorf("envelope has no type field")
	default:
		return nil, fmt.Errorf("unknown envelope type %q", header.Type)
	}
}

// InputMessage is a host→sandbox follow-up message, written into the
// group's input directory while its sandbox is running.
type InputMessage struct {
	Text        string    `json:"text"`
	Sender      string    `json:"sender,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// CloseSentinel is the input-directory filename that tells a running
// sandbox to wind down instead of waiting out its idle timer.
const CloseSentinel = "_close"

// WriteInput atomically writes one input message into dir. Filenames
// embed a nanosecond timestamp so lexicographic order is arrival
// order.
func WriteInput(dir string, msg InputMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	name := fmt.Sprintf("%020d-%s.json", msg.Timestamp.UnixNano(), uuid.NewString()[:8])
	return WriteFile(dir, name, msg)
}

// WriteClose drops the close sentinel into an input directory.
func WriteClose(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, CloseSentinel), nil, 0o644)
}

// WriteEnvelope atomically writes an envelope value into dir with a
// creation-ordered filename. Used by the sandbox side of the
// protocol and by tests.
func WriteEnvelope(dir string, v any) error {
	name := fmt.Sprintf("%020d-%s.json", time.Now().UnixNano(), uuid.NewString()[:8])
	return WriteFile(dir, name, v)
}

// WriteFile marshals v and writes it to dir/name via a temp file and
// rename, so a concurrent reader never sees a partial file.
func WriteFile(dir, name string, v any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}
