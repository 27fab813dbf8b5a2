// Package ipc – watcher.go polls the per-group IPC directories for
// envelope files written by running sandboxes and dispatches their
// effects. The source group's identity comes from the directory a
// file was found in — never from a field inside the file — which is
// what keeps one group from acting as another.
package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/channels"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/scheduler"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/store"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/workspace"
)

// SnapshotFilename is the group/task snapshot written into the main
// group's workspace.
const SnapshotFilename = "groups-snapshot.json"

// Watcher polls group IPC directories and processes envelopes.
type Watcher struct {
	layout    workspace.Layout
	store     store.Store
	transport channels.Transport
	mainJID   string
	interval  time.Duration
	logger    *slog.Logger
}

// NewWatcher creates a watcher. mainJID identifies the privileged
// group allowed cross-group administrative requests.
func NewWatcher(layout workspace.Layout, st store.Store, transport channels.Transport, mainJID string, interval time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Watcher{
		layout:    layout,
		store:     st,
		transport: transport,
		mainJID:   mainJID,
		interval:  interval,
		logger:    logger.With("component", "ipc"),
	}
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Pass(ctx)
		}
	}
}

// Pass processes all pending envelope files once. Files within one
// group's directory are handled strictly in filename order, so the
// effects of one batch keep their write order. A failure on one file
// never halts the pass.
func (w *Watcher) Pass(ctx context.Context) {
	groups, err := w.store.AllGroups()
	if err != nil {
		w.logger.Error("ipc: loading groups failed", "error", err)
		return
	}

	for _, g := range groups {
		for _, dirFn := range []func(string) (string, error){w.layout.MessagesDir, w.layout.TasksDir} {
			dir, err := dirFn(g.Folder)
			if err != nil {
				w.logger.Error("ipc: bad group folder", "folder", g.Folder, "error", err)
				continue
			}
			w.processDir(ctx, g, dir)
		}
	}
}

// processDir handles every envelope file in one directory.
func (w *Watcher) processDir(ctx context.Context, source *store.Group, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return // dir may not exist until the group's first run
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := w.processFile(ctx, source, path); err != nil {
			w.quarantine(source, path, err)
			continue
		}
		if err := os.Remove(path); err != nil {
			w.logger.Warn("ipc: removing processed file failed", "file", path, "error", err)
		}
	}
}

// processFile reads, parses, authorizes and dispatches one envelope.
// A returned error quarantines the file; a nil return consumes it —
// including authorization denials, which are logged and discarded,
// never retried.
func (w *Watcher) processFile(ctx context.Context, source *store.Group, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading envelope: %w", err)
	}
	env, err := Parse(data)
	if err != nil {
		return err
	}

	switch e := env.(type) {
	case *OutboundMessage:
		if !w.mayMessage(source, e.ChatJID) {
			w.denied(source, "message", e.ChatJID)
			return nil
		}
		return w.transport.SendMessage(ctx, e.ChatJID, e.Text)

	case *OutboundReaction:
		if !w.mayMessage(source, e.ChatJID) {
			w.denied(source, "reaction", e.ChatJID)
			return nil
		}
		rs, ok := w.transport.(channels.ReactionSender)
		if !ok {
			return fmt.Errorf("transport %s cannot send reactions", w.transport.Name())
		}
		return rs.SendReaction(ctx, e.ChatJID, e.TargetSender, e.TargetID, e.Emoji)

	case *OutboundImage:
		if !w.mayMessage(source, e.ChatJID) {
			w.denied(source, "image", e.ChatJID)
			return nil
		}
		return w.sendImage(ctx, source, e)

	case *ScheduleTask:
		return w.scheduleTask(source, e)

	case *TaskAction:
		return w.taskAction(source, e)

	case *RefreshGroups:
		if !w.isMain(source) {
			w.denied(source, "refresh_groups", "")
			return nil
		}
		return w.refreshGroups(ctx)

	case *RegisterGroup:
		if !w.isMain(source) {
			w.denied(source, "register_group", e.JID)
			return nil
		}
		return w.registerGroup(e)

	default:
		return fmt.Errorf("unhandled envelope variant %T", env)
	}
}

// ---------- authorization ----------

func (w *Watcher) isMain(source *store.Group) bool {
	return source.JID == w.mainJID
}

// mayMessage allows outbound effects from the main group anywhere,
// and from other groups only to chats registered to their own
// workspace folder.
func (w *Watcher) mayMessage(source *store.Group, chatJID string) bool {
	if w.isMain(source) {
		return true
	}
	target, err := w.store.GroupByJID(chatJID)
	if err != nil || target == nil {
		return false
	}
	return target.Folder == source.Folder
}

func (w *Watcher) denied(source *store.Group, kind, target string) {
	w.logger.Warn("ipc: request denied",
		"source", source.Folder, "kind", kind, "target", target)
}

// ---------- dispatch ----------

func (w *Watcher) sendImage(ctx context.Context, source *store.Group, e *OutboundImage) error {
	is, ok := w.transport.(channels.ImageSender)
	if !ok {
		return fmt.Errorf("transport %s cannot send images", w.transport.Name())
	}
	// The declared path is container-relative; map it back through
	// the traversal-safe resolver and confirm the file exists.
	hostPath, err := w.layout.ResolveContainerPath(source.Folder, e.Path)
	if err != nil {
		return fmt.Errorf("resolving image path: %w", err)
	}
	if _, err := os.Stat(hostPath); err != nil {
		return fmt.Errorf("image %s: %w", e.Path, err)
	}
	return is.SendImage(ctx, e.ChatJID, hostPath, e.Caption)
}

func (w *Watcher) scheduleTask(source *store.Group, e *ScheduleTask) error {
	target, err := w.store.GroupByJID(e.GroupJID)
	if err != nil {
		return err
	}
	if target == nil {
		w.denied(source, "schedule_task", e.GroupJID)
		return nil
	}
	if !w.isMain(source) && target.Folder != source.Folder {
		w.denied(source, "schedule_task", e.GroupJID)
		return nil
	}

	sched, err := scheduler.Parse(e.ScheduleType, e.ScheduleValue)
	if err != nil {
		// Invalid schedules never create a task record.
		return err
	}
	next, ok := sched.NextRun(time.Now())
	if !ok {
		return fmt.Errorf("schedule %q %q has no future run", e.ScheduleType, e.ScheduleValue)
	}

	task := &store.Task{
		ID:            uuid.NewString(),
		GroupFolder:   target.Folder,
		ChatJID:       target.JID,
		Prompt:        e.Prompt,
		ScheduleType:  e.ScheduleType,
		ScheduleValue: e.ScheduleValue,
		Status:        store.TaskActive,
		NextRun:       next,
	}
	if err := w.store.CreateTask(task); err != nil {
		return err
	}
	w.logger.Info("ipc: task scheduled",
		"task", task.ID, "group", target.Folder, "next_run", next)
	return nil
}

func (w *Watcher) taskAction(source *store.Group, e *TaskAction) error {
	task, err := w.store.TaskByID(e.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %q not found", e.TaskID)
	}
	if !w.isMain(source) && task.GroupFolder != source.Folder {
		w.denied(source, e.Type, e.TaskID)
		return nil
	}

	switch e.Type {
	case TypePauseTask:
		task.Status = store.TaskPaused
		return w.store.UpdateTask(task)
	case TypeResumeTask:
		task.Status = store.TaskActive
		// Recompute so a long pause doesn't fire a backlog.
		if sched, err := scheduler.Parse(task.ScheduleType, task.ScheduleValue); err == nil {
			if next, ok := sched.NextRun(time.Now()); ok {
				task.NextRun = next
			}
		}
		return w.store.UpdateTask(task)
	case TypeCancelTask:
		return w.store.DeleteTask(e.TaskID)
	}
	return fmt.Errorf("unhandled task action %q", e.Type)
}

// refreshGroups resyncs chat metadata from the transport and rewrites
// the snapshot.
func (w *Watcher) refreshGroups(ctx context.Context) error {
	if lister, ok := w.transport.(channels.GroupLister); ok {
		infos, err := lister.ListGroups(ctx)
		if err != nil {
			return fmt.Errorf("listing groups: %w", err)
		}
		byJID := make(map[string]string, len(infos))
		for _, info := range infos {
			byJID[info.JID] = info.Name
		}
		groups, err := w.store.AllGroups()
		if err != nil {
			return err
		}
		for _, g := range groups {
			if name, ok := byJID[g.JID]; ok && name != "" && name != g.Name {
				g.Name = name
				if err := w.store.SetGroup(g); err != nil {
					return err
				}
			}
		}
	}
	return w.WriteSnapshot()
}

// registerGroup creates a new group record after folder validation.
func (w *Watcher) registerGroup(e *RegisterGroup) error {
	if err := workspace.ValidateName(e.Folder); err != nil {
		return fmt.Errorf("register_group: %w", err)
	}
	if e.JID == "" || e.Name == "" {
		return fmt.Errorf("register_group: jid and name are required")
	}
	if existing, err := w.store.GroupByFolder(e.Folder); err != nil {
		return err
	} else if existing != nil && existing.JID != e.JID {
		return fmt.Errorf("register_group: folder %q already belongs to %s", e.Folder, existing.JID)
	}

	requiresTrigger := true
	if e.RequiresTrigger != nil {
		requiresTrigger = *e.RequiresTrigger
	}
	g := &store.Group{
		JID:             e.JID,
		Name:            e.Name,
		Folder:          e.Folder,
		Trigger:         e.Trigger,
		RequiresTrigger: requiresTrigger,
	}
	if err := w.store.SetGroup(g); err != nil {
		return err
	}
	if err := w.layout.EnsureGroupDirs(e.Folder); err != nil {
		return err
	}
	w.logger.Info("ipc: group registered", "jid", e.JID, "folder", e.Folder)
	return w.WriteSnapshot()
}

// WriteSnapshot rewrites the group/task snapshot into the main
// group's workspace, when the main group is registered.
func (w *Watcher) WriteSnapshot() error {
	main, err := w.store.GroupByJID(w.mainJID)
	if err != nil || main == nil {
		return err
	}
	dir, err := w.layout.WorkspaceDir(main.Folder)
	if err != nil {
		return err
	}
	return store.WriteSnapshot(w.store, filepath.Join(dir, SnapshotFilename))
}

// quarantine moves a failed envelope into the error directory,
// prefixed with the source folder so two groups' files cannot
// collide. Forensic evidence is kept, never silently dropped.
func (w *Watcher) quarantine(source *store.Group, path string, cause error) {
	w.logger.Error("ipc: envelope processing failed",
		"source", source.Folder, "file", filepath.Base(path), "error", cause)

	dst := filepath.Join(w.layout.ErrorDir(), source.Folder+"-"+filepath.Base(path))
	if err := os.MkdirAll(w.layout.ErrorDir(), 0o755); err != nil {
		return
	}
	if err := os.Rename(path, dst); err != nil {
		w.logger.Error("ipc: quarantine move failed", "file", path, "error", err)
	}
}
