package ipc

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/channels"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/store"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTransport records outbound effects.
type fakeTransport struct {
	mu        sync.Mutex
	messages  []string // "chat|text"
	reactions []string // "chat|emoji"
	images    []string // "chat|hostPath"
	groups    []channels.GroupInfo
}

func (f *fakeTransport) Name() string                      { return "fake" }
func (f *fakeTransport) Connect(context.Context) error     { return nil }
func (f *fakeTransport) Disconnect() error                 { return nil }
func (f *fakeTransport) Connected() bool                   { return true }
func (f *fakeTransport) Messages() <-chan *channels.IncomingMessage { return nil }

func (f *fakeTransport) SendMessage(_ context.Context, chat, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, chat+"|"+text)
	return nil
}

func (f *fakeTransport) SendReaction(_ context.Context, chat, _, _, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, chat+"|"+emoji)
	return nil
}

func (f *fakeTransport) SendImage(_ context.Context, chat, hostPath, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, chat+"|"+hostPath)
	return nil
}

func (f *fakeTransport) ListGroups(context.Context) ([]channels.GroupInfo, error) {
	return f.groups, nil
}

const (
	mainJID   = "main@s.whatsapp.net"
	familyJID = "111@g.us"
	otherJID  = "222@g.us"
)

type watcherFixture struct {
	layout    workspace.Layout
	store     *store.SQLite
	transport *fakeTransport
	watcher   *Watcher
}

func newFixture(t *testing.T) *watcherFixture {
	t.Helper()
	layout := workspace.Layout{StateDir: t.TempDir()}
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	for _, g := range []*store.Group{
		{JID: mainJID, Name: "Main", Folder: "main"},
		{JID: familyJID, Name: "Family", Folder: "family"},
		{JID: otherJID, Name: "Other", Folder: "other"},
	} {
		if err := st.SetGroup(g); err != nil {
			t.Fatal(err)
		}
		if err := layout.EnsureGroupDirs(g.Folder); err != nil {
			t.Fatal(err)
		}
	}

	transport := &fakeTransport{}
	return &watcherFixture{
		layout:    layout,
		store:     st,
		transport: transport,
		watcher:   NewWatcher(layout, st, transport, mainJID, time.Second, testLogger()),
	}
}

// drop writes an envelope into a group's messages or tasks dir.
func (fx *watcherFixture) drop(t *testing.T, folder string, taskDir bool, v any) {
	t.Helper()
	dirFn := fx.layout.MessagesDir
	if taskDir {
		dirFn = fx.layout.TasksDir
	}
	dir, err := dirFn(folder)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteEnvelope(dir, v); err != nil {
		t.Fatal(err)
	}
}

func (fx *watcherFixture) pendingFiles(t *testing.T, folder string) int {
	t.Helper()
	n := 0
	for _, dirFn := range []func(string) (string, error){fx.layout.MessagesDir, fx.layout.TasksDir} {
		dir, _ := dirFn(folder)
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
				n++
			}
		}
	}
	return n
}

func (fx *watcherFixture) errorFiles(t *testing.T) []string {
	t.Helper()
	entries, _ := os.ReadDir(fx.layout.ErrorDir())
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestWatcherOutboundMessageAuthorization(t *testing.T) {
	t.Run("group may message its own chat", func(t *testing.T) {
		fx := newFixture(t)
		fx.drop(t, "family", false, &OutboundMessage{Type: TypeMessage, ChatJID: familyJID, Text: "hi"})
		fx.watcher.Pass(context.Background())

		if len(fx.transport.messages) != 1 || fx.transport.messages[0] != familyJID+"|hi" {
			t.Errorf("messages = %v", fx.transport.messages)
		}
		if fx.pendingFiles(t, "family") != 0 {
			t.Error("processed file not deleted")
		}
	})

	t.Run("group may not message another group's chat", func(t *testing.T) {
		fx := newFixture(t)
		fx.drop(t, "family", false, &OutboundMessage{Type: TypeMessage, ChatJID: otherJID, Text: "sneaky"})
		fx.watcher.Pass(context.Background())

		if len(fx.transport.messages) != 0 {
			t.Errorf("cross-group message was delivered: %v", fx.transport.messages)
		}
		// Denials are consumed, not quarantined or retried.
		if fx.pendingFiles(t, "family") != 0 {
			t.Error("denied file should still be consumed")
		}
		if len(fx.errorFiles(t)) != 0 {
			t.Error("denied file should not be quarantined")
		}
	})

	t.Run("main group may message anyone", func(t *testing.T) {
		fx := newFixture(t)
		fx.drop(t, "main", false, &OutboundMessage{Type: TypeMessage, ChatJID: otherJID, Text: "admin"})
		fx.watcher.Pass(context.Background())

		if len(fx.transport.messages) != 1 {
			t.Errorf("messages = %v", fx.transport.messages)
		}
	})

	t.Run("reaction uses the same rule", func(t *testing.T) {
		fx := newFixture(t)
		fx.drop(t, "family", false, &OutboundReaction{Type: TypeReaction, ChatJID: familyJID, Emoji: "👍", TargetID: "m1", TargetSender: "u1"})
		fx.drop(t, "family", false, &OutboundReaction{Type: TypeReaction, ChatJID: otherJID, Emoji: "👍", TargetID: "m2", TargetSender: "u1"})
		fx.watcher.Pass(context.Background())

		if len(fx.transport.reactions) != 1 || fx.transport.reactions[0] != familyJID+"|👍" {
			t.Errorf("reactions = %v", fx.transport.reactions)
		}
	})
}

func TestWatcherOutboundImage(t *testing.T) {
	t.Run("container path resolved and sent", func(t *testing.T) {
		fx := newFixture(t)
		wsDir, _ := fx.layout.WorkspaceDir("family")
		if err := os.WriteFile(filepath.Join(wsDir, "chart.png"), []byte("png"), 0o644); err != nil {
			t.Fatal(err)
		}
		fx.drop(t, "family", false, &OutboundImage{Type: TypeImage, ChatJID: familyJID, Path: "/workspace/chart.png"})
		fx.watcher.Pass(context.Background())

		if len(fx.transport.images) != 1 {
			t.Fatalf("images = %v", fx.transport.images)
		}
		if !strings.HasSuffix(fx.transport.images[0], filepath.Join("family", "workspace", "chart.png")) {
			t.Errorf("unexpected host path: %v", fx.transport.images[0])
		}
	})

	t.Run("missing file is quarantined", func(t *testing.T) {
		fx := newFixture(t)
		fx.drop(t, "family", false, &OutboundImage{Type: TypeImage, ChatJID: familyJID, Path: "/workspace/missing.png"})
		fx.watcher.Pass(context.Background())

		if len(fx.transport.images) != 0 {
			t.Error("missing image should not send")
		}
		errs := fx.errorFiles(t)
		if len(errs) != 1 || !strings.HasPrefix(errs[0], "family-") {
			t.Errorf("error files = %v, want one prefixed with source folder", errs)
		}
	})

	t.Run("path outside mounts is quarantined", func(t *testing.T) {
		fx := newFixture(t)
		fx.drop(t, "family", false, &OutboundImage{Type: TypeImage, ChatJID: familyJID, Path: "/etc/passwd"})
		fx.watcher.Pass(context.Background())

		if len(fx.transport.images) != 0 {
			t.Error("out-of-mount image path must not send")
		}
	})
}

func TestWatcherScheduleTask(t *testing.T) {
	t.Run("cross-group schedule from non-main is rejected", func(t *testing.T) {
		fx := newFixture(t)
		fx.drop(t, "family", true, &ScheduleTask{
			Type: TypeScheduleTask, GroupJID: otherJID, Prompt: "p",
			ScheduleType: store.ScheduleCron, ScheduleValue: "0 9 * * *",
		})
		fx.watcher.Pass(context.Background())

		tasks, _ := fx.store.AllTasks()
		if len(tasks) != 0 {
			t.Fatalf("cross-group schedule created a task: %+v", tasks)
		}
	})

	t.Run("own-group schedule succeeds per variant", func(t *testing.T) {
		fx := newFixture(t)
		atValue := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)
		variants := []struct {
			schedType, schedValue string
		}{
			{store.ScheduleCron, "0 9 * * *"},
			{store.ScheduleEvery, "60000"},
			{store.ScheduleAt, atValue},
		}
		for _, v := range variants {
			fx.drop(t, "family", true, &ScheduleTask{
				Type: TypeScheduleTask, GroupJID: familyJID, Prompt: "p",
				ScheduleType: v.schedType, ScheduleValue: v.schedValue,
			})
		}
		fx.watcher.Pass(context.Background())

		tasks, _ := fx.store.AllTasks()
		if len(tasks) != 3 {
			t.Fatalf("expected 3 tasks, got %d", len(tasks))
		}
		now := time.Now()
		for _, task := range tasks {
			if task.GroupFolder != "family" {
				t.Errorf("task folder = %q", task.GroupFolder)
			}
			if !task.NextRun.After(now.Add(-time.Minute)) {
				t.Errorf("task %s next run %v not in the future", task.ScheduleType, task.NextRun)
			}
		}
	})

	t.Run("invalid schedule creates no record", func(t *testing.T) {
		fx := newFixture(t)
		fx.drop(t, "family", true, &ScheduleTask{
			Type: TypeScheduleTask, GroupJID: familyJID, Prompt: "p",
			ScheduleType: store.ScheduleCron, ScheduleValue: "not cron",
		})
		fx.watcher.Pass(context.Background())

		tasks, _ := fx.store.AllTasks()
		if len(tasks) != 0 {
			t.Fatalf("invalid schedule created a task: %+v", tasks)
		}
		if len(fx.errorFiles(t)) != 1 {
			t.Error("invalid schedule file should be quarantined")
		}
	})

	t.Run("main may schedule for any group", func(t *testing.T) {
		fx := newFixture(t)
		fx.drop(t, "main", true, &ScheduleTask{
			Type: TypeScheduleTask, GroupJID: otherJID, Prompt: "p",
			ScheduleType: store.ScheduleEvery, ScheduleValue: "30000",
		})
		fx.watcher.Pass(context.Background())

		tasks, _ := fx.store.AllTasks()
		if len(tasks) != 1 || tasks[0].GroupFolder != "other" {
			t.Fatalf("tasks = %+v", tasks)
		}
	})
}

func TestWatcherTaskActions(t *testing.T) {
	fx := newFixture(t)
	task := &store.Task{
		ID: "t-1", GroupFolder: "family", ChatJID: familyJID, Prompt: "p",
		ScheduleType: store.ScheduleEvery, ScheduleValue: "60000",
		Status: store.TaskActive, NextRun: time.Now().Add(time.Minute),
	}
	if err := fx.store.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	t.Run("foreign group cannot pause", func(t *testing.T) {
		fx.drop(t, "other", true, &TaskAction{Type: TypePauseTask, TaskID: "t-1"})
		fx.watcher.Pass(context.Background())
		got, _ := fx.store.TaskByID("t-1")
		if got.Status != store.TaskActive {
			t.Error("foreign pause must be denied")
		}
	})

	t.Run("owner pauses and resumes", func(t *testing.T) {
		fx.drop(t, "family", true, &TaskAction{Type: TypePauseTask, TaskID: "t-1"})
		fx.watcher.Pass(context.Background())
		got, _ := fx.store.TaskByID("t-1")
		if got.Status != store.TaskPaused {
			t.Fatalf("status = %q, want paused", got.Status)
		}

		fx.drop(t, "family", true, &TaskAction{Type: TypeResumeTask, TaskID: "t-1"})
		fx.watcher.Pass(context.Background())
		got, _ = fx.store.TaskByID("t-1")
		if got.Status != store.TaskActive {
			t.Fatalf("status = %q, want active", got.Status)
		}
	})

	t.Run("main cancels any task", func(t *testing.T) {
		fx.drop(t, "main", true, &TaskAction{Type: TypeCancelTask, TaskID: "t-1"})
		fx.watcher.Pass(context.Background())
		got, _ := fx.store.TaskByID("t-1")
		if got != nil {
			t.Error("main cancel should delete the task")
		}
	})
}

func TestWatcherRegisterGroup(t *testing.T) {
	t.Run("non-main is denied", func(t *testing.T) {
		fx := newFixture(t)
		fx.drop(t, "family", true, &RegisterGroup{Type: TypeRegisterGroup, JID: "333@g.us", Name: "New", Folder: "new-group"})
		fx.watcher.Pass(context.Background())

		g, _ := fx.store.GroupByJID("333@g.us")
		if g != nil {
			t.Error("non-main registration must be denied")
		}
	})

	t.Run("main registers a group and its dirs", func(t *testing.T) {
		fx := newFixture(t)
		fx.drop(t, "main", true, &RegisterGroup{Type: TypeRegisterGroup, JID: "333@g.us", Name: "New", Folder: "new-group"})
		fx.watcher.Pass(context.Background())

		g, _ := fx.store.GroupByJID("333@g.us")
		if g == nil || g.Folder != "new-group" {
			t.Fatalf("group = %+v", g)
		}
		ws, _ := fx.layout.WorkspaceDir("new-group")
		if _, err := os.Stat(ws); err != nil {
			t.Error("workspace dirs not created")
		}
		// Snapshot lands in the main group's workspace.
		mainWS, _ := fx.layout.WorkspaceDir("main")
		if _, err := os.Stat(filepath.Join(mainWS, SnapshotFilename)); err != nil {
			t.Error("snapshot not written")
		}
	})

	t.Run("invalid folder is rejected", func(t *testing.T) {
		fx := newFixture(t)
		fx.drop(t, "main", true, &RegisterGroup{Type: TypeRegisterGroup, JID: "444@g.us", Name: "Bad", Folder: "../escape"})
		fx.watcher.Pass(context.Background())

		g, _ := fx.store.GroupByJID("444@g.us")
		if g != nil {
			t.Error("traversal folder must be rejected")
		}
		if len(fx.errorFiles(t)) != 1 {
			t.Error("rejected registration should be quarantined")
		}
	})
}

func TestWatcherUnknownTypeQuarantined(t *testing.T) {
	fx := newFixture(t)
	dir, _ := fx.layout.MessagesDir("family")
	if err := WriteFile(dir, "000-bad.json", map[string]string{"type": "mystery"}); err != nil {
		t.Fatal(err)
	}
	fx.watcher.Pass(context.Background())

	errs := fx.errorFiles(t)
	if len(errs) != 1 || !strings.HasPrefix(errs[0], "family-") {
		t.Fatalf("error files = %v", errs)
	}
	if fx.pendingFiles(t, "family") != 0 {
		t.Error("bad file left pending")
	}
}

func TestWatcherRefreshGroups(t *testing.T) {
	fx := newFixture(t)
	fx.transport.groups = []channels.GroupInfo{{JID: familyJID, Name: "Family Renamed"}}

	fx.drop(t, "main", true, &RefreshGroups{Type: TypeRefreshGroups})
	fx.watcher.Pass(context.Background())

	g, _ := fx.store.GroupByJID(familyJID)
	if g.Name != "Family Renamed" {
		t.Errorf("name = %q, want resynced name", g.Name)
	}
	mainWS, _ := fx.layout.WorkspaceDir("main")
	if _, err := os.Stat(filepath.Join(mainWS, SnapshotFilename)); err != nil {
		t.Error("snapshot not rewritten")
	}
}
