package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/channels"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/queue"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/sandbox"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/store"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/workspace"
)

const testJID = "123@g.us"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRunner scripts sandbox runs without a container runtime.
type fakeRunner struct {
	mu      sync.Mutex
	inputs  []sandbox.Input
	results []sandbox.Result // streamed through hooks per run
	err     error
}

func (f *fakeRunner) Run(_ context.Context, _ sandbox.GroupSpec, input sandbox.Input, hooks sandbox.Hooks) (*sandbox.Outcome, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	results := f.results
	err := f.err
	f.mu.Unlock()

	outcome := &sandbox.Outcome{}
	for _, res := range results {
		outcome.Results++
		if res.SessionID != "" {
			outcome.SessionID = res.SessionID
		}
		if hooks.OnResult != nil {
			hooks.OnResult(res)
		}
	}
	return outcome, err
}

func (f *fakeRunner) lastInput(t *testing.T) sandbox.Input {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inputs) == 0 {
		t.Fatal("no sandbox run happened")
	}
	return f.inputs[len(f.inputs)-1]
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []string // "chat|text"
}

func (f *fakeTransport) Name() string                               { return "fake" }
func (f *fakeTransport) Connect(context.Context) error              { return nil }
func (f *fakeTransport) Disconnect() error                          { return nil }
func (f *fakeTransport) Connected() bool                            { return true }
func (f *fakeTransport) Messages() <-chan *channels.IncomingMessage { return nil }

func (f *fakeTransport) SendMessage(_ context.Context, chat, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chat+"|"+text)
	return nil
}

func (f *fakeTransport) sentTo(chat string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if strings.HasPrefix(s, chat+"|") {
			out = append(out, strings.TrimPrefix(s, chat+"|"))
		}
	}
	return out
}

// fakeQueue records intake decisions.
type fakeQueue struct {
	mu         sync.Mutex
	enqueued   []string
	sent       []string
	idle       []string
	liveActive bool // SendMessage return value
}

func (f *fakeQueue) EnqueueMessageCheck(jid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, jid)
}

func (f *fakeQueue) SendMessage(jid, text string, _ []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.liveActive {
		return false
	}
	f.sent = append(f.sent, jid+"|"+text)
	return true
}

func (f *fakeQueue) NotifyIdle(jid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idle = append(f.idle, jid)
}

type fixture struct {
	orch      *Orchestrator
	store     *store.SQLite
	runner    *fakeRunner
	transport *fakeTransport
	queue     *fakeQueue
}

func newFixture(t *testing.T, group *store.Group) *fixture {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if group != nil {
		if err := st.SetGroup(group); err != nil {
			t.Fatal(err)
		}
	}

	runner := &fakeRunner{}
	transport := &fakeTransport{}
	q := &fakeQueue{}
	layout := workspace.Layout{StateDir: t.TempDir()}

	orch := New(Config{MainJID: "main@s.whatsapp.net"}, st, runner, transport, layout, testLogger())
	orch.Bind(q)
	return &fixture{orch: orch, store: st, runner: runner, transport: transport, queue: q}
}

func saveMessages(t *testing.T, st *store.SQLite, texts ...string) time.Time {
	t.Helper()
	base := time.Now().Add(-time.Minute)
	var last time.Time
	for i, text := range texts {
		last = base.Add(time.Duration(i) * time.Second)
		if err := st.SaveMessage(&store.Message{
			ChatJID: testJID, Sender: "u1", SenderName: "Ana", Text: text, Timestamp: last,
		}); err != nil {
			t.Fatal(err)
		}
	}
	return last
}

func TestHandleIncoming(t *testing.T) {
	incoming := func(text string) *channels.IncomingMessage {
		return &channels.IncomingMessage{ChatJID: testJID, Sender: "u1", SenderName: "Ana", Text: text, Timestamp: time.Now()}
	}

	t.Run("unregistered chat is dropped", func(t *testing.T) {
		fx := newFixture(t, nil)
		fx.orch.HandleIncoming(context.Background(), incoming("@claw hi"))
		if len(fx.queue.enqueued) != 0 {
			t.Error("unregistered chat must not enqueue")
		}
	})

	t.Run("untriggered message is saved but not enqueued", func(t *testing.T) {
		fx := newFixture(t, &store.Group{JID: testJID, Name: "G", Folder: "g", RequiresTrigger: true})
		fx.orch.HandleIncoming(context.Background(), incoming("just chatting"))

		if len(fx.queue.enqueued) != 0 {
			t.Error("untriggered message must not enqueue")
		}
		msgs, _ := fx.store.MessagesSince(testJID, time.Time{})
		if len(msgs) != 1 {
			t.Errorf("message not saved for context: %d", len(msgs))
		}
	})

	t.Run("default trigger enqueues a run", func(t *testing.T) {
		fx := newFixture(t, &store.Group{JID: testJID, Name: "G", Folder: "g", RequiresTrigger: true})
		fx.orch.HandleIncoming(context.Background(), incoming("@claw what's the weather"))

		if len(fx.queue.enqueued) != 1 || fx.queue.enqueued[0] != testJID {
			t.Errorf("enqueued = %v", fx.queue.enqueued)
		}
	})

	t.Run("custom trigger pattern", func(t *testing.T) {
		fx := newFixture(t, &store.Group{JID: testJID, Name: "G", Folder: "g", RequiresTrigger: true, Trigger: `(?i)\bjarvis\b`})
		fx.orch.HandleIncoming(context.Background(), incoming("hey Jarvis, ping"))
		fx.orch.HandleIncoming(context.Background(), incoming("@claw ignored here"))

		if len(fx.queue.enqueued) != 1 {
			t.Errorf("enqueued = %v, want only the jarvis message", fx.queue.enqueued)
		}
	})

	t.Run("trigger-free group activates on everything", func(t *testing.T) {
		fx := newFixture(t, &store.Group{JID: testJID, Name: "G", Folder: "g", RequiresTrigger: false})
		fx.orch.HandleIncoming(context.Background(), incoming("anything"))
		if len(fx.queue.enqueued) != 1 {
			t.Errorf("enqueued = %v", fx.queue.enqueued)
		}
	})

	t.Run("live sandbox takes the message directly", func(t *testing.T) {
		fx := newFixture(t, &store.Group{JID: testJID, Name: "G", Folder: "g", RequiresTrigger: false})
		fx.queue.liveActive = true
		fx.orch.HandleIncoming(context.Background(), incoming("follow-up"))

		if len(fx.queue.sent) != 1 || !strings.Contains(fx.queue.sent[0], "Ana: follow-up") {
			t.Errorf("sent = %v", fx.queue.sent)
		}
		if len(fx.queue.enqueued) != 0 {
			t.Error("live delivery must not also enqueue")
		}
	})
}

func TestRunMessages(t *testing.T) {
	group := &store.Group{JID: testJID, Name: "G", Folder: "g"}

	t.Run("empty batch runs nothing", func(t *testing.T) {
		fx := newFixture(t, group)
		if err := fx.orch.RunMessages(context.Background(), testJID, queue.RunHooks{}); err != nil {
			t.Fatal(err)
		}
		if len(fx.runner.inputs) != 0 {
			t.Error("no messages means no sandbox run")
		}
	})

	t.Run("batch reaches the prompt and cursor advances", func(t *testing.T) {
		fx := newFixture(t, group)
		last := saveMessages(t, fx.store, "first", "second")
		fx.runner.results = []sandbox.Result{
			{Status: sandbox.StatusSuccess, Result: "done", SessionID: "sess-1"},
		}

		if err := fx.orch.RunMessages(context.Background(), testJID, queue.RunHooks{}); err != nil {
			t.Fatal(err)
		}

		input := fx.runner.lastInput(t)
		if !strings.Contains(input.Prompt, "Ana: first") || !strings.Contains(input.Prompt, "Ana: second") {
			t.Errorf("prompt = %q", input.Prompt)
		}
		if input.IsTask {
			t.Error("message run flagged as task")
		}

		if got := fx.transport.sentTo(testJID); len(got) != 1 || got[0] != "done" {
			t.Errorf("chat output = %v", got)
		}
		cur, _ := fx.store.Cursor(testJID)
		if !cur.Equal(last) {
			t.Errorf("cursor = %v, want %v", cur, last)
		}
		g, _ := fx.store.GroupByJID(testJID)
		if g.SessionID != "sess-1" {
			t.Errorf("session = %q", g.SessionID)
		}
	})

	t.Run("session resumes on the next run", func(t *testing.T) {
		fx := newFixture(t, &store.Group{JID: testJID, Name: "G", Folder: "g", SessionID: "prev"})
		saveMessages(t, fx.store, "hi")
		fx.runner.results = []sandbox.Result{{Status: sandbox.StatusSuccess, Result: "ok"}}

		if err := fx.orch.RunMessages(context.Background(), testJID, queue.RunHooks{}); err != nil {
			t.Fatal(err)
		}
		if fx.runner.lastInput(t).SessionID != "prev" {
			t.Errorf("session id not passed through")
		}
	})

	t.Run("zero-output failure rolls back and apologizes", func(t *testing.T) {
		fx := newFixture(t, group)
		saveMessages(t, fx.store, "hello")
		fx.runner.err = errors.New("sandbox exited with no output")

		err := fx.orch.RunMessages(context.Background(), testJID, queue.RunHooks{})
		if err == nil {
			t.Fatal("expected error")
		}

		cur, _ := fx.store.Cursor(testJID)
		if !cur.IsZero() {
			t.Errorf("cursor = %v, want rollback to zero", cur)
		}
		if got := fx.transport.sentTo(testJID); len(got) != 1 || got[0] != apology {
			t.Errorf("chat output = %v, want apology", got)
		}
	})

	t.Run("partial output keeps the cursor", func(t *testing.T) {
		fx := newFixture(t, group)
		last := saveMessages(t, fx.store, "hello")
		fx.runner.results = []sandbox.Result{{Status: sandbox.StatusSuccess, Result: "partial"}}
		// Timed-out runs with streamed output resolve without error.

		if err := fx.orch.RunMessages(context.Background(), testJID, queue.RunHooks{}); err != nil {
			t.Fatal(err)
		}
		cur, _ := fx.store.Cursor(testJID)
		if !cur.Equal(last) {
			t.Errorf("cursor = %v, want %v", cur, last)
		}
	})

	t.Run("idle result notifies the queue", func(t *testing.T) {
		fx := newFixture(t, group)
		saveMessages(t, fx.store, "hello")
		fx.runner.results = []sandbox.Result{
			{Status: sandbox.StatusSuccess, Result: "done"},
			{Status: sandbox.StatusIdle, SessionID: "sess-2"},
		}

		if err := fx.orch.RunMessages(context.Background(), testJID, queue.RunHooks{}); err != nil {
			t.Fatal(err)
		}
		if len(fx.queue.idle) != 1 || fx.queue.idle[0] != testJID {
			t.Errorf("idle notifications = %v", fx.queue.idle)
		}
		// Idle payloads carry sessions but no chat output.
		if got := fx.transport.sentTo(testJID); len(got) != 1 {
			t.Errorf("chat output = %v", got)
		}
	})
}

func TestRunTask(t *testing.T) {
	group := &store.Group{JID: testJID, Name: "G", Folder: "g", SessionID: "sess"}
	task := &store.Task{ID: "t-1", GroupFolder: "g", ChatJID: testJID, Prompt: "daily summary"}

	t.Run("task prompt and output", func(t *testing.T) {
		fx := newFixture(t, group)
		fx.runner.results = []sandbox.Result{{Status: sandbox.StatusSuccess, Result: "the summary"}}

		if err := fx.orch.RunTask(context.Background(), task); err != nil {
			t.Fatal(err)
		}
		input := fx.runner.lastInput(t)
		if input.Prompt != "daily summary" || !input.IsTask || input.SessionID != "sess" {
			t.Errorf("input = %+v", input)
		}
		if got := fx.transport.sentTo(testJID); len(got) != 1 || got[0] != "the summary" {
			t.Errorf("chat output = %v", got)
		}
	})

	t.Run("unknown folder fails", func(t *testing.T) {
		fx := newFixture(t, group)
		bad := &store.Task{ID: "t-2", GroupFolder: "nope", ChatJID: testJID, Prompt: "p"}
		if err := fx.orch.RunTask(context.Background(), bad); err == nil {
			t.Error("expected error for unregistered folder")
		}
	})

	t.Run("task failure propagates without apology", func(t *testing.T) {
		fx := newFixture(t, group)
		fx.runner.err = errors.New("boom")
		if err := fx.orch.RunTask(context.Background(), task); err == nil {
			t.Fatal("expected error")
		}
		if got := fx.transport.sentTo(testJID); len(got) != 0 {
			t.Errorf("chat output = %v, task failures stay out of chat", got)
		}
	})
}
