// Package orchestrator connects the pieces: inbound chat messages are
// persisted and trigger-matched, message batches and scheduled tasks
// become sandbox runs, and streamed results flow back out to the chat
// transport. It implements the runner interfaces the queue and the
// task pump consume.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/channels"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/queue"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/sandbox"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/store"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/workspace"
)

// Config tunes message intake.
type Config struct {
	// MainJID is the chat address of the privileged main group.
	MainJID string `yaml:"main_jid"`

	// DefaultTrigger is the activation pattern for groups that require
	// one but declare none of their own.
	DefaultTrigger string `yaml:"default_trigger"`
}

// DefaultConfig returns intake defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTrigger: `(?i)@claw\b`,
	}
}

// apology is sent when a run produced nothing at all; the queue
// retries the batch with backoff afterwards.
const apology = "Sorry, something went wrong on my side. I'll try again shortly."

// SandboxRunner runs one agent container to completion.
type SandboxRunner interface {
	Run(ctx context.Context, group sandbox.GroupSpec, input sandbox.Input, hooks sandbox.Hooks) (*sandbox.Outcome, error)
}

// Queue is the slice of the group queue the orchestrator drives.
type Queue interface {
	EnqueueMessageCheck(groupJID string)
	SendMessage(groupJID, text string, attachments []string) bool
	NotifyIdle(groupJID string)
}

// Orchestrator wires intake, runs and result delivery together.
type Orchestrator struct {
	cfg       Config
	store     store.Store
	runner    SandboxRunner
	transport channels.Transport
	layout    workspace.Layout
	logger    *slog.Logger

	// set by Bind after the queue is constructed; the queue needs the
	// orchestrator as its MessageRunner, so the two meet after both
	// exist.
	queue Queue

	mu       sync.Mutex
	triggers map[string]*regexp.Regexp
}

// New creates an orchestrator. Call Bind before delivering messages.
func New(cfg Config, st store.Store, runner SandboxRunner, transport channels.Transport, layout workspace.Layout, logger *slog.Logger) *Orchestrator {
	if cfg.DefaultTrigger == "" {
		cfg.DefaultTrigger = DefaultConfig().DefaultTrigger
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		runner:    runner,
		transport: transport,
		layout:    layout,
		logger:    logger.With("component", "orchestrator"),
		triggers:  make(map[string]*regexp.Regexp),
	}
}

// Bind attaches the group queue.
func (o *Orchestrator) Bind(q Queue) { o.queue = q }

// ---------- intake ----------

// HandleIncoming persists one inbound message and, when it activates
// the group, either pipes it into the live sandbox or enqueues a
// fresh run. Messages from unregistered chats are dropped.
func (o *Orchestrator) HandleIncoming(ctx context.Context, msg *channels.IncomingMessage) {
	group, err := o.store.GroupByJID(msg.ChatJID)
	if err != nil {
		o.logger.Error("orchestrator: group lookup failed", "chat", msg.ChatJID, "error", err)
		return
	}
	if group == nil {
		return
	}

	text := msg.Text
	var containerPaths []string
	if msg.Media != nil {
		if path, err := o.stageMedia(ctx, group.Folder, msg); err != nil {
			o.logger.Warn("orchestrator: media download failed",
				"group", group.Folder, "file", msg.Media.Filename, "error", err)
		} else if path != "" {
			containerPaths = append(containerPaths, path)
			text = strings.TrimSpace(text + "\n[attachment: " + path + "]")
		}
	}

	// Every message is saved, triggered or not, so the agent sees the
	// surrounding conversation when it does run.
	if err := o.store.SaveMessage(&store.Message{
		ChatJID:    msg.ChatJID,
		Sender:     msg.Sender,
		SenderName: msg.SenderName,
		Text:       text,
		MessageID:  msg.MessageID,
		Timestamp:  msg.Timestamp,
	}); err != nil {
		o.logger.Error("orchestrator: saving message failed", "chat", msg.ChatJID, "error", err)
		return
	}

	if group.RequiresTrigger && !o.triggered(group, msg.Text) {
		return
	}
	if o.queue == nil {
		o.logger.Error("orchestrator: no queue bound, dropping activation", "chat", msg.ChatJID)
		return
	}

	// A live sandbox takes the message directly; otherwise a run picks
	// up the whole unprocessed batch.
	if o.queue.SendMessage(group.JID, formatLine(msg.SenderName, msg.Sender, text), containerPaths) {
		return
	}
	o.queue.EnqueueMessageCheck(group.JID)
}

// triggered reports whether a message activates a trigger-gated group.
func (o *Orchestrator) triggered(group *store.Group, text string) bool {
	pattern := group.Trigger
	if pattern == "" {
		pattern = o.cfg.DefaultTrigger
	}

	o.mu.Lock()
	re, ok := o.triggers[pattern]
	o.mu.Unlock()
	if !ok {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			o.logger.Warn("orchestrator: bad trigger pattern, group stays quiet",
				"group", group.Folder, "pattern", pattern, "error", err)
			return false
		}
		o.mu.Lock()
		o.triggers[pattern] = re
		o.mu.Unlock()
	}
	return re.MatchString(text)
}

// stageMedia downloads inbound media into the group's attachment
// directory and returns the container path the prompt can reference.
func (o *Orchestrator) stageMedia(ctx context.Context, folder string, msg *channels.IncomingMessage) (string, error) {
	dl, ok := o.transport.(channels.MediaDownloader)
	if !ok {
		return "", nil
	}
	data, _, err := dl.DownloadMedia(ctx, msg.Media)
	if err != nil {
		return "", err
	}

	base := filepath.Base(msg.Media.Filename)
	if base == "." || base == ".." || base == "/" {
		base = "attachment"
	}
	name := fmt.Sprintf("%d-%s", msg.Timestamp.UnixNano(), base)
	dir, err := o.layout.AttachmentsDir(folder)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", err
	}
	return workspace.ContainerIPCDir + "/attachments/" + name, nil
}

// ---------- message runs ----------

// RunMessages executes one message-batch run for a group. The cursor
// advances before the run so messages arriving mid-run fold into the
// next batch; a run that produced nothing rolls it back and the batch
// is retried.
func (o *Orchestrator) RunMessages(ctx context.Context, groupJID string, hooks queue.RunHooks) error {
	group, err := o.store.GroupByJID(groupJID)
	if err != nil {
		return err
	}
	if group == nil {
		return fmt.Errorf("group %s not registered", groupJID)
	}

	cursor, err := o.store.Cursor(groupJID)
	if err != nil {
		return err
	}
	msgs, err := o.store.MessagesSince(groupJID, cursor)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	newCursor := msgs[len(msgs)-1].Timestamp
	if err := o.store.SetCursor(groupJID, newCursor); err != nil {
		return err
	}

	o.setTyping(ctx, groupJID, true)
	defer o.setTyping(ctx, groupJID, false)

	outcome, err := o.runner.Run(ctx, groupSpec(group, o.cfg.MainJID), sandbox.Input{
		Prompt:    formatPrompt(group.Name, msgs),
		SessionID: group.SessionID,
	}, sandbox.Hooks{
		OnStarted: func(proc *os.Process, containerName string) {
			if hooks.OnStarted != nil {
				hooks.OnStarted(proc, containerName, group.Folder)
			}
		},
		OnResult: func(res sandbox.Result) {
			o.deliverResult(ctx, group.JID, group.JID, false, res)
		},
	})
	o.recordSession(group.JID, outcome)

	if err != nil {
		// Nothing streamed. Put the batch back and own up in the chat;
		// the queue handles the retry cadence.
		if rbErr := o.store.SetCursor(groupJID, cursor); rbErr != nil {
			o.logger.Error("orchestrator: cursor rollback failed", "group", group.Folder, "error", rbErr)
		}
		if sendErr := o.transport.SendMessage(ctx, group.JID, apology); sendErr != nil {
			o.logger.Warn("orchestrator: apology send failed", "group", group.Folder, "error", sendErr)
		}
		return err
	}
	return nil
}

// ---------- task runs ----------

// RunTask executes one scheduled task run.
func (o *Orchestrator) RunTask(ctx context.Context, task *store.Task) error {
	group, err := o.store.GroupByFolder(task.GroupFolder)
	if err != nil {
		return err
	}
	if group == nil {
		return fmt.Errorf("task %s: group folder %q not registered", task.ID, task.GroupFolder)
	}

	outcome, err := o.runner.Run(ctx, groupSpec(group, o.cfg.MainJID), sandbox.Input{
		Prompt:    task.Prompt,
		SessionID: group.SessionID,
		IsTask:    true,
	}, sandbox.Hooks{
		OnResult: func(res sandbox.Result) {
			o.deliverResult(ctx, group.JID, task.ChatJID, true, res)
		},
	})
	o.recordSession(group.JID, outcome)
	return err
}

// ---------- result delivery ----------

// deliverResult handles one streamed payload: session bookkeeping,
// chat delivery for real output, and the idle notification that lets
// the queue hand a waiting task the slot.
func (o *Orchestrator) deliverResult(ctx context.Context, groupJID, chatJID string, isTask bool, res sandbox.Result) {
	if res.SessionID != "" {
		if err := o.store.SetSessionID(groupJID, res.SessionID); err != nil {
			o.logger.Error("orchestrator: session update failed", "group", groupJID, "error", err)
		}
	}

	switch res.Status {
	case sandbox.StatusIdle:
		if !isTask && o.queue != nil {
			o.queue.NotifyIdle(groupJID)
		}
	case sandbox.StatusError:
		o.logger.Warn("orchestrator: agent reported error",
			"group", groupJID, "error", res.Error)
		if res.Result != "" {
			o.send(ctx, chatJID, res.Result)
		}
	default:
		if res.Result != "" {
			o.send(ctx, chatJID, res.Result)
		}
	}
}

func (o *Orchestrator) send(ctx context.Context, chatJID, text string) {
	if err := o.transport.SendMessage(ctx, chatJID, text); err != nil {
		o.logger.Error("orchestrator: send failed", "chat", chatJID, "error", err)
	}
}

func (o *Orchestrator) setTyping(ctx context.Context, chatJID string, typing bool) {
	if ts, ok := o.transport.(channels.TypingSender); ok {
		if err := ts.SetTyping(ctx, chatJID, typing); err != nil {
			o.logger.Debug("orchestrator: typing indicator failed", "chat", chatJID, "error", err)
		}
	}
}

func (o *Orchestrator) recordSession(groupJID string, outcome *sandbox.Outcome) {
	if outcome == nil || outcome.SessionID == "" {
		return
	}
	if err := o.store.SetSessionID(groupJID, outcome.SessionID); err != nil {
		o.logger.Error("orchestrator: session update failed", "group", groupJID, "error", err)
	}
}

// ---------- helpers ----------

func groupSpec(g *store.Group, mainJID string) sandbox.GroupSpec {
	return sandbox.GroupSpec{
		JID:         g.JID,
		Name:        g.Name,
		Folder:      g.Folder,
		IsMain:      g.JID == mainJID,
		ExtraMounts: g.ExtraMounts,
	}
}

// formatPrompt renders an unprocessed message batch for the agent.
func formatPrompt(groupName string, msgs []*store.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New messages in %q:\n\n", groupName)
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n",
			m.Timestamp.Format(time.DateTime),
			formatLine(m.SenderName, m.Sender, m.Text))
	}
	return b.String()
}

func formatLine(senderName, sender, text string) string {
	who := senderName
	if who == "" {
		who = sender
	}
	return who + ": " + text
}
