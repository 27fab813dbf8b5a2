// Package queue is the concurrency core of the orchestrator. It owns
// one state machine per group, enforces the at-most-one-active-run
// invariant per group and a global cap across groups, queues and
// retries work with capped exponential backoff, and pipes follow-up
// input into running sandboxes through their IPC input directory.
//
// All bookkeeping happens under one mutex; actual sandbox runs are
// separate OS processes supervised by goroutines.
package queue

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/ipc"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/workspace"
)

// Config tunes the queue.
type Config struct {
	// MaxConcurrent caps how many sandboxes run at once across all
	// groups.
	MaxConcurrent int `yaml:"max_concurrent"`

	// RetryLimit is how many times a failed message run is retried
	// before the work is abandoned until the next external enqueue.
	RetryLimit int `yaml:"retry_limit"`

	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// DefaultConfig returns queue settings suitable for a small host.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 3,
		RetryLimit:    5,
		BackoffBase:   10 * time.Second,
	}
}

// RunHooks are callbacks from a message run back into the queue.
type RunHooks struct {
	// OnStarted must be called once the sandbox OS process exists,
	// so the queue can register the handle and accept SendMessage.
	OnStarted func(proc *os.Process, containerName, folder string)
}

// MessageRunner executes one message-batch run for a group. It
// returns nil when the run resolved as success (including partial
// success after a timeout) and an error otherwise.
type MessageRunner interface {
	RunMessages(ctx context.Context, groupJID string, hooks RunHooks) error
}

// groupState is the per-group runtime state. Held only in memory for
// the process lifetime; all fields are guarded by GroupQueue.mu.
type groupState struct {
	active          bool
	idleWaiting     bool
	isTaskRun       bool
	pendingMessages bool
	pendingTasks    []pendingTask
	proc            *os.Process
	containerName   string
	folder          string
	retryCount      int
}

type pendingTask struct {
	id  string
	run func(ctx context.Context) error
}

// GroupQueue schedules sandbox runs across groups.
type GroupQueue struct {
	cfg    Config
	runner MessageRunner
	layout workspace.Layout
	logger *slog.Logger

	mu           sync.Mutex
	groups       map[string]*groupState
	activeCount  int
	waiting      []string // FIFO of group JIDs deferred by the cap
	shuttingDown bool
	idle         sync.WaitGroup // one unit per active run
}

// New creates a GroupQueue.
func New(cfg Config, runner MessageRunner, layout workspace.Layout, logger *slog.Logger) *GroupQueue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultConfig().RetryLimit
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GroupQueue{
		cfg:    cfg,
		runner: runner,
		layout: layout,
		logger: logger.With("component", "queue"),
		groups: make(map[string]*groupState),
	}
}

// EnqueueMessageCheck asks for a message run for a group. If the
// group is already active the work is folded into a pending flag and
// drained when the current run completes; if the global cap is
// reached the group joins the waiting list.
func (q *GroupQueue) EnqueueMessageCheck(groupJID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return
	}
	st := q.state(groupJID)

	if st.active {
		st.pendingMessages = true
		return
	}
	if q.activeCount >= q.cfg.MaxConcurrent {
		st.pendingMessages = true
		q.pushWaiting(groupJID)
		return
	}
	q.startMessageRun(groupJID, st)
}

// EnqueueTask asks for a task run for a group. A task arriving while
// the group's sandbox is idle-waiting nudges the sandbox to wind
// down via the close sentinel rather than waiting out its idle timer.
func (q *GroupQueue) EnqueueTask(groupJID, taskID string, run func(ctx context.Context) error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return
	}
	st := q.state(groupJID)

	if st.active {
		st.pendingTasks = append(st.pendingTasks, pendingTask{id: taskID, run: run})
		if st.idleWaiting {
			q.nudgeClose(st)
		}
		return
	}
	if q.activeCount >= q.cfg.MaxConcurrent {
		st.pendingTasks = append(st.pendingTasks, pendingTask{id: taskID, run: run})
		q.pushWaiting(groupJID)
		return
	}
	q.startTaskRun(groupJID, st, pendingTask{id: taskID, run: run})
}

// SendMessage writes a follow-up input file into the group's running
// sandbox. Returns false when the group is not active, is running a
// task, or has no known workspace — the caller then falls back to
// enqueueing a fresh run.
func (q *GroupQueue) SendMessage(groupJID, text string, attachments []string) bool {
	q.mu.Lock()
	st, ok := q.groups[groupJID]
	if !ok || !st.active || st.isTaskRun || st.folder == "" {
		q.mu.Unlock()
		return false
	}
	folder := st.folder
	q.mu.Unlock()

	dir, err := q.layout.InputDir(folder)
	if err != nil {
		q.logger.Error("queue: bad workspace folder for input", "group", groupJID, "error", err)
		return false
	}
	if err := ipc.WriteInput(dir, ipc.InputMessage{Text: text, Attachments: attachments}); err != nil {
		q.logger.Error("queue: writing follow-up input failed", "group", groupJID, "error", err)
		return false
	}
	return true
}

// CloseStdin drops the close sentinel into the group's input
// directory, telling its sandbox to wind down.
func (q *GroupQueue) CloseStdin(groupJID string) {
	q.mu.Lock()
	st, ok := q.groups[groupJID]
	if !ok || !st.active || st.folder == "" {
		q.mu.Unlock()
		return
	}
	q.nudgeClose(st)
	q.mu.Unlock()
}

// NotifyIdle records that a group's sandbox finished its work and is
// polling for more input. If tasks are already pending, the sandbox
// is nudged to close immediately.
func (q *GroupQueue) NotifyIdle(groupJID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.groups[groupJID]
	if !ok || !st.active {
		return
	}
	st.idleWaiting = true
	if len(st.pendingTasks) > 0 {
		q.nudgeClose(st)
	}
}

// RegisterProcess records the OS process handle and container name
// for a group's active run.
func (q *GroupQueue) RegisterProcess(groupJID string, proc *os.Process, containerName, folder string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.state(groupJID)
	st.proc = proc
	st.containerName = containerName
	st.folder = folder
}

// ActiveCount returns the number of currently running sandboxes.
func (q *GroupQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCount
}

// GroupActive reports whether a group currently has a running sandbox.
func (q *GroupQueue) GroupActive(groupJID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.groups[groupJID]
	return ok && st.active
}

// Status is a point-in-time view for operators.
type Status struct {
	ActiveCount int      `json:"activeCount"`
	Waiting     []string `json:"waiting,omitempty"`
	Active      []string `json:"active,omitempty"`
}

// Snapshot returns the current queue status.
func (q *GroupQueue) Snapshot() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Status{ActiveCount: q.activeCount, Waiting: append([]string(nil), q.waiting...)}
	for jid, st := range q.groups {
		if st.active {
			s.Active = append(s.Active, jid)
		}
	}
	return s
}

// Shutdown stops accepting work and waits up to grace for in-flight
// sandboxes to finish on their own. Running sandboxes are never
// killed — force-stopping mid-work would corrupt partially delivered
// results. Returns the container names left detached.
func (q *GroupQueue) Shutdown(grace time.Duration) []string {
	q.mu.Lock()
	q.shuttingDown = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.idle.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var detached []string
	for jid, st := range q.groups {
		if st.active && st.containerName != "" {
			detached = append(detached, st.containerName)
			q.logger.Warn("queue: leaving sandbox detached at shutdown",
				"group", jid, "container", st.containerName)
		}
	}
	return detached
}

// ---------- internals (all require q.mu held) ----------

func (q *GroupQueue) state(groupJID string) *groupState {
	st, ok := q.groups[groupJID]
	if !ok {
		st = &groupState{}
		q.groups[groupJID] = st
	}
	return st
}

// pushWaiting appends a group to the waiting list at most once.
func (q *GroupQueue) pushWaiting(groupJID string) {
	for _, jid := range q.waiting {
		if jid == groupJID {
			return
		}
	}
	q.waiting = append(q.waiting, groupJID)
}

func (q *GroupQueue) startMessageRun(groupJID string, st *groupState) {
	st.active = true
	st.isTaskRun = false
	st.idleWaiting = false
	st.pendingMessages = false
	q.activeCount++
	q.idle.Add(1)

	go q.runMessages(groupJID)
}

func (q *GroupQueue) startTaskRun(groupJID string, st *groupState, task pendingTask) {
	st.active = true
	st.isTaskRun = true
	st.idleWaiting = false
	q.activeCount++
	q.idle.Add(1)

	go q.runTask(groupJID, task)
}

func (q *GroupQueue) nudgeClose(st *groupState) {
	dir, err := q.layout.InputDir(st.folder)
	if err != nil {
		q.logger.Error("queue: bad workspace folder for close sentinel", "error", err)
		return
	}
	if err := ipc.WriteClose(dir); err != nil {
		q.logger.Error("queue: writing close sentinel failed", "error", err)
	}
}

// runMessages supervises one message run outside the lock.
func (q *GroupQueue) runMessages(groupJID string) {
	defer q.idle.Done()

	hooks := RunHooks{
		OnStarted: func(proc *os.Process, containerName, folder string) {
			q.RegisterProcess(groupJID, proc, containerName, folder)
		},
	}
	err := q.runner.RunMessages(context.Background(), groupJID, hooks)

	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.state(groupJID)
	q.finishRun(st)

	if err != nil {
		q.scheduleRetry(groupJID, st, err)
	} else {
		st.retryCount = 0
	}
	q.drain(groupJID, st, err == nil)
}

// runTask supervises one task run outside the lock. Tasks are not
// retried here; the task record keeps its error and the schedule
// decides when it fires again.
func (q *GroupQueue) runTask(groupJID string, task pendingTask) {
	defer q.idle.Done()

	err := task.run(context.Background())
	if err != nil {
		q.logger.Warn("queue: task run failed", "group", groupJID, "task", task.id, "error", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.state(groupJID)
	q.finishRun(st)
	q.drain(groupJID, st, true)
}

// finishRun clears the active-run bookkeeping for a group.
func (q *GroupQueue) finishRun(st *groupState) {
	st.active = false
	st.isTaskRun = false
	st.idleWaiting = false
	st.proc = nil
	st.containerName = ""
	q.activeCount--
}

// scheduleRetry arms a backoff retry for a failed message run, or
// abandons the work past the retry ceiling.
func (q *GroupQueue) scheduleRetry(groupJID string, st *groupState, err error) {
	st.retryCount++
	if st.retryCount > q.cfg.RetryLimit {
		q.logger.Error("queue: retry ceiling reached, abandoning work until next enqueue",
			"group", groupJID, "attempts", st.retryCount-1, "error", err)
		// Reset so an independent future failure starts fresh.
		st.retryCount = 0
		st.pendingMessages = false
		return
	}

	delay := q.cfg.BackoffBase << (st.retryCount - 1)
	q.logger.Warn("queue: message run failed, retrying",
		"group", groupJID, "attempt", st.retryCount, "delay", delay, "error", err)
	time.AfterFunc(delay, func() {
		q.EnqueueMessageCheck(groupJID)
	})
}

// drain starts the next unit of work after a run completes: this
// group's pending tasks first, then its pending messages, then the
// global waiting list if capacity allows.
func (q *GroupQueue) drain(groupJID string, st *groupState, ranOK bool) {
	if q.shuttingDown {
		return
	}

	if len(st.pendingTasks) > 0 {
		next := st.pendingTasks[0]
		st.pendingTasks = st.pendingTasks[1:]
		q.startTaskRun(groupJID, st, next)
		return
	}
	if st.pendingMessages && ranOK {
		q.startMessageRun(groupJID, st)
		return
	}

	q.drainWaiting()
}

// drainWaiting starts queued work for deferred groups while the cap
// allows.
func (q *GroupQueue) drainWaiting() {
	for len(q.waiting) > 0 && q.activeCount < q.cfg.MaxConcurrent {
		jid := q.waiting[0]
		q.waiting = q.waiting[1:]

		st := q.state(jid)
		if st.active {
			continue
		}
		switch {
		case len(st.pendingTasks) > 0:
			next := st.pendingTasks[0]
			st.pendingTasks = st.pendingTasks[1:]
			q.startTaskRun(jid, st, next)
		case st.pendingMessages:
			q.startMessageRun(jid, st)
		}
	}
}
