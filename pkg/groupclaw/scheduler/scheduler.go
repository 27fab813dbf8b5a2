// Package scheduler – scheduler.go is the task pump: a loop that
// finds due tasks in the store and hands them to the group queue.
// Tasks are drained before messages by the queue, because a pending
// task is not rediscoverable from the store once handed over.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/store"
)

// TaskQueue is the slice of the group queue the pump needs.
type TaskQueue interface {
	EnqueueTask(groupJID, taskID string, run func(ctx context.Context) error)
}

// TaskRunner executes one task inside the group's sandbox.
type TaskRunner interface {
	RunTask(ctx context.Context, task *store.Task) error
}

// Pump polls the store for due tasks and enqueues them.
type Pump struct {
	store    store.Store
	queue    TaskQueue
	runner   TaskRunner
	interval time.Duration
	logger   *slog.Logger

	// inFlight guards against re-enqueueing a task that is due but
	// has not started yet on the next poll pass.
	mu       sync.Mutex
	inFlight map[string]bool
}

// NewPump creates a task pump.
func NewPump(s store.Store, q TaskQueue, r TaskRunner, interval time.Duration, logger *slog.Logger) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Pump{
		store:    s,
		queue:    q,
		runner:   r,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
		inFlight: make(map[string]bool),
	}
}

// Run polls until the context is cancelled.
func (p *Pump) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pass(ctx)
		}
	}
}

// pass enqueues every due task exactly once.
func (p *Pump) pass(ctx context.Context) {
	due, err := p.store.DueTasks(time.Now())
	if err != nil {
		p.logger.Error("scheduler: loading due tasks failed", "error", err)
		return
	}

	for _, task := range due {
		p.mu.Lock()
		if p.inFlight[task.ID] {
			p.mu.Unlock()
			continue
		}
		p.inFlight[task.ID] = true
		p.mu.Unlock()

		group, err := p.store.GroupByFolder(task.GroupFolder)
		if err != nil || group == nil {
			p.logger.Warn("scheduler: task has no registered group, skipping",
				"task", task.ID, "folder", task.GroupFolder, "error", err)
			p.clearInFlight(task.ID)
			continue
		}

		t := task
		p.logger.Info("scheduler: enqueueing due task",
			"task", t.ID, "group", t.GroupFolder, "next_run", t.NextRun)
		p.queue.EnqueueTask(group.JID, t.ID, func(runCtx context.Context) error {
			defer p.clearInFlight(t.ID)
			err := p.runner.RunTask(runCtx, t)
			p.settle(t, err)
			return err
		})
	}
}

// settle records the run outcome and either reschedules the task or
// deletes a finished one-shot.
func (p *Pump) settle(task *store.Task, runErr error) {
	now := time.Now()
	task.LastRun = &now
	task.LastError = ""
	if runErr != nil {
		task.LastError = runErr.Error()
	}

	sched, err := Parse(task.ScheduleType, task.ScheduleValue)
	if err != nil {
		// A stored task with an unparseable schedule should not
		// exist; pause it rather than firing it forever.
		p.logger.Error("scheduler: stored task has invalid schedule, pausing",
			"task", task.ID, "error", err)
		task.Status = store.TaskPaused
		p.updateTask(task)
		return
	}

	next, ok := sched.NextRun(now)
	if !ok {
		// One-shot task completed its moment.
		if err := p.store.DeleteTask(task.ID); err != nil {
			p.logger.Error("scheduler: deleting finished task failed",
				"task", task.ID, "error", err)
		}
		return
	}

	task.NextRun = next
	p.updateTask(task)
}

func (p *Pump) updateTask(task *store.Task) {
	if err := p.store.UpdateTask(task); err != nil {
		p.logger.Error("scheduler: updating task failed", "task", task.ID, "error", err)
	}
}

func (p *Pump) clearInFlight(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}
