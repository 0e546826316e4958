// Package events resolves running tasks into terminal states from session
// lifecycle signals, polling and expiry, and fans lifecycle events out to
// subscribers.
package events

import (
	"context"
	"time"

	"github.com/fentz26/swarm/internal/connectors"
	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/taskstore"
	"github.com/hashicorp/go-hclog"
)

// Gate is the part of the admission gate that completion touches.
type Gate interface {
	Release(key string)
	ReportResult(key string, success bool)
}

// Sessions is the part of the session pool that completion touches.
type Sessions interface {
	Release(ctx context.Context, id string) error
	Invalidate(ctx context.Context, id string) error
	Forget(id string)
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(ev models.Event)
}

// SessionIdleFunc is called for signals of sessions that back no task.
type SessionIdleFunc func(ctx context.Context, sessionID string)

// CompleteFunc is called after a task completes.
type CompleteFunc func(task models.Task)

// Options tune completion detection and cleanup.
type Options struct {
	// MinStability is the minimum run time before idle counts as done.
	MinStability time.Duration `yaml:"min_stability"`
	// CleanupDelay is how long a finished task stays queryable.
	CleanupDelay time.Duration `yaml:"cleanup_delay"`
	// TaskTTL bounds the lifetime of any task.
	TaskTTL time.Duration `yaml:"task_ttl"`
	// PollInterval is the poller tick.
	PollInterval time.Duration `yaml:"poll_interval"`
	// StablePolls is the number of unchanged polls that counts as done.
	StablePolls int `yaml:"stable_polls"`
}

// DefaultOptions returns the default timings.
func DefaultOptions() Options {
	return Options{
		MinStability: 2 * time.Second,
		CleanupDelay: 10 * time.Minute,
		TaskTTL:      30 * time.Minute,
		PollInterval: 2 * time.Second,
		StablePolls:  3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinStability <= 0 {
		o.MinStability = d.MinStability
	}
	if o.CleanupDelay <= 0 {
		o.CleanupDelay = d.CleanupDelay
	}
	if o.TaskTTL <= 0 {
		o.TaskTTL = d.TaskTTL
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.StablePolls <= 0 {
		o.StablePolls = d.StablePolls
	}
	return o
}

// Handler is the task state machine driven by session signals.
type Handler struct {
	conn     connectors.Connector
	store    *taskstore.Store
	gate     Gate
	sessions Sessions
	cleaner  *Cleaner
	opts     Options
	logger   hclog.Logger

	onComplete       CompleteFunc
	onSessionIdle    SessionIdleFunc
	onSessionDeleted SessionIdleFunc
	publisher        Publisher

	now func() time.Time
}

// NewHandler creates a handler.
func NewHandler(conn connectors.Connector, store *taskstore.Store, gate Gate, sessions Sessions, cleaner *Cleaner, opts Options, logger hclog.Logger) *Handler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Handler{
		conn:     conn,
		store:    store,
		gate:     gate,
		sessions: sessions,
		cleaner:  cleaner,
		opts:     opts.withDefaults(),
		logger:   logger.Named("events"),
		now:      time.Now,
	}
}

// OnComplete sets the completion callback.
func (h *Handler) OnComplete(fn CompleteFunc) { h.onComplete = fn }

// OnSessionIdle sets the hook for idle sessions that back no task.
func (h *Handler) OnSessionIdle(fn SessionIdleFunc) { h.onSessionIdle = fn }

// OnSessionDeleted sets the hook for deleted sessions that back no task.
func (h *Handler) OnSessionDeleted(fn SessionIdleFunc) { h.onSessionDeleted = fn }

// SetPublisher sets the lifecycle event sink.
func (h *Handler) SetPublisher(p Publisher) { h.publisher = p }

// Run handles events from ch until it is closed or ctx is done.
func (h *Handler) Run(ctx context.Context, ch <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.Handle(ctx, ev)
		}
	}
}

// Handle applies one session signal. Unknown types are ignored.
func (h *Handler) Handle(ctx context.Context, ev models.Event) {
	if ev.SessionID == "" {
		return
	}
	switch ev.Type {
	case models.EventSessionIdle:
		h.handleIdle(ctx, ev.SessionID)
	case models.EventSessionDeleted:
		h.handleDeleted(ctx, ev.SessionID)
	}
}

func (h *Handler) handleIdle(ctx context.Context, sessionID string) {
	task, ok := h.store.FindBySession(sessionID)
	if !ok {
		if h.onSessionIdle != nil {
			h.onSessionIdle(ctx, sessionID)
		}
		return
	}
	if task.Status != models.TaskStatusRunning {
		return
	}

	if elapsed := h.now().Sub(task.StartedAt); elapsed < h.opts.MinStability {
		h.logger.Debug("session idle but too early", "task", task.ID, "elapsed", elapsed)
		return
	}
	if !h.hasOutput(ctx, task.SessionID) {
		h.logger.Debug("session idle but no output", "task", task.ID)
		return
	}
	h.Complete(ctx, task.ID)
}

func (h *Handler) handleDeleted(ctx context.Context, sessionID string) {
	h.sessions.Forget(sessionID)

	task, ok := h.store.FindBySession(sessionID)
	if !ok {
		if h.onSessionDeleted != nil {
			h.onSessionDeleted(ctx, sessionID)
		}
		return
	}

	wasRunning := false
	h.store.Update(task.ID, func(t *models.Task) {
		if t.Status == models.TaskStatusRunning {
			now := h.now()
			t.Status = models.TaskStatusError
			t.Error = "Session deleted"
			t.CompletedAt = &now
			wasRunning = true
		}
	})

	releaseSlot(h.store, h.gate, task.ID, false)
	h.store.UntrackPending(task.ParentSessionID, task.ID)
	h.store.ClearNotificationsForTask(task.ID)
	h.store.Delete(task.ID)

	if wasRunning {
		publish(h.publisher, models.EventTaskFailed, task, h.now(), "Session deleted")
	}
	h.logger.Info("cleaned up deleted session task", "task", task.ID)
}

// Complete moves a running task to completed, releases its slot, notifies
// the parent when its batch is done and schedules cleanup. It reports
// whether the transition happened; repeated calls are no-ops.
func (h *Handler) Complete(ctx context.Context, id string) bool {
	var done models.Task
	completed := false
	h.store.Update(id, func(t *models.Task) {
		if t.Status != models.TaskStatusRunning {
			return
		}
		now := h.now()
		t.Status = models.TaskStatusCompleted
		t.CompletedAt = &now
		done = t.Clone()
		completed = true
	})
	if !completed {
		return false
	}

	releaseSlot(h.store, h.gate, id, true)
	h.finish(ctx, done)

	h.logger.Info("task completed", "task", id, "duration", done.CompletedAt.Sub(done.StartedAt).Round(time.Millisecond))
	publish(h.publisher, models.EventTaskCompleted, done, h.now(), "")
	if h.onComplete != nil {
		h.onComplete(done)
	}
	return true
}

// Fail moves a pending or running task to error with reason. It is the
// resolution path for admission and dispatch failures.
func (h *Handler) Fail(ctx context.Context, id, reason string) bool {
	var failed models.Task
	ok := false
	h.store.Update(id, func(t *models.Task) {
		if t.Status.IsTerminal() {
			return
		}
		now := h.now()
		t.Status = models.TaskStatusError
		t.Error = reason
		t.CompletedAt = &now
		failed = t.Clone()
		ok = true
	})
	if !ok {
		return false
	}

	releaseSlot(h.store, h.gate, id, false)
	h.finish(ctx, failed)

	h.logger.Warn("task failed", "task", id, "reason", reason)
	publish(h.publisher, models.EventTaskFailed, failed, h.now(), reason)
	return true
}

// finish runs the bookkeeping shared by every terminal transition that
// keeps the record around for the parent.
func (h *Handler) finish(ctx context.Context, task models.Task) {
	h.store.UntrackPending(task.ParentSessionID, task.ID)
	h.store.QueueNotification(task)
	h.cleaner.NotifyParentIfAllComplete(ctx, task.ParentSessionID)
	h.cleaner.ScheduleCleanup(task.ID)
}

// hasOutput reports whether the session produced a reply. Lookup errors
// count as output so a flaky host cannot wedge completion.
func (h *Handler) hasOutput(ctx context.Context, sessionID string) bool {
	msgs, err := h.conn.Messages(ctx, sessionID)
	if err != nil {
		h.logger.Debug("message lookup failed", "session", sessionID, "error", err)
		return true
	}
	return connectors.HasOutput(msgs)
}

// releaseSlot gives back the slot a task holds, at most once.
func releaseSlot(store *taskstore.Store, gate Gate, id string, success bool) {
	if key := store.TakeConcurrencyKey(id); key != "" {
		gate.Release(key)
		gate.ReportResult(key, success)
	}
}

func publish(p Publisher, typ models.EventType, task models.Task, at time.Time, reason string) {
	if p == nil {
		return
	}
	data := map[string]string{"agent": task.Agent, "status": string(task.Status)}
	if reason != "" {
		data["reason"] = reason
	}
	p.Publish(models.Event{
		Type:      typ,
		SessionID: task.SessionID,
		TaskID:    task.ID,
		Time:      at,
		Data:      data,
	})
}
