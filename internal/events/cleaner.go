package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/swarm/internal/connectors"
	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/sessionpool"
	"github.com/fentz26/swarm/internal/taskstore"
	"github.com/hashicorp/go-hclog"
)

// Cleaner expires tasks, removes finished ones after a grace window and
// tells parents when their batch is done.
type Cleaner struct {
	conn      connectors.Connector
	store     *taskstore.Store
	gate      Gate
	sessions  Sessions
	opts      Options
	logger    hclog.Logger
	publisher Publisher

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool

	now func() time.Time
}

// NewCleaner creates a cleaner.
func NewCleaner(conn connectors.Connector, store *taskstore.Store, gate Gate, sessions Sessions, opts Options, logger hclog.Logger) *Cleaner {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Cleaner{
		conn:     conn,
		store:    store,
		gate:     gate,
		sessions: sessions,
		opts:     opts.withDefaults(),
		logger:   logger.Named("cleaner"),
		timers:   make(map[string]*time.Timer),
		now:      time.Now,
	}
}

// SetPublisher sets the lifecycle event sink.
func (c *Cleaner) SetPublisher(p Publisher) { c.publisher = p }

// ScheduleCleanup returns the task's session to the pool and deletes the
// record once the cleanup delay has passed. Rescheduling replaces the
// pending cleanup.
func (c *Cleaner) ScheduleCleanup(id string) {
	task, ok := c.store.Get(id)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if t, ok := c.timers[id]; ok {
		t.Stop()
	}
	c.timers[id] = time.AfterFunc(c.opts.CleanupDelay, func() {
		c.mu.Lock()
		delete(c.timers, id)
		c.mu.Unlock()
		c.cleanup(context.Background(), task.ID, task.SessionID)
	})
}

func (c *Cleaner) cleanup(ctx context.Context, id, sessionID string) {
	if cur, ok := c.store.Get(id); ok && !cur.Status.IsTerminal() {
		// Resumed since scheduling.
		return
	}
	if sessionID != "" {
		err := c.sessions.Release(ctx, sessionID)
		if errors.Is(err, sessionpool.ErrUnknownSession) {
			if err := c.conn.Delete(ctx, sessionID); err != nil {
				c.logger.Debug("session already gone", "session", sessionID)
			}
		}
	}
	c.store.Delete(id)
	c.logger.Debug("cleaned up task", "task", id)
}

// Pending returns the number of scheduled cleanups.
func (c *Cleaner) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Stop cancels every scheduled cleanup.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

// PruneExpired removes every task older than the TTL. Running ones are
// first marked timeout and their slot is released as a failure. It
// returns the number of tasks removed.
func (c *Cleaner) PruneExpired(ctx context.Context) int {
	now := c.now()
	removed := 0

	for _, task := range c.store.GetAll() {
		if now.Sub(task.StartedAt) <= c.opts.TaskTTL {
			continue
		}

		timedOut := false
		c.store.Update(task.ID, func(t *models.Task) {
			if t.Status == models.TaskStatusRunning {
				t.Status = models.TaskStatusTimeout
				t.Error = fmt.Sprintf("Task exceeded %d minute time limit", int(c.opts.TaskTTL.Minutes()))
				t.CompletedAt = &now
				timedOut = true
			}
		})
		if timedOut {
			releaseSlot(c.store, c.gate, task.ID, false)
			c.store.UntrackPending(task.ParentSessionID, task.ID)
			task.Status = models.TaskStatusTimeout
			publish(c.publisher, models.EventTaskFailed, task, now, "timeout")
			c.logger.Warn("task timed out", "task", task.ID, "ttl", c.opts.TaskTTL)
		}

		if task.SessionID != "" {
			if err := c.sessions.Invalidate(ctx, task.SessionID); errors.Is(err, sessionpool.ErrUnknownSession) {
				c.conn.Delete(ctx, task.SessionID)
			}
		}
		c.cancelTimer(task.ID)
		c.store.Delete(task.ID)
		removed++
	}

	c.store.CleanEmptyNotifications()
	return removed
}

func (c *Cleaner) cancelTimer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}

// NotifyParentIfAllComplete sends the parent a summary of its finished
// tasks once none are pending, then clears its queue.
func (c *Cleaner) NotifyParentIfAllComplete(ctx context.Context, parentSessionID string) {
	if parentSessionID == "" || c.store.HasPending(parentSessionID) {
		return
	}
	tasks := c.store.Notifications(parentSessionID)
	if len(tasks) == 0 {
		return
	}

	err := c.conn.Prompt(ctx, parentSessionID, connectors.PromptRequest{
		Text:    NotificationMessage(tasks),
		NoReply: true,
	})
	if err != nil {
		c.logger.Warn("parent notification failed", "parent", parentSessionID, "error", err)
	} else {
		c.logger.Info("notified parent", "parent", parentSessionID, "tasks", len(tasks))
	}
	c.store.ClearNotifications(parentSessionID)
}

// NotificationMessage renders the batch summary sent to a parent session.
func NotificationMessage(tasks []models.Task) string {
	var b strings.Builder
	b.WriteString("<system-notification>\nAll parallel tasks complete\n\n")
	for _, t := range tasks {
		mark := "[failed]"
		if t.Status == models.TaskStatusCompleted {
			mark = "[done]"
		}
		fmt.Fprintf(&b, "%s %s: %s\n", mark, t.ID, t.Description)
	}
	b.WriteString("\nFetch a result with: swarm task result <task-id>\n</system-notification>")
	return b.String()
}
