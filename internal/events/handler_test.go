package events

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/swarm/internal/concurrency"
	"github.com/fentz26/swarm/internal/connectors/memconn"
	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/sessionpool"
	"github.com/fentz26/swarm/internal/taskstore"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Publish(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.EventType
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type env struct {
	conn    *memconn.Connector
	store   *taskstore.Store
	gate    *concurrency.Controller
	pool    *sessionpool.Pool
	cleaner *Cleaner
	handler *Handler
	poller  *Poller
	clock   *fakeClock
	events  *recorder
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	e := &env{
		conn:   memconn.New(nil),
		store:  taskstore.New(taskstore.DefaultOptions(), nil, nil),
		gate:   concurrency.New(&concurrency.Config{Default: 2}, concurrency.NoPressure, nil),
		clock:  &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		events: &recorder{},
	}
	e.pool = sessionpool.New(e.conn, nil, nil)
	e.cleaner = NewCleaner(e.conn, e.store, e.gate, e.pool, opts, nil)
	e.handler = NewHandler(e.conn, e.store, e.gate, e.pool, e.cleaner, opts, nil)
	e.poller = NewPoller(e.conn, e.store, e.handler, e.cleaner, opts, nil)
	e.cleaner.now = e.clock.now
	e.handler.now = e.clock.now
	e.poller.now = e.clock.now
	e.handler.SetPublisher(e.events)
	e.cleaner.SetPublisher(e.events)
	e.conn.AddSession("parent")
	t.Cleanup(e.cleaner.Stop)
	t.Cleanup(e.poller.Stop)
	return e
}

// runningTask registers a running task that holds a slot on "explore".
func (e *env) runningTask(t *testing.T, id string) models.Task {
	t.Helper()
	ctx := context.Background()
	session, err := e.pool.Acquire(ctx, "explore", "parent", id)
	if err != nil {
		t.Fatalf("Failed to acquire session: %v", err)
	}
	if err := e.gate.Acquire(ctx, "explore", models.PriorityNormal); err != nil {
		t.Fatalf("Failed to acquire slot: %v", err)
	}
	task := models.Task{
		ID:              id,
		SessionID:       session.ID,
		ParentSessionID: "parent",
		Description:     "desc " + id,
		Agent:           "explore",
		Status:          models.TaskStatusRunning,
		StartedAt:       e.clock.now(),
		ConcurrencyKey:  "explore",
	}
	e.store.Set(task)
	e.store.TrackPending("parent", id)
	return task
}

func (e *env) reply(sessionID, text string) {
	e.conn.AddMessage(sessionID, models.Message{
		Role:  "assistant",
		Parts: []models.Part{{Type: models.PartText, Text: text}},
	})
}

func idle(sessionID string) models.Event {
	return models.Event{Type: models.EventSessionIdle, SessionID: sessionID}
}

func TestIdle_BeforeStabilityFloorIgnored(t *testing.T) {
	e := newEnv(t, Options{CleanupDelay: time.Hour})
	ctx := context.Background()
	task := e.runningTask(t, "task-1")
	e.reply(task.SessionID, "found it")

	e.clock.advance(10 * time.Millisecond)
	e.handler.Handle(ctx, idle(task.SessionID))

	got, _ := e.store.Get(task.ID)
	if got.Status != models.TaskStatusRunning {
		t.Fatalf("Expected running before the stability floor, got %s", got.Status)
	}
	if e.gate.ActiveCount("explore") != 1 {
		t.Fatal("Expected slot still held")
	}

	e.clock.advance(3 * time.Second)
	e.handler.Handle(ctx, idle(task.SessionID))

	got, _ = e.store.Get(task.ID)
	if got.Status != models.TaskStatusCompleted || got.CompletedAt == nil {
		t.Fatalf("Expected completed, got %s", got.Status)
	}
	if got.ConcurrencyKey != "" {
		t.Error("Expected concurrency key cleared")
	}
	if e.gate.ActiveCount("explore") != 0 {
		t.Errorf("Expected slot released, got %d active", e.gate.ActiveCount("explore"))
	}
	if e.store.HasPending("parent") {
		t.Error("Expected task untracked from parent")
	}
}

func TestIdle_WithoutOutputIgnored(t *testing.T) {
	e := newEnv(t, Options{CleanupDelay: time.Hour})
	task := e.runningTask(t, "task-1")

	e.clock.advance(5 * time.Second)
	e.handler.Handle(context.Background(), idle(task.SessionID))

	if got, _ := e.store.Get(task.ID); got.Status != models.TaskStatusRunning {
		t.Errorf("Expected no transition without output, got %s", got.Status)
	}
}

func TestIdle_NotifiesParentWhenBatchDone(t *testing.T) {
	e := newEnv(t, Options{CleanupDelay: time.Hour})
	ctx := context.Background()
	a := e.runningTask(t, "task-a")
	b := e.runningTask(t, "task-b")
	e.reply(a.SessionID, "a done")
	e.reply(b.SessionID, "b done")
	e.clock.advance(3 * time.Second)

	e.handler.Handle(ctx, idle(a.SessionID))
	if n := len(e.conn.Prompts("parent")); n != 0 {
		t.Fatalf("Expected no notification while b is pending, got %d", n)
	}

	e.handler.Handle(ctx, idle(b.SessionID))
	prompts := e.conn.Prompts("parent")
	if len(prompts) != 1 {
		t.Fatalf("Expected one parent notification, got %d", len(prompts))
	}
	if !prompts[0].NoReply {
		t.Error("Expected notification without reply")
	}
	if !strings.Contains(prompts[0].Text, "task-a") || !strings.Contains(prompts[0].Text, "task-b") {
		t.Errorf("Expected both tasks in notification, got %q", prompts[0].Text)
	}
	if len(e.store.Notifications("parent")) != 0 {
		t.Error("Expected notification queue cleared")
	}
}

func TestIdle_UnknownSessionForwarded(t *testing.T) {
	e := newEnv(t, Options{})
	var got string
	e.handler.OnSessionIdle(func(ctx context.Context, sessionID string) { got = sessionID })

	e.handler.Handle(context.Background(), idle("ses_top"))
	if got != "ses_top" {
		t.Errorf("Expected idle hook for ses_top, got %q", got)
	}
}

func TestDeleted_UnknownSessionForwarded(t *testing.T) {
	e := newEnv(t, Options{})
	var got string
	e.handler.OnSessionDeleted(func(ctx context.Context, sessionID string) { got = sessionID })

	e.handler.Handle(context.Background(), models.Event{Type: models.EventSessionDeleted, SessionID: "ses_top"})
	if got != "ses_top" {
		t.Errorf("Expected deleted hook for ses_top, got %q", got)
	}
}

func TestIdle_CompletionCallback(t *testing.T) {
	e := newEnv(t, Options{CleanupDelay: time.Hour})
	task := e.runningTask(t, "task-1")
	e.reply(task.SessionID, "ok")
	e.clock.advance(3 * time.Second)

	var completed []string
	e.handler.OnComplete(func(t models.Task) { completed = append(completed, t.ID) })
	e.handler.Handle(context.Background(), idle(task.SessionID))

	if len(completed) != 1 || completed[0] != "task-1" {
		t.Errorf("Expected completion callback for task-1, got %v", completed)
	}
	types := e.events.types()
	if len(types) != 1 || types[0] != models.EventTaskCompleted {
		t.Errorf("Expected one completed event, got %v", types)
	}
}

func TestComplete_ReleasesOnce(t *testing.T) {
	e := newEnv(t, Options{CleanupDelay: time.Hour})
	ctx := context.Background()
	a := e.runningTask(t, "task-a")
	e.runningTask(t, "task-b")

	if !e.handler.Complete(ctx, a.ID) {
		t.Fatal("Expected first completion to transition")
	}
	if e.handler.Complete(ctx, a.ID) {
		t.Error("Expected second completion to be a no-op")
	}
	if got := e.gate.ActiveCount("explore"); got != 1 {
		t.Errorf("Expected exactly one slot released, got %d active", got)
	}
}

func TestDeleted_RunningTask(t *testing.T) {
	e := newEnv(t, Options{})
	task := e.runningTask(t, "task-1")
	e.store.QueueNotification(task)

	e.handler.Handle(context.Background(), models.Event{Type: models.EventSessionDeleted, SessionID: task.SessionID})

	if _, ok := e.store.Get(task.ID); ok {
		t.Error("Expected task record deleted immediately")
	}
	if e.gate.ActiveCount("explore") != 0 {
		t.Error("Expected slot released")
	}
	if e.store.HasPending("parent") || len(e.store.Notifications("parent")) != 0 {
		t.Error("Expected pending and notifications cleared")
	}
	if e.pool.Contains(task.SessionID) {
		t.Error("Expected pool to forget the deleted session")
	}
	types := e.events.types()
	if len(types) != 1 || types[0] != models.EventTaskFailed {
		t.Errorf("Expected failed event, got %v", types)
	}
}

func TestDeleted_CompletedTaskKeepsNoSlot(t *testing.T) {
	e := newEnv(t, Options{CleanupDelay: time.Hour})
	ctx := context.Background()
	task := e.runningTask(t, "task-1")
	e.handler.Complete(ctx, task.ID)

	e.handler.Handle(ctx, models.Event{Type: models.EventSessionDeleted, SessionID: task.SessionID})

	if _, ok := e.store.Get(task.ID); ok {
		t.Error("Expected record deleted")
	}
	if e.gate.ActiveCount("explore") != 0 {
		t.Error("Expected no double release")
	}
}

func TestFail_PendingTask(t *testing.T) {
	e := newEnv(t, Options{CleanupDelay: time.Hour})
	e.store.Set(models.Task{ID: "task-q", ParentSessionID: "parent", Status: models.TaskStatusPending})
	e.store.TrackPending("parent", "task-q")

	if !e.handler.Fail(context.Background(), "task-q", "admission: circuit open") {
		t.Fatal("Expected pending task to fail")
	}
	got, _ := e.store.Get("task-q")
	if got.Status != models.TaskStatusError || got.Error != "admission: circuit open" {
		t.Errorf("Unexpected task %+v", got)
	}
	if e.handler.Fail(context.Background(), "task-q", "again") {
		t.Error("Expected terminal task to stay put")
	}
}

func TestRun_ConsumesChannel(t *testing.T) {
	e := newEnv(t, Options{})
	var seen []string
	e.handler.OnSessionIdle(func(ctx context.Context, id string) { seen = append(seen, id) })

	ch := make(chan models.Event, 2)
	ch <- idle("a")
	ch <- idle("b")
	close(ch)

	e.handler.Run(context.Background(), ch)
	if len(seen) != 2 {
		t.Errorf("Expected 2 forwarded events, got %v", seen)
	}
}
