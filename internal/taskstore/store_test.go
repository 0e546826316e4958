package taskstore

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/fentz26/swarm/internal/models"
)

type mockArchiver struct {
	archived []models.ArchivedTask
	err      error
}

func (m *mockArchiver) ArchiveTasks(tasks []models.ArchivedTask) error {
	if m.err != nil {
		return m.err
	}
	m.archived = append(m.archived, tasks...)
	return nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(DefaultOptions(), nil, nil)
}

func TestSetGetDelete(t *testing.T) {
	s := newTestStore(t)

	s.Set(models.Task{ID: "task-1", ParentSessionID: "parent", Status: models.TaskStatusPending})

	got, ok := s.Get("task-1")
	if !ok {
		t.Fatal("Expected task to exist")
	}
	if got.ParentSessionID != "parent" {
		t.Errorf("Expected parent 'parent', got '%s'", got.ParentSessionID)
	}

	// Mutating the copy must not leak into the store
	got.Status = models.TaskStatusCompleted
	again, _ := s.Get("task-1")
	if again.Status != models.TaskStatusPending {
		t.Errorf("Expected stored status pending, got %s", again.Status)
	}

	if !s.Delete("task-1") {
		t.Error("Expected delete to report existing task")
	}
	if _, ok := s.Get("task-1"); ok {
		t.Error("Expected task to be gone")
	}
	if s.Delete("task-1") {
		t.Error("Expected second delete to report missing task")
	}
}

func TestGetByParentAndRunning(t *testing.T) {
	s := newTestStore(t)
	s.Set(models.Task{ID: "a", ParentSessionID: "p1", Status: models.TaskStatusRunning})
	s.Set(models.Task{ID: "b", ParentSessionID: "p1", Status: models.TaskStatusPending})
	s.Set(models.Task{ID: "c", ParentSessionID: "p2", Status: models.TaskStatusRunning})

	if n := len(s.GetByParent("p1")); n != 2 {
		t.Errorf("Expected 2 tasks for p1, got %d", n)
	}
	if n := len(s.GetRunning()); n != 2 {
		t.Errorf("Expected 2 running tasks, got %d", n)
	}
	if n := len(s.GetAll()); n != 3 {
		t.Errorf("Expected 3 tasks, got %d", n)
	}
}

func TestFindBySession(t *testing.T) {
	s := newTestStore(t)
	s.Set(models.Task{ID: "a", SessionID: "ses-a"})

	task, ok := s.FindBySession("ses-a")
	if !ok || task.ID != "a" {
		t.Fatalf("Expected to find task a, got %+v (ok=%v)", task, ok)
	}
	if _, ok := s.FindBySession("ses-missing"); ok {
		t.Error("Expected no task for unknown session")
	}
}

func TestPendingTracking(t *testing.T) {
	s := newTestStore(t)

	s.TrackPending("parent", "a")
	s.TrackPending("parent", "b")
	s.TrackPending("parent", "b")

	if n := s.PendingCount("parent"); n != 2 {
		t.Errorf("Expected 2 pending, got %d", n)
	}

	s.UntrackPending("parent", "a")
	if !s.HasPending("parent") {
		t.Error("Expected parent to still have pending tasks")
	}

	s.UntrackPending("parent", "b")
	if s.HasPending("parent") {
		t.Error("Expected no pending tasks")
	}
	if st := s.Stats(); st.PendingParents != 0 {
		t.Errorf("Expected empty pending set to be dropped, got %d parents", st.PendingParents)
	}

	// Untracking an unknown parent is a no-op
	s.UntrackPending("nobody", "x")
}

func TestNotificationQueue(t *testing.T) {
	s := newTestStore(t)

	s.QueueNotification(models.Task{ID: "a", ParentSessionID: "p1"})
	s.QueueNotification(models.Task{ID: "b", ParentSessionID: "p1"})
	s.QueueNotification(models.Task{ID: "a", ParentSessionID: "p2"})

	s.ClearNotificationsForTask("a")

	p1 := s.Notifications("p1")
	if len(p1) != 1 || p1[0].ID != "b" {
		t.Errorf("Expected only b queued for p1, got %+v", p1)
	}
	if n := len(s.Notifications("p2")); n != 0 {
		t.Errorf("Expected p2 queue to be dropped, got %d entries", n)
	}
	if st := s.Stats(); st.NotificationQueues != 1 {
		t.Errorf("Expected 1 notification queue, got %d", st.NotificationQueues)
	}

	s.ClearNotifications("p1")
	if n := len(s.Notifications("p1")); n != 0 {
		t.Errorf("Expected empty queue after clear, got %d", n)
	}
}

func TestNotificationQueue_DropsOldest(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxNotificationsPerParent = 3
	s := New(opts, nil, nil)

	for i := 0; i < 5; i++ {
		s.QueueNotification(models.Task{ID: fmt.Sprintf("t%d", i), ParentSessionID: "p"})
	}

	q := s.Notifications("p")
	if len(q) != 3 {
		t.Fatalf("Expected 3 queued notifications, got %d", len(q))
	}
	if q[0].ID != "t2" || q[2].ID != "t4" {
		t.Errorf("Expected t2..t4 to survive, got %s..%s", q[0].ID, q[2].ID)
	}
}

func TestTakeConcurrencyKey_SingleShot(t *testing.T) {
	s := newTestStore(t)
	s.Set(models.Task{ID: "a", ConcurrencyKey: "explore"})

	if key := s.TakeConcurrencyKey("a"); key != "explore" {
		t.Fatalf("Expected key 'explore', got '%s'", key)
	}
	if key := s.TakeConcurrencyKey("a"); key != "" {
		t.Errorf("Expected second take to return empty key, got '%s'", key)
	}
	if key := s.TakeConcurrencyKey("missing"); key != "" {
		t.Errorf("Expected empty key for missing task, got '%s'", key)
	}
}

func TestGC(t *testing.T) {
	arch := &mockArchiver{}
	s := New(DefaultOptions(), arch, nil)

	now := time.Now()
	s.now = func() time.Time { return now }

	old := now.Add(-time.Hour)
	recent := now.Add(-time.Minute)

	s.Set(models.Task{ID: "old-done", Status: models.TaskStatusCompleted, CompletedAt: &old, Prompt: "p"})
	s.Set(models.Task{ID: "old-err", Status: models.TaskStatusError, CompletedAt: &old})
	s.Set(models.Task{ID: "new-done", Status: models.TaskStatusCompleted, CompletedAt: &recent})
	s.Set(models.Task{ID: "running", Status: models.TaskStatusRunning})

	removed := s.GC()
	if removed != 2 {
		t.Errorf("Expected 2 removed tasks, got %d", removed)
	}
	if len(arch.archived) != 1 || arch.archived[0].ID != "old-done" {
		t.Errorf("Expected old-done archived, got %+v", arch.archived)
	}
	if _, ok := s.Get("new-done"); !ok {
		t.Error("Expected recent completed task to be kept")
	}
	if _, ok := s.Get("running"); !ok {
		t.Error("Expected running task to be kept")
	}
	if st := s.Stats(); st.ArchivedTasks != 1 {
		t.Errorf("Expected archived count 1, got %d", st.ArchivedTasks)
	}
}

func TestArchived_TruncatesPromptByRune(t *testing.T) {
	now := time.Now()
	task := &models.Task{
		ID:          "t1",
		Prompt:      strings.Repeat("日本", 150),
		Status:      models.TaskStatusCompleted,
		CompletedAt: &now,
	}

	row := archived(task, now)
	if !utf8.ValidString(row.Prompt) {
		t.Fatalf("Expected valid UTF-8 prompt, got %q", row.Prompt)
	}
	if n := utf8.RuneCountInString(row.Prompt); n != 200 {
		t.Errorf("Expected 200 runes, got %d", n)
	}

	task.Prompt = "short"
	if row := archived(task, now); row.Prompt != "short" {
		t.Errorf("Expected short prompt unchanged, got %q", row.Prompt)
	}
}

func TestGC_ArchiveFailureStillRemoves(t *testing.T) {
	arch := &mockArchiver{err: errors.New("disk full")}
	s := New(DefaultOptions(), arch, nil)

	old := time.Now().Add(-2 * time.Hour)
	s.Set(models.Task{ID: "old-done", Status: models.TaskStatusCompleted, CompletedAt: &old})

	if removed := s.GC(); removed != 1 {
		t.Errorf("Expected 1 removed task, got %d", removed)
	}
	if st := s.Stats(); st.ArchivedTasks != 0 {
		t.Errorf("Expected archived count 0 after failure, got %d", st.ArchivedTasks)
	}
}

func TestForceCleanup(t *testing.T) {
	s := newTestStore(t)
	s.Set(models.Task{ID: "a", Status: models.TaskStatusRunning})
	s.Set(models.Task{ID: "b", Status: models.TaskStatusCompleted})
	s.Set(models.Task{ID: "c", Status: models.TaskStatusPending})

	if removed := s.ForceCleanup(); removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}
	if _, ok := s.Get("a"); !ok {
		t.Error("Expected running task to survive")
	}
}
