package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/swarm/internal/models"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNew_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	if err := s.Save(context.Background(), models.MissionState{
		SessionID: "ses_1", Status: models.MissionActive, Iteration: 1, MaxIterations: 10,
		Prompt: "persist me", StartedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.Close()

	s, err = New(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s.Close()

	got, err := s.Load(context.Background(), "ses_1")
	if err != nil {
		t.Fatalf("Load after reopen failed: %v", err)
	}
	if got.Prompt != "persist me" {
		t.Errorf("Expected prompt to survive reopen, got %q", got.Prompt)
	}
}

func TestPDR(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	first, err := s.WritePDR("task.launch", "abc123", "success", "task-1", "agent=explore")
	if err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}
	if first.ID == "" {
		t.Error("PDR ID should not be empty")
	}
	if _, err := s.WritePDR("task.cancel", "def456", "success", "task-2", ""); err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}

	all, err := s.ListPDR("", 0)
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(all))
	}

	one, err := s.ListPDR("task-1", 10)
	if err != nil {
		t.Fatalf("ListPDR with filter failed: %v", err)
	}
	if len(one) != 1 || one[0].Action != "task.launch" || one[0].Details != "agent=explore" {
		t.Errorf("Unexpected filtered records: %+v", one)
	}

	limited, err := s.ListPDR("", 1)
	if err != nil {
		t.Fatalf("ListPDR with limit failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected limit to apply, got %d", len(limited))
	}
}

func TestArchiveTasks(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	started := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	done := started.Add(5 * time.Minute)
	tasks := []models.ArchivedTask{
		{ID: "task-1", Agent: "explore", Prompt: "find it", Status: models.TaskStatusCompleted,
			ParentSessionID: "parent-a", StartedAt: started, CompletedAt: &done, ArchivedAt: done.Add(time.Hour)},
		{ID: "task-2", Agent: "build", Status: models.TaskStatusError,
			ParentSessionID: "parent-b", StartedAt: started, ArchivedAt: done.Add(2 * time.Hour)},
	}

	if err := s.ArchiveTasks(tasks); err != nil {
		t.Fatalf("ArchiveTasks failed: %v", err)
	}
	// Archiving the same rows again replaces them.
	if err := s.ArchiveTasks(tasks[:1]); err != nil {
		t.Fatalf("ArchiveTasks (repeat) failed: %v", err)
	}
	if err := s.ArchiveTasks(nil); err != nil {
		t.Fatalf("ArchiveTasks (empty) failed: %v", err)
	}

	n, err := s.CountArchived(context.Background())
	if err != nil {
		t.Fatalf("CountArchived failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 archived tasks, got %d", n)
	}

	all, err := s.ListArchived("", 0)
	if err != nil {
		t.Fatalf("ListArchived failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "task-2" {
		t.Fatalf("Expected newest first, got %+v", all)
	}
	if all[0].CompletedAt != nil {
		t.Error("Expected nil completion time for task-2")
	}

	byParent, err := s.ListArchived("parent-a", 10)
	if err != nil {
		t.Fatalf("ListArchived with filter failed: %v", err)
	}
	if len(byParent) != 1 {
		t.Fatalf("Expected 1 task for parent-a, got %d", len(byParent))
	}
	got := byParent[0]
	if got.Prompt != "find it" || got.Status != models.TaskStatusCompleted {
		t.Errorf("Unexpected archived task %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("Expected completion time %v, got %v", done, got.CompletedAt)
	}
}

func newTestStore(t *testing.T) *Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}
