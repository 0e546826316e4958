package events

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/swarm/internal/models"
)

func TestPoll_CompletesIdleSession(t *testing.T) {
	e := newEnv(t, Options{CleanupDelay: time.Hour})
	task := e.runningTask(t, "task-1")
	e.reply(task.SessionID, "done")
	e.clock.advance(3 * time.Second)

	e.poller.Poll(context.Background())

	if got, _ := e.store.Get(task.ID); got.Status != models.TaskStatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
}

func TestPoll_IdleTooEarly(t *testing.T) {
	e := newEnv(t, Options{CleanupDelay: time.Hour})
	task := e.runningTask(t, "task-1")
	e.reply(task.SessionID, "done")

	e.poller.Poll(context.Background())

	if got, _ := e.store.Get(task.ID); got.Status != models.TaskStatusRunning {
		t.Errorf("Expected running, got %s", got.Status)
	}
}

func TestPoll_CompletesAfterStablePolls(t *testing.T) {
	e := newEnv(t, Options{CleanupDelay: time.Hour})
	ctx := context.Background()
	task := e.runningTask(t, "task-1")
	e.conn.SetStatus(task.SessionID, models.SessionBusy)
	e.conn.AddMessage(task.SessionID, models.Message{
		Role: "assistant",
		Parts: []models.Part{
			{Type: models.PartToolUse, Name: "grep"},
			{Type: models.PartText, Text: strings.Repeat("x", 150)},
		},
	})
	e.clock.advance(3 * time.Second)

	// The first poll records the message count; three more see it unchanged.
	for i := 0; i < 3; i++ {
		e.poller.Poll(ctx)
		got, _ := e.store.Get(task.ID)
		if got.Status != models.TaskStatusRunning {
			t.Fatalf("Expected running after poll %d, got %s", i+1, got.Status)
		}
		if got.Progress == nil || got.Progress.ToolCalls != 1 || got.Progress.LastTool != "grep" {
			t.Fatalf("Unexpected progress %+v", got.Progress)
		}
		if len(got.Progress.LastMessage) != 100 {
			t.Fatalf("Expected last message truncated to 100, got %d", len(got.Progress.LastMessage))
		}
	}

	e.poller.Poll(ctx)
	if got, _ := e.store.Get(task.ID); got.Status != models.TaskStatusCompleted {
		t.Errorf("Expected completed after stable polls, got %s", got.Status)
	}
}

func TestPoll_ProgressResetsOnNewMessages(t *testing.T) {
	e := newEnv(t, Options{CleanupDelay: time.Hour})
	ctx := context.Background()
	task := e.runningTask(t, "task-1")
	e.conn.SetStatus(task.SessionID, models.SessionBusy)
	e.reply(task.SessionID, "step one")

	e.poller.Poll(ctx)
	e.poller.Poll(ctx)
	e.reply(task.SessionID, "step two")
	e.poller.Poll(ctx)

	got, _ := e.store.Get(task.ID)
	if got.StablePolls != 0 {
		t.Errorf("Expected stable polls reset, got %d", got.StablePolls)
	}
	if got.Progress.LastMessage != "step two" {
		t.Errorf("Expected latest message, got %q", got.Progress.LastMessage)
	}
}

func TestPoller_StopsWithoutActiveTasks(t *testing.T) {
	e := newEnv(t, Options{PollInterval: 10 * time.Millisecond})

	e.poller.Start()
	if !e.poller.IsRunning() {
		t.Fatal("Expected poller running after start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.poller.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.poller.IsRunning() {
		t.Error("Expected poller to stop itself with nothing to watch")
	}

	// It can be started again.
	e.poller.Start()
	if !e.poller.IsRunning() {
		t.Error("Expected restart")
	}
}
