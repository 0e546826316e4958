package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/swarm/internal/config"
	"github.com/fentz26/swarm/internal/controlplane"
	"github.com/fentz26/swarm/internal/models"
	"github.com/hashicorp/go-hclog"
)

func TestBuildDaemon_MemoryTransport(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transport.Kind = config.TransportMemory
	cfg.Store.Path = filepath.Join(t.TempDir(), "swarm.db")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Failed to validate config: %v", err)
	}

	d, err := buildDaemon(cfg, hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("Failed to build daemon: %v", err)
	}
	d.start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.stop(ctx)
	}()

	srv := httptest.NewServer(d.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to call health: %v", err)
	}
	var health controlplane.HealthResponse
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	body, _ := json.Marshal(controlplane.LaunchRequest{TaskInput: controlplane.TaskInput{
		Description: "scan",
		Prompt:      "find the config loader",
		Agent:       "explore",
	}})
	resp, err = http.Post(srv.URL+"/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to launch: %v", err)
	}
	var launched controlplane.LaunchResponse
	json.NewDecoder(resp.Body).Decode(&launched)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || len(launched.Tasks) != 1 {
		t.Fatalf("Expected one launched task, got %d: %+v", resp.StatusCode, launched)
	}
	if launched.Tasks[0].Status != models.TaskStatusPending && launched.Tasks[0].Status != models.TaskStatusRunning {
		t.Errorf("Unexpected status %s", launched.Tasks[0].Status)
	}

	resp, err = http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	var stats controlplane.Stats
	json.NewDecoder(resp.Body).Decode(&stats)
	resp.Body.Close()
	if len(stats.Jobs) != 3 {
		t.Errorf("Expected 3 scheduled jobs, got %d", len(stats.Jobs))
	}
}

func TestBuildDaemon_WithoutStore(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transport.Kind = config.TransportMemory
	cfg.Store.Path = ""

	d, err := buildDaemon(cfg, hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("Failed to build daemon: %v", err)
	}
	if d.store != nil {
		t.Error("Expected no store")
	}

	w := httptest.NewRecorder()
	d.server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/history", nil))
	if w.Code == http.StatusOK {
		t.Errorf("Expected history to be unavailable without a store, got %d", w.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.stop(ctx)
}

func TestEventsURL(t *testing.T) {
	tests := []struct {
		api     string
		task    string
		session string
		want    string
		wantErr bool
	}{
		{"http://127.0.0.1:7467", "", "", "ws://127.0.0.1:7467/events/ws", false},
		{"https://swarm.local/", "task-1", "", "wss://swarm.local/events/ws?task=task-1", false},
		{"http://h:1", "task-1", "ses_2", "ws://h:1/events/ws?session=ses_2&task=task-1", false},
		{"ftp://h", "", "", "", true},
	}
	for _, tt := range tests {
		got, err := eventsURL(tt.api, tt.task, tt.session)
		if (err != nil) != tt.wantErr {
			t.Errorf("eventsURL(%q) error = %v, wantErr %v", tt.api, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("eventsURL(%q) = %q, want %q", tt.api, got, tt.want)
		}
	}
}

func TestFormatEvent(t *testing.T) {
	ev := models.Event{
		Type:      models.EventTaskCompleted,
		TaskID:    "task-1",
		SessionID: "ses_1",
		Time:      time.Now(),
		Data:      map[string]string{"status": "completed", "agent": "explore"},
	}
	got := formatEvent(ev)
	for _, want := range []string{"task.completed", "task=task-1", "session=ses_1", `agent="explore" status="completed"`} {
		if !strings.Contains(got, want) {
			t.Errorf("Expected %q in %q", want, got)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("Expected unchanged, got %q", got)
	}
	if got := truncate("a much longer description", 10); got != "a much ..." {
		t.Errorf("Expected truncated, got %q", got)
	}
}
