package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fentz26/swarm/internal/models"
)

type countingCollector struct{ calls atomic.Int32 }

func (c *countingCollector) GC() int {
	c.calls.Add(1)
	return 2
}

type fakeMissions struct {
	mu     sync.Mutex
	states []models.MissionState
	err    error
	passed []string
}

func (f *fakeMissions) List(context.Context) ([]models.MissionState, error) {
	return f.states, f.err
}

func (f *fakeMissions) HandleIdle(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passed = append(f.passed, id)
}

func TestScheduler_RunsJobsOnTicker(t *testing.T) {
	sch := New(nil)
	c := &countingCollector{}
	sch.Add("task-gc", 10*time.Millisecond, GCJob(c))
	sch.Start()

	deadline := time.Now().Add(2 * time.Second)
	for c.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sch.Stop()

	if c.calls.Load() < 2 {
		t.Fatalf("Expected at least 2 runs, got %d", c.calls.Load())
	}

	stats := sch.GetStats()
	if len(stats) != 1 || stats[0].Runs < 2 || stats[0].Handled != stats[0].Runs*2 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	// No runs after stop.
	after := c.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if c.calls.Load() != after {
		t.Error("Expected no runs after Stop")
	}
}

func TestScheduler_IgnoresDisabledJobs(t *testing.T) {
	sch := New(nil)
	sch.Add("off", 0, func(context.Context) int { return 1 })
	sch.Add("nil", time.Second, nil)

	if len(sch.GetStats()) != 0 {
		t.Error("Expected disabled jobs to be ignored")
	}
	if sch.RunNow("off") {
		t.Error("Expected unknown job")
	}
}

func TestScheduler_AddAfterStart(t *testing.T) {
	sch := New(nil)
	sch.Start()
	defer sch.Stop()

	ran := make(chan struct{}, 1)
	sch.Add("late", 5*time.Millisecond, func(context.Context) int {
		select {
		case ran <- struct{}{}:
		default:
		}
		return 0
	})

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected job added after start to run")
	}
}

func TestMissionJob(t *testing.T) {
	m := &fakeMissions{states: []models.MissionState{
		{SessionID: "ses_a", Status: models.MissionActive},
		{SessionID: "ses_b", Status: models.MissionCompleted},
		{SessionID: "ses_c", Status: models.MissionActive},
	}}

	sch := New(nil)
	sch.Add("mission-tick", time.Hour, MissionJob(m, nil))
	if !sch.RunNow("mission-tick") {
		t.Fatal("Expected job to run")
	}

	if len(m.passed) != 2 || m.passed[0] != "ses_a" || m.passed[1] != "ses_c" {
		t.Errorf("Expected passes for active missions only, got %v", m.passed)
	}
	if got := sch.GetStats()[0].Handled; got != 2 {
		t.Errorf("Expected 2 handled, got %d", got)
	}
}

func TestMissionJob_ListError(t *testing.T) {
	m := &fakeMissions{err: errors.New("db closed")}
	if n := MissionJob(m, nil)(context.Background()); n != 0 {
		t.Errorf("Expected 0 on list error, got %d", n)
	}
}
