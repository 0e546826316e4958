// Package controlplane provides the HTTP API and service layer of the
// swarm daemon.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/swarm/internal/audit"
	"github.com/fentz26/swarm/internal/concurrency"
	"github.com/fentz26/swarm/internal/connectors"
	"github.com/fentz26/swarm/internal/events"
	"github.com/fentz26/swarm/internal/launcher"
	"github.com/fentz26/swarm/internal/mission"
	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/scheduler"
	"github.com/fentz26/swarm/internal/sessionpool"
	"github.com/fentz26/swarm/internal/taskstore"
	"github.com/hashicorp/go-hclog"
)

// History reads the persisted audit trail and task archive.
type History interface {
	Ping(ctx context.Context) error
	ListPDR(taskID string, limit int) ([]models.PDREntry, error)
	ListArchived(parentSessionID string, limit int) ([]models.ArchivedTask, error)
}

// Deps are the components a Service fronts. History, Scheduler and Audit
// may be nil.
type Deps struct {
	Conn      connectors.Connector
	Tasks     *taskstore.Store
	Gate      *concurrency.Controller
	Pool      *sessionpool.Pool
	Launcher  *launcher.Launcher
	Handler   *events.Handler
	Cleaner   *events.Cleaner
	Poller    *events.Poller
	Missions  *mission.Controller
	Stream    *events.Stream
	Audit     *audit.PDRWriter
	History   History
	Scheduler *scheduler.Scheduler
}

// Service provides the control plane business logic.
type Service struct {
	Deps
	logger  hclog.Logger
	started time.Time

	mu      sync.Mutex
	results map[string]string
}

// NewService creates a new control plane service.
func NewService(deps Deps, logger hclog.Logger) *Service {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Service{
		Deps:    deps,
		logger:  logger.Named("controlplane"),
		started: time.Now(),
		results: make(map[string]string),
	}
}

// --- Task Operations ---

// LaunchTasks prepares a batch and starts it in the background. Prepared
// tasks are returned even when some inputs failed.
func (s *Service) LaunchTasks(ctx context.Context, inputs []launcher.Input) ([]models.Task, error) {
	tasks, err := s.Launcher.Launch(ctx, inputs...)
	for _, t := range tasks {
		s.Audit.Record("task.launch", map[string]interface{}{
			"agent":       t.Agent,
			"description": t.Description,
			"parent":      t.ParentSessionID,
			"depth":       t.Depth,
		}, audit.OutcomeSuccess, t.ID, fmt.Sprintf("session %s", t.SessionID))
	}
	if err != nil {
		s.Audit.Record("task.launch", inputs, audit.OutcomeFailure, "", err.Error())
	}
	return tasks, err
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(id string) (models.Task, error) {
	task, ok := s.Tasks.Get(id)
	if !ok {
		return models.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, nil
}

// ListTasks returns tasks, oldest first, optionally filtered by status and
// parent session.
func (s *Service) ListTasks(status, parentSessionID string) []models.Task {
	var all []models.Task
	if parentSessionID != "" {
		all = s.Tasks.GetByParent(parentSessionID)
	} else {
		all = s.Tasks.GetAll()
	}

	out := all[:0]
	for _, t := range all {
		if status == "" || string(t.Status) == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CancelTask stops a pending or running task. Its slot is returned, its
// session is discarded and the record is kept for the cleanup window.
func (s *Service) CancelTask(ctx context.Context, id string) (models.Task, error) {
	if _, ok := s.Tasks.Get(id); !ok {
		return models.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	var cancelled models.Task
	ok := false
	s.Tasks.Update(id, func(t *models.Task) {
		if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusRunning {
			return
		}
		now := time.Now()
		t.Status = models.TaskStatusError
		t.Error = "Cancelled by user"
		t.CompletedAt = &now
		cancelled = t.Clone()
		ok = true
	})
	if !ok {
		s.Audit.RecordResult("task.cancel", map[string]string{"task_id": id}, id, ErrNotCancellable)
		return models.Task{}, fmt.Errorf("%w: %s", ErrNotCancellable, id)
	}

	if key := s.Tasks.TakeConcurrencyKey(id); key != "" {
		s.Gate.Release(key)
	}
	s.Tasks.UntrackPending(cancelled.ParentSessionID, id)

	if cancelled.SessionID != "" {
		if err := s.Pool.Invalidate(ctx, cancelled.SessionID); errors.Is(err, sessionpool.ErrUnknownSession) {
			if err := s.Conn.Delete(ctx, cancelled.SessionID); err != nil {
				s.logger.Debug("session already gone", "session", cancelled.SessionID)
			}
		}
	}
	s.Cleaner.ScheduleCleanup(id)

	s.publish(models.EventTaskCancelled, cancelled)
	s.Audit.RecordResult("task.cancel", map[string]string{"task_id": id}, id, nil)
	s.logger.Info("task cancelled", "task", id)
	return cancelled, nil
}

// TaskResult returns the final text of a finished task. Errors are
// returned as "Error: <reason>" and a session without a reply yields
// "(No response)". Completed results are cached.
func (s *Service) TaskResult(ctx context.Context, id string) (string, error) {
	task, ok := s.Tasks.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Result != "" {
		return task.Result, nil
	}
	s.mu.Lock()
	cached, hit := s.results[id]
	s.mu.Unlock()
	if hit {
		return cached, nil
	}

	switch task.Status {
	case models.TaskStatusError, models.TaskStatusTimeout:
		return "Error: " + task.Error, nil
	case models.TaskStatusPending, models.TaskStatusRunning:
		return "", fmt.Errorf("%w: %s is %s", ErrTaskNotFinished, id, task.Status)
	}

	msgs, err := s.Conn.Messages(ctx, task.SessionID)
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	text, found := connectors.LastAssistantText(msgs)
	if !found {
		return "(No response)", nil
	}

	s.Tasks.Update(id, func(t *models.Task) { t.Result = text })
	s.mu.Lock()
	s.results[id] = text
	s.mu.Unlock()
	return text, nil
}

// ResumeTask sends a follow-up prompt to the session of an existing task.
func (s *Service) ResumeTask(ctx context.Context, in launcher.ResumeInput) (models.Task, error) {
	task, err := s.Launcher.Resume(ctx, in)
	s.Audit.RecordResult("task.resume", map[string]string{"session_id": in.SessionID, "parent": in.ParentSessionID}, task.ID, err)
	if err != nil {
		return models.Task{}, err
	}
	s.mu.Lock()
	delete(s.results, task.ID)
	s.mu.Unlock()
	return task, nil
}

// --- Events ---

// IngestEvent feeds an external session signal to the handler.
func (s *Service) IngestEvent(ctx context.Context, ev models.Event) error {
	if ev.Type != models.EventSessionIdle && ev.Type != models.EventSessionDeleted {
		return fmt.Errorf("%w: %q", ErrInvalidEvent, ev.Type)
	}
	if ev.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.Handler.Handle(ctx, ev)
	s.Audit.Record("event.ingest", ev, audit.OutcomeSuccess, "", string(ev.Type)+" "+ev.SessionID)
	return nil
}

// Subscribe attaches a listener to the lifecycle stream.
func (s *Service) Subscribe(buffer int) (<-chan models.Event, func()) {
	return s.Stream.Subscribe(buffer)
}

func (s *Service) publish(typ models.EventType, task models.Task) {
	if s.Stream == nil {
		return
	}
	s.Stream.Publish(models.Event{
		Type:      typ,
		SessionID: task.SessionID,
		TaskID:    task.ID,
		Time:      time.Now(),
		Data:      map[string]string{"agent": task.Agent, "status": string(task.Status), "reason": task.Error},
	})
}

// --- Gate Operations ---

// GateInfo returns the admission state of every known key.
func (s *Service) GateInfo() []concurrency.KeyInfo {
	return s.Gate.Snapshot()
}

// SetLimit overrides the limit of a key.
func (s *Service) SetLimit(key string, limit int) error {
	err := s.Gate.SetLimit(key, limit)
	s.Audit.RecordResult("gate.set_limit", map[string]interface{}{"key": key, "limit": limit}, "", err)
	return err
}

// ResetCircuit closes the breaker of a key.
func (s *Service) ResetCircuit(key string) {
	s.Gate.ResetCircuit(key)
	s.Audit.Record("gate.reset", map[string]string{"key": key}, audit.OutcomeSuccess, "", "")
}

// --- Pool Operations ---

// PoolView is the pool's stats plus its sessions.
type PoolView struct {
	Stats    sessionpool.Stats      `json:"stats"`
	Sessions []models.PooledSession `json:"sessions"`
}

// PoolInfo returns the pool's state.
func (s *Service) PoolInfo() PoolView {
	return PoolView{Stats: s.Pool.Stats(), Sessions: s.Pool.Sessions()}
}

// --- Mission Operations ---

// StartMission begins a mission.
func (s *Service) StartMission(ctx context.Context, sessionID, prompt string, maxIterations int) (models.MissionState, error) {
	state, err := s.Missions.Start(ctx, sessionID, prompt, maxIterations)
	s.Audit.RecordResult("mission.start", map[string]interface{}{
		"session_id": sessionID, "prompt": prompt, "max_iterations": maxIterations,
	}, "", err)
	return state, err
}

// GetMission returns a mission's state.
func (s *Service) GetMission(ctx context.Context, sessionID string) (models.MissionState, error) {
	return s.Missions.Get(ctx, sessionID)
}

// ListMissions returns every mission.
func (s *Service) ListMissions(ctx context.Context) ([]models.MissionState, error) {
	return s.Missions.List(ctx)
}

// PassMission runs one mission pass now.
func (s *Service) PassMission(ctx context.Context, sessionID string) (mission.Outcome, error) {
	out, err := s.Missions.Pass(ctx, sessionID)
	s.Audit.RecordResult("mission.pass", map[string]string{"session_id": sessionID, "action": string(out.Action)}, "", err)
	return out, err
}

// CancelMission stops a mission.
func (s *Service) CancelMission(ctx context.Context, sessionID string) (models.MissionState, error) {
	state, err := s.Missions.Cancel(ctx, sessionID)
	s.Audit.RecordResult("mission.cancel", map[string]string{"session_id": sessionID}, "", err)
	return state, err
}

// --- History ---

// AuditTrail returns recent audit records.
func (s *Service) AuditTrail(taskID string, limit int) ([]models.PDREntry, error) {
	if s.History == nil {
		return nil, ErrHistoryDisabled
	}
	return s.History.ListPDR(taskID, limit)
}

// ArchivedTasks returns tasks collected from memory.
func (s *Service) ArchivedTasks(parentSessionID string, limit int) ([]models.ArchivedTask, error) {
	if s.History == nil {
		return nil, ErrHistoryDisabled
	}
	return s.History.ListArchived(parentSessionID, limit)
}

// --- Stats ---

// Stats is the daemon-wide snapshot served by /stats.
type Stats struct {
	Uptime          string                `json:"uptime"`
	Transport       string                `json:"transport"`
	Tasks           taskstore.Stats       `json:"tasks"`
	Pool            sessionpool.Stats     `json:"pool"`
	Gate            []concurrency.KeyInfo `json:"gate"`
	GlobalActive    int                   `json:"global_active"`
	Subscribers     int                   `json:"subscribers"`
	DroppedEvents   int                   `json:"dropped_events"`
	PendingCleanups int                   `json:"pending_cleanups"`
	PollerRunning   bool                  `json:"poller_running"`
	Jobs            []scheduler.JobStats  `json:"jobs,omitempty"`
}

// Stats returns a snapshot of every component.
func (s *Service) Stats() Stats {
	st := Stats{
		Uptime:          time.Since(s.started).Round(time.Second).String(),
		Transport:       s.Conn.Name(),
		Tasks:           s.Tasks.Stats(),
		Pool:            s.Pool.Stats(),
		Gate:            s.Gate.Snapshot(),
		GlobalActive:    s.Gate.GlobalActive(),
		PendingCleanups: s.Cleaner.Pending(),
		PollerRunning:   s.Poller.IsRunning(),
	}
	if s.Stream != nil {
		st.Subscribers = s.Stream.Subscribers()
		st.DroppedEvents = s.Stream.Dropped()
	}
	if s.Scheduler != nil {
		st.Jobs = s.Scheduler.GetStats()
	}
	return st
}

// Ping checks the persistent store, if any.
func (s *Service) Ping(ctx context.Context) error {
	if s.History == nil {
		return nil
	}
	return s.History.Ping(ctx)
}
