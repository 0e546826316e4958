// Package taskstore keeps the in-memory registry of tasks, the per-parent
// pending sets and the per-parent completion notification queues.
package taskstore

import (
	"sync"
	"time"

	"github.com/fentz26/swarm/internal/models"
	"github.com/hashicorp/go-hclog"
)

// Archiver receives finished tasks collected by GC.
type Archiver interface {
	ArchiveTasks(tasks []models.ArchivedTask) error
}

// Options bound the memory held by a Store.
type Options struct {
	MaxTasks                  int           `yaml:"max_tasks"`
	MaxNotificationsPerParent int           `yaml:"max_notifications_per_parent"`
	ArchiveAge                time.Duration `yaml:"archive_age"`
	ErrorCleanupAge           time.Duration `yaml:"error_cleanup_age"`
}

// DefaultOptions returns the default limits.
func DefaultOptions() Options {
	return Options{
		MaxTasks:                  1000,
		MaxNotificationsPerParent: 100,
		ArchiveAge:                30 * time.Minute,
		ErrorCleanupAge:           10 * time.Minute,
	}
}

// Stats summarises the store's memory footprint.
type Stats struct {
	TasksInMemory      int `json:"tasks_in_memory"`
	RunningTasks       int `json:"running_tasks"`
	ArchivedTasks      int `json:"archived_tasks"`
	NotificationQueues int `json:"notification_queues"`
	PendingParents     int `json:"pending_parents"`
}

// Store is the in-memory task registry. All methods are safe for
// concurrent use and never hand out internal pointers.
type Store struct {
	mu            sync.RWMutex
	tasks         map[string]*models.Task
	pending       map[string]map[string]struct{}
	notifications map[string][]models.Task
	archived      int

	opts     Options
	archiver Archiver
	logger   hclog.Logger
	now      func() time.Time
}

// New creates an empty store. archiver may be nil.
func New(opts Options, archiver Archiver, logger hclog.Logger) *Store {
	def := DefaultOptions()
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = def.MaxTasks
	}
	if opts.MaxNotificationsPerParent <= 0 {
		opts.MaxNotificationsPerParent = def.MaxNotificationsPerParent
	}
	if opts.ArchiveAge <= 0 {
		opts.ArchiveAge = def.ArchiveAge
	}
	if opts.ErrorCleanupAge <= 0 {
		opts.ErrorCleanupAge = def.ErrorCleanupAge
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{
		tasks:         make(map[string]*models.Task),
		pending:       make(map[string]map[string]struct{}),
		notifications: make(map[string][]models.Task),
		opts:          opts,
		archiver:      archiver,
		logger:        logger.Named("taskstore"),
		now:           time.Now,
	}
}

// --- Registry ---

// Set inserts or replaces a task.
func (s *Store) Set(task models.Task) {
	s.mu.Lock()
	t := task.Clone()
	s.tasks[t.ID] = &t
	over := len(s.tasks) > s.opts.MaxTasks
	s.mu.Unlock()

	if over {
		s.GC()
	}
}

// Get returns a copy of the task.
func (s *Store) Get(id string) (models.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, false
	}
	return t.Clone(), true
}

// Update applies fn to the stored task under the write lock.
// It returns false if the task does not exist.
func (s *Store) Update(id string, fn func(t *models.Task)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	fn(t)
	return true
}

// Delete removes a task record. It reports whether the task existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.tasks[id]
	delete(s.tasks, id)
	return ok
}

// GetAll returns copies of every task.
func (s *Store) GetAll() []models.Task {
	return s.filter(func(*models.Task) bool { return true })
}

// GetRunning returns copies of every running task.
func (s *Store) GetRunning() []models.Task {
	return s.filter(func(t *models.Task) bool { return t.Status == models.TaskStatusRunning })
}

// GetByParent returns the tasks spawned by a parent session.
func (s *Store) GetByParent(parentSessionID string) []models.Task {
	return s.filter(func(t *models.Task) bool { return t.ParentSessionID == parentSessionID })
}

// FindBySession returns the task bound to a remote session.
func (s *Store) FindBySession(sessionID string) (models.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tasks {
		if t.SessionID == sessionID {
			return t.Clone(), true
		}
	}
	return models.Task{}, false
}

func (s *Store) filter(keep func(*models.Task) bool) []models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// TakeConcurrencyKey returns the task's concurrency key and clears it in the
// same critical section. Only the first caller after a grant sees the key.
func (s *Store) TakeConcurrencyKey(id string) string {
	var key string
	s.Update(id, func(t *models.Task) {
		key = t.ConcurrencyKey
		t.ConcurrencyKey = ""
	})
	return key
}

// --- Pending tracking ---

// TrackPending marks a task as outstanding for its parent.
func (s *Store) TrackPending(parentSessionID, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.pending[parentSessionID]
	if !ok {
		set = make(map[string]struct{})
		s.pending[parentSessionID] = set
	}
	set[taskID] = struct{}{}
}

// UntrackPending removes a task from its parent's outstanding set.
func (s *Store) UntrackPending(parentSessionID, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.pending[parentSessionID]
	if !ok {
		return
	}
	delete(set, taskID)
	if len(set) == 0 {
		delete(s.pending, parentSessionID)
	}
}

// PendingCount returns the number of outstanding tasks for a parent.
func (s *Store) PendingCount(parentSessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending[parentSessionID])
}

// HasPending reports whether a parent still has outstanding tasks.
func (s *Store) HasPending(parentSessionID string) bool {
	return s.PendingCount(parentSessionID) > 0
}

// --- Notifications ---

// QueueNotification appends a finished task to its parent's queue,
// dropping the oldest entry once the queue is full.
func (s *Store) QueueNotification(task models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := append(s.notifications[task.ParentSessionID], task.Clone())
	if len(q) > s.opts.MaxNotificationsPerParent {
		q = q[len(q)-s.opts.MaxNotificationsPerParent:]
	}
	s.notifications[task.ParentSessionID] = q
}

// Notifications returns the queued notifications of a parent.
func (s *Store) Notifications(parentSessionID string) []models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := s.notifications[parentSessionID]
	out := make([]models.Task, len(q))
	copy(out, q)
	return out
}

// ClearNotifications empties a parent's queue.
func (s *Store) ClearNotifications(parentSessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notifications, parentSessionID)
}

// ClearNotificationsForTask removes one task's entries from every queue
// without disturbing other tasks.
func (s *Store) ClearNotificationsForTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for parent, q := range s.notifications {
		kept := q[:0:0]
		for _, t := range q {
			if t.ID != taskID {
				kept = append(kept, t)
			}
		}
		switch {
		case len(kept) == 0:
			delete(s.notifications, parent)
		case len(kept) != len(q):
			s.notifications[parent] = kept
		}
	}
}

// CleanEmptyNotifications drops empty queues.
func (s *Store) CleanEmptyNotifications() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for parent, q := range s.notifications {
		if len(q) == 0 {
			delete(s.notifications, parent)
		}
	}
}

// --- Garbage Collection ---

// Stats returns memory statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	running := 0
	for _, t := range s.tasks {
		if t.Status == models.TaskStatusRunning {
			running++
		}
	}
	return Stats{
		TasksInMemory:      len(s.tasks),
		RunningTasks:       running,
		ArchivedTasks:      s.archived,
		NotificationQueues: len(s.notifications),
		PendingParents:     len(s.pending),
	}
}

// GC archives completed tasks older than the archive age and drops failed
// tasks older than the error cleanup age. Running and pending tasks are kept.
// It returns the number of removed tasks.
func (s *Store) GC() int {
	now := s.now()

	s.mu.Lock()
	var toArchive []models.ArchivedTask
	removed := 0
	for id, t := range s.tasks {
		if t.CompletedAt == nil || !t.Status.IsTerminal() {
			continue
		}
		age := now.Sub(*t.CompletedAt)
		switch {
		case t.Status == models.TaskStatusCompleted && age > s.opts.ArchiveAge:
			toArchive = append(toArchive, archived(t, now))
		case t.Status != models.TaskStatusCompleted && age > s.opts.ErrorCleanupAge:
		default:
			continue
		}
		delete(s.tasks, id)
		removed++
	}
	s.mu.Unlock()

	if len(toArchive) > 0 && s.archiver != nil {
		if err := s.archiver.ArchiveTasks(toArchive); err != nil {
			s.logger.Warn("archive failed", "tasks", len(toArchive), "error", err)
		} else {
			s.mu.Lock()
			s.archived += len(toArchive)
			s.mu.Unlock()
		}
	}
	if removed > 0 {
		s.logger.Debug("collected tasks", "removed", removed, "archived", len(toArchive))
	}
	return removed
}

// ForceCleanup drops every task that is not running.
func (s *Store) ForceCleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, t := range s.tasks {
		if t.Status != models.TaskStatusRunning {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed
}

// Clear drops all state.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make(map[string]*models.Task)
	s.pending = make(map[string]map[string]struct{})
	s.notifications = make(map[string][]models.Task)
}

func archived(t *models.Task, now time.Time) models.ArchivedTask {
	prompt := t.Prompt
	if r := []rune(prompt); len(r) > 200 {
		prompt = string(r[:200])
	}
	at := *t.CompletedAt
	return models.ArchivedTask{
		ID:              t.ID,
		Agent:           t.Agent,
		Prompt:          prompt,
		Status:          t.Status,
		ParentSessionID: t.ParentSessionID,
		StartedAt:       t.StartedAt,
		CompletedAt:     &at,
		ArchivedAt:      now,
	}
}
