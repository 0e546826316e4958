// Package launcher turns launch requests into pending tasks backed by
// pooled sessions and runs each one once the admission gate lets it.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/swarm/internal/connectors"
	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/routing"
	"github.com/fentz26/swarm/internal/taskstore"
	"github.com/fentz26/swarm/internal/workpool"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

var (
	// ErrMaxDepth rejects a launch that would nest tasks too deeply.
	ErrMaxDepth = errors.New("maximum task depth reached")
	// ErrNoInputs rejects an empty launch.
	ErrNoInputs = errors.New("no tasks to launch")
	// ErrTaskNotFound is returned by Resume for unknown sessions.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskPending is returned by Resume for a task still waiting for
	// its first run.
	ErrTaskPending = errors.New("task has not started yet")
)

// Gate admits work per concurrency key.
type Gate interface {
	Acquire(ctx context.Context, key string, priority models.Priority) error
	Release(key string)
	ReportResult(key string, success bool)
}

// Sessions hands out backing sessions.
type Sessions interface {
	Acquire(ctx context.Context, category, parentID, description string) (models.PooledSession, error)
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(ev models.Event)
}

// ErrorFunc is called when a task fails after preparation.
type ErrorFunc func(task models.Task, err error)

// Input describes one task to launch.
type Input struct {
	Description     string          `json:"description"`
	Prompt          string          `json:"prompt"`
	Agent           string          `json:"agent,omitempty"`
	ParentSessionID string          `json:"parent_session_id"`
	Priority        models.Priority `json:"priority"`
	// Depth is the depth of the caller; top-level callers use 0.
	Depth int `json:"depth"`
}

// ResumeInput re-prompts the task bound to SessionID.
type ResumeInput struct {
	SessionID       string `json:"session_id"`
	ParentSessionID string `json:"parent_session_id"`
	Prompt          string `json:"prompt"`
}

// Options tune the launcher.
type Options struct {
	MaxDepth      int           `yaml:"max_depth"`
	PromptTimeout time.Duration `yaml:"prompt_timeout"`
	// PrepareLimit bounds parallel preparation; 0 means unbounded.
	PrepareLimit int `yaml:"prepare_limit"`
	// MaxRetries bounds re-sends of a prompt the transport failed to
	// deliver. RetryDelay doubles after every attempt.
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// DefaultOptions returns the default launcher settings.
func DefaultOptions() Options {
	return Options{
		MaxDepth:      3,
		PromptTimeout: 600 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// Launcher prepares and executes tasks.
type Launcher struct {
	conn     connectors.Connector
	store    *taskstore.Store
	gate     Gate
	sessions Sessions
	router   routing.Router
	opts     Options
	logger   hclog.Logger

	onError    ErrorFunc
	onLaunched func()
	publisher  Publisher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates a launcher. router may be nil, in which case inputs without
// an agent are rejected.
func New(conn connectors.Connector, store *taskstore.Store, gate Gate, sessions Sessions, router routing.Router, opts Options, logger hclog.Logger) *Launcher {
	d := DefaultOptions()
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = d.MaxDepth
	}
	if opts.PromptTimeout <= 0 {
		opts.PromptTimeout = d.PromptTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = d.RetryDelay
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Launcher{
		conn:     conn,
		store:    store,
		gate:     gate,
		sessions: sessions,
		router:   router,
		opts:     opts,
		logger:   logger.Named("launcher"),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// OnError sets the callback for failures after preparation.
func (l *Launcher) OnError(fn ErrorFunc) { l.onError = fn }

// OnLaunched sets a hook run after every launch that produced tasks.
// The daemon uses it to start the poller.
func (l *Launcher) OnLaunched(fn func()) { l.onLaunched = fn }

// SetPublisher sets the lifecycle event sink.
func (l *Launcher) SetPublisher(p Publisher) { l.publisher = p }

// Launch prepares every input in parallel and starts execution for each
// prepared task in the background. Failed inputs are dropped; their
// errors are joined into the returned error alongside the tasks that
// were prepared.
func (l *Launcher) Launch(ctx context.Context, inputs ...Input) ([]models.Task, error) {
	if len(inputs) == 0 {
		return nil, ErrNoInputs
	}

	prepared := make([]models.Task, len(inputs))
	idx := make([]int, len(inputs))
	for i := range idx {
		idx[i] = i
	}
	errs := workpool.Run(ctx, idx, l.opts.PrepareLimit, func(ctx context.Context, i int) error {
		t, err := l.prepare(ctx, inputs[i])
		if err != nil {
			return err
		}
		prepared[i] = t
		return nil
	})

	var tasks []models.Task
	var failures []error
	for i, err := range errs {
		if err != nil {
			l.logger.Warn("task preparation failed", "description", inputs[i].Description, "error", err)
			failures = append(failures, fmt.Errorf("input %d (%s): %w", i, inputs[i].Description, err))
			continue
		}
		tasks = append(tasks, prepared[i])
	}

	for _, t := range tasks {
		l.wg.Add(1)
		go l.execute(t)
	}
	if len(tasks) > 0 && l.onLaunched != nil {
		l.onLaunched()
	}
	return tasks, errors.Join(failures...)
}

func (l *Launcher) prepare(ctx context.Context, in Input) (models.Task, error) {
	if in.Depth >= l.opts.MaxDepth {
		return models.Task{}, fmt.Errorf("%w (%d): no further sub-tasks can be spawned", ErrMaxDepth, l.opts.MaxDepth)
	}
	if in.Agent == "" {
		if l.router == nil {
			return models.Task{}, errors.New("agent is required")
		}
		res := l.router.Route(routing.Request{Description: in.Description, Prompt: in.Prompt})
		in.Agent = res.Category
		l.logger.Debug("routed task", "description", in.Description, "agent", in.Agent, "rules", res.MatchedRules)
	}

	session, err := l.sessions.Acquire(ctx, in.Agent, in.ParentSessionID, in.Description)
	if err != nil {
		return models.Task{}, err
	}

	now := l.now()
	task := models.Task{
		ID:              "task-" + uuid.NewString()[:8],
		SessionID:       session.ID,
		ParentSessionID: in.ParentSessionID,
		Description:     in.Description,
		Prompt:          in.Prompt,
		Agent:           in.Agent,
		Priority:        in.Priority,
		Status:          models.TaskStatusPending,
		CreatedAt:       now,
		StartedAt:       now,
		Depth:           in.Depth + 1,
	}
	l.store.Set(task)
	l.store.TrackPending(in.ParentSessionID, task.ID)

	l.logger.Info("task prepared", "task", task.ID, "agent", task.Agent, "session", task.SessionID, "depth", task.Depth)
	l.publish(models.EventTaskLaunched, task)
	return task, nil
}

// execute waits for admission, marks the task running and fires the prompt.
func (l *Launcher) execute(task models.Task) {
	defer l.wg.Done()

	if err := l.gate.Acquire(l.ctx, task.Agent, task.Priority); err != nil {
		l.fail(task, fmt.Errorf("admission for %s: %w", task.Agent, err))
		return
	}

	started := false
	l.store.Update(task.ID, func(t *models.Task) {
		if t.Status != models.TaskStatusPending {
			return
		}
		t.Status = models.TaskStatusRunning
		t.StartedAt = l.now()
		t.ConcurrencyKey = task.Agent
		started = true
	})
	if !started {
		// Deleted or resolved while queued.
		l.gate.Release(task.Agent)
		return
	}
	l.publish(models.EventTaskStarted, task)

	ctx, cancel := context.WithTimeout(l.ctx, l.opts.PromptTimeout)
	defer cancel()

	err := l.dispatch(ctx, task, connectors.PromptRequest{Agent: task.Agent, Text: task.Prompt})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("session prompt execution timed out after %s: %w", l.opts.PromptTimeout, err)
		}
		if key := l.store.TakeConcurrencyKey(task.ID); key != "" {
			l.gate.Release(key)
			l.gate.ReportResult(key, false)
		}
		l.fail(task, err)
	}
}

// dispatch sends a prompt, re-sending with exponential backoff while the
// transport reports a delivery failure. A session the host no longer knows
// is not retried. The caller keeps its slot throughout.
func (l *Launcher) dispatch(ctx context.Context, task models.Task, req connectors.PromptRequest) error {
	delay := l.opts.RetryDelay
	for attempt := 0; ; attempt++ {
		err := l.conn.Prompt(ctx, task.SessionID, req)
		if err == nil {
			return nil
		}
		if !errors.Is(err, connectors.ErrTransport) || errors.Is(err, connectors.ErrSessionNotFound) {
			return err
		}
		if attempt >= l.opts.MaxRetries {
			return fmt.Errorf("giving up after %d retries: %w", attempt, err)
		}

		l.logger.Warn("prompt delivery failed, retrying", "task", task.ID, "attempt", attempt+1, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay *= 2
	}
}

func (l *Launcher) fail(task models.Task, err error) {
	l.logger.Error("task execution failed", "task", task.ID, "error", err)
	if l.onError != nil {
		if cur, ok := l.store.Get(task.ID); ok {
			task = cur
		}
		l.onError(task, err)
	}
}

// Resume re-prompts the session of an existing task and restarts its
// lifecycle. The resumed run holds no admission slot.
func (l *Launcher) Resume(ctx context.Context, in ResumeInput) (models.Task, error) {
	existing, ok := l.store.FindBySession(in.SessionID)
	if !ok {
		return models.Task{}, fmt.Errorf("%w for session %s", ErrTaskNotFound, in.SessionID)
	}

	pending := false
	l.store.Update(existing.ID, func(t *models.Task) {
		if t.Status == models.TaskStatusPending {
			pending = true
			return
		}
		t.Status = models.TaskStatusRunning
		t.CompletedAt = nil
		t.Error = ""
		t.Result = ""
		t.ParentSessionID = in.ParentSessionID
		t.StartedAt = l.now()
		t.StablePolls = 0
		t.LastMsgCount = 0
	})
	if pending {
		return models.Task{}, fmt.Errorf("%w: %s", ErrTaskPending, existing.ID)
	}
	l.store.TrackPending(in.ParentSessionID, existing.ID)
	task, _ := l.store.Get(existing.ID)

	l.logger.Info("resuming task", "task", task.ID, "session", task.SessionID)
	l.publish(models.EventTaskStarted, task)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ctx, cancel := context.WithTimeout(l.ctx, l.opts.PromptTimeout)
		defer cancel()
		if err := l.dispatch(ctx, task, connectors.PromptRequest{Agent: task.Agent, Text: in.Prompt}); err != nil {
			l.fail(task, fmt.Errorf("resume prompt: %w", err))
		}
	}()

	if l.onLaunched != nil {
		l.onLaunched()
	}
	return task, nil
}

// Stop cancels queued and in-flight executions and waits for them.
func (l *Launcher) Stop() {
	l.cancel()
	l.wg.Wait()
}

func (l *Launcher) publish(typ models.EventType, task models.Task) {
	if l.publisher == nil {
		return
	}
	l.publisher.Publish(models.Event{
		Type:      typ,
		SessionID: task.SessionID,
		TaskID:    task.ID,
		Time:      l.now(),
		Data:      map[string]string{"agent": task.Agent},
	})
}
