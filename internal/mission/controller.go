// Package mission drives a top-level session through repeated passes
// until its todo list is done, the iteration cap is hit or it is cancelled.
package mission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fentz26/swarm/internal/connectors"
	"github.com/fentz26/swarm/internal/models"
	"github.com/hashicorp/go-hclog"
)

// ErrMissionActive rejects starting a second mission on a session.
var ErrMissionActive = errors.New("mission already active for session")

// Action is what one pass did.
type Action string

const (
	ActionSkipped   Action = "skipped"
	ActionContinued Action = "continued"
	ActionCompleted Action = "completed"
	ActionFailed    Action = "failed"
	ActionCancelled Action = "cancelled"
)

// Outcome reports one pass.
type Outcome struct {
	Action       Action              `json:"action"`
	Reason       string              `json:"reason,omitempty"`
	Intervention bool                `json:"intervention,omitempty"`
	State        models.MissionState `json:"state"`
}

// Verifier checks a mission's work before it is marked completed.
type Verifier interface {
	Verify(ctx context.Context, state models.MissionState) (string, error)
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(ev models.Event)
}

// Options tune the loop.
type Options struct {
	MaxIterations       int           `yaml:"max_iterations"`
	StagnationThreshold int           `yaml:"stagnation_threshold"`
	LockStaleAfter      time.Duration `yaml:"lock_stale_after"`
}

// DefaultOptions returns the default loop settings.
func DefaultOptions() Options {
	return Options{
		MaxIterations:       100,
		StagnationThreshold: 2,
		LockStaleAfter:      30 * time.Second,
	}
}

// Controller runs mission passes.
type Controller struct {
	conn      connectors.Connector
	store     StateStore
	verifier  Verifier
	publisher Publisher
	opts      Options
	lock      *continuationLock
	logger    hclog.Logger
	now       func() time.Time
}

// New creates a controller. verifier may be nil.
func New(conn connectors.Connector, store StateStore, verifier Verifier, opts Options, logger hclog.Logger) *Controller {
	d := DefaultOptions()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = d.MaxIterations
	}
	if opts.StagnationThreshold <= 0 {
		opts.StagnationThreshold = d.StagnationThreshold
	}
	if opts.LockStaleAfter <= 0 {
		opts.LockStaleAfter = d.LockStaleAfter
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Controller{
		conn:     conn,
		store:    store,
		verifier: verifier,
		opts:     opts,
		lock:     newContinuationLock(opts.LockStaleAfter),
		logger:   logger.Named("mission"),
		now:      time.Now,
	}
}

// SetPublisher sets the lifecycle event sink.
func (c *Controller) SetPublisher(p Publisher) { c.publisher = p }

// Start begins a mission on sessionID, creating a session when it is
// empty, and sends the opening instruction. maxIterations <= 0 uses the
// default.
func (c *Controller) Start(ctx context.Context, sessionID, prompt string, maxIterations int) (models.MissionState, error) {
	if prompt == "" {
		return models.MissionState{}, errors.New("mission prompt is required")
	}
	if maxIterations <= 0 {
		maxIterations = c.opts.MaxIterations
	}

	if sessionID == "" {
		id, err := c.conn.Create(ctx, "", "Mission: "+firstLine(prompt))
		if err != nil {
			return models.MissionState{}, fmt.Errorf("creating mission session: %w", err)
		}
		sessionID = id
	} else if cur, err := c.store.Load(ctx, sessionID); err == nil && cur.Status == models.MissionActive {
		return cur, ErrMissionActive
	}

	now := c.now()
	state := models.MissionState{
		SessionID:     sessionID,
		Status:        models.MissionActive,
		Iteration:     1,
		MaxIterations: maxIterations,
		Prompt:        prompt,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.Save(ctx, state); err != nil {
		return models.MissionState{}, fmt.Errorf("saving mission state: %w", err)
	}

	if err := c.conn.Prompt(ctx, sessionID, connectors.PromptRequest{Text: commanderPrompt(prompt)}); err != nil {
		c.store.Clear(ctx, sessionID)
		return models.MissionState{}, fmt.Errorf("sending mission prompt: %w", err)
	}

	c.logger.Info("mission started", "session", sessionID, "max_iterations", maxIterations)
	return state, nil
}

// Pass runs one iteration of the loop for sessionID.
func (c *Controller) Pass(ctx context.Context, sessionID string) (Outcome, error) {
	if ok, holder := c.lock.tryAcquire(sessionID, "pass"); !ok {
		return Outcome{Action: ActionSkipped, Reason: "continuation in progress (" + holder + ")"}, nil
	}
	defer c.lock.release(sessionID)

	state, err := c.store.Load(ctx, sessionID)
	if err != nil {
		return Outcome{}, err
	}
	if state.Status != models.MissionActive {
		return Outcome{Action: ActionSkipped, Reason: "mission " + string(state.Status), State: state}, nil
	}

	statuses, err := c.conn.Status(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("reading session status: %w", err)
	}
	if s := statuses[sessionID]; s == models.SessionBusy || s == models.SessionRetry {
		return Outcome{Action: ActionSkipped, Reason: "session still busy", State: state}, nil
	}

	todos, err := c.conn.Todos(ctx, sessionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("reading todos: %w", err)
	}
	var remaining []models.Todo
	for _, t := range todos {
		if t.IsIncomplete() {
			remaining = append(remaining, t)
		}
	}
	if len(todos) > 0 {
		state.SawWork = true
	}

	var intervention string
	if len(remaining) == 0 && state.SawWork {
		verified := true
		if c.verifier != nil {
			out, verr := c.verifier.Verify(ctx, state)
			if verr != nil {
				verified = false
				intervention = verificationPrompt(out, verr)
				c.logger.Warn("mission verification failed", "session", sessionID, "error", verr)
			}
		}
		if verified {
			return c.finish(ctx, state, models.MissionCompleted, ActionCompleted, "all todos completed")
		}
	}

	if state.Iteration >= state.MaxIterations {
		return c.finish(ctx, state, models.MissionFailed, ActionFailed, "max iterations reached")
	}

	hash := hashTodos(remaining)
	if state.WorkHash == hash {
		state.Stagnation++
	} else {
		state.Stagnation = 0
		state.WorkHash = hash
	}
	if state.Stagnation >= c.opts.StagnationThreshold && intervention == "" {
		intervention = interventionText
		c.logger.Info("stagnation detected", "session", sessionID, "count", state.Stagnation)
	}

	state.UpdatedAt = c.now()
	if err := c.store.Save(ctx, state); err != nil {
		return Outcome{}, fmt.Errorf("saving mission state: %w", err)
	}
	n, err := c.store.Increment(ctx, sessionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("incrementing iteration: %w", err)
	}
	state.Iteration = n

	if err := c.conn.Prompt(ctx, sessionID, connectors.PromptRequest{Text: continuationPrompt(state, remaining, intervention)}); err != nil {
		return Outcome{}, fmt.Errorf("sending continuation: %w", err)
	}

	c.logger.Debug("mission continued", "session", sessionID, "iteration", state.Iteration, "remaining", len(remaining))
	c.publish(state, ActionContinued)
	return Outcome{Action: ActionContinued, Intervention: intervention != "", State: state}, nil
}

func (c *Controller) finish(ctx context.Context, state models.MissionState, status models.MissionStatus, action Action, reason string) (Outcome, error) {
	state.Status = status
	state.UpdatedAt = c.now()
	if err := c.store.Save(ctx, state); err != nil {
		return Outcome{}, fmt.Errorf("saving mission state: %w", err)
	}
	c.logger.Info("mission finished", "session", state.SessionID, "status", status, "iteration", state.Iteration, "reason", reason)
	c.publish(state, action)
	return Outcome{Action: action, Reason: reason, State: state}, nil
}

// HandleIdle runs a pass for an idle session when it has a mission. It is
// the hook the event handler calls for sessions that back no task.
func (c *Controller) HandleIdle(ctx context.Context, sessionID string) {
	out, err := c.Pass(ctx, sessionID)
	if errors.Is(err, ErrNoMission) {
		return
	}
	if err != nil {
		c.logger.Warn("mission pass failed", "session", sessionID, "error", err)
		return
	}
	c.logger.Debug("mission pass", "session", sessionID, "action", out.Action, "reason", out.Reason)
}

// HandleDeleted drops the mission of a session that no longer exists.
func (c *Controller) HandleDeleted(ctx context.Context, sessionID string) {
	if err := c.Forget(ctx, sessionID); err != nil {
		c.logger.Warn("forgetting mission failed", "session", sessionID, "error", err)
	}
}

// Cancel stops an active mission.
func (c *Controller) Cancel(ctx context.Context, sessionID string) (models.MissionState, error) {
	state, err := c.store.Load(ctx, sessionID)
	if err != nil {
		return models.MissionState{}, err
	}
	if state.Status != models.MissionActive {
		return state, nil
	}
	out, err := c.finish(ctx, state, models.MissionCancelled, ActionCancelled, "cancelled")
	return out.State, err
}

// Get returns the state of a mission.
func (c *Controller) Get(ctx context.Context, sessionID string) (models.MissionState, error) {
	return c.store.Load(ctx, sessionID)
}

// List returns every known mission.
func (c *Controller) List(ctx context.Context) ([]models.MissionState, error) {
	return c.store.List(ctx)
}

// Forget removes a mission's state.
func (c *Controller) Forget(ctx context.Context, sessionID string) error {
	c.lock.release(sessionID)
	return c.store.Clear(ctx, sessionID)
}

func (c *Controller) publish(state models.MissionState, action Action) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(models.Event{
		Type:      models.EventMissionPass,
		SessionID: state.SessionID,
		Time:      c.now(),
		Data: map[string]string{
			"action":    string(action),
			"status":    string(state.Status),
			"iteration": fmt.Sprint(state.Iteration),
		},
	})
}

// hashTodos fingerprints the outstanding work independent of order.
func hashTodos(todos []models.Todo) string {
	keys := make([]string, len(todos))
	for i, t := range todos {
		keys[i] = t.ID + ":" + t.Status
	}
	sort.Strings(keys)
	sum := sha256.Sum256([]byte(strings.Join(keys, "|")))
	return hex.EncodeToString(sum[:])
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > 60 {
		s = string(r[:60])
	}
	return s
}
