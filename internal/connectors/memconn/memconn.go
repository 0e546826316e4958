// Package memconn implements an in-process session host. The daemon uses
// it for dry runs; tests use it to script session behaviour.
package memconn

import (
	"context"
	"fmt"
	"sync"

	"github.com/fentz26/swarm/internal/connectors"
	"github.com/fentz26/swarm/internal/models"
)

// ReplyFunc produces the assistant reply to a prompt. Returning ok=false
// leaves the session without a reply.
type ReplyFunc func(sessionID string, req connectors.PromptRequest) (reply string, ok bool)

// EchoReply answers every prompt with a short acknowledgement.
func EchoReply(_ string, req connectors.PromptRequest) (string, bool) {
	return "done: " + req.Text, true
}

type session struct {
	parentID string
	title    string
	messages []models.Message
	todos    []models.Todo
	status   models.SessionStatus
	prompts  []connectors.PromptRequest
}

// Connector is a thread-safe in-memory Connector.
type Connector struct {
	mu       sync.Mutex
	sessions map[string]*session
	seq      int
	deleted  []string
	compacts int

	// Reply is called for every prompt that expects a response.
	Reply ReplyFunc

	// Failure injection. A non-nil error is returned by the matching call.
	CreateErr  error
	PromptErr  error
	DeleteErr  error
	CompactErr error
	StatusErr  error
	// PromptErrTimes limits PromptErr to that many calls, after which it
	// is cleared. 0 fails every call.
	PromptErrTimes int
}

var _ connectors.Connector = (*Connector)(nil)

// New creates an empty host that replies with reply (nil for no replies).
func New(reply ReplyFunc) *Connector {
	return &Connector{
		sessions: make(map[string]*session),
		Reply:    reply,
	}
}

// Name returns the connector identifier.
func (c *Connector) Name() string { return "memory" }

// Create starts a session.
func (c *Connector) Create(ctx context.Context, parentID, title string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CreateErr != nil {
		return "", c.CreateErr
	}
	c.seq++
	id := fmt.Sprintf("ses_%04d", c.seq)
	c.sessions[id] = &session{parentID: parentID, title: title, status: models.SessionIdle}
	return id, nil
}

// Prompt records the request and, unless NoReply, appends the reply.
func (c *Connector) Prompt(ctx context.Context, sessionID string, req connectors.PromptRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.PromptErr; err != nil {
		if c.PromptErrTimes > 0 {
			c.PromptErrTimes--
			if c.PromptErrTimes == 0 {
				c.PromptErr = nil
			}
		}
		return err
	}
	s, ok := c.sessions[sessionID]
	if !ok {
		return connectors.ErrSessionNotFound
	}
	s.prompts = append(s.prompts, req)
	s.messages = append(s.messages, models.Message{
		ID:    fmt.Sprintf("msg_%d", len(s.messages)+1),
		Role:  "user",
		Parts: []models.Part{{Type: models.PartText, Text: req.Text}},
	})
	if req.NoReply || c.Reply == nil {
		return nil
	}
	if reply, ok := c.Reply(sessionID, req); ok {
		s.messages = append(s.messages, models.Message{
			ID:    fmt.Sprintf("msg_%d", len(s.messages)+1),
			Role:  "assistant",
			Parts: []models.Part{{Type: models.PartText, Text: reply}},
		})
	}
	return nil
}

// Delete removes a session.
func (c *Connector) Delete(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeleteErr != nil {
		return c.DeleteErr
	}
	if _, ok := c.sessions[sessionID]; !ok {
		return connectors.ErrSessionNotFound
	}
	delete(c.sessions, sessionID)
	c.deleted = append(c.deleted, sessionID)
	return nil
}

// Compact clears a session's messages.
func (c *Connector) Compact(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CompactErr != nil {
		return c.CompactErr
	}
	s, ok := c.sessions[sessionID]
	if !ok {
		return connectors.ErrSessionNotFound
	}
	s.messages = nil
	c.compacts++
	return nil
}

// Messages returns a copy of a session's messages.
func (c *Connector) Messages(ctx context.Context, sessionID string) ([]models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, connectors.ErrSessionNotFound
	}
	return append([]models.Message(nil), s.messages...), nil
}

// Todos returns a copy of a session's work items.
func (c *Connector) Todos(ctx context.Context, sessionID string) ([]models.Todo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, connectors.ErrSessionNotFound
	}
	return append([]models.Todo(nil), s.todos...), nil
}

// Status returns the activity state of every session.
func (c *Connector) Status(ctx context.Context) (map[string]models.SessionStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StatusErr != nil {
		return nil, c.StatusErr
	}
	out := make(map[string]models.SessionStatus, len(c.sessions))
	for id, s := range c.sessions {
		out[id] = s.status
	}
	return out, nil
}

// --- Scripting helpers ---

// AddSession registers a session created outside the connector, such as
// a top-level user session.
func (c *Connector) AddSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[id]; !ok {
		c.sessions[id] = &session{status: models.SessionIdle}
	}
}

// AddMessage appends a message to a session.
func (c *Connector) AddMessage(sessionID string, msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[sessionID]; ok {
		if msg.ID == "" {
			msg.ID = fmt.Sprintf("msg_%d", len(s.messages)+1)
		}
		s.messages = append(s.messages, msg)
	}
}

// SetTodos replaces a session's work items.
func (c *Connector) SetTodos(sessionID string, todos []models.Todo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[sessionID]; ok {
		s.todos = append([]models.Todo(nil), todos...)
	}
}

// SetStatus sets a session's activity state.
func (c *Connector) SetStatus(sessionID string, status models.SessionStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[sessionID]; ok {
		s.status = status
	}
}

// Prompts returns the requests a session received.
func (c *Connector) Prompts(sessionID string) []connectors.PromptRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[sessionID]; ok {
		return append([]connectors.PromptRequest(nil), s.prompts...)
	}
	return nil
}

// Title returns the title a session was created with.
func (c *Connector) Title(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[sessionID]; ok {
		return s.title
	}
	return ""
}

// Exists reports whether a session is live.
func (c *Connector) Exists(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[sessionID]
	return ok
}

// Created returns the number of sessions ever created.
func (c *Connector) Created() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Deleted returns the IDs of deleted sessions in deletion order.
func (c *Connector) Deleted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deleted...)
}

// Compactions returns the number of successful compactions.
func (c *Connector) Compactions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compacts
}

// SetErr sets a failure under the connector lock; use it while other
// goroutines are calling the connector.
func (c *Connector) SetErr(field *error, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*field = err
}
