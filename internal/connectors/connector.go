// Package connectors defines the remote session transport used by swarm.
package connectors

import (
	"context"
	"errors"
	"strings"

	"github.com/fentz26/swarm/internal/models"
)

// ErrTransport wraps every failure reported by a session host.
var ErrTransport = errors.New("session transport error")

// ErrSessionNotFound is returned when the host no longer knows a session.
var ErrSessionNotFound = errors.New("session not found")

// PromptRequest is one instruction sent into a session.
type PromptRequest struct {
	Agent string `json:"agent,omitempty"`
	Text  string `json:"text"`
	// NoReply delivers the text without asking the session to respond.
	NoReply bool `json:"no_reply,omitempty"`
}

// Connector is the boundary to the host that runs remote sessions.
// Blocking calls honour ctx; callers bound them with timeouts.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Create starts a new session under parentID and returns its ID.
	Create(ctx context.Context, parentID, title string) (string, error)

	// Prompt fires an instruction into a session.
	Prompt(ctx context.Context, sessionID string, req PromptRequest) error

	// Delete tears a session down.
	Delete(ctx context.Context, sessionID string) error

	// Compact resets a session's conversational context.
	Compact(ctx context.Context, sessionID string) error

	// Messages lists a session's messages, oldest first.
	Messages(ctx context.Context, sessionID string) ([]models.Message, error)

	// Todos lists a session's work items.
	Todos(ctx context.Context, sessionID string) ([]models.Todo, error)

	// Status returns the activity state of every known session.
	Status(ctx context.Context) (map[string]models.SessionStatus, error)
}

// HasOutput reports whether an assistant message carries text or a tool call.
func HasOutput(messages []models.Message) bool {
	for _, m := range messages {
		if m.Role != "assistant" {
			continue
		}
		for _, p := range m.Parts {
			if p.Type == models.PartText && strings.TrimSpace(p.Text) != "" {
				return true
			}
			if p.Type == models.PartTool || p.Type == models.PartToolUse {
				return true
			}
		}
	}
	return false
}

// LastAssistantText joins the text and reasoning parts of the last
// assistant message. ok is false when there is no assistant message.
func LastAssistantText(messages []models.Message) (text string, ok bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != "assistant" {
			continue
		}
		var parts []string
		for _, p := range m.Parts {
			if (p.Type == models.PartText || p.Type == models.PartReasoning) && p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
		return strings.Join(parts, "\n"), true
	}
	return "", false
}
