// Package httpsession implements the session connector over the session
// host's JSON HTTP API.
package httpsession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fentz26/swarm/internal/connectors"
	"github.com/fentz26/swarm/internal/models"
	"github.com/hashicorp/go-hclog"
)

// DefaultClientTimeout bounds any single request that has no earlier
// context deadline.
const DefaultClientTimeout = 10 * time.Minute

// Client talks to a session host.
type Client struct {
	baseURL    string
	directory  string
	httpClient *http.Client
	logger     hclog.Logger
}

// New creates a client for the host at baseURL. directory, when set, is
// passed to the host as the working directory of new sessions.
func New(baseURL, directory string, logger hclog.Logger) *Client {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Client{
		baseURL:   baseURL,
		directory: directory,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
		logger: logger.Named("httpsession"),
	}
}

// Name returns the connector identifier.
func (c *Client) Name() string {
	return "httpsession"
}

type createRequest struct {
	ParentID string `json:"parentID,omitempty"`
	Title    string `json:"title"`
}

type sessionInfo struct {
	ID string `json:"id"`
}

// Create starts a new session.
func (c *Client) Create(ctx context.Context, parentID, title string) (string, error) {
	path := "/session"
	if c.directory != "" {
		path += "?directory=" + url.QueryEscape(c.directory)
	}

	var info sessionInfo
	if err := c.do(ctx, http.MethodPost, path, createRequest{ParentID: parentID, Title: title}, &info); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if info.ID == "" {
		return "", fmt.Errorf("create session: %w: no id in response", connectors.ErrTransport)
	}
	return info.ID, nil
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptBody struct {
	Agent   string     `json:"agent,omitempty"`
	NoReply bool       `json:"noReply,omitempty"`
	Parts   []textPart `json:"parts"`
}

// Prompt fires an instruction into a session.
func (c *Client) Prompt(ctx context.Context, sessionID string, req connectors.PromptRequest) error {
	body := promptBody{
		Agent:   req.Agent,
		NoReply: req.NoReply,
		Parts:   []textPart{{Type: models.PartText, Text: req.Text}},
	}
	if err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message", body, nil); err != nil {
		return fmt.Errorf("prompt session %s: %w", sessionID, err)
	}
	return nil
}

// Delete tears a session down.
func (c *Client) Delete(ctx context.Context, sessionID string) error {
	if err := c.do(ctx, http.MethodDelete, "/session/"+url.PathEscape(sessionID), nil, nil); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// Compact asks the host to summarize a session's context.
func (c *Client) Compact(ctx context.Context, sessionID string) error {
	if err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/summarize", struct{}{}, nil); err != nil {
		return fmt.Errorf("compact session %s: %w", sessionID, err)
	}
	return nil
}

type wireMessage struct {
	Info struct {
		ID   string `json:"id"`
		Role string `json:"role"`
	} `json:"info"`
	Parts []models.Part `json:"parts"`
}

// Messages lists a session's messages.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]models.Message, error) {
	var wire []wireMessage
	if err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/message", nil, &wire); err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", sessionID, err)
	}

	out := make([]models.Message, len(wire))
	for i, m := range wire {
		out[i] = models.Message{ID: m.Info.ID, Role: m.Info.Role, Parts: m.Parts}
	}
	return out, nil
}

// Todos lists a session's work items.
func (c *Client) Todos(ctx context.Context, sessionID string) ([]models.Todo, error) {
	var todos []models.Todo
	if err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/todo", nil, &todos); err != nil {
		return nil, fmt.Errorf("list todos of %s: %w", sessionID, err)
	}
	return todos, nil
}

// Status returns the activity state of every session the host knows.
func (c *Client) Status(ctx context.Context) (map[string]models.SessionStatus, error) {
	var wire map[string]struct {
		Type string `json:"type"`
	}
	if err := c.do(ctx, http.MethodGet, "/session/status", nil, &wire); err != nil {
		return nil, fmt.Errorf("session status: %w", err)
	}

	out := make(map[string]models.SessionStatus, len(wire))
	for id, s := range wire {
		out[id] = models.SessionStatus(s.Type)
	}
	return out, nil
}

// do performs one JSON request. in and out may be nil.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", connectors.ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", connectors.ErrTransport, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return connectors.ErrSessionNotFound
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %s %s (%d): %s", connectors.ErrTransport, method, path, resp.StatusCode, string(data))
	}

	c.logger.Trace("request", "method", method, "path", path, "status", resp.StatusCode)

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", connectors.ErrTransport, err)
	}
	return nil
}
