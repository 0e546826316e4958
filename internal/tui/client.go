package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fentz26/swarm/internal/concurrency"
	"github.com/fentz26/swarm/internal/controlplane"
	"github.com/fentz26/swarm/internal/mission"
	"github.com/fentz26/swarm/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the swarm API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

func (c *Client) do(method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health reports whether the daemon answers its health check.
func (c *Client) Health() (controlplane.HealthResponse, error) {
	var h controlplane.HealthResponse
	err := c.do(http.MethodGet, "/health", nil, &h)
	return h, err
}

// Stats fetches the component snapshot.
func (c *Client) Stats() (controlplane.Stats, error) {
	var st controlplane.Stats
	err := c.do(http.MethodGet, "/stats", nil, &st)
	return st, err
}

// ListTasks fetches tasks, optionally filtered by status.
func (c *Client) ListTasks(status string) ([]models.Task, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var tasks []models.Task
	err := c.do(http.MethodGet, path, nil, &tasks)
	return tasks, err
}

// GetTask fetches a single task
func (c *Client) GetTask(id string) (models.Task, error) {
	var task models.Task
	err := c.do(http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &task)
	return task, err
}

// TaskResult fetches the final text of a finished task.
func (c *Client) TaskResult(id string) (string, error) {
	var out struct {
		Result string `json:"result"`
	}
	err := c.do(http.MethodGet, "/tasks/"+url.PathEscape(id)+"/result", nil, &out)
	return out.Result, err
}

// Launch starts one task. An empty agent lets the daemon route it.
func (c *Client) Launch(agent, prompt, parent string) (models.Task, error) {
	req := controlplane.LaunchRequest{TaskInput: controlplane.TaskInput{
		Description:     shorten(prompt, 40),
		Prompt:          prompt,
		Agent:           agent,
		ParentSessionID: parent,
	}}
	var resp controlplane.LaunchResponse
	if err := c.do(http.MethodPost, "/tasks", req, &resp); err != nil {
		return models.Task{}, err
	}
	if len(resp.Tasks) == 0 {
		return models.Task{}, fmt.Errorf("launch rejected: %v", resp.Errors)
	}
	return resp.Tasks[0], nil
}

// CancelTask cancels a pending or running task.
func (c *Client) CancelTask(id string) error {
	return c.do(http.MethodPost, "/tasks/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// ResumeTask sends a follow-up prompt to a finished task's session.
func (c *Client) ResumeTask(id, prompt string) error {
	return c.do(http.MethodPost, "/tasks/"+url.PathEscape(id)+"/resume", map[string]string{"prompt": prompt}, nil)
}

// Gate fetches the admission snapshot.
func (c *Client) Gate() ([]concurrency.KeyInfo, error) {
	var keys []concurrency.KeyInfo
	err := c.do(http.MethodGet, "/gate", nil, &keys)
	return keys, err
}

// SetLimit sets an explicit limit for a concurrency key.
func (c *Client) SetLimit(key string, limit int) error {
	return c.do(http.MethodPost, "/gate/"+url.PathEscape(key)+"/limit", map[string]int{"limit": limit}, nil)
}

// ResetCircuit closes a key's breaker.
func (c *Client) ResetCircuit(key string) error {
	return c.do(http.MethodPost, "/gate/"+url.PathEscape(key)+"/reset", nil, nil)
}

// Pool fetches the session pool view.
func (c *Client) Pool() (controlplane.PoolView, error) {
	var view controlplane.PoolView
	err := c.do(http.MethodGet, "/pool", nil, &view)
	return view, err
}

// Missions lists every known mission.
func (c *Client) Missions() ([]models.MissionState, error) {
	var states []models.MissionState
	err := c.do(http.MethodGet, "/missions", nil, &states)
	return states, err
}

// StartMission starts a mission on a new session.
func (c *Client) StartMission(prompt string) (models.MissionState, error) {
	var state models.MissionState
	err := c.do(http.MethodPost, "/missions", controlplane.MissionRequest{Prompt: prompt}, &state)
	return state, err
}

// PassMission runs one mission pass.
func (c *Client) PassMission(sessionID string) (mission.Outcome, error) {
	var out mission.Outcome
	err := c.do(http.MethodPost, "/missions/"+url.PathEscape(sessionID)+"/pass", nil, &out)
	return out, err
}

// CancelMission stops a mission.
func (c *Client) CancelMission(sessionID string) error {
	return c.do(http.MethodDelete, "/missions/"+url.PathEscape(sessionID), nil, nil)
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
