package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/swarm/internal/launcher"
	"github.com/fentz26/swarm/internal/models"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
)

// Version is reported by /health.
var Version = "dev"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	subscriberBuffer = 64
)

// Server provides the HTTP API of the daemon.
type Server struct {
	service  *Service
	addr     string
	server   *http.Server
	logger   hclog.Logger
	upgrader websocket.Upgrader

	// ReadTimeout and WriteTimeout bound plain HTTP requests.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		service: service,
		addr:    addr,
		logger:  logger.Named("http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API binds to loopback by default; browsers are not the client.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Task endpoints
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)

	// Session signals and the lifecycle stream
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/events/ws", s.handleEventsWS)

	// Admission and pool
	mux.HandleFunc("/gate", s.handleGate)
	mux.HandleFunc("/gate/", s.handleGateKey)
	mux.HandleFunc("/pool", s.handlePool)

	// Missions
	mux.HandleFunc("/missions", s.handleMissions)
	mux.HandleFunc("/missions/", s.handleMissionBySession)

	// History
	mux.HandleFunc("/audit", s.handleAudit)
	mux.HandleFunc("/history", s.handleHistory)

	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.ReadTimeout,
		WriteTimeout: s.WriteTimeout,
	}

	s.logger.Info("starting swarm daemon", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

// splitPath returns the id and action of "/prefix/{id}/{action}".
func splitPath(path, prefix string) (string, string) {
	parts := strings.Split(strings.TrimPrefix(path, prefix), "/")
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	return id, action
}

// --- Health ---

// HealthResponse is the body of /health.
type HealthResponse struct {
	OK        bool   `json:"ok"`
	DB        string `json:"db"`
	Transport string `json:"transport"`
	Version   string `json:"version"`
	Time      string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		OK:        true,
		DB:        "ok",
		Transport: s.service.Conn.Name(),
		Version:   Version,
		Time:      time.Now().UTC().Format(time.RFC3339),
	}
	if s.service.History == nil {
		resp.DB = "disabled"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	if err := s.service.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// --- Task Handlers ---

// TaskInput is one task of a launch request.
type TaskInput struct {
	Description     string `json:"description"`
	Prompt          string `json:"prompt"`
	Agent           string `json:"agent,omitempty"`
	ParentSessionID string `json:"parent_session_id"`
	Priority        string `json:"priority,omitempty"`
	Depth           int    `json:"depth,omitempty"`
}

// LaunchRequest is the body of POST /tasks: either a batch in Tasks or a
// single inline task.
type LaunchRequest struct {
	TaskInput
	Tasks []TaskInput `json:"tasks,omitempty"`
}

// LaunchResponse is the body returned by POST /tasks.
type LaunchResponse struct {
	Tasks  []models.Task `json:"tasks"`
	Errors []string      `json:"errors,omitempty"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.launchTasks(w, r)
	case http.MethodGet:
		q := r.URL.Query()
		tasks := s.service.ListTasks(q.Get("status"), q.Get("parent"))
		if tasks == nil {
			tasks = []models.Task{}
		}
		writeJSON(w, http.StatusOK, tasks)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) launchTasks(w http.ResponseWriter, r *http.Request) {
	var req LaunchRequest
	if !decode(w, r, &req) {
		return
	}
	batch := req.Tasks
	if len(batch) == 0 && (req.Prompt != "" || req.Description != "") {
		batch = []TaskInput{req.TaskInput}
	}

	inputs := make([]launcher.Input, 0, len(batch))
	for _, in := range batch {
		if in.Prompt == "" {
			http.Error(w, "every task needs a prompt", http.StatusBadRequest)
			return
		}
		inputs = append(inputs, launcher.Input{
			Description:     in.Description,
			Prompt:          in.Prompt,
			Agent:           in.Agent,
			ParentSessionID: in.ParentSessionID,
			Priority:        models.ParsePriority(in.Priority),
			Depth:           in.Depth,
		})
	}

	tasks, err := s.service.LaunchTasks(r.Context(), inputs)
	if err != nil && len(tasks) == 0 {
		writeError(w, err)
		return
	}

	resp := LaunchResponse{Tasks: tasks}
	if err != nil {
		resp.Errors = strings.Split(err.Error(), "\n")
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleTaskByID handles /tasks/{id}/*
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	taskID, action := splitPath(r.URL.Path, "/tasks/")
	if taskID == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		task, err := s.service.GetTask(taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case action == "cancel" && r.Method == http.MethodPost:
		task, err := s.service.CancelTask(r.Context(), taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case action == "result" && r.Method == http.MethodGet:
		result, err := s.service.TaskResult(r.Context(), taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "result": result})
	case action == "resume" && r.Method == http.MethodPost:
		s.resumeTask(w, r, taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

type resumeRequest struct {
	Prompt          string `json:"prompt"`
	ParentSessionID string `json:"parent_session_id"`
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req resumeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}
	existing, err := s.service.GetTask(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.ParentSessionID == "" {
		req.ParentSessionID = existing.ParentSessionID
	}

	task, err := s.service.ResumeTask(r.Context(), launcher.ResumeInput{
		SessionID:       existing.SessionID,
		ParentSessionID: req.ParentSessionID,
		Prompt:          req.Prompt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- Event Handlers ---

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var ev models.Event
	if !decode(w, r, &ev) {
		return
	}
	if err := s.service.IngestEvent(r.Context(), ev); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleEventsWS streams lifecycle events as JSON text frames. The
// optional task and session query parameters filter the stream.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	taskFilter, sessionFilter := q.Get("task"), q.Get("session")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	ch, unsubscribe := s.service.Subscribe(subscriberBuffer)
	defer unsubscribe()

	// Read pump: only control frames are expected; it ends on close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	s.logger.Debug("event subscriber connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-done:
			return
		case ev, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if taskFilter != "" && ev.TaskID != taskFilter {
				continue
			}
			if sessionFilter != "" && ev.SessionID != sessionFilter {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// --- Gate and Pool Handlers ---

func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.GateInfo())
}

type limitRequest struct {
	Limit int `json:"limit"`
}

// handleGateKey handles /gate/{key}/limit and /gate/{key}/reset.
func (s *Server) handleGateKey(w http.ResponseWriter, r *http.Request) {
	key, action := splitPath(r.URL.Path, "/gate/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "limit":
		var req limitRequest
		if !decode(w, r, &req) {
			return
		}
		if err := s.service.SetLimit(key, req.Limit); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "limit": req.Limit})
	case "reset":
		s.service.ResetCircuit(key)
		writeJSON(w, http.StatusOK, map[string]string{"key": key, "circuit": "closed"})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.PoolInfo())
}

// --- Mission Handlers ---

// MissionRequest is the body of POST /missions.
type MissionRequest struct {
	SessionID     string `json:"session_id,omitempty"`
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

func (s *Server) handleMissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req MissionRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Prompt == "" {
			http.Error(w, "prompt is required", http.StatusBadRequest)
			return
		}
		state, err := s.service.StartMission(r.Context(), req.SessionID, req.Prompt, req.MaxIterations)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, state)
	case http.MethodGet:
		states, err := s.service.ListMissions(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if states == nil {
			states = []models.MissionState{}
		}
		writeJSON(w, http.StatusOK, states)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleMissionBySession handles /missions/{session}/*
func (s *Server) handleMissionBySession(w http.ResponseWriter, r *http.Request) {
	sessionID, action := splitPath(r.URL.Path, "/missions/")
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		state, err := s.service.GetMission(r.Context(), sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	case action == "pass" && r.Method == http.MethodPost:
		out, err := s.service.PassMission(r.Context(), sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	case action == "" && r.Method == http.MethodDelete:
		state, err := s.service.CancelMission(r.Context(), sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// --- History and Stats Handlers ---

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries, err := s.service.AuditTrail(r.URL.Query().Get("task"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tasks, err := s.service.ArchivedTasks(r.URL.Query().Get("parent"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.ArchivedTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Stats())
}

// IsServerClosed reports whether err from Start is a normal shutdown.
func IsServerClosed(err error) bool {
	return errors.Is(err, http.ErrServerClosed)
}
