// Package httpapi implements the controller's HTTP surface: one handler
// per route, each following method check → auth check → parse →
// Store/Scheduler call → envelope. No web framework, raw net/http.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/webgfx/task-sub000/internal/agentrt"
	"github.com/webgfx/task-sub000/internal/audit"
	"github.com/webgfx/task-sub000/internal/coordination"
	"github.com/webgfx/task-sub000/internal/presence"
	"github.com/webgfx/task-sub000/internal/room"
	"github.com/webgfx/task-sub000/internal/shared"
	"github.com/webgfx/task-sub000/internal/store"
	"github.com/webgfx/task-sub000/internal/subtasks"
)

// ResultIngester is the subset of collector.Collector this package depends
// on, kept as an interface to avoid a hard import-cycle risk between
// httpapi and collector's test doubles.
type ResultIngester interface {
	SubtaskStarted(ctx context.Context, taskID, subtaskID int64, agentName string) error
	SubtaskResult(ctx context.Context, taskID, subtaskID int64, subtaskName string, order int, agentName string, status store.ExecutionStatus, result, errMsg string, elapsedSeconds float64) error
}

// TaskCanceller is the subset of scheduler.Scheduler this package depends on.
type TaskCanceller interface {
	CancelTask(ctx context.Context, taskID int64) error
}

// Config wires the gateway to the rest of the controller.
type Config struct {
	Store      *store.Store
	Subtasks   *subtasks.Registry
	Collector  ResultIngester
	Scheduler  TaskCanceller
	Presence   *presence.Tracker
	Room       *room.Server
	Executors  agentrt.Executors // for /api/subtasks/{name}/test; defaults to agentrt.DefaultExecutors()
	AuthToken  string            // empty disables auth (local/dev use)
	Logger     *slog.Logger
}

// Server is the controller's HTTP gateway.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	executors agentrt.Executors
	authToken atomic.Pointer[string]
}

// New builds a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	executors := cfg.Executors
	if executors == nil {
		executors = agentrt.DefaultExecutors()
	}
	s := &Server{cfg: cfg, logger: logger, executors: executors}
	token := cfg.AuthToken
	s.authToken.Store(&token)
	return s
}

// SetAuthToken swaps the bearer token required on admin routes without a
// restart. Called by the config watcher when config.yaml's auth_token
// changes on disk; passing "" disables auth.
func (s *Server) SetAuthToken(token string) {
	s.authToken.Store(&token)
}

// Handler returns the full route mux, plus the persistent agent
// channel at /ws/agent.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)

	mux.HandleFunc("/api/agents/register", s.handleAgentRegister)
	mux.HandleFunc("/api/agents/update_config", s.handleAgentUpdateConfig)
	mux.HandleFunc("/api/agents/unregister", s.handleAgentUnregister)
	mux.HandleFunc("/api/agents/heartbeat", s.handleAgentHeartbeat)
	mux.HandleFunc("/api/agents/names", s.handleAgentNames)
	mux.HandleFunc("/api/agents/validate_name", s.handleAgentValidateName)
	mux.HandleFunc("/api/agents", s.handleAgentsList)
	mux.HandleFunc("/api/agents/", s.handleAgentByName)

	mux.HandleFunc("/api/subtasks", s.handleSubtaskCatalog)
	mux.HandleFunc("/api/subtasks/", s.handleSubtaskTest)

	mux.HandleFunc("/api/execute", s.handleExecute)
	mux.HandleFunc("/api/result", s.handleResult)
	mux.HandleFunc("/api/subtask_result", s.handleSubtaskResult)

	mux.HandleFunc("/api/logs", s.handleLogs)

	if s.cfg.Room != nil {
		mux.HandleFunc("/ws/agent", s.handleWSAgent)
	}

	return s.withTrace(mux)
}

// statusCapture wraps a ResponseWriter to record the status code the
// handler actually wrote, for trace logging.
type statusCapture struct {
	http.ResponseWriter
	status int
}

func (w *statusCapture) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// withTrace assigns each request a trace_id (propagated to downstream
// Store/Scheduler calls via the request context) and logs method, path,
// status, and trace_id on completion.
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := shared.NewTraceID()
		r = r.WithContext(shared.WithTraceID(r.Context(), traceID))
		sw := &statusCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("httpapi: request", "method", r.Method, "path", r.URL.Path, "status", sw.status, "trace_id", traceID)
	})
}

// --- envelope helpers ({success, data?, error?}) ---

func writeSuccess(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}

// statusForError maps the coordination error taxonomy onto HTTP status
// codes.
func statusForError(err error) int {
	switch {
	case coordination.Is(err, coordination.KindNotFound):
		return http.StatusNotFound
	case coordination.Is(err, coordination.KindConflict):
		return http.StatusConflict
	case coordination.Is(err, coordination.KindInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) authorize(r *http.Request) bool {
	required := *s.authToken.Load()
	if required == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == required
}

// requireAuth centralizes the authorize-or-deny-and-audit pattern used by
// every admin-facing route.
func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request, action string) bool {
	if s.authorize(r) {
		return true
	}
	audit.Record("deny", action, "missing or invalid bearer token", r.RemoteAddr)
	writeError(w, http.StatusUnauthorized, "unauthorized")
	return false
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func parseInt64(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

// --- tasks ---

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r, "tasks.list_or_create") {
		return
	}
	switch r.Method {
	case http.MethodGet:
		status := r.URL.Query().Get("status")
		tasks, err := s.cfg.Store.ListTasks(r.Context(), store.TaskStatus(status))
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		writeSuccess(w, http.StatusOK, tasks)
	case http.MethodPost:
		var spec store.TaskSpec
		if err := decodeJSON(r, &spec); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		id, err := s.cfg.Store.CreateTask(r.Context(), s.cfg.Subtasks, spec)
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		writeSuccess(w, http.StatusCreated, map[string]any{"id": id})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r, "tasks.manage") {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	taskID, ok := parseInt64(parts[0])
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "cancel":
			s.handleTaskCancel(w, r, taskID)
			return
		case "subtask-executions":
			s.handleSubtaskExecutions(w, r, taskID)
			return
		default:
			writeError(w, http.StatusNotFound, "unknown sub-resource")
			return
		}
	}

	switch r.Method {
	case http.MethodGet:
		task, err := s.cfg.Store.GetTask(r.Context(), taskID)
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		if task == nil {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeSuccess(w, http.StatusOK, task)
	case http.MethodPut:
		var body struct {
			Status string `json:"status"`
			Result string `json:"result"`
			Error  string `json:"error"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.cfg.Store.UpdateTaskStatus(r.Context(), taskID, store.TaskStatus(body.Status), time.Now(), body.Result, body.Error); err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		writeSuccess(w, http.StatusOK, map[string]any{"id": taskID})
	case http.MethodDelete:
		if err := s.cfg.Store.DeleteTask(r.Context(), taskID); err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		writeSuccess(w, http.StatusOK, map[string]any{"id": taskID})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request, taskID int64) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Scheduler == nil {
		writeError(w, http.StatusInternalServerError, "scheduler not configured")
		return
	}
	if err := s.cfg.Scheduler.CancelTask(r.Context(), taskID); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	audit.Record("allow", "tasks.cancel", "requested via API", strconv.FormatInt(taskID, 10))
	writeSuccess(w, http.StatusOK, map[string]any{"id": taskID, "status": string(store.TaskStatusCancelled)})
}

func (s *Server) handleSubtaskExecutions(w http.ResponseWriter, r *http.Request, taskID int64) {
	switch r.Method {
	case http.MethodGet:
		execs, err := s.cfg.Store.ExecutionsForTask(r.Context(), taskID)
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		if agent := r.URL.Query().Get("agent"); agent != "" {
			filtered := execs[:0]
			for _, e := range execs {
				if e.AgentName == agent {
					filtered = append(filtered, e)
				}
			}
			execs = filtered
		}
		writeSuccess(w, http.StatusOK, execs)
	case http.MethodPost:
		s.ingestSubtaskResult(w, r, taskID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- agents ---

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Name         string          `json:"name"`
		Address      string          `json:"address"`
		Capabilities []string        `json:"capabilities"`
		Fingerprint  json.RawMessage `json:"fingerprint"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	created, err := s.cfg.Store.RegisterAgent(r.Context(), body.Name, body.Address, body.Capabilities, string(body.Fingerprint))
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	agent, err := s.cfg.Store.GetAgent(r.Context(), body.Name)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeSuccess(w, status, agent)
}

func (s *Server) handleAgentUpdateConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Name        string          `json:"name"`
		Fingerprint json.RawMessage `json:"fingerprint"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.cfg.Store.TouchConfigUpdate(r.Context(), body.Name, string(body.Fingerprint)); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

func (s *Server) handleAgentUnregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.cfg.Store.RemoveAgent(r.Context(), body.Name); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Name        string          `json:"name"`
		Status      string          `json:"status"`
		Fingerprint json.RawMessage `json:"fingerprint"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.cfg.Store.TouchHeartbeat(r.Context(), body.Name, body.Status); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if len(body.Fingerprint) > 0 {
		_ = s.cfg.Store.TouchConfigUpdate(r.Context(), body.Name, string(body.Fingerprint))
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAgentsList(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r, "agents.list") {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	agents, err := s.cfg.Store.ListAgents(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, agents)
}

func (s *Server) handleAgentNames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	agents, err := s.cfg.Store.ListAgents(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	onlineOnly := r.URL.Query().Get("online") == "true"
	names := make([]string, 0, len(agents))
	for _, a := range agents {
		if onlineOnly {
			p := store.DerivePresence(a, time.Now(), s.timeout())
			if p == store.PresenceOffline {
				continue
			}
		}
		names = append(names, a.Name)
	}
	writeSuccess(w, http.StatusOK, names)
}

func (s *Server) timeout() time.Duration {
	if s.cfg.Presence != nil {
		return s.cfg.Presence.Timeout()
	}
	return presence.DefaultTimeout
}

func (s *Server) handleAgentValidateName(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil || strings.TrimSpace(body.Name) == "" {
		writeSuccess(w, http.StatusOK, map[string]any{"valid": false, "reason": "name must be non-empty"})
		return
	}
	existing, err := s.cfg.Store.GetAgent(r.Context(), body.Name)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if existing != nil {
		writeSuccess(w, http.StatusOK, map[string]any{"valid": false, "reason": "name already registered"})
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"valid": true})
}

func (s *Server) handleAgentByName(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r, "agents.manage") {
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, http.StatusNotFound, "unknown route")
		return
	}
	switch r.Method {
	case http.MethodGet:
		agent, err := s.cfg.Store.GetAgent(r.Context(), name)
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		if agent == nil {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		writeSuccess(w, http.StatusOK, agent)
	case http.MethodDelete:
		if err := s.cfg.Store.RemoveAgent(r.Context(), name); err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		writeSuccess(w, http.StatusOK, nil)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- subtask catalog ---

func (s *Server) handleSubtaskCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	kinds := s.cfg.Subtasks.List()
	out := make([]map[string]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, map[string]string{"name": k.Name, "description": k.Description})
	}
	writeSuccess(w, http.StatusOK, out)
}

func (s *Server) handleSubtaskTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/subtasks/"), "/test")
	if name == "" {
		writeError(w, http.StatusBadRequest, "subtask name required")
		return
	}
	var body struct {
		Args   json.RawMessage `json:"args"`
		Kwargs json.RawMessage `json:"kwargs"`
	}
	_ = decodeJSON(r, &body)

	if err := s.cfg.Subtasks.Validate(name, body.Args); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, ok := s.executors[name]
	if !ok {
		writeError(w, http.StatusNotFound, "no local executor for this kind")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	result, err := job(ctx, body.Args, body.Kwargs)
	if err != nil {
		writeSuccess(w, http.StatusOK, map[string]any{"status": "FAILED", "result": result, "error": err.Error()})
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"status": "COMPLETED", "result": result})
}

// --- results ingestion ---

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		TaskID    int64  `json:"task_id"`
		SubtaskID int64  `json:"subtask_id"`
		Agent     string `json:"agent"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.cfg.Collector.SubtaskStarted(r.Context(), body.TaskID, body.SubtaskID, body.Agent); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

type subtaskResultBody struct {
	TaskID      int64   `json:"task_id"`
	SubtaskID   int64   `json:"subtask_id"`
	SubtaskName string  `json:"subtask_name"`
	Order       int     `json:"order"`
	Agent       string  `json:"agent"`
	Status      string  `json:"status"`
	Result      string  `json:"result"`
	Error       string  `json:"error"`
	Elapsed     float64 `json:"elapsed"`
}

func (s *Server) handleSubtaskResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.ingestSubtaskResult(w, r, 0)
}

// ingestSubtaskResult backs both POST /api/subtask_result and POST
// /api/tasks/{id}/subtask-executions (the latter is an agent status
// update scoped to a task already named by the URL).
func (s *Server) ingestSubtaskResult(w http.ResponseWriter, r *http.Request, pathTaskID int64) {
	var body subtaskResultBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	taskID := body.TaskID
	if pathTaskID != 0 {
		taskID = pathTaskID
	}
	if err := s.cfg.Collector.SubtaskResult(r.Context(), taskID, body.SubtaskID, body.SubtaskName, body.Order,
		body.Agent, store.ExecutionStatus(body.Status), body.Result, body.Error, body.Elapsed); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		TaskID   int64               `json:"task_id"`
		Agent    string              `json:"agent"`
		Subtasks []subtaskResultBody `json:"subtasks"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, st := range body.Subtasks {
		taskID := body.TaskID
		if st.TaskID != 0 {
			taskID = st.TaskID
		}
		agent := body.Agent
		if st.Agent != "" {
			agent = st.Agent
		}
		if err := s.cfg.Collector.SubtaskResult(r.Context(), taskID, st.SubtaskID, st.SubtaskName, st.Order,
			agent, store.ExecutionStatus(st.Status), st.Result, st.Error, st.Elapsed); err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
	}
	writeSuccess(w, http.StatusOK, nil)
}

// --- logs ---

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var (
		entries []store.CommLogEntry
		err     error
	)
	if agent := r.URL.Query().Get("agent_address"); agent != "" {
		entries, err = s.cfg.Store.CommLogForAgent(r.Context(), agent, limit)
	} else {
		entries, err = s.cfg.Store.RecentCommLog(r.Context(), limit)
	}
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, entries)
}

// --- websocket room ---

func (s *Server) handleWSAgent(w http.ResponseWriter, r *http.Request) {
	agentName := r.URL.Query().Get("agent")
	if agentName == "" {
		writeError(w, http.StatusBadRequest, "agent query parameter required")
		return
	}
	if err := s.cfg.Room.ServeAgent(w, r, agentName); err != nil {
		s.logger.Warn("httpapi: websocket upgrade failed", "agent", agentName, "error", err)
	}
}
