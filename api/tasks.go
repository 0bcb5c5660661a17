package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/browseros/autopilot/queue"
	"github.com/browseros/autopilot/store"
	"github.com/browseros/autopilot/task"
)

// maxBatchTasks bounds one batch submission.
const maxBatchTasks = 100

// TaskHandler handles HTTP requests for the task queue.
type TaskHandler struct {
	store     *store.Store
	scheduler *queue.Scheduler
	logger    *slog.Logger

	// onCreated is an optional hook fired per accepted task (metrics).
	onCreated func()
}

// NewTaskHandler creates a task queue HTTP handler.
func NewTaskHandler(st *store.Store, scheduler *queue.Scheduler, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{store: st, scheduler: scheduler, logger: logger}
}

// OnCreated installs a hook fired for every accepted task.
func (h *TaskHandler) OnCreated(f func()) {
	h.onCreated = f
}

// RegisterHTTPHandlers registers task endpoints. The prefix should include
// the trailing slash (e.g., "/api/").
func (h *TaskHandler) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"tasks", h.handleTasks)
	mux.HandleFunc(prefix+"tasks/", h.handleTaskRoutes)
}

// CreateTaskRequest is the body for POST /api/tasks.
type CreateTaskRequest struct {
	Instruction string            `json:"instruction"`
	Priority    string            `json:"priority,omitempty"`
	DependsOn   []string          `json:"dependsOn,omitempty"`
	RetryPolicy *task.RetryPolicy `json:"retryPolicy,omitempty"`
	TimeoutMs   int               `json:"timeout,omitempty"`
	WebhookURL  string            `json:"webhookUrl,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	LLMConfig   *task.LLMConfig   `json:"llmConfig,omitempty"`
}

// CreateTaskResponse is the response for POST /api/tasks.
type CreateTaskResponse struct {
	TaskID    string    `json:"taskId"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateBatchRequest is the body for POST /api/tasks/batch.
type CreateBatchRequest struct {
	Tasks       []CreateTaskRequest `json:"tasks"`
	WebhookURL  string              `json:"webhookUrl,omitempty"`
	Parallelism int                 `json:"parallelism,omitempty"`
}

// CreateBatchResponse is the response for POST /api/tasks/batch.
type CreateBatchResponse struct {
	BatchID   string    `json:"batchId"`
	TaskIDs   []string  `json:"taskIds"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListTasksResponse is the response for GET /api/tasks.
type ListTasksResponse struct {
	Tasks []*task.Task `json:"tasks"`
	Total int          `json:"total"`
	Stats *task.Stats  `json:"stats"`
}

func (h *TaskHandler) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleCreate(w, r)
	case http.MethodGet:
		h.handleList(w, r)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Use GET or POST")
	}
}

// handleTaskRoutes dispatches /api/tasks/{...} subroutes.
func (h *TaskHandler) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	idx := strings.Index(r.URL.Path, "/tasks/")
	if idx < 0 {
		writeJSONError(w, http.StatusNotFound, "not_found", "Unknown task endpoint")
		return
	}
	rest := r.URL.Path[idx+len("/tasks/"):]
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "stats":
		h.handleStats(w, r)
	case len(parts) == 1 && parts[0] == "batch":
		h.handleCreateBatch(w, r)
	case len(parts) == 2 && parts[0] == "batch":
		h.handleGetBatch(w, r, parts[1])
	case len(parts) == 1 && parts[0] != "":
		h.handleTaskByID(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "retry":
		h.handleRetry(w, r, parts[0])
	default:
		writeJSONError(w, http.StatusNotFound, "not_found", "Unknown task endpoint")
	}
}

func (h *TaskHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "Failed to parse request: "+err.Error())
		return
	}

	t, errCode, errMsg := h.buildTask(req, "")
	if errCode != "" {
		writeJSONError(w, http.StatusBadRequest, errCode, errMsg)
		return
	}

	if err := h.store.CreateTask(t); err != nil {
		if errors.Is(err, store.ErrDuplicateID) {
			writeJSONError(w, http.StatusConflict, "duplicate_id", err.Error())
			return
		}
		writeJSONError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if h.onCreated != nil {
		h.onCreated()
	}

	h.logger.Info("Task created", "task_id", t.ID, "priority", string(t.Priority))
	writeJSON(w, http.StatusCreated, CreateTaskResponse{
		TaskID:    t.ID,
		State:     string(task.StatePending),
		CreatedAt: t.CreatedAt,
	})
}

// buildTask converts a request into a validated task.
func (h *TaskHandler) buildTask(req CreateTaskRequest, batchID string) (*task.Task, string, string) {
	if strings.TrimSpace(req.Instruction) == "" {
		return nil, "validation_error", "instruction is required"
	}
	if req.Priority != "" && !task.Priority(req.Priority).Valid() {
		return nil, "validation_error", "priority must be one of critical, high, normal, low"
	}
	if req.TimeoutMs != 0 && req.TimeoutMs < 1000 {
		return nil, "validation_error", "timeout must be at least 1000ms"
	}
	if req.WebhookURL != "" {
		u, err := url.Parse(req.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, "invalid_webhook", "webhookUrl must be a valid http or https URL"
		}
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:          uuid.NewString(),
		Instruction: req.Instruction,
		Priority:    task.Priority(req.Priority),
		State:       task.StatePending,
		DependsOn:   req.DependsOn,
		RetryPolicy: req.RetryPolicy,
		TimeoutMs:   req.TimeoutMs,
		WebhookURL:  req.WebhookURL,
		Metadata:    req.Metadata,
		LLMConfig:   req.LLMConfig,
		BatchID:     batchID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t.Normalize()
	return t, "", ""
}

func (h *TaskHandler) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Use POST")
		return
	}
	var req CreateBatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "Failed to parse request: "+err.Error())
		return
	}
	if len(req.Tasks) < 1 || len(req.Tasks) > maxBatchTasks {
		writeJSONError(w, http.StatusBadRequest, "validation_error", "tasks must contain between 1 and 100 entries")
		return
	}
	if req.Parallelism != 0 && (req.Parallelism < 1 || req.Parallelism > 10) {
		writeJSONError(w, http.StatusBadRequest, "validation_error", "parallelism must be between 1 and 10")
		return
	}

	batchID := uuid.NewString()
	tasks := make([]*task.Task, 0, len(req.Tasks))
	for i, tr := range req.Tasks {
		t, errCode, errMsg := h.buildTask(tr, batchID)
		if errCode != "" {
			writeJSONError(w, http.StatusBadRequest, errCode,
				"task "+strconv.Itoa(i)+": "+errMsg)
			return
		}
		tasks = append(tasks, t)
	}

	if err := h.store.CreateBatch(&task.Batch{
		ID:          batchID,
		WebhookURL:  req.WebhookURL,
		Parallelism: req.Parallelism,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	taskIDs := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if err := h.store.CreateTask(t); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		if h.onCreated != nil {
			h.onCreated()
		}
		taskIDs = append(taskIDs, t.ID)
	}

	h.logger.Info("Batch created", "batch_id", batchID, "count", len(taskIDs))
	writeJSON(w, http.StatusCreated, CreateBatchResponse{
		BatchID:   batchID,
		TaskIDs:   taskIDs,
		Count:     len(taskIDs),
		CreatedAt: time.Now().UTC(),
	})
}

func (h *TaskHandler) handleGetBatch(w http.ResponseWriter, r *http.Request, batchID string) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Use GET")
		return
	}
	batch, err := h.store.GetBatch(batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "not_found", "Unknown batch: "+batchID)
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	tasks, _, err := h.store.ListTasks(store.TaskFilter{BatchID: batchID, Limit: maxBatchTasks})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch": batch,
		"tasks": tasks,
	})
}

func (h *TaskHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		State:    task.State(q.Get("state")),
		Priority: task.Priority(q.Get("priority")),
		BatchID:  q.Get("batchId"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeJSONError(w, http.StatusBadRequest, "validation_error", "limit must be between 1 and 100")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "validation_error", "offset must not be negative")
			return
		}
		filter.Offset = n
	}
	if filter.State != "" && !filter.State.Valid() {
		writeJSONError(w, http.StatusBadRequest, "validation_error", "unknown state filter")
		return
	}
	if filter.Priority != "" && !filter.Priority.Valid() {
		writeJSONError(w, http.StatusBadRequest, "validation_error", "unknown priority filter")
		return
	}

	tasks, total, err := h.store.ListTasks(filter)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	stats, err := h.store.GetStats()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ListTasksResponse{Tasks: tasks, Total: total, Stats: stats})
}

func (h *TaskHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Use GET")
		return
	}
	stats, err := h.store.GetStats()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *TaskHandler) handleTaskByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		result, err := h.store.GetResult(id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeJSONError(w, http.StatusNotFound, "not_found", "Unknown task: "+id)
				return
			}
			writeJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)

	case http.MethodDelete:
		if _, err := h.store.GetTask(id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeJSONError(w, http.StatusNotFound, "not_found", "Unknown task: "+id)
				return
			}
			writeJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		if err := h.scheduler.CancelTask(id); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "cancel_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"taskId":    id,
			"cancelled": true,
			"state":     string(task.StateCancelled),
		})

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Use GET or DELETE")
	}
}

func (h *TaskHandler) handleRetry(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Use POST")
		return
	}
	t, err := h.scheduler.RetryTask(id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeJSONError(w, http.StatusNotFound, "not_found", "Unknown task: "+id)
		case errors.Is(err, task.ErrInvalidTransition):
			writeJSONError(w, http.StatusBadRequest, "invalid_state", err.Error())
		default:
			writeJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"taskId":     t.ID,
		"state":      string(task.StatePending),
		"retryCount": t.RetryCount,
	})
}
