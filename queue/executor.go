package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/browseros/autopilot/store"
	"github.com/browseros/autopilot/task"
)

// DefaultTaskTimeoutMs bounds one chat call and its streaming parse when the
// task carries no timeout of its own.
const DefaultTaskTimeoutMs = 120000

// errTaskCancelled is the context cause installed by Cancel.
var errTaskCancelled = errors.New("task cancelled")

// StepRecorder receives one record per tool step parsed from a completed chat
// call. The router's metrics and downgrade-test accounting hang off this.
type StepRecorder interface {
	RecordCall(tool, provider, model string, success bool, latencyMs int64)
}

// chatRequest is the body POSTed to the external chat endpoint. Credential
// fields from the task's LLM config are flattened in.
type chatRequest struct {
	ConversationID  string `json:"conversationId"`
	Message         string `json:"message"`
	IsScheduledTask bool   `json:"isScheduledTask"`
	Mode            string `json:"mode"`
	SupportsImages  bool   `json:"supportsImages"`

	Provider        string `json:"provider,omitempty"`
	Model           string `json:"model,omitempty"`
	APIKey          string `json:"apiKey,omitempty"`
	BaseURL         string `json:"baseUrl,omitempty"`
	ResourceName    string `json:"resourceName,omitempty"`
	Region          string `json:"region,omitempty"`
	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
	SessionToken    string `json:"sessionToken,omitempty"`
}

// stepFrame is the subset of an SSE frame that describes a tool step. Frames
// without a tool name are progress chatter and are ignored.
type stepFrame struct {
	Tool      string `json:"tool"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Success   *bool  `json:"success"`
	LatencyMs int64  `json:"latencyMs"`
}

// Executor drives one task through the external chat endpoint: state
// transitions, the streamed call, result persistence, webhook delivery.
type Executor struct {
	store    *store.Store
	events   *Events
	webhooks *WebhookSender
	recorder StepRecorder
	logger   *slog.Logger

	chatURL          string
	client           *http.Client
	defaultTimeoutMs int

	// intercept lets the scheduler claim a failure for retry before the
	// failure event and webhook fan out. Returns true when claimed.
	intercept func(t *task.Task, execErr error) bool

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

// SetFailureInterceptor installs the scheduler's retry hook. Must be called
// before any execution starts.
func (e *Executor) SetFailureInterceptor(f func(t *task.Task, execErr error) bool) {
	e.intercept = f
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithStepRecorder attaches per-step call recording (router metrics and
// downgrade-test samples).
func WithStepRecorder(r StepRecorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithDefaultTimeout overrides the default per-task timeout.
func WithDefaultTimeout(ms int) ExecutorOption {
	return func(e *Executor) {
		if ms > 0 {
			e.defaultTimeoutMs = ms
		}
	}
}

// WithHTTPClient replaces the outbound HTTP client. Tests use this.
func WithHTTPClient(c *http.Client) ExecutorOption {
	return func(e *Executor) { e.client = c }
}

// NewExecutor creates an executor bound to the chat endpoint at chatURL.
func NewExecutor(st *store.Store, events *Events, webhooks *WebhookSender, chatURL string, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		store:            st,
		events:           events,
		webhooks:         webhooks,
		logger:           logger,
		chatURL:          chatURL,
		client:           &http.Client{},
		defaultTimeoutMs: DefaultTaskTimeoutMs,
		cancels:          make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cancel signals the running execution of the task, if any. Returns true
// when an execution was actually signalled.
func (e *Executor) Cancel(taskID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[taskID]
	e.mu.Unlock()
	if ok {
		cancel(errTaskCancelled)
	}
	return ok
}

// Active returns the number of in-flight executions.
func (e *Executor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cancels)
}

// Execute runs the full per-task pipeline. It owns all state transitions for
// the attempt; errors are recorded on the task, never returned.
func (e *Executor) Execute(ctx context.Context, t *task.Task) {
	timeoutMs := t.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = e.defaultTimeoutMs
	}
	cause := fmt.Errorf("timed out after %dms", timeoutMs)
	ctx, cancel := context.WithTimeoutCause(ctx, time.Duration(timeoutMs)*time.Millisecond, cause)

	// A dedicated cancel-cause layer so Cancel can attribute the abort.
	ctx, cancelCause := context.WithCancelCause(ctx)

	e.mu.Lock()
	e.cancels[t.ID] = cancelCause
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, t.ID)
		e.mu.Unlock()
		cancelCause(nil)
		cancel()
	}()

	startedAt := time.Now().UTC()
	if err := e.store.UpdateState(t.ID, task.StateRunning); err != nil {
		e.logger.Error("Failed to mark task running", "task_id", t.ID, "error", err)
		return
	}
	if err := e.store.SetResult(t.ID, store.ResultPatch{State: task.StateRunning, StartedAt: &startedAt}); err != nil {
		e.logger.Error("Failed to record task start", "task_id", t.ID, "error", err)
	}
	e.events.Publish(Event{Type: EventTaskStarted, TaskID: t.ID, State: string(task.StateRunning)})

	result, err := e.callChat(ctx, t)
	elapsed := time.Since(startedAt).Milliseconds()

	if err != nil {
		// Timeouts and explicit cancels surface through the context cause.
		c := context.Cause(ctx)
		if c != nil && !errors.Is(c, context.Canceled) {
			err = c
		}
		if errors.Is(c, errTaskCancelled) {
			e.settleCancelled(t, elapsed)
			return
		}
		e.settleFailure(t, err, elapsed)
		return
	}
	e.settleSuccess(t, result, elapsed)
}

// settleCancelled records a cancellation. Terminal; never retried.
func (e *Executor) settleCancelled(t *task.Task, elapsed int64) {
	errStr := errTaskCancelled.Error()
	if err := e.store.UpdateState(t.ID, task.StateCancelled); err != nil {
		e.logger.Error("Failed to mark task cancelled", "task_id", t.ID, "error", err)
	}
	err := e.store.SetResult(t.ID, store.ResultPatch{
		State:           task.StateCancelled,
		Error:           &errStr,
		ExecutionTimeMs: &elapsed,
	})
	if err != nil {
		e.logger.Error("Failed to record task cancellation", "task_id", t.ID, "error", err)
	}

	e.logger.Info("Task cancelled", "task_id", t.ID)
	e.events.Publish(Event{
		Type:            EventTaskCancelled,
		TaskID:          t.ID,
		State:           string(task.StateCancelled),
		ExecutionTimeMs: elapsed,
	})
}

// callChat performs the outbound chat call and parses its SSE body. Tool
// steps found in the stream are persisted and fed to the recorder.
func (e *Executor) callChat(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	req := chatRequest{
		ConversationID:  uuid.NewString(),
		Message:         t.Instruction,
		IsScheduledTask: true,
		Mode:            "agent",
		SupportsImages:  false,
	}
	if cfg := t.LLMConfig; cfg != nil {
		req.Provider = cfg.Provider
		req.Model = cfg.Model
		req.APIKey = cfg.APIKey
		req.BaseURL = cfg.BaseURL
		req.ResourceName = cfg.ResourceName
		req.Region = cfg.Region
		req.AccessKeyID = cfg.AccessKeyID
		req.SecretAccessKey = cfg.SecretAccessKey
		req.SessionToken = cfg.SessionToken
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("encode chat request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build chat request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("chat request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("chat endpoint returned status %d: %s", resp.StatusCode, snippet)
		if retryableStatus(resp.StatusCode) {
			return nil, NewTransientError(statusErr)
		}
		return nil, NewFatalError(statusErr)
	}

	result, err := ParseSSEStream(resp.Body, func(frame json.RawMessage) {
		e.recordStep(t.ID, frame)
	})
	if err != nil {
		return nil, NewTransientError(err)
	}
	return result, nil
}

// retryableStatus reports whether a chat endpoint status is worth retrying:
// server errors, timeouts, and rate limits. Other client errors are fatal.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// recordStep persists one tool step and feeds the recorder. Malformed or
// non-step frames are skipped silently.
func (e *Executor) recordStep(taskID string, frame json.RawMessage) {
	var f stepFrame
	if err := json.Unmarshal(frame, &f); err != nil || f.Tool == "" {
		return
	}
	success := f.Success == nil || *f.Success

	step := task.Step{
		Tool:      f.Tool,
		Provider:  f.Provider,
		Model:     f.Model,
		Success:   success,
		LatencyMs: f.LatencyMs,
		Detail:    frame,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.AddStep(taskID, step); err != nil {
		e.logger.Warn("Failed to persist task step", "task_id", taskID, "tool", f.Tool, "error", err)
	}
	if e.recorder != nil {
		e.recorder.RecordCall(f.Tool, f.Provider, f.Model, success, f.LatencyMs)
	}
}

func (e *Executor) settleSuccess(t *task.Task, result json.RawMessage, elapsed int64) {
	completedAt := time.Now().UTC()
	completed := string(task.StateCompleted)
	if err := e.store.UpdateState(t.ID, task.StateCompleted); err != nil {
		e.logger.Error("Failed to mark task completed", "task_id", t.ID, "error", err)
		return
	}
	err := e.store.SetResult(t.ID, store.ResultPatch{
		State:           task.StateCompleted,
		Result:          result,
		CompletedAt:     &completedAt,
		ExecutionTimeMs: &elapsed,
	})
	if err != nil {
		e.logger.Error("Failed to record task result", "task_id", t.ID, "error", err)
	}

	e.logger.Info("Task completed", "task_id", t.ID, "execution_time_ms", elapsed)
	e.events.Publish(Event{
		Type:            EventTaskCompleted,
		TaskID:          t.ID,
		State:           completed,
		Result:          result,
		ExecutionTimeMs: elapsed,
	})
	e.webhooks.Send(context.Background(), t.WebhookURL, WebhookPayload{
		TaskID:          t.ID,
		State:           completed,
		Result:          result,
		ExecutionTimeMs: elapsed,
	})
}

func (e *Executor) settleFailure(t *task.Task, execErr error, elapsed int64) {
	failed := string(task.StateFailed)
	errStr := execErr.Error()
	if err := e.store.UpdateState(t.ID, task.StateFailed); err != nil {
		e.logger.Error("Failed to mark task failed", "task_id", t.ID, "error", err)
		return
	}
	err := e.store.SetResult(t.ID, store.ResultPatch{
		State:           task.StateFailed,
		Error:           &errStr,
		ExecutionTimeMs: &elapsed,
	})
	if err != nil {
		e.logger.Error("Failed to record task failure", "task_id", t.ID, "error", err)
	}
	e.logger.Warn("Task failed", "task_id", t.ID, "error", errStr, "execution_time_ms", elapsed)

	// Retry interception: a claimed failure is re-queued by the scheduler and
	// must not fan out to subscribers or webhooks for this attempt.
	if e.intercept != nil && e.intercept(t, execErr) {
		return
	}
	e.events.Publish(Event{
		Type:            EventTaskFailed,
		TaskID:          t.ID,
		State:           failed,
		Error:           errStr,
		RetryCount:      t.RetryCount,
		ExecutionTimeMs: elapsed,
	})
	e.webhooks.Send(context.Background(), t.WebhookURL, WebhookPayload{
		TaskID:          t.ID,
		State:           failed,
		Error:           errStr,
		ExecutionTimeMs: elapsed,
	})
}
