// Package task defines the shared domain types for the browser-automation
// task queue: tasks, states, priorities, retry policies, results, and
// batches. It is consumed by the store, the queue, and the HTTP API.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTransition is returned when an operation requires a task state
// the task is not in (e.g. retrying a task that is still running).
var ErrInvalidTransition = errors.New("invalid task state for operation")

// State is a task lifecycle state.
type State string

// Task lifecycle states.
const (
	StatePending           State = "pending"
	StateQueued            State = "queued"
	StateWaitingDependency State = "waiting_dependency"
	StateRunning           State = "running"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
	StateCancelled         State = "cancelled"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateQueued, StateWaitingDependency,
		StateRunning, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state. A failed task is terminal
// only once retries are exhausted; that decision belongs to the scheduler,
// so Terminal treats failed as terminal from the store's point of view.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Priority orders tasks in the dispatch queue.
type Priority string

// Task priorities, highest first.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Rank returns the sort rank of a priority. Lower ranks dispatch first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// RetryPolicy overrides the queue's retry defaults for a single task.
// Nil fields fall back to the defaults.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts.
	MaxRetries *int `json:"maxRetries,omitempty"`

	// BackoffMs is the base backoff before the first retry.
	BackoffMs *int `json:"backoffMs,omitempty"`

	// BackoffMultiplier is applied to the backoff on each retry.
	BackoffMultiplier *float64 `json:"backoffMultiplier,omitempty"`
}

// LLMConfig is an optional per-task override passed through to the chat
// endpoint. Credential fields mirror the provider pool's credential shape.
type LLMConfig struct {
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

// Task is a single browser-automation task.
type Task struct {
	// ID uniquely identifies the task.
	ID string `json:"id"`

	// Instruction is the natural-language task description. Never empty.
	Instruction string `json:"instruction"`

	// Priority orders dispatch. Defaults to normal.
	Priority Priority `json:"priority"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// DependsOn lists task IDs that must complete before this task runs.
	DependsOn []string `json:"dependsOn,omitempty"`

	// RetryPolicy optionally overrides retry defaults.
	RetryPolicy *RetryPolicy `json:"retryPolicy,omitempty"`

	// TimeoutMs bounds the chat call. Zero means the queue default.
	TimeoutMs int `json:"timeout,omitempty"`

	// WebhookURL, when set, receives a completion notification.
	WebhookURL string `json:"webhookUrl,omitempty"`

	// Metadata is an opaque caller-supplied bag.
	Metadata map[string]any `json:"metadata,omitempty"`

	// LLMConfig optionally overrides model routing for this task.
	LLMConfig *LLMConfig `json:"llmConfig,omitempty"`

	// BatchID groups tasks created together.
	BatchID string `json:"batchId,omitempty"`

	// RetryCount is the number of retries performed so far.
	RetryCount int `json:"retryCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Step records one tool invocation observed while executing a task.
type Step struct {
	// Tool is the browser primitive that was invoked (e.g. browser_click).
	Tool string `json:"tool"`

	// Provider and Model identify the route the call used.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// Success reports whether the invocation succeeded.
	Success bool `json:"success"`

	// LatencyMs is the invocation latency.
	LatencyMs int64 `json:"latencyMs,omitempty"`

	// Detail is the raw step payload from the chat stream.
	Detail json.RawMessage `json:"detail,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Result is the execution outcome of a task. Exactly one row exists per
// task id once execution has started.
type Result struct {
	TaskID          string          `json:"taskId"`
	State           State           `json:"state"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	RetryCount      int             `json:"retryCount"`
	ExecutionTimeMs int64           `json:"executionTimeMs,omitempty"`
	Steps           []Step          `json:"steps"`
}

// Batch groups tasks created by a single batch request.
type Batch struct {
	ID          string    `json:"id"`
	WebhookURL  string    `json:"webhookUrl,omitempty"`
	Parallelism int       `json:"parallelism,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Stats summarizes queue contents.
type Stats struct {
	Total      int              `json:"total"`
	ByState    map[State]int    `json:"byState"`
	ByPriority map[Priority]int `json:"byPriority"`
}

// Validate checks the task's invariants before insertion.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if strings.TrimSpace(t.Instruction) == "" {
		return fmt.Errorf("instruction is required")
	}
	if t.Priority != "" && !t.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", t.Priority)
	}
	if t.TimeoutMs != 0 && t.TimeoutMs < 1000 {
		return fmt.Errorf("timeout must be at least 1000ms, got %d", t.TimeoutMs)
	}
	for _, dep := range t.DependsOn {
		if dep == "" {
			return fmt.Errorf("dependsOn contains an empty task id")
		}
		if dep == t.ID {
			return fmt.Errorf("task %s cannot depend on itself", t.ID)
		}
	}
	return nil
}

// Normalize fills defaults that Validate allows to be absent.
func (t *Task) Normalize() {
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	if t.State == "" {
		t.State = StatePending
	}
	if t.DependsOn == nil {
		t.DependsOn = []string{}
	}
}
