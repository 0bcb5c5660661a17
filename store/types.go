package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/browseros/autopilot/task"
)

// taskRow mirrors the tasks table. JSON-in-TEXT columns are decoded with
// safe parsers that fall back to typed defaults on malformed input, so a
// corrupted row degrades instead of poisoning the dispatcher.
type taskRow struct {
	ID          string         `db:"id"`
	Instruction string         `db:"instruction"`
	Priority    string         `db:"priority"`
	State       string         `db:"state"`
	DependsOn   string         `db:"depends_on"`
	RetryPolicy sql.NullString `db:"retry_policy"`
	TimeoutMs   int            `db:"timeout_ms"`
	WebhookURL  string         `db:"webhook_url"`
	Metadata    sql.NullString `db:"metadata"`
	LLMConfig   sql.NullString `db:"llm_config"`
	BatchID     string         `db:"batch_id"`
	RetryCount  int            `db:"retry_count"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r *taskRow) toTask() *task.Task {
	t := &task.Task{
		ID:          r.ID,
		Instruction: r.Instruction,
		Priority:    task.Priority(r.Priority),
		State:       task.State(r.State),
		DependsOn:   parseStringSlice(r.DependsOn),
		TimeoutMs:   r.TimeoutMs,
		WebhookURL:  r.WebhookURL,
		BatchID:     r.BatchID,
		RetryCount:  r.RetryCount,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.RetryPolicy.Valid {
		t.RetryPolicy = parseJSONPtr[task.RetryPolicy](r.RetryPolicy.String)
	}
	if r.Metadata.Valid {
		t.Metadata = parseStringMap(r.Metadata.String)
	}
	if r.LLMConfig.Valid {
		t.LLMConfig = parseJSONPtr[task.LLMConfig](r.LLMConfig.String)
	}
	return t
}

// resultRow mirrors task_results.
type resultRow struct {
	TaskID          string         `db:"task_id"`
	State           string         `db:"state"`
	Result          sql.NullString `db:"result"`
	Error           string         `db:"error"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	RetryCount      int            `db:"retry_count"`
	ExecutionTimeMs int64          `db:"execution_time_ms"`
}

func (r *resultRow) toResult() *task.Result {
	res := &task.Result{
		TaskID:          r.TaskID,
		State:           task.State(r.State),
		Error:           r.Error,
		RetryCount:      r.RetryCount,
		ExecutionTimeMs: r.ExecutionTimeMs,
		Steps:           []task.Step{},
	}
	if r.Result.Valid && r.Result.String != "" {
		res.Result = json.RawMessage(r.Result.String)
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		res.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		res.CompletedAt = &t
	}
	return res
}

// stepRow mirrors task_steps.
type stepRow struct {
	ID        int64          `db:"id"`
	TaskID    string         `db:"task_id"`
	Tool      string         `db:"tool"`
	Provider  string         `db:"provider"`
	Model     string         `db:"model"`
	Success   bool           `db:"success"`
	LatencyMs int64          `db:"latency_ms"`
	Detail    sql.NullString `db:"detail"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r *stepRow) toStep() task.Step {
	s := task.Step{
		Tool:      r.Tool,
		Provider:  r.Provider,
		Model:     r.Model,
		Success:   r.Success,
		LatencyMs: r.LatencyMs,
		CreatedAt: r.CreatedAt,
	}
	if r.Detail.Valid && r.Detail.String != "" {
		s.Detail = json.RawMessage(r.Detail.String)
	}
	return s
}

// batchRow mirrors task_batches.
type batchRow struct {
	ID          string    `db:"id"`
	WebhookURL  string    `db:"webhook_url"`
	Parallelism int       `db:"parallelism"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r *batchRow) toBatch() *task.Batch {
	return &task.Batch{
		ID:          r.ID,
		WebhookURL:  r.WebhookURL,
		Parallelism: r.Parallelism,
		CreatedAt:   r.CreatedAt,
	}
}

// OverrideRow is a persisted routing override.
type OverrideRow struct {
	ToolPattern string    `db:"tool_pattern" json:"toolPattern"`
	Provider    string    `db:"provider" json:"provider"`
	Model       string    `db:"model" json:"model"`
	Reason      string    `db:"reason" json:"reason"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// MetricRow is one recorded router call.
type MetricRow struct {
	ToolName      string    `db:"tool_name" json:"toolName"`
	Provider      string    `db:"provider" json:"provider"`
	Model         string    `db:"model" json:"model"`
	Success       bool      `db:"success" json:"success"`
	LatencyMs     int64     `db:"latency_ms" json:"latencyMs"`
	EstimatedCost float64   `db:"estimated_cost" json:"estimatedCost"`
	CreatedAt     time.Time `db:"created_at" json:"timestamp"`
}

// AggregatedMetric is the per-(tool, provider, model) rollup.
type AggregatedMetric struct {
	ToolName     string    `db:"tool_name" json:"toolName"`
	Provider     string    `db:"provider" json:"provider"`
	Model        string    `db:"model" json:"model"`
	TotalCalls   int       `db:"total_calls" json:"totalCalls"`
	SuccessCount int       `db:"success_count" json:"successCount"`
	FailureCount int       `db:"failure_count" json:"failureCount"`
	SuccessRate  float64   `db:"success_rate" json:"successRate"`
	AvgLatencyMs int64     `db:"avg_latency_ms" json:"avgLatencyMs"`
	TotalCost    float64   `db:"total_cost" json:"totalCost"`
	LastUsed     time.Time `db:"last_used" json:"lastUsed"`
}

// OptimizationRow is one logged routing change made by the self-learner.
type OptimizationRow struct {
	ID        int64     `db:"id" json:"id"`
	ToolName  string    `db:"tool_name" json:"toolName"`
	FromModel string    `db:"from_model" json:"fromModel"`
	ToModel   string    `db:"to_model" json:"toModel"`
	Reason    string    `db:"reason" json:"reason"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// DowngradeTestRow is a bounded-sample downgrade experiment.
type DowngradeTestRow struct {
	ID           int64        `db:"id" json:"id"`
	ToolName     string       `db:"tool_name" json:"toolName"`
	FromModel    string       `db:"from_model" json:"fromModel"`
	ToModel      string       `db:"to_model" json:"toModel"`
	Provider     string       `db:"provider" json:"provider"`
	Status       string       `db:"status" json:"status"`
	SampleSize   int          `db:"sample_size" json:"sampleSize"`
	SuccessCount int          `db:"success_count" json:"successCount"`
	CreatedAt    time.Time    `db:"created_at" json:"createdAt"`
	CompletedAt  sql.NullTime `db:"completed_at" json:"-"`
}

// MemoryEntryRow mirrors memory_entries.
type MemoryEntryRow struct {
	ID             string         `db:"id" json:"id"`
	Type           string         `db:"type" json:"type"`
	SessionID      string         `db:"session_id" json:"sessionId"`
	Content        string         `db:"content" json:"content"`
	Role           string         `db:"role" json:"role"`
	Metadata       sql.NullString `db:"metadata" json:"-"`
	RelevanceScore float64        `db:"relevance_score" json:"relevanceScore"`
	IsCompressed   bool           `db:"is_compressed" json:"isCompressed"`
	CompressedAt   sql.NullTime   `db:"compressed_at" json:"-"`
	TokenCount     int            `db:"token_count" json:"tokenCount"`
	CreatedAt      time.Time      `db:"created_at" json:"createdAt"`
}

// SnapshotRow is one optimizer run record.
type SnapshotRow struct {
	ID                int64          `db:"id" json:"id"`
	SessionID         string         `db:"session_id" json:"sessionId,omitempty"`
	TokensBefore      int            `db:"tokens_before" json:"tokensBefore"`
	TokensAfter       int            `db:"tokens_after" json:"tokensAfter"`
	EntriesCompressed int            `db:"entries_compressed" json:"entriesCompressed"`
	EntriesDropped    int            `db:"entries_dropped" json:"entriesDropped"`
	EntriesPromoted   int            `db:"entries_promoted" json:"entriesPromoted"`
	Parameters        sql.NullString `db:"parameters" json:"-"`
	CreatedAt         time.Time      `db:"created_at" json:"timestamp"`
}

// ----------------------------------------------------------------------------
// Safe JSON-in-TEXT parsing
// ----------------------------------------------------------------------------

// parseStringSlice decodes a JSON string array, returning an empty slice on
// malformed input.
func parseStringSlice(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

// parseStringMap decodes a JSON object, returning nil on malformed input.
func parseStringMap(raw string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// parseJSONPtr decodes a JSON object into *T, returning nil on malformed
// input.
func parseJSONPtr[T any](raw string) *T {
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return &out
}

// marshalOrNull marshals v to a TEXT column value, mapping nil to SQL NULL.
func marshalOrNull(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}
