package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/browseros/autopilot/task"
)

// maxListLimit caps page sizes for task listings.
const maxListLimit = 100

// defaultListLimit is used when a listing request does not specify a limit.
const defaultListLimit = 50

// TaskFilter narrows ListTasks results. Zero values mean "no filter".
type TaskFilter struct {
	State    task.State
	Priority task.Priority
	BatchID  string
	Limit    int
	Offset   int
}

// CreateTask inserts a new task. Fails with ErrDuplicateID on id collision.
func (s *Store) CreateTask(t *task.Task) error {
	t.Normalize()
	if err := t.Validate(); err != nil {
		return fmt.Errorf("validate task: %w", err)
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	dependsOn, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal dependsOn: %w", err)
	}

	var retryPolicy, metadata, llmConfig any
	if t.RetryPolicy != nil {
		retryPolicy = marshalOrNull(t.RetryPolicy)
	}
	if t.Metadata != nil {
		metadata = marshalOrNull(t.Metadata)
	}
	if t.LLMConfig != nil {
		llmConfig = marshalOrNull(t.LLMConfig)
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, instruction, priority, state, depends_on, retry_policy,
			timeout_ms, webhook_url, metadata, llm_config, batch_id, retry_count,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Instruction, string(t.Priority), string(t.State), string(dependsOn),
		retryPolicy, t.TimeoutMs, t.WebhookURL, metadata, llmConfig, t.BatchID,
		t.RetryCount, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task %s: %w", t.ID, ErrDuplicateID)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask returns the task with the given id, or ErrNotFound.
func (s *Store) GetTask(id string) (*task.Task, error) {
	var row taskRow
	err := s.db.Get(&row, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return row.toTask(), nil
}

// ListTasks returns tasks matching the filter, newest first, plus the total
// count of matching rows (ignoring limit/offset).
func (s *Store) ListTasks(f TaskFilter) ([]*task.Task, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	if f.State != "" {
		where += " AND state = ?"
		args = append(args, string(f.State))
	}
	if f.Priority != "" {
		where += " AND priority = ?"
		args = append(args, string(f.Priority))
	}
	if f.BatchID != "" {
		where += " AND batch_id = ?"
		args = append(args, f.BatchID)
	}

	var total int
	if err := s.db.Get(&total, "SELECT COUNT(*) FROM tasks "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	limit := f.Limit
	if limit < 1 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var rows []taskRow
	query := "SELECT * FROM tasks " + where + " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}

	tasks := make([]*task.Task, len(rows))
	for i := range rows {
		tasks[i] = rows[i].toTask()
	}
	return tasks, total, nil
}

// UpdateState atomically sets the task state and bumps updated_at.
func (s *Store) UpdateState(id string, state task.State) error {
	if !state.Valid() {
		return fmt.Errorf("unknown state %q", state)
	}
	res, err := s.db.Exec(`UPDATE tasks SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementRetry atomically bumps retry_count and returns the new value.
func (s *Store) IncrementRetry(id string) (int, error) {
	_, err := s.db.Exec(`UPDATE tasks SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	var count int
	err = s.db.Get(&count, `SELECT retry_count FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("read retry count: %w", err)
	}
	return count, nil
}

// ResultPatch carries the fields SetResult should write. Nil fields are left
// untouched on upsert, except StartedAt which is write-once (COALESCE keeps
// the earliest value).
type ResultPatch struct {
	State           task.State
	Result          json.RawMessage
	Error           *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	RetryCount      *int
	ExecutionTimeMs *int64
}

// SetResult upserts the task's result row. startedAt is preserved once set;
// the remaining provided fields overwrite.
func (s *Store) SetResult(id string, p ResultPatch) error {
	var resultJSON any
	if p.Result != nil {
		resultJSON = string(p.Result)
	}
	errStr := ""
	if p.Error != nil {
		errStr = *p.Error
	}
	retryCount := 0
	if p.RetryCount != nil {
		retryCount = *p.RetryCount
	}
	var execMs int64
	if p.ExecutionTimeMs != nil {
		execMs = *p.ExecutionTimeMs
	}

	_, err := s.db.Exec(`
		INSERT INTO task_results (task_id, state, result, error, started_at,
			completed_at, retry_count, execution_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			state             = excluded.state,
			result            = CASE WHEN excluded.result IS NOT NULL THEN excluded.result ELSE task_results.result END,
			error             = CASE WHEN excluded.error != '' THEN excluded.error ELSE task_results.error END,
			started_at        = COALESCE(task_results.started_at, excluded.started_at),
			completed_at      = COALESCE(excluded.completed_at, task_results.completed_at),
			retry_count       = CASE WHEN excluded.retry_count != 0 THEN excluded.retry_count ELSE task_results.retry_count END,
			execution_time_ms = CASE WHEN excluded.execution_time_ms != 0 THEN excluded.execution_time_ms ELSE task_results.execution_time_ms END`,
		id, string(p.State), resultJSON, errStr, p.StartedAt, p.CompletedAt,
		retryCount, execMs)
	if err != nil {
		return fmt.Errorf("set result: %w", err)
	}
	return nil
}

// AddStep appends a tool-invocation record for the task.
func (s *Store) AddStep(id string, step task.Step) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	var detail any
	if step.Detail != nil {
		detail = string(step.Detail)
	}
	_, err := s.db.Exec(`
		INSERT INTO task_steps (task_id, tool, provider, model, success, latency_ms, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, step.Tool, step.Provider, step.Model, step.Success, step.LatencyMs,
		detail, step.CreatedAt)
	if err != nil {
		return fmt.Errorf("add step: %w", err)
	}
	return nil
}

// GetResult returns the task's result envelope including its steps. The
// envelope reflects the task's current state even before execution started.
func (s *Store) GetResult(id string) (*task.Result, error) {
	t, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}

	var row resultRow
	err = s.db.Get(&row, `SELECT * FROM task_results WHERE task_id = ?`, id)
	var res *task.Result
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res = &task.Result{
			TaskID:     id,
			State:      t.State,
			RetryCount: t.RetryCount,
			Steps:      []task.Step{},
		}
	case err != nil:
		return nil, fmt.Errorf("get result: %w", err)
	default:
		res = row.toResult()
		// The task row is authoritative for state and retry count.
		res.State = t.State
		res.RetryCount = t.RetryCount
	}

	var stepRows []stepRow
	if err := s.db.Select(&stepRows, `SELECT * FROM task_steps WHERE task_id = ? ORDER BY id ASC`, id); err != nil {
		return nil, fmt.Errorf("get steps: %w", err)
	}
	for i := range stepRows {
		res.Steps = append(res.Steps, stepRows[i].toStep())
	}
	return res, nil
}

// GetStats returns counts of tasks by state and priority plus the total.
func (s *Store) GetStats() (*task.Stats, error) {
	stats := &task.Stats{
		ByState:    make(map[task.State]int),
		ByPriority: make(map[task.Priority]int),
	}

	type countRow struct {
		Key   string `db:"key"`
		Count int    `db:"count"`
	}

	var states []countRow
	if err := s.db.Select(&states, `SELECT state AS key, COUNT(*) AS count FROM tasks GROUP BY state`); err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	for _, r := range states {
		stats.ByState[task.State(r.Key)] = r.Count
		stats.Total += r.Count
	}

	var priorities []countRow
	if err := s.db.Select(&priorities, `SELECT priority AS key, COUNT(*) AS count FROM tasks GROUP BY priority`); err != nil {
		return nil, fmt.Errorf("count by priority: %w", err)
	}
	for _, r := range priorities {
		stats.ByPriority[task.Priority(r.Key)] = r.Count
	}
	return stats, nil
}

// NextPendingTasks returns dispatchable tasks (pending, queued, or waiting
// on dependencies), highest priority first, FIFO within a priority. This is
// the only ordering the dispatcher observes.
func (s *Store) NextPendingTasks(limit int) ([]*task.Task, error) {
	if limit < 1 {
		limit = 1
	}
	var rows []taskRow
	err := s.db.Select(&rows, `
		SELECT * FROM tasks
		WHERE state IN ('pending', 'queued', 'waiting_dependency')
		ORDER BY CASE priority
			WHEN 'critical' THEN 0
			WHEN 'high'     THEN 1
			WHEN 'normal'   THEN 2
			WHEN 'low'      THEN 3
			ELSE 4
		END, created_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("next pending tasks: %w", err)
	}
	tasks := make([]*task.Task, len(rows))
	for i := range rows {
		tasks[i] = rows[i].toTask()
	}
	return tasks, nil
}

// CreateBatch inserts a batch row.
func (s *Store) CreateBatch(b *task.Batch) error {
	if b.ID == "" {
		return fmt.Errorf("batch id is required")
	}
	if b.Parallelism < 1 {
		b.Parallelism = 1
	}
	if b.Parallelism > 10 {
		b.Parallelism = 10
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO task_batches (id, webhook_url, parallelism, created_at)
		VALUES (?, ?, ?, ?)`,
		b.ID, b.WebhookURL, b.Parallelism, b.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("batch %s: %w", b.ID, ErrDuplicateID)
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// GetBatch returns the batch with the given id, or ErrNotFound.
func (s *Store) GetBatch(id string) (*task.Batch, error) {
	var row batchRow
	err := s.db.Get(&row, `SELECT * FROM task_batches WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return row.toBatch(), nil
}

// DeleteTask removes a task; steps and result cascade.
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}
