package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Downgrade test statuses.
const (
	DowngradeStatusPending = "pending"
	DowngradeStatusPassed  = "passed"
	DowngradeStatusFailed  = "failed"
)

// SetOverride upserts a routing override.
func (s *Store) SetOverride(o OverrideRow) error {
	if o.ToolPattern == "" {
		return fmt.Errorf("tool pattern is required")
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO routing_overrides (tool_pattern, provider, model, reason, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tool_pattern) DO UPDATE SET
			provider   = excluded.provider,
			model      = excluded.model,
			reason     = excluded.reason,
			updated_at = excluded.updated_at`,
		o.ToolPattern, o.Provider, o.Model, o.Reason, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("set override: %w", err)
	}
	return nil
}

// DeleteOverride removes a routing override. Missing rows are not an error.
func (s *Store) DeleteOverride(toolPattern string) error {
	if _, err := s.db.Exec(`DELETE FROM routing_overrides WHERE tool_pattern = ?`, toolPattern); err != nil {
		return fmt.Errorf("delete override: %w", err)
	}
	return nil
}

// ListOverrides returns all persisted routing overrides.
func (s *Store) ListOverrides() ([]OverrideRow, error) {
	var rows []OverrideRow
	if err := s.db.Select(&rows, `SELECT * FROM routing_overrides ORDER BY tool_pattern ASC`); err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	return rows, nil
}

// RecordMetric appends one router call record.
func (s *Store) RecordMetric(m MetricRow) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO router_metrics (tool_name, provider, model, success, latency_ms, estimated_cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ToolName, m.Provider, m.Model, m.Success, m.LatencyMs, m.EstimatedCost, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("record metric: %w", err)
	}
	return nil
}

// aggregatedMetricScan receives one aggregation row. MAX(created_at) is an
// expression column with no decltype, so the driver hands it back as text
// and it must be parsed rather than scanned into time.Time directly.
type aggregatedMetricScan struct {
	ToolName     string         `db:"tool_name"`
	Provider     string         `db:"provider"`
	Model        string         `db:"model"`
	TotalCalls   int            `db:"total_calls"`
	SuccessCount int            `db:"success_count"`
	FailureCount int            `db:"failure_count"`
	SuccessRate  float64        `db:"success_rate"`
	AvgLatencyMs int64          `db:"avg_latency_ms"`
	TotalCost    float64        `db:"total_cost"`
	LastUsed     sql.NullString `db:"last_used"`
}

// sqliteTimeLayouts are the textual layouts the driver emits for stored
// TIMESTAMP values.
var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseSQLiteTime(s string) time.Time {
	for _, layout := range sqliteTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// AggregateMetrics rolls up call records by (tool, provider, model). When
// tool is non-empty only that tool's rows are included. Results are ordered
// by tool name ascending, then success rate descending.
func (s *Store) AggregateMetrics(tool string) ([]AggregatedMetric, error) {
	where := ""
	args := []any{}
	if tool != "" {
		where = "WHERE tool_name = ?"
		args = append(args, tool)
	}
	var scans []aggregatedMetricScan
	query := fmt.Sprintf(`
		SELECT tool_name, provider, model,
			COUNT(*)                                   AS total_calls,
			SUM(success)                               AS success_count,
			COUNT(*) - SUM(success)                    AS failure_count,
			CAST(SUM(success) AS REAL) / COUNT(*)      AS success_rate,
			CAST(ROUND(AVG(latency_ms)) AS INTEGER)    AS avg_latency_ms,
			SUM(estimated_cost)                        AS total_cost,
			MAX(created_at)                            AS last_used
		FROM router_metrics %s
		GROUP BY tool_name, provider, model
		ORDER BY tool_name ASC, success_rate DESC`, where)
	if err := s.db.Select(&scans, query, args...); err != nil {
		return nil, fmt.Errorf("aggregate metrics: %w", err)
	}

	rows := make([]AggregatedMetric, 0, len(scans))
	for _, sc := range scans {
		m := AggregatedMetric{
			ToolName:     sc.ToolName,
			Provider:     sc.Provider,
			Model:        sc.Model,
			TotalCalls:   sc.TotalCalls,
			SuccessCount: sc.SuccessCount,
			FailureCount: sc.FailureCount,
			SuccessRate:  sc.SuccessRate,
			AvgLatencyMs: sc.AvgLatencyMs,
			TotalCost:    sc.TotalCost,
		}
		if sc.LastUsed.Valid {
			m.LastUsed = parseSQLiteTime(sc.LastUsed.String)
		}
		rows = append(rows, m)
	}
	return rows, nil
}

// TotalCallsForTool returns the number of recorded calls for one tool.
func (s *Store) TotalCallsForTool(tool string) (int, error) {
	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM router_metrics WHERE tool_name = ?`, tool); err != nil {
		return 0, fmt.Errorf("count metrics: %w", err)
	}
	return n, nil
}

// TotalCalls returns the number of recorded calls across all tools.
func (s *Store) TotalCalls() (int, error) {
	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM router_metrics`); err != nil {
		return 0, fmt.Errorf("count metrics: %w", err)
	}
	return n, nil
}

// LogOptimization appends a routing change made by the self-learner.
func (s *Store) LogOptimization(o OptimizationRow) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO routing_optimizations (tool_name, from_model, to_model, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		o.ToolName, o.FromModel, o.ToModel, o.Reason, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("log optimization: %w", err)
	}
	return nil
}

// ListOptimizations returns the most recent routing changes, newest first.
func (s *Store) ListOptimizations(limit int) ([]OptimizationRow, error) {
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}
	var rows []OptimizationRow
	if err := s.db.Select(&rows, `SELECT * FROM routing_optimizations ORDER BY id DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("list optimizations: %w", err)
	}
	return rows, nil
}

// CreateDowngradeTest inserts a new pending downgrade experiment.
func (s *Store) CreateDowngradeTest(t DowngradeTestRow) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = DowngradeStatusPending
	}
	_, err := s.db.Exec(`
		INSERT INTO downgrade_tests (tool_name, from_model, to_model, provider, status,
			sample_size, success_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ToolName, t.FromModel, t.ToModel, t.Provider, t.Status,
		t.SampleSize, t.SuccessCount, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create downgrade test: %w", err)
	}
	return nil
}

// PendingDowngradeTests returns all tests still collecting samples.
func (s *Store) PendingDowngradeTests() ([]DowngradeTestRow, error) {
	var rows []DowngradeTestRow
	err := s.db.Select(&rows, `SELECT * FROM downgrade_tests WHERE status = ? ORDER BY id ASC`,
		DowngradeStatusPending)
	if err != nil {
		return nil, fmt.Errorf("pending downgrade tests: %w", err)
	}
	return rows, nil
}

// CountPendingDowngradeTests returns how many tests are pending.
func (s *Store) CountPendingDowngradeTests() (int, error) {
	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM downgrade_tests WHERE status = ?`, DowngradeStatusPending); err != nil {
		return 0, fmt.Errorf("count pending downgrade tests: %w", err)
	}
	return n, nil
}

// HasDowngradeTestForTool reports whether any pending test targets the tool.
func (s *Store) HasDowngradeTestForTool(tool string) (bool, error) {
	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM downgrade_tests WHERE tool_name = ? AND status = ?`,
		tool, DowngradeStatusPending)
	if err != nil {
		return false, fmt.Errorf("check downgrade test: %w", err)
	}
	return n > 0, nil
}

// RecordDowngradeSample increments a pending test's sample counters for a
// matching (tool, model) call. Returns true when a row was updated.
func (s *Store) RecordDowngradeSample(tool, model string, success bool) (bool, error) {
	succ := 0
	if success {
		succ = 1
	}
	res, err := s.db.Exec(`
		UPDATE downgrade_tests
		SET sample_size = sample_size + 1, success_count = success_count + ?
		WHERE id = (
			SELECT id FROM downgrade_tests
			WHERE tool_name = ? AND to_model = ? AND status = ?
			ORDER BY id ASC LIMIT 1
		)`,
		succ, tool, model, DowngradeStatusPending)
	if err != nil {
		return false, fmt.Errorf("record downgrade sample: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteDowngradeTest marks a test passed or failed.
func (s *Store) CompleteDowngradeTest(id int64, status string) error {
	res, err := s.db.Exec(`
		UPDATE downgrade_tests SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		status, time.Now().UTC(), id, DowngradeStatusPending)
	if err != nil {
		return fmt.Errorf("complete downgrade test: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("downgrade test %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListDowngradeTests returns recent tests, newest first.
func (s *Store) ListDowngradeTests(limit int) ([]DowngradeTestRow, error) {
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}
	var rows []DowngradeTestRow
	if err := s.db.Select(&rows, `SELECT * FROM downgrade_tests ORDER BY id DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("list downgrade tests: %w", err)
	}
	return rows, nil
}

// GetDowngradeTest returns one test by id.
func (s *Store) GetDowngradeTest(id int64) (*DowngradeTestRow, error) {
	var row DowngradeTestRow
	err := s.db.Get(&row, `SELECT * FROM downgrade_tests WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("downgrade test %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get downgrade test: %w", err)
	}
	return &row, nil
}
