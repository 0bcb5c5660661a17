package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverrides_UpsertAndList(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.SetOverride(OverrideRow{
		ToolPattern: "browser_click",
		Provider:    "anthropic",
		Model:       "claude-sonnet-4-5-20250929",
		Reason:      "auto-upgrade: success rate 55.0% below 70% threshold",
	}))

	// Upsert replaces.
	require.NoError(t, st.SetOverride(OverrideRow{
		ToolPattern: "browser_click",
		Provider:    "anthropic",
		Model:       "claude-opus-4-1-20250805",
		Reason:      "auto-upgrade: success rate 60.0% below 70% threshold",
	}))

	rows, err := st.ListOverrides()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "claude-opus-4-1-20250805", rows[0].Model)

	require.NoError(t, st.DeleteOverride("browser_click"))
	rows, err = st.ListOverrides()
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Deleting an absent override is not an error.
	require.NoError(t, st.DeleteOverride("browser_click"))
}

func TestAggregateMetrics(t *testing.T) {
	st := newTestStore(t)

	record := func(tool, model string, success bool, latency int64) {
		require.NoError(t, st.RecordMetric(MetricRow{
			ToolName:      tool,
			Provider:      "anthropic",
			Model:         model,
			Success:       success,
			LatencyMs:     latency,
			EstimatedCost: 0.004,
		}))
	}
	for i := 0; i < 8; i++ {
		record("browser_click", "claude-haiku-4-5-20251001", true, 100)
	}
	record("browser_click", "claude-haiku-4-5-20251001", false, 300)
	record("browser_click", "claude-haiku-4-5-20251001", false, 300)
	record("browser_navigate", "claude-haiku-4-5-20251001", true, 50)

	rows, err := st.AggregateMetrics("browser_click")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	m := rows[0]
	assert.Equal(t, 10, m.TotalCalls)
	assert.Equal(t, 8, m.SuccessCount)
	assert.Equal(t, 2, m.FailureCount)
	assert.InDelta(t, 0.8, m.SuccessRate, 0.001)
	assert.Equal(t, int64(140), m.AvgLatencyMs)
	assert.InDelta(t, 0.04, m.TotalCost, 0.0001)
	// MAX(created_at) comes back as text; it must survive the round trip.
	assert.False(t, m.LastUsed.IsZero())
	assert.WithinDuration(t, time.Now().UTC(), m.LastUsed, time.Minute)

	all, err := st.AggregateMetrics("")
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Ordered by tool name ascending.
	assert.Equal(t, "browser_click", all[0].ToolName)
	assert.Equal(t, "browser_navigate", all[1].ToolName)

	total, err := st.TotalCalls()
	require.NoError(t, err)
	assert.Equal(t, 11, total)

	forTool, err := st.TotalCallsForTool("browser_navigate")
	require.NoError(t, err)
	assert.Equal(t, 1, forTool)
}

func TestOptimizations_LogAndList(t *testing.T) {
	st := newTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, st.LogOptimization(OptimizationRow{
			ToolName:  "browser_click",
			FromModel: "claude-haiku-4-5-20251001",
			ToModel:   "claude-sonnet-4-5-20250929",
			Reason:    "auto-upgrade",
		}))
	}

	rows, err := st.ListOptimizations(2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestDowngradeTest_Lifecycle(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.CreateDowngradeTest(DowngradeTestRow{
		ToolName:  "browser_extract_text",
		FromModel: "claude-sonnet-4-5-20250929",
		ToModel:   "claude-haiku-4-5-20251001",
		Provider:  "anthropic",
	}))

	pending, err := st.PendingDowngradeTests()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, DowngradeStatusPending, pending[0].Status)

	has, err := st.HasDowngradeTestForTool("browser_extract_text")
	require.NoError(t, err)
	assert.True(t, has)

	n, err := st.CountPendingDowngradeTests()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Samples accumulate on the matching pending test only.
	ok, err := st.RecordDowngradeSample("browser_extract_text", "claude-haiku-4-5-20251001", true)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.RecordDowngradeSample("browser_extract_text", "claude-haiku-4-5-20251001", false)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.RecordDowngradeSample("browser_extract_text", "claude-opus-4-1-20250805", true)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.GetDowngradeTest(pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SampleSize)
	assert.Equal(t, 1, got.SuccessCount)

	require.NoError(t, st.CompleteDowngradeTest(pending[0].ID, DowngradeStatusPassed))
	got, err = st.GetDowngradeTest(pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, DowngradeStatusPassed, got.Status)
	assert.True(t, got.CompletedAt.Valid)

	// Completing twice fails: the row is no longer pending.
	err = st.CompleteDowngradeTest(pending[0].ID, DowngradeStatusFailed)
	assert.ErrorIs(t, err, ErrNotFound)

	has, err = st.HasDowngradeTestForTool("browser_extract_text")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestSetOverride_RequiresPattern(t *testing.T) {
	st := newTestStore(t)
	err := st.SetOverride(OverrideRow{Provider: "anthropic", Model: "m", UpdatedAt: time.Now()})
	assert.Error(t, err)
}
