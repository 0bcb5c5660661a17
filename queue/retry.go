package queue

import (
	"context"
	"time"

	"github.com/browseros/autopilot/task"
)

// Retry defaults, overridable per task through its RetryPolicy.
const (
	DefaultMaxRetries        = 3
	DefaultBackoffMs         = 1000
	DefaultBackoffMultiplier = 2.0

	// MaxBackoffMs caps the computed backoff regardless of policy.
	MaxBackoffMs = 60000
)

// RetryManager holds the queue-wide retry defaults and computes per-task
// retry decisions and backoff durations.
type RetryManager struct {
	maxRetries int
	backoffMs  int
	multiplier float64
}

// NewRetryManager creates a retry manager with the given defaults. Zero
// values fall back to the package defaults.
func NewRetryManager(maxRetries, backoffMs int, multiplier float64) *RetryManager {
	m := &RetryManager{
		maxRetries: maxRetries,
		backoffMs:  backoffMs,
		multiplier: multiplier,
	}
	if m.maxRetries <= 0 {
		m.maxRetries = DefaultMaxRetries
	}
	if m.backoffMs <= 0 {
		m.backoffMs = DefaultBackoffMs
	}
	if m.multiplier <= 0 {
		m.multiplier = DefaultBackoffMultiplier
	}
	return m
}

// effective resolves the policy fields for one task.
func (m *RetryManager) effective(policy *task.RetryPolicy) (maxRetries, backoffMs int, multiplier float64) {
	maxRetries = m.maxRetries
	backoffMs = m.backoffMs
	multiplier = m.multiplier
	if policy == nil {
		return
	}
	if policy.MaxRetries != nil {
		maxRetries = *policy.MaxRetries
	}
	if policy.BackoffMs != nil && *policy.BackoffMs > 0 {
		backoffMs = *policy.BackoffMs
	}
	if policy.BackoffMultiplier != nil && *policy.BackoffMultiplier > 0 {
		multiplier = *policy.BackoffMultiplier
	}
	return
}

// MaxRetries returns the effective retry limit for a policy.
func (m *RetryManager) MaxRetries(policy *task.RetryPolicy) int {
	maxRetries, _, _ := m.effective(policy)
	return maxRetries
}

// ShouldRetry reports whether a task with the given retry count may be
// retried under its policy.
func (m *RetryManager) ShouldRetry(retryCount int, policy *task.RetryPolicy) bool {
	maxRetries, _, _ := m.effective(policy)
	return retryCount < maxRetries
}

// BackoffMs computes base * multiplier^retryCount, clamped at MaxBackoffMs.
// Monotonic non-decreasing in retryCount.
func (m *RetryManager) BackoffMs(retryCount int, policy *task.RetryPolicy) int {
	_, base, multiplier := m.effective(policy)
	backoff := float64(base)
	for i := 0; i < retryCount; i++ {
		backoff *= multiplier
		if backoff >= MaxBackoffMs {
			return MaxBackoffMs
		}
	}
	if backoff > MaxBackoffMs {
		return MaxBackoffMs
	}
	return int(backoff)
}

// WaitForRetry sleeps for the computed backoff. Returns early with the
// context error when the scheduler shuts down.
func (m *RetryManager) WaitForRetry(ctx context.Context, retryCount int, policy *task.RetryPolicy) error {
	backoff := time.Duration(m.BackoffMs(retryCount, policy)) * time.Millisecond
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}
