package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/browseros/autopilot/store"
	"github.com/browseros/autopilot/task"
)

// Scheduler defaults.
const (
	DefaultTickMs        = 1000
	DefaultMaxConcurrent = 1
)

// Scheduler is the polling dispatcher. One goroutine polls the store on a
// fixed tick; dispatched tasks run on their own goroutines bounded by a
// semaphore. The scheduler also owns the retry path: it is the only place a
// failed task returns to pending.
type Scheduler struct {
	store    *store.Store
	executor *Executor
	events   *Events
	resolver *Resolver
	retry    *RetryManager
	logger   *slog.Logger

	tick          time.Duration
	maxConcurrent int
	sem           chan struct{}

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTick overrides the poll interval.
func WithTick(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithMaxConcurrent bounds the number of simultaneously running tasks.
func WithMaxConcurrent(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// NewScheduler creates a scheduler. The executor's failure interceptor is
// installed here so retries are claimed before failure events fan out.
func NewScheduler(st *store.Store, exec *Executor, events *Events, retry *RetryManager, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:         st,
		executor:      exec,
		events:        events,
		resolver:      NewResolver(),
		retry:         retry,
		logger:        logger,
		tick:          DefaultTickMs * time.Millisecond,
		maxConcurrent: DefaultMaxConcurrent,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = make(chan struct{}, s.maxConcurrent)
	exec.SetFailureInterceptor(s.interceptFailure)
	return s
}

// Start begins the polling loop. Returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.runCtx = ctx
	s.cancel = cancel
	s.running = true
	s.startTime = time.Now()

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("Scheduler started",
		"tick", s.tick.String(),
		"max_concurrent", s.maxConcurrent)
	return nil
}

// Stop halts polling and waits for in-flight executions and retry timers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// Running reports whether the poll loop is active.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ActiveTasks returns the number of currently dispatched executions.
func (s *Scheduler) ActiveTasks() int {
	return len(s.sem)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// dispatch runs one scheduling pass: fetch dispatchable tasks, settle
// dependency state, and hand executable work to the executor up to capacity.
func (s *Scheduler) dispatch(ctx context.Context) {
	capacity := s.maxConcurrent - len(s.sem)
	if capacity <= 0 {
		return
	}

	// Over-fetch so dependency-blocked candidates do not starve the tick.
	candidates, err := s.store.NextPendingTasks(2 * capacity)
	if err != nil {
		s.logger.Error("Failed to fetch pending tasks", "error", err)
		return
	}
	if len(candidates) == 0 {
		return
	}

	universe := make(map[string]*task.Task, len(candidates))
	for _, t := range candidates {
		universe[t.ID] = t
	}
	// Eagerly load dependencies outside the fetched window so resolver
	// decisions see real states instead of treating them as unsatisfied.
	for _, t := range candidates {
		for _, dep := range t.DependsOn {
			if _, ok := universe[dep]; ok {
				continue
			}
			d, err := s.store.GetTask(dep)
			if err != nil {
				continue
			}
			universe[dep] = d
		}
	}

	for _, t := range candidates {
		if capacity <= 0 {
			return
		}
		if t.State == task.StateRunning {
			continue
		}

		if s.resolver.HasFailedDependency(t, universe) {
			if err := s.store.UpdateState(t.ID, task.StateCancelled); err != nil {
				s.logger.Error("Failed to cancel dependent task", "task_id", t.ID, "error", err)
				continue
			}
			s.logger.Info("Task cancelled due to failed dependency", "task_id", t.ID)
			s.events.Publish(Event{
				Type:   EventTaskCancelled,
				TaskID: t.ID,
				State:  string(task.StateCancelled),
			})
			continue
		}

		if !s.resolver.CanExecute(t, universe) {
			if t.State != task.StateWaitingDependency {
				if err := s.store.UpdateState(t.ID, task.StateWaitingDependency); err != nil {
					s.logger.Error("Failed to park task on dependencies", "task_id", t.ID, "error", err)
				}
			}
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			return
		}
		if err := s.store.UpdateState(t.ID, task.StateQueued); err != nil {
			s.logger.Error("Failed to queue task", "task_id", t.ID, "error", err)
			<-s.sem
			continue
		}
		capacity--

		s.wg.Add(1)
		go func(t *task.Task) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.executor.Execute(ctx, t)
		}(t)
	}
}

// interceptFailure claims a failed attempt for retry. Runs on the executor's
// goroutine; the backoff itself happens on a detached timer goroutine so the
// settle path is never blocked.
func (s *Scheduler) interceptFailure(t *task.Task, execErr error) bool {
	// Fatal failures (malformed requests, rejected calls) never retry.
	if IsFatal(execErr) {
		return false
	}
	if !s.retry.ShouldRetry(t.RetryCount, t.RetryPolicy) {
		return false
	}

	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		return false
	}

	newCount, err := s.store.IncrementRetry(t.ID)
	if err != nil {
		s.logger.Error("Failed to increment retry count", "task_id", t.ID, "error", err)
		return false
	}

	backoffMs := s.retry.BackoffMs(t.RetryCount, t.RetryPolicy)
	s.logger.Info("Retry scheduled",
		"task_id", t.ID,
		"retry_count", newCount,
		"backoff_ms", backoffMs,
		"error", execErr.Error())
	s.events.Publish(Event{
		Type:       EventTaskRetryScheduled,
		TaskID:     t.ID,
		State:      string(task.StateFailed),
		Error:      execErr.Error(),
		RetryCount: newCount,
	})

	s.wg.Add(1)
	go func(retryCount int, policy *task.RetryPolicy) {
		defer s.wg.Done()
		ctx := s.loopContext()
		if err := s.retry.WaitForRetry(ctx, retryCount, policy); err != nil {
			return
		}
		if err := s.store.UpdateState(t.ID, task.StatePending); err != nil {
			s.logger.Error("Failed to reset task for retry", "task_id", t.ID, "error", err)
		}
	}(t.RetryCount, t.RetryPolicy)
	return true
}

// loopContext returns a context tied to the scheduler lifecycle for retry
// timers; a stopped scheduler yields an already-cancelled context.
func (s *Scheduler) loopContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running || s.runCtx == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.runCtx
}

// CancelTask cancels a task: a running execution is signalled, and the state
// is set to cancelled regardless.
func (s *Scheduler) CancelTask(id string) error {
	signalled := s.executor.Cancel(id)
	if err := s.store.UpdateState(id, task.StateCancelled); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	if !signalled {
		// Running executions emit their own cancellation event on settle.
		s.events.Publish(Event{
			Type:   EventTaskCancelled,
			TaskID: id,
			State:  string(task.StateCancelled),
		})
	}
	s.logger.Info("Task cancelled", "task_id", id, "was_running", signalled)
	return nil
}

// RetryTask resets a failed or cancelled task to pending for re-dispatch.
func (s *Scheduler) RetryTask(id string) (*task.Task, error) {
	t, err := s.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if t.State != task.StateFailed && t.State != task.StateCancelled {
		return nil, fmt.Errorf("task %s is %s: %w", id, t.State, task.ErrInvalidTransition)
	}
	if err := s.store.UpdateState(id, task.StatePending); err != nil {
		return nil, err
	}
	t.State = task.StatePending
	return t, nil
}
