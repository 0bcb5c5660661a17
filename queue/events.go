package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// EventType names a task lifecycle event.
type EventType string

// Task lifecycle events.
const (
	EventTaskStarted        EventType = "task.started"
	EventTaskCompleted      EventType = "task.completed"
	EventTaskFailed         EventType = "task.failed"
	EventTaskCancelled      EventType = "task.cancelled"
	EventTaskRetryScheduled EventType = "task.retry_scheduled"
)

// Event is one task lifecycle notification.
type Event struct {
	Type            EventType       `json:"type"`
	TaskID          string          `json:"taskId"`
	State           string          `json:"state,omitempty"`
	Error           string          `json:"error,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	RetryCount      int             `json:"retryCount,omitempty"`
	ExecutionTimeMs int64           `json:"executionTimeMs,omitempty"`
}

// Handler receives lifecycle events.
type Handler func(Event)

// Events is the in-process lifecycle bus. Handlers run synchronously in
// registration order; a panicking handler is isolated so the rest still
// run. When a NATS connection is attached, every published event is also
// mirrored to the subject "autopilot.<event type>".
type Events struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler

	nc     *nats.Conn
	logger *slog.Logger
}

// NewEvents creates an event bus. nc may be nil to disable the NATS mirror.
func NewEvents(nc *nats.Conn, logger *slog.Logger) *Events {
	if logger == nil {
		logger = slog.Default()
	}
	return &Events{
		handlers: make(map[EventType][]Handler),
		nc:       nc,
		logger:   logger,
	}
}

// Subscribe registers a handler for one event type.
func (e *Events) Subscribe(t EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = append(e.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (e *Events) SubscribeAll(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, h)
}

// Publish delivers ev to all matching handlers and mirrors it to NATS.
func (e *Events) Publish(ev Event) {
	e.mu.RLock()
	typed := append([]Handler(nil), e.handlers[ev.Type]...)
	all := append([]Handler(nil), e.all...)
	e.mu.RUnlock()

	for _, h := range typed {
		e.invoke(h, ev)
	}
	for _, h := range all {
		e.invoke(h, ev)
	}

	e.mirror(ev)
}

// invoke runs one handler with panic isolation.
func (e *Events) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Event handler panicked",
				"event", string(ev.Type),
				"task_id", ev.TaskID,
				"panic", fmt.Sprint(r))
		}
	}()
	h(ev)
}

// mirror publishes the event to NATS for external observers. Failures are
// logged only; the in-process handlers have already run.
func (e *Events) mirror(ev Event) {
	if e.nc == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn("Failed to marshal event", "event", string(ev.Type), "error", err)
		return
	}
	subject := "autopilot." + string(ev.Type)
	if err := e.nc.Publish(subject, data); err != nil {
		e.logger.Warn("Failed to publish event",
			"subject", subject,
			"task_id", ev.TaskID,
			"error", err)
	}
}
