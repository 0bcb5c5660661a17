package queue

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/browseros/autopilot/store"
	"github.com/browseros/autopilot/task"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// sseServer serves a fixed event-stream body for every chat request.
func sseServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type recordedCall struct {
	tool, provider, model string
	success               bool
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *fakeRecorder) RecordCall(tool, provider, model string, success bool, latencyMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{tool, provider, model, success})
}

func (r *fakeRecorder) snapshot() []recordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedCall(nil), r.calls...)
}

func TestExecute_Success(t *testing.T) {
	st := newTestStore(t)
	srv := sseServer(t,
		"data: {\"tool\": \"browser_navigate\", \"provider\": \"anthropic\", \"model\": \"claude-haiku-4-5-20251001\", \"success\": true}\n"+
			"data: {\"tool\": \"browser_extract_text\", \"provider\": \"anthropic\", \"model\": \"claude-sonnet-4-5-20250929\"}\n"+
			"data: {\"status\": \"done\", \"title\": \"Example Domain\"}\n")

	events := NewEvents(nil, nil)
	var published []Event
	events.SubscribeAll(func(ev Event) { published = append(published, ev) })

	rec := &fakeRecorder{}
	exec := NewExecutor(st, events, NewWebhookSender(nil), srv.URL, nil,
		WithStepRecorder(rec))

	tk := &task.Task{ID: "t1", Instruction: "open example.com"}
	if err := st.CreateTask(tk); err != nil {
		t.Fatalf("create task: %v", err)
	}

	exec.Execute(context.Background(), tk)

	got, err := st.GetTask("t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != task.StateCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}

	res, err := st.GetResult("t1")
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if !strings.Contains(string(res.Result), "Example Domain") {
		t.Errorf("result missing final frame: %s", res.Result)
	}
	if res.StartedAt == nil {
		t.Error("startedAt not recorded")
	}
	if len(res.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(res.Steps))
	}
	if res.Steps[0].Tool != "browser_navigate" {
		t.Errorf("first step tool = %s", res.Steps[0].Tool)
	}
	// Absent success field defaults to true.
	if !res.Steps[1].Success {
		t.Error("second step should default to success")
	}

	calls := rec.snapshot()
	if len(calls) != 2 || calls[1].model != "claude-sonnet-4-5-20250929" {
		t.Errorf("recorder calls = %+v", calls)
	}

	if len(published) != 2 || published[0].Type != EventTaskStarted || published[1].Type != EventTaskCompleted {
		t.Errorf("events = %+v", published)
	}
}

func TestExecute_EndpointError(t *testing.T) {
	st := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	events := NewEvents(nil, nil)
	var failures []Event
	events.Subscribe(EventTaskFailed, func(ev Event) { failures = append(failures, ev) })

	exec := NewExecutor(st, events, NewWebhookSender(nil), srv.URL, nil)
	tk := &task.Task{ID: "t1", Instruction: "open example.com"}
	if err := st.CreateTask(tk); err != nil {
		t.Fatalf("create task: %v", err)
	}

	exec.Execute(context.Background(), tk)

	got, _ := st.GetTask("t1")
	if got.State != task.StateFailed {
		t.Errorf("state = %s, want failed", got.State)
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure event, got %d", len(failures))
	}
	if !strings.Contains(failures[0].Error, "502") {
		t.Errorf("failure error missing status: %s", failures[0].Error)
	}
}

func TestExecute_Timeout(t *testing.T) {
	st := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	defer srv.Close()

	events := NewEvents(nil, nil)
	exec := NewExecutor(st, events, NewWebhookSender(nil), srv.URL, nil)

	tk := &task.Task{ID: "t1", Instruction: "open example.com", TimeoutMs: 1000}
	if err := st.CreateTask(tk); err != nil {
		t.Fatalf("create task: %v", err)
	}

	exec.Execute(context.Background(), tk)

	res, err := st.GetResult("t1")
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if res.State != task.StateFailed {
		t.Errorf("state = %s, want failed", res.State)
	}
	if !strings.Contains(res.Error, "timed out after 1000ms") {
		t.Errorf("error = %q, want timeout cause", res.Error)
	}
}

func TestExecute_Cancel(t *testing.T) {
	st := newTestStore(t)
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	defer srv.Close()

	events := NewEvents(nil, nil)
	var cancelled []Event
	events.Subscribe(EventTaskCancelled, func(ev Event) { cancelled = append(cancelled, ev) })

	exec := NewExecutor(st, events, NewWebhookSender(nil), srv.URL, nil)
	tk := &task.Task{ID: "t1", Instruction: "open example.com"}
	if err := st.CreateTask(tk); err != nil {
		t.Fatalf("create task: %v", err)
	}

	done := make(chan struct{})
	go func() {
		exec.Execute(context.Background(), tk)
		close(done)
	}()

	<-started
	if !exec.Cancel("t1") {
		t.Fatal("Cancel() reported no in-flight execution")
	}
	<-done

	got, _ := st.GetTask("t1")
	if got.State != task.StateCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}
	if len(cancelled) != 1 {
		t.Errorf("expected 1 cancellation event, got %d", len(cancelled))
	}
	if exec.Cancel("t1") {
		t.Error("Cancel() after settle should report no execution")
	}
}

func TestExecute_RetryInterception(t *testing.T) {
	st := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	events := NewEvents(nil, nil)
	var failures int
	events.Subscribe(EventTaskFailed, func(Event) { failures++ })

	exec := NewExecutor(st, events, NewWebhookSender(nil), srv.URL, nil)
	exec.SetFailureInterceptor(func(t *task.Task, execErr error) bool { return true })

	tk := &task.Task{ID: "t1", Instruction: "open example.com"}
	if err := st.CreateTask(tk); err != nil {
		t.Fatalf("create task: %v", err)
	}

	exec.Execute(context.Background(), tk)

	if failures != 0 {
		t.Errorf("claimed failure still published %d events", failures)
	}
	// The state is still recorded; only the fan-out is suppressed.
	got, _ := st.GetTask("t1")
	if got.State != task.StateFailed {
		t.Errorf("state = %s, want failed", got.State)
	}
}

func TestCallChat_ErrorClassification(t *testing.T) {
	st := newTestStore(t)
	events := NewEvents(nil, nil)
	tk := &task.Task{ID: "t1", Instruction: "open example.com"}

	statusServer := func(status int) *httptest.Server {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", status)
		}))
		t.Cleanup(srv.Close)
		return srv
	}

	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		srv := statusServer(tt.status)
		exec := NewExecutor(st, events, NewWebhookSender(nil), srv.URL, nil)
		_, err := exec.callChat(context.Background(), tk)
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if IsTransient(err) != tt.transient {
			t.Errorf("status %d: IsTransient = %v, want %v", tt.status, IsTransient(err), tt.transient)
		}
		if IsFatal(err) == tt.transient {
			t.Errorf("status %d: IsFatal = %v, want %v", tt.status, IsFatal(err), !tt.transient)
		}
	}

	// Connection failures are transient.
	exec := NewExecutor(st, events, NewWebhookSender(nil), "http://127.0.0.1:1/chat", nil)
	_, err := exec.callChat(context.Background(), tk)
	if err == nil || !IsTransient(err) {
		t.Errorf("connection failure: err = %v, want transient", err)
	}
}
