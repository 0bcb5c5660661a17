package queue

import (
	"testing"
)

func TestEvents_TypedAndAllSubscribers(t *testing.T) {
	e := NewEvents(nil, nil)

	var typed, all []EventType
	e.Subscribe(EventTaskCompleted, func(ev Event) {
		typed = append(typed, ev.Type)
	})
	e.SubscribeAll(func(ev Event) {
		all = append(all, ev.Type)
	})

	e.Publish(Event{Type: EventTaskStarted, TaskID: "t1"})
	e.Publish(Event{Type: EventTaskCompleted, TaskID: "t1"})

	if len(typed) != 1 || typed[0] != EventTaskCompleted {
		t.Errorf("typed subscriber got %v", typed)
	}
	if len(all) != 2 {
		t.Errorf("all subscriber got %d events, want 2", len(all))
	}
}

func TestEvents_PanicIsolation(t *testing.T) {
	e := NewEvents(nil, nil)

	var delivered bool
	e.Subscribe(EventTaskFailed, func(Event) {
		panic("handler bug")
	})
	e.Subscribe(EventTaskFailed, func(Event) {
		delivered = true
	})

	e.Publish(Event{Type: EventTaskFailed, TaskID: "t1"})

	if !delivered {
		t.Error("panicking handler blocked later handlers")
	}
}

func TestEvents_NoSubscribers(t *testing.T) {
	e := NewEvents(nil, nil)
	// Must not panic.
	e.Publish(Event{Type: EventTaskCancelled, TaskID: "t1"})
}
