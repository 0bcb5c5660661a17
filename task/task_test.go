package task

import (
	"testing"
)

func TestValidate_RequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{"valid", Task{ID: "t1", Instruction: "open example.com"}, false},
		{"missing id", Task{Instruction: "open example.com"}, true},
		{"missing instruction", Task{ID: "t1"}, true},
		{"whitespace instruction", Task{ID: "t1", Instruction: "   "}, true},
		{"timeout too small", Task{ID: "t1", Instruction: "x", TimeoutMs: 500}, true},
		{"timeout at floor", Task{ID: "t1", Instruction: "x", TimeoutMs: 1000}, false},
		{"self dependency", Task{ID: "t1", Instruction: "x", DependsOn: []string{"t1"}}, true},
		{"empty dependency", Task{ID: "t1", Instruction: "x", DependsOn: []string{""}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalize_Defaults(t *testing.T) {
	task := Task{ID: "t1", Instruction: "x"}
	task.Normalize()

	if task.Priority != PriorityNormal {
		t.Errorf("expected normal priority, got %s", task.Priority)
	}
	if task.State != StatePending {
		t.Errorf("expected pending state, got %s", task.State)
	}
	if task.DependsOn == nil {
		t.Error("expected non-nil dependsOn")
	}
}

func TestPriority_Rank(t *testing.T) {
	order := []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("expected %s to rank before %s", order[i-1], order[i])
		}
	}
}

func TestState_Terminal(t *testing.T) {
	terminal := []State{StateCompleted, StateFailed, StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	active := []State{StatePending, StateQueued, StateWaitingDependency, StateRunning}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}

func TestState_Valid(t *testing.T) {
	if State("sleeping").Valid() {
		t.Error("unexpected valid state")
	}
	if !StateWaitingDependency.Valid() {
		t.Error("waiting_dependency should be valid")
	}
}
