package queue

import (
	"testing"

	"github.com/browseros/autopilot/task"
)

func mkTask(id string, state task.State, deps ...string) *task.Task {
	return &task.Task{ID: id, Instruction: "x", State: state, DependsOn: deps}
}

func toMap(tasks ...*task.Task) map[string]*task.Task {
	m := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	return m
}

func TestCanExecute(t *testing.T) {
	r := NewResolver()

	tests := []struct {
		name  string
		t     *task.Task
		tasks map[string]*task.Task
		want  bool
	}{
		{
			"no dependencies",
			mkTask("a", task.StatePending),
			toMap(),
			true,
		},
		{
			"dependency completed",
			mkTask("b", task.StatePending, "a"),
			toMap(mkTask("a", task.StateCompleted)),
			true,
		},
		{
			"dependency running",
			mkTask("b", task.StatePending, "a"),
			toMap(mkTask("a", task.StateRunning)),
			false,
		},
		{
			"dependency missing from universe",
			mkTask("b", task.StatePending, "a"),
			toMap(),
			false,
		},
		{
			"one of two incomplete",
			mkTask("c", task.StatePending, "a", "b"),
			toMap(mkTask("a", task.StateCompleted), mkTask("b", task.StatePending)),
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.CanExecute(tt.t, tt.tasks); got != tt.want {
				t.Errorf("CanExecute() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHasFailedDependency(t *testing.T) {
	r := NewResolver()

	failed := toMap(mkTask("a", task.StateFailed))
	if !r.HasFailedDependency(mkTask("b", task.StatePending, "a"), failed) {
		t.Error("expected failed dependency to be detected")
	}

	cancelled := toMap(mkTask("a", task.StateCancelled))
	if !r.HasFailedDependency(mkTask("b", task.StatePending, "a"), cancelled) {
		t.Error("expected cancelled dependency to be detected")
	}

	running := toMap(mkTask("a", task.StateRunning))
	if r.HasFailedDependency(mkTask("b", task.StatePending, "a"), running) {
		t.Error("running dependency should not count as failed")
	}
}

func TestDetectCycle(t *testing.T) {
	r := NewResolver()

	t.Run("acyclic chain", func(t *testing.T) {
		tasks := []*task.Task{
			mkTask("a", task.StatePending),
			mkTask("b", task.StatePending, "a"),
			mkTask("c", task.StatePending, "b"),
		}
		if cycle := r.DetectCycle(tasks); cycle != nil {
			t.Errorf("expected no cycle, got %v", cycle)
		}
	})

	t.Run("two-node cycle", func(t *testing.T) {
		tasks := []*task.Task{
			mkTask("a", task.StatePending, "b"),
			mkTask("b", task.StatePending, "a"),
		}
		cycle := r.DetectCycle(tasks)
		if len(cycle) != 2 {
			t.Fatalf("expected 2-node witness, got %v", cycle)
		}
	})

	t.Run("witness stable under reordering", func(t *testing.T) {
		a := mkTask("a", task.StatePending, "b")
		b := mkTask("b", task.StatePending, "c")
		c := mkTask("c", task.StatePending, "a")
		w1 := r.DetectCycle([]*task.Task{a, b, c})
		w2 := r.DetectCycle([]*task.Task{c, b, a})
		if len(w1) != 3 || len(w2) != 3 {
			t.Fatalf("expected 3-node witnesses, got %v and %v", w1, w2)
		}
		if !sameCycleMembers(w1, w2) {
			t.Errorf("witnesses name different nodes: %v vs %v", w1, w2)
		}
	})

	t.Run("self cycle", func(t *testing.T) {
		tasks := []*task.Task{mkTask("a", task.StatePending, "a")}
		cycle := r.DetectCycle(tasks)
		if len(cycle) != 1 || cycle[0] != "a" {
			t.Errorf("expected [a], got %v", cycle)
		}
	})

	t.Run("edge to unknown id ignored", func(t *testing.T) {
		tasks := []*task.Task{mkTask("a", task.StatePending, "ghost")}
		if cycle := r.DetectCycle(tasks); cycle != nil {
			t.Errorf("expected no cycle, got %v", cycle)
		}
	})
}

func sameCycleMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, id := range a {
		seen[id] = true
	}
	for _, id := range b {
		if !seen[id] {
			return false
		}
	}
	return true
}

func TestExecutableTaskIDs(t *testing.T) {
	r := NewResolver()

	tasks := []*task.Task{
		mkTask("a", task.StateCompleted),
		mkTask("b", task.StatePending, "a"),
		mkTask("c", task.StatePending, "b"),
		mkTask("d", task.StateRunning),
	}
	ids := r.ExecutableTaskIDs(tasks)
	if len(ids) != 1 || ids[0] != "b" {
		t.Errorf("expected [b], got %v", ids)
	}
}
