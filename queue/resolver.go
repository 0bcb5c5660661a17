// Package queue implements the persistent task queue: a polling scheduler
// that enforces priority, dependency, and concurrency constraints, and an
// executor that drives single tasks through the external chat endpoint.
package queue

import (
	"github.com/browseros/autopilot/task"
)

// Resolver holds the pure dependency logic. It has no state; methods take
// the task universe as explicit arguments so decisions are reproducible.
type Resolver struct{}

// NewResolver creates a dependency resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// CanExecute reports whether every dependency of t is completed. A
// dependency missing from the map counts as unsatisfied.
func (r *Resolver) CanExecute(t *task.Task, tasks map[string]*task.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := tasks[dep]
		if !ok || d.State != task.StateCompleted {
			return false
		}
	}
	return true
}

// HasFailedDependency reports whether any dependency of t failed or was
// cancelled. Dependents of such tasks are cancelled, never failed.
func (r *Resolver) HasFailedDependency(t *task.Task, tasks map[string]*task.Task) bool {
	for _, dep := range t.DependsOn {
		if d, ok := tasks[dep]; ok {
			if d.State == task.StateFailed || d.State == task.StateCancelled {
				return true
			}
		}
	}
	return false
}

// dfsColor is the visit state used by cycle detection.
type dfsColor int

const (
	colorWhite dfsColor = iota // unvisited
	colorGray                  // on the current DFS stack
	colorBlack                 // fully explored
)

// DetectCycle runs a three-color DFS over the dependency edges and returns
// a witness: the ids on the cycle, in stack order starting and ending
// conceptually at the re-entered node. Returns nil when the graph is
// acyclic. Edges to unknown ids are ignored; they cannot close a cycle.
func (r *Resolver) DetectCycle(tasks []*task.Task) []string {
	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	colors := make(map[string]dfsColor, len(tasks))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = colorGray
		stack = append(stack, id)

		t := byID[id]
		for _, dep := range t.DependsOn {
			if _, known := byID[dep]; !known {
				continue
			}
			switch colors[dep] {
			case colorGray:
				// Found a back edge; the witness is the stack slice from
				// the re-entered node to the top.
				for i, sid := range stack {
					if sid == dep {
						witness := make([]string, len(stack)-i)
						copy(witness, stack[i:])
						return witness
					}
				}
			case colorWhite:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = colorBlack
		return nil
	}

	for _, t := range tasks {
		if colors[t.ID] == colorWhite {
			if cycle := visit(t.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// ExecutableTaskIDs filters to pending or queued tasks whose dependencies
// are all completed.
func (r *Resolver) ExecutableTaskIDs(tasks []*task.Task) []string {
	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var ids []string
	for _, t := range tasks {
		if t.State != task.StatePending && t.State != task.StateQueued {
			continue
		}
		if r.CanExecute(t, byID) {
			ids = append(ids, t.ID)
		}
	}
	return ids
}
