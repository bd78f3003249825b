package taskgraph

import (
	"slices"
)

// DetectCycle returns one dependency cycle among tasks as a path of IDs
// whose first and last elements are equal, or nil if the graph is acyclic.
// Dependencies on IDs outside tasks are ignored.
func DetectCycle(tasks []Task) []string {
	byID := make(map[string]Task, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}
	slices.Sort(ids)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(tasks))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range byID[id].Dependencies {
			if _, ok := byID[dep]; !ok {
				continue
			}
			switch state[dep] {
			case visiting:
				start := slices.Index(stack, dep)
				cycle := slices.Clone(stack[start:])
				return append(cycle, dep)
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range ids {
		if state[id] == unvisited {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// Levels groups tasks into execution levels: every task's dependencies lie
// in earlier levels. IDs within a level are sorted. Tasks on a cycle are
// left out; callers should run DetectCycle first.
func Levels(tasks []Task) [][]string {
	if len(tasks) == 0 {
		return nil
	}

	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		inDegree[t.ID] = 0
	}
	for _, t := range tasks {
		for _, depID := range t.Dependencies {
			if _, ok := inDegree[depID]; ok {
				inDegree[t.ID]++
				dependents[depID] = append(dependents[depID], t.ID)
			}
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	var levels [][]string
	for len(queue) > 0 {
		slices.Sort(queue)
		levels = append(levels, queue)

		var next []string
		for _, id := range queue {
			for _, depID := range dependents[id] {
				inDegree[depID]--
				if inDegree[depID] == 0 {
					next = append(next, depID)
				}
			}
		}
		queue = next
	}
	return levels
}

// Unblocks returns the IDs of tasks that become ready once completedID is
// COMPLETED, given the current state of tasks. The result is sorted.
func Unblocks(tasks []Task, completedID string) []string {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	lookup := func(id string) (Task, bool) {
		if id == completedID {
			t, ok := byID[id]
			t.Status = StatusCompleted
			return t, ok
		}
		t, ok := byID[id]
		return t, ok
	}

	var out []string
	for _, t := range tasks {
		if slices.Contains(t.Dependencies, completedID) && isReady(t, lookup) {
			out = append(out, t.ID)
		}
	}
	slices.Sort(out)
	return out
}
