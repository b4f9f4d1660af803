package dispatch

import (
	"sort"

	"github.com/rendis/foreman/pkg/schema"
)

// TopoSort orders work orders so that every order appears after all of its
// dependencies. Ready orders are tie-broken by fewer declared dependencies
// first, then by declaration order.
//
// A cyclic or dangling dependency graph is a configuration error, detected
// and reported before any work order is touched.
func TopoSort(orders []*schema.WorkOrder) ([]*schema.WorkOrder, error) {
	index := make(map[string]int, len(orders)) // task ID -> declaration position
	for i, o := range orders {
		if o.TaskID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"work order at index %d has empty task_id", i)
		}
		if _, exists := index[o.TaskID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"duplicate task_id: %s", o.TaskID)
		}
		index[o.TaskID] = i
	}

	// Build adjacency and in-degree. Dependencies are a set: duplicates are
	// collapsed rather than rejected, order is irrelevant.
	dependents := make(map[string][]string, len(orders))
	inDegree := make(map[string]int, len(orders))
	depCount := make(map[string]int, len(orders))
	for _, o := range orders {
		seen := make(map[string]bool, len(o.DependsOn))
		for _, dep := range o.DependsOn {
			if _, exists := index[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
					"task %s depends on unknown task: %s", o.TaskID, dep)
			}
			if dep == o.TaskID {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
					"task %s depends on itself", o.TaskID)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			dependents[dep] = append(dependents[dep], o.TaskID)
			inDegree[o.TaskID]++
		}
		depCount[o.TaskID] = len(seen)
	}

	// Kahn's algorithm with an ordered ready set.
	ready := make([]string, 0, len(orders))
	for _, o := range orders {
		if inDegree[o.TaskID] == 0 {
			ready = append(ready, o.TaskID)
		}
	}

	sorted := make([]*schema.WorkOrder, 0, len(orders))
	for len(ready) > 0 {
		// Tie-break: fewer dependencies first, then declaration order.
		sort.SliceStable(ready, func(i, j int) bool {
			if depCount[ready[i]] != depCount[ready[j]] {
				return depCount[ready[i]] < depCount[ready[j]]
			}
			return index[ready[i]] < index[ready[j]]
		})

		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, orders[index[id]])

		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(sorted) != len(orders) {
		remaining := make([]string, 0)
		for _, o := range orders {
			if inDegree[o.TaskID] > 0 {
				remaining = append(remaining, o.TaskID)
			}
		}
		return nil, schema.NewError(schema.ErrCodeCycleDetected,
			"dependency graph contains a cycle").
			WithDetails(map[string]any{"unresolved": remaining})
	}

	return sorted, nil
}
