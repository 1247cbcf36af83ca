// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncload

import (
	"fmt"

	"github.com/gammazero/toposort"
)

// DependencyOrder sorts the given jobs topologically: every job comes after
// all of its dependencies that are themselves members of [jobs]. Dependencies
// outside the set are ignored, exactly like Schedule treats edges leaving a
// batch. Useful for logging or inspecting an execution plan before handing
// the set to a loader; the loader itself never needs a precomputed order.
//
// The order among jobs with no path between them is unspecified. Returns
// ErrorCycleDetected if the set is not schedulable.
func DependencyOrder(jobs JobSet) ([]*Job, error) {
	edges := make([]toposort.Edge, 0, len(jobs))
	for job := range jobs {
		solo := true
		for dep := range job.deps {
			if _, ok := jobs[dep]; ok {
				edges = append(edges, toposort.Edge{dep, job})
				solo = false
			}
		}
		if solo {
			// Jobs without in-set dependencies still need an edge to be part
			// of the sort.
			edges = append(edges, toposort.Edge{nil, job})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrorCycleDetected, err)
	}

	order := make([]*Job, 0, len(jobs))
	for _, node := range sorted {
		if node != nil {
			order = append(order, node.(*Job))
		}
	}
	return order, nil
}
