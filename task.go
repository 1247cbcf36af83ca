// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncload

// Task owns the jobs of one Schedule call. Whoever holds it decides how long
// the batch may keep running: Remove cancels every job of the batch that has
// not started, waits for executing ones to finish, and drops all bookkeeping.
// The usual idiom is
//
//	task, err := loader.Schedule(jobs, 0)
//	if err != nil {
//		return err
//	}
//	defer task.Remove()
//
// so the batch cannot outlive the scope that scheduled it, on any return
// path. Call Detach instead to let the jobs run past the scope.
//
// A Task is not safe for concurrent use; the loader it points at is.
type Task struct {
	loader *Loader
	jobs   JobSet
}

// Remove cancels the unfinished jobs of the batch, waits for the executing
// ones and forgets the batch. Removing an already detached task does
// nothing, so deferring Remove composes with removing explicitly earlier.
func (t *Task) Remove() {
	if t.loader != nil {
		t.loader.Remove(t.jobs)
		t.Detach()
	}
}

// Detach gives up ownership of the batch without canceling anything. The
// jobs stay scheduled and have to be removed through the loader eventually.
func (t *Task) Detach() {
	t.loader = nil
	t.jobs = nil
}

// Merge moves ownership of the jobs of [other] into t and leaves [other]
// detached. A detached receiver adopts the other task wholesale. Merging
// tasks of two different loaders is a programming error.
func (t *Task) Merge(other *Task) {
	if t.loader == nil {
		t.loader, t.jobs = other.loader, other.jobs
		other.Detach()
		return
	}
	if other.loader != nil {
		if other.loader != t.loader {
			panic("cannot merge tasks of different loaders")
		}
		for job := range other.jobs {
			t.jobs[job] = struct{}{}
		}
	}
	other.Detach()
}
