// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncload

import (
	"sync/atomic"
)

// Status is the lifecycle state of a job.
type Status int32

const (
	// Pending jobs have not finished yet. A pending job may be waiting for
	// dependencies, sitting in the ready queue, or executing right now.
	Pending Status = iota
	// Success jobs have finished and their body returned no error.
	Success
	// Failed jobs have finished with an error, were canceled, or had a
	// dependency fail.
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Success:
		return "success"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// JobFunc is a job body. It runs on a worker goroutine once every dependency
// of the job has succeeded. The job itself is passed in so a body can read
// its own name and priority.
type JobFunc func(self *Job) error

// Job is a unit of schedulable work. A job is created pending, is handed to a
// Loader, and finishes exactly once with either a nil or a non-nil error.
// Jobs cannot be reused after they finish.
type Job struct {
	name string
	fn   JobFunc
	deps JobSet

	priority atomic.Int64
	waiters  atomic.Int32

	// err is written at most once, before done is closed. Closing done is
	// the happens-before edge publishing err to every waiter, so no further
	// synchronization guards it.
	done chan struct{}
	err  error
}

// NewJob creates a pending job named [name] that runs [fn] once all [deps]
// have succeeded. Duplicate dependencies are collapsed. The dependency set is
// fixed for the lifetime of the job; mutating it later would race with graph
// walks and could introduce cycles.
func NewJob(name string, fn JobFunc, deps ...*Job) *Job {
	return &Job{
		name: name,
		fn:   fn,
		deps: NewJobSet(deps...),
		done: make(chan struct{}),
	}
}

// Name returns the diagnostic name of the job. Names need not be unique.
func (j *Job) Name() string {
	return j.name
}

// Priority returns the current priority of the job. It starts at the
// priority of the Schedule call that registered the job and never decreases;
// priority inheritance and Loader.Prioritize only raise it.
func (j *Job) Priority() int64 {
	return j.priority.Load()
}

// Dependencies returns a copy of the dependency set.
func (j *Job) Dependencies() []*Job {
	deps := make([]*Job, 0, len(j.deps))
	for dep := range j.deps {
		deps = append(deps, dep)
	}
	return deps
}

// Status returns the current state of the job without blocking.
func (j *Job) Status() Status {
	select {
	case <-j.done:
		if j.err != nil {
			return Failed
		}
		return Success
	default:
		return Pending
	}
}

// Wait blocks until the job finishes and returns its failure, or nil if it
// succeeded. Waiting on a finished job returns immediately, and repeated
// calls return the same outcome.
func (j *Job) Wait() error {
	j.waiters.Add(1)
	defer j.waiters.Add(-1)

	<-j.done
	return j.err
}

// Done returns a channel that is closed when the job finishes, whatever the
// outcome. It is the select-friendly way to wait without observing errors;
// use Wait to obtain the failure.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// WaitersCount returns the number of goroutines currently blocked in Wait.
// For introspection only.
func (j *Job) WaitersCount() int {
	return int(j.waiters.Load())
}

// setResult finishes the job and releases its waiters. The loader calls this
// exactly once per job, under the loader lock.
func (j *Job) setResult(err error) {
	j.err = err
	close(j.done)
}

// JobSet is an unordered batch of jobs, the unit of Schedule and Remove.
type JobSet map[*Job]struct{}

// NewJobSet returns a set of the given jobs with duplicates collapsed.
func NewJobSet(jobs ...*Job) JobSet {
	set := make(JobSet, len(jobs))
	for _, job := range jobs {
		set[job] = struct{}{}
	}
	return set
}
