// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncload

import (
	"container/heap"
	"fmt"
	"maps"
	"sync"

	"go.uber.org/zap"
)

type Config struct {
	// Logger receives scheduling decisions at Debug level and job failures
	// at Error level. A nil Logger logs nothing.
	Logger Logger

	// MaxWorkers caps the number of goroutines executing job bodies at the
	// same time. Must be positive.
	MaxWorkers int
}

// Loader runs jobs on a bounded pool of worker goroutines, honoring
// dependencies, priorities, cancellation and failure propagation.
//
// All graph state (the scheduling table, the ready queue and the finished
// set) is guarded by a single lock. Job bodies run without it, so bodies may
// schedule, prioritize, remove and wait freely. Blocking calls (Job.Wait,
// Remove of an executing job, Stop, Wait) never hold the lock while blocked.
type Loader struct {
	Config

	lock    sync.Mutex
	running bool

	// scheduled maps every not-yet-finished job to its bookkeeping. A job is
	// in exactly one of scheduled and finished from the moment Schedule
	// accepts it until Remove drops it.
	scheduled map[*Job]*jobInfo
	finished  JobSet

	ready     readyQueue
	lastSeqno uint64

	// workers counts spawned worker goroutines that have not decided to
	// exit; inFlight additionally covers the window until they return, so
	// Stop and Wait can join them.
	workers  int
	inFlight sync.WaitGroup
}

// jobInfo is the scheduling-table entry of a job.
type jobInfo struct {
	job      *Job
	priority int64

	// depsLeft is the number of dependencies that have not succeeded yet.
	// The job enters the ready queue when it drops to zero.
	depsLeft int

	// seqno is nonzero iff the job is currently in the ready queue; it is
	// zero again while the job executes. Assigned from a monotonic counter
	// on every enqueue.
	seqno     uint64
	heapIndex int

	// dependents are the scheduled jobs that list this job as a dependency.
	// Forward edges live in the jobs themselves; these reverse edges belong
	// to the loader and are pruned when a job fails.
	dependents JobSet
}

// New creates a stopped loader. Call Start to let workers run.
func New(config Config) (*Loader, error) {
	if config.MaxWorkers <= 0 {
		return nil, fmt.Errorf("max workers must be positive, got %d", config.MaxWorkers)
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Loader{
		Config:    config,
		scheduled: make(map[*Job]*jobInfo),
		finished:  make(JobSet),
	}, nil
}

// Schedule registers a batch of jobs under the given base priority and
// returns a Task owning the batch. Every job must be pending and not already
// known to the loader, and the batch must not contain a dependency cycle;
// otherwise the whole call fails and no job is registered.
//
// Dependencies of batch jobs that are already registered are linked and have
// their priority raised to at least [priority], recursively. Dependencies the
// loader does not know about count as satisfied: jobs that finished earlier
// were satisfied by definition, and jobs that were never scheduled cannot
// hold a job back, they can only be diagnosed (see the Debug log).
//
// Jobs whose dependencies are all satisfied are enqueued right away, which
// spawns workers if the loader is running and the pool has room.
func (l *Loader) Schedule(jobs JobSet, priority int64) (*Task, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	// All validation happens before any mutation, so a rejected batch
	// leaves the loader untouched.
	for job := range jobs {
		if job.Status() != Pending {
			return nil, fmt.Errorf("cannot schedule job %q: %w", job.name, ErrorNotPending)
		}
		if _, ok := l.scheduled[job]; ok {
			return nil, fmt.Errorf("cannot schedule job %q: %w", job.name, ErrorAlreadyScheduled)
		}
	}
	if err := checkCycle(jobs); err != nil {
		return nil, err
	}

	for job := range jobs {
		job.priority.Store(priority)
		l.scheduled[job] = &jobInfo{
			job:       job,
			priority:  priority,
			heapIndex: -1,
		}
	}

	for job := range jobs {
		info := l.scheduled[job]
		for dep := range job.deps {
			if depInfo, ok := l.scheduled[dep]; ok {
				if depInfo.dependents == nil {
					depInfo.dependents = make(JobSet)
				}
				depInfo.dependents[job] = struct{}{}
				info.depsLeft++
			} else if _, done := l.finished[dep]; !done && dep.Status() == Pending {
				l.Logger.Debug("Dependency was never scheduled, treating it as satisfied",
					zap.String("job", job.name),
					zap.String("dependency", dep.name))
			}
			// A job never outranks its dependencies.
			l.prioritize(dep, priority)
		}
		if info.depsLeft == 0 {
			l.enqueue(info)
		}
	}

	l.Logger.Debug("Scheduled jobs",
		zap.Int("count", len(jobs)),
		zap.Int64("priority", priority))

	return &Task{loader: l, jobs: maps.Clone(jobs)}, nil
}

// checkCycle verifies that the batch is acyclic before anything is
// registered. Only batch members are traversed: edges leaving the batch point
// to jobs that were themselves accepted by an earlier acyclic check, so they
// cannot close a cycle.
func checkCycle(jobs JobSet) error {
	left := maps.Clone(jobs)
	visited := make(JobSet, len(left))
	for job := range left {
		if _, ok := left[job]; !ok {
			continue
		}
		if _, err := checkCycleImpl(job, left, visited); err != nil {
			return err
		}
	}
	return nil
}

// checkCycleImpl walks depth first. [left] holds the batch jobs that are not
// fully processed yet; [visited] holds the jobs of the current walk. On a
// back-edge the chain of names is grown from its end while unwinding, until
// the walk is back at the job that closed the cycle.
func checkCycleImpl(job *Job, left, visited JobSet) (string, error) {
	if _, ok := left[job]; !ok {
		// External dependencies and fully processed jobs end the walk.
		return "", nil
	}
	if _, ok := visited[job]; ok {
		delete(visited, job) // mark where the cycle ends
		return job.name, nil
	}
	visited[job] = struct{}{}
	for dep := range job.deps {
		chain, err := checkCycleImpl(dep, left, visited)
		if err != nil {
			return "", err
		}
		if chain == "" {
			continue
		}
		if _, ok := visited[job]; !ok { // the chain is a full cycle now
			return "", fmt.Errorf("%w: %s -> %s", ErrorCycleDetected, job.name, chain)
		}
		return job.name + " -> " + chain, nil
	}
	delete(left, job)
	return "", nil
}

// Prioritize raises the priority of [job] to at least [priority] and,
// recursively, of all its registered dependencies. Lowering is not possible;
// a call that does not exceed the current priority does nothing. A job
// sitting in the ready queue is re-keyed in place; an executing job only has
// its visible priority updated, workers are not preempted.
func (l *Loader) Prioritize(job *Job, priority int64) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.prioritize(job, priority)
}

func (l *Loader) prioritize(job *Job, priority int64) {
	info, ok := l.scheduled[job]
	if !ok || info.priority >= priority {
		// The raise also stops here on diamond-shaped graphs, which bounds
		// the recursion: a dependency already at the target priority has
		// propagated it below itself before.
		return
	}
	info.priority = priority
	job.priority.Store(priority)
	if info.seqno != 0 {
		heap.Fix(&l.ready, info.heapIndex)
	}
	for dep := range job.deps {
		l.prioritize(dep, priority)
	}
}

// Remove forgets the given jobs. Finished jobs have their bookkeeping
// dropped; jobs that have not started yet are canceled, failing their
// dependents; executing jobs are waited for and then dropped, keeping
// whatever outcome their body produced. Safe to call while workers complete
// other jobs of the same batch concurrently.
func (l *Loader) Remove(jobs JobSet) {
	l.lock.Lock()
	defer l.lock.Unlock()

	// First cancel everything that has not started, without releasing the
	// lock. Waiting for executing jobs first would let a worker pick up a
	// job this call is about to cancel.
	for job := range jobs {
		if info, ok := l.scheduled[job]; ok {
			if info.depsLeft > 0 { // job is waiting for dependencies
				l.cancel(job)
			} else if info.seqno != 0 { // job sits in the ready queue
				heap.Remove(&l.ready, info.heapIndex)
				info.seqno = 0
				l.cancel(job)
			}
		}
	}

	// Whatever of the batch is still scheduled is executing right now. Wait
	// for the workers to report those outcomes, then drop all bookkeeping.
	for job := range jobs {
		if _, ok := l.scheduled[job]; ok {
			l.lock.Unlock()
			<-job.done
			l.lock.Lock()
		}
		delete(l.finished, job)
	}
}

// Start lets workers run. Jobs scheduled before Start pile up in the ready
// queue; Start spawns one worker per ready job, up to MaxWorkers, and further
// workers are spawned on demand as jobs become ready.
func (l *Loader) Start() {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.running = true
	for i := 0; l.workers < l.MaxWorkers && i < l.ready.Len(); i++ {
		l.spawn()
	}

	l.Logger.Info("Started loader",
		zap.Int("maxWorkers", l.MaxWorkers),
		zap.Int("ready", l.ready.Len()))
}

// Stop keeps further jobs from starting and blocks until executing ones
// finish. Pending jobs stay pending: a later Start resumes them, or Remove
// cancels them.
func (l *Loader) Stop() {
	l.lock.Lock()
	l.running = false
	l.lock.Unlock()

	l.inFlight.Wait()

	l.Logger.Info("Stopped loader")
}

// Wait blocks until the worker pool drains. Jobs that become ready while
// waiting are covered too, because a worker only exits when the ready queue
// is empty and reports its last outcome before exiting. If the loader is
// stopped, or pending jobs wait on dependencies nobody will finish, Wait
// returns without them having run.
func (l *Loader) Wait() {
	l.inFlight.Wait()
}

// Size returns the number of jobs the loader knows about that have not
// finished yet, including ready and executing ones.
func (l *Loader) Size() int {
	l.lock.Lock()
	defer l.lock.Unlock()

	return len(l.scheduled)
}

func (l *Loader) cancel(job *Job) {
	l.failed(job, fmt.Errorf("job %q: %w", job.name, ErrorCanceled))
}

// enqueue admits a job whose dependencies are all satisfied into the ready
// queue and grows the worker pool if there is room. Callers hold the lock.
func (l *Loader) enqueue(info *jobInfo) {
	l.lastSeqno++
	info.seqno = l.lastSeqno
	heap.Push(&l.ready, info)

	l.Logger.Debug("Job is ready",
		zap.String("job", info.job.name),
		zap.Uint64("seqno", info.seqno),
		zap.Int64("priority", info.priority))

	if l.running && l.workers < l.MaxWorkers {
		l.spawn()
	}
}

func (l *Loader) spawn() {
	l.workers++
	l.inFlight.Add(1)
	go l.worker()
}

// worker reports the outcome of its previous job and picks the next one under
// the lock, then executes the body outside of it. It exits when the loader is
// stopped or the ready queue is empty; enqueue regrows the pool on demand.
//
// Reporting before the exit checks matters: a worker that executed the last
// job of a graph must release that job's dependents even when the loader was
// stopped meanwhile, otherwise a later Start would find depsLeft counts that
// no future completion will decrement.
func (l *Loader) worker() {
	defer l.inFlight.Done()

	var job *Job
	var jobErr error
	for {
		l.lock.Lock()
		if job != nil {
			if jobErr != nil {
				l.failed(job, jobErr)
			} else {
				l.loaded(job)
			}
			job = nil
			jobErr = nil
		}
		if !l.running || l.ready.Len() == 0 {
			l.workers--
			l.lock.Unlock()
			return
		}
		info := heap.Pop(&l.ready).(*jobInfo)
		info.seqno = 0 // the job is executing from now on
		job = info.job
		l.lock.Unlock()

		jobErr = l.execute(job)
	}
}

// execute runs a job body, converting a panic into a failure so that waiters
// and dependents are always released.
func (l *Loader) execute(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.Logger.Error("Job panicked",
				zap.String("job", job.name),
				zap.Any("panic", r))
			err = fmt.Errorf("job %q panicked: %v", job.name, r)
		}
	}()

	if err := job.fn(job); err != nil {
		l.Logger.Error("Job failed",
			zap.String("job", job.name),
			zap.Error(err))
		return fmt.Errorf("job %q failed: %w", job.name, err)
	}
	return nil
}

// loaded marks a job successful and releases dependents whose last unmet
// dependency it was. Callers hold the lock.
func (l *Loader) loaded(job *Job) {
	job.setResult(nil)

	info := l.scheduled[job]
	for dep := range info.dependents {
		depInfo := l.scheduled[dep]
		depInfo.depsLeft--
		if depInfo.depsLeft == 0 {
			l.enqueue(depInfo)
		}
	}

	l.finish(job, info)
}

// failed marks a job failed and recursively fails every dependent. A
// dependent can be reachable along several paths at once, directly and
// through another dependent, so every visit starts by checking the
// scheduling table: the first visit finishes the job and erases its entry,
// later ones find nothing and return. Dependents have by definition unmet
// dependencies, so the recursion never touches a queued or executing job. A
// job with several failed dependencies keeps the cause of whichever failure
// reached it first. Callers hold the lock.
func (l *Loader) failed(job *Job, cause error) {
	info, ok := l.scheduled[job]
	if !ok {
		return
	}
	job.setResult(cause)

	dependents := info.dependents
	info.dependents = nil
	for dep := range dependents {
		l.failed(dep, fmt.Errorf("job %q: %w: %w", dep.name, ErrorDependencyFailed, cause))
	}

	// Dependencies of the failed job must not try to release it later.
	for dep := range job.deps {
		if depInfo, ok := l.scheduled[dep]; ok {
			delete(depInfo.dependents, job)
		}
	}

	l.finish(job, info)
}

// finish moves a job out of the scheduling table. The entry in the finished
// set is dropped by Remove. Callers hold the lock.
func (l *Loader) finish(job *Job, info *jobInfo) {
	delete(l.scheduled, job)
	l.finished[job] = struct{}{}

	l.Logger.Debug("Job finished",
		zap.String("job", job.name),
		zap.Stringer("status", job.Status()))
}
