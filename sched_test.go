// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/asyncload/testutil"
)

func newLoader(t *testing.T, workers int) *Loader {
	loader, err := New(Config{
		Logger:     testutil.MakeLogger(t),
		MaxWorkers: workers,
	})
	require.NoError(t, err)
	return loader
}

func noop(*Job) error { return nil }

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{MaxWorkers: 0})
	require.Error(t, err)

	_, err = New(Config{MaxWorkers: -1})
	require.Error(t, err)

	loader, err := New(Config{MaxWorkers: 1}) // a nil logger is fine
	require.NoError(t, err)
	require.NotNil(t, loader)
}

func TestScheduleValidation(t *testing.T) {
	loader := newLoader(t, 1)
	loader.Start()
	defer loader.Stop()

	done := NewJob("done", noop)
	task, err := loader.Schedule(NewJobSet(done), 0)
	require.NoError(t, err)
	defer task.Remove()
	require.NoError(t, done.Wait())

	// Finished jobs cannot be scheduled again.
	_, err = loader.Schedule(NewJobSet(done), 0)
	require.ErrorIs(t, err, ErrorNotPending)

	// A rejected batch must leave no trace: the pending member of the failed
	// batch is still schedulable on its own.
	fresh := NewJob("fresh", noop)
	_, err = loader.Schedule(NewJobSet(fresh, done), 0)
	require.ErrorIs(t, err, ErrorNotPending)

	taskFresh, err := loader.Schedule(NewJobSet(fresh), 0)
	require.NoError(t, err)
	defer taskFresh.Remove()
	require.NoError(t, fresh.Wait())

	// Neither can a job the loader already knows, executing or not.
	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })

	running := NewJob("running", func(*Job) error {
		<-gate
		return nil
	})
	taskRunning, err := loader.Schedule(NewJobSet(running), 0)
	require.NoError(t, err)
	defer taskRunning.Remove()
	defer release() // before the removal, which waits for the body

	_, err = loader.Schedule(NewJobSet(running), 0)
	require.ErrorIs(t, err, ErrorAlreadyScheduled)

	release()
	require.NoError(t, running.Wait())
}

func TestScheduleRejectsCycle(t *testing.T) {
	loader := newLoader(t, 1)

	a := NewJob("a", noop)
	b := NewJob("b", noop, a)
	c := NewJob("c", noop, b)
	a.deps[c] = struct{}{} // close the loop a -> c -> b -> a

	_, err := loader.Schedule(NewJobSet(a, b, c), 0)
	require.ErrorIs(t, err, ErrorCycleDetected)
	require.ErrorContains(t, err, "->")
	require.Zero(t, loader.Size())

	// Breaking the loop makes the very same jobs schedulable.
	delete(a.deps, c)
	task, err := loader.Schedule(NewJobSet(a, b, c), 0)
	require.NoError(t, err)
	defer task.Remove()
	require.Equal(t, 3, loader.Size())
}

func TestScheduleRejectsSelfCycle(t *testing.T) {
	loader := newLoader(t, 1)

	selfish := NewJob("selfish", noop)
	selfish.deps[selfish] = struct{}{}

	_, err := loader.Schedule(NewJobSet(selfish), 0)
	require.ErrorIs(t, err, ErrorCycleDetected)
	require.ErrorContains(t, err, "selfish -> selfish")
}

func TestDependenciesGateExecution(t *testing.T) {
	loader := newLoader(t, 3)

	var lock sync.Mutex
	var order []string
	record := func(job *Job) error {
		lock.Lock()
		defer lock.Unlock()
		order = append(order, job.Name())
		return nil
	}

	a := NewJob("a", record)
	b := NewJob("b", record, a)
	c := NewJob("c", record, a, b)
	d := NewJob("d", record, b, c)

	task, err := loader.Schedule(NewJobSet(a, b, c, d), 0)
	require.NoError(t, err)
	defer task.Remove()

	loader.Start()
	defer loader.Stop()
	loader.Wait()

	require.Equal(t, []string{"a", "b", "c", "d"}, order)
	require.Zero(t, loader.Size())
	for _, job := range []*Job{a, b, c, d} {
		require.Equal(t, Success, job.Status())
	}
}

func TestPriorityOrdersReadyJobs(t *testing.T) {
	loader := newLoader(t, 1)

	var lock sync.Mutex
	var order []string
	record := func(job *Job) error {
		lock.Lock()
		defer lock.Unlock()
		order = append(order, job.Name())
		return nil
	}

	// Scheduled one by one while the loader is stopped, so the sequence
	// numbers are fixed before the single worker starts picking.
	x := NewJob("x", record)
	y := NewJob("y", record)
	z := NewJob("z", record)
	taskX, err := loader.Schedule(NewJobSet(x), 0)
	require.NoError(t, err)
	defer taskX.Remove()
	taskY, err := loader.Schedule(NewJobSet(y), 5)
	require.NoError(t, err)
	defer taskY.Remove()
	taskZ, err := loader.Schedule(NewJobSet(z), 0)
	require.NoError(t, err)
	defer taskZ.Remove()

	require.EqualValues(t, 0, x.Priority())
	require.EqualValues(t, 5, y.Priority())

	loader.Start()
	defer loader.Stop()
	loader.Wait()

	// The high priority job pops first, equal priorities pop in admission
	// order.
	require.Equal(t, []string{"y", "x", "z"}, order)
}

func TestPrioritizeRequeuesReadyJob(t *testing.T) {
	loader := newLoader(t, 1)

	var lock sync.Mutex
	var order []string
	record := func(job *Job) error {
		lock.Lock()
		defer lock.Unlock()
		order = append(order, job.Name())
		return nil
	}

	x := NewJob("x", record)
	y := NewJob("y", record)
	taskX, err := loader.Schedule(NewJobSet(x), 0)
	require.NoError(t, err)
	defer taskX.Remove()
	taskY, err := loader.Schedule(NewJobSet(y), 0)
	require.NoError(t, err)
	defer taskY.Remove()

	// y sits behind x in the ready queue until the raise re-keys it.
	loader.Prioritize(y, 5)
	require.EqualValues(t, 5, y.Priority())

	loader.Start()
	defer loader.Stop()
	loader.Wait()

	require.Equal(t, []string{"y", "x"}, order)
}

func TestPriorityInheritance(t *testing.T) {
	loader := newLoader(t, 1) // never started, only the table is exercised

	base := NewJob("base", noop)
	mid := NewJob("mid", noop, base)
	top := NewJob("top", noop, mid)

	taskLow, err := loader.Schedule(NewJobSet(base, mid), 1)
	require.NoError(t, err)
	defer taskLow.Remove()
	require.EqualValues(t, 1, base.Priority())
	require.EqualValues(t, 1, mid.Priority())

	// Scheduling a dependent at a higher priority raises the whole chain.
	taskHigh, err := loader.Schedule(NewJobSet(top), 7)
	require.NoError(t, err)
	defer taskHigh.Remove()
	require.EqualValues(t, 7, top.Priority())
	require.EqualValues(t, 7, mid.Priority())
	require.EqualValues(t, 7, base.Priority())

	// Prioritize raises further and never lowers.
	loader.Prioritize(top, 9)
	require.EqualValues(t, 9, base.Priority())
	loader.Prioritize(top, 3)
	require.EqualValues(t, 9, top.Priority())
	require.EqualValues(t, 9, mid.Priority())
	require.EqualValues(t, 9, base.Priority())
}

func TestInheritedPriorityWinsDispatch(t *testing.T) {
	loader := newLoader(t, 1)

	var lock sync.Mutex
	var order []string
	record := func(job *Job) error {
		lock.Lock()
		defer lock.Unlock()
		order = append(order, job.Name())
		return nil
	}

	// other and dep wait in the ready queue at priority 0, other first.
	other := NewJob("other", record)
	dep := NewJob("dep", record)
	taskOther, err := loader.Schedule(NewJobSet(other), 0)
	require.NoError(t, err)
	defer taskOther.Remove()
	taskDep, err := loader.Schedule(NewJobSet(dep), 0)
	require.NoError(t, err)
	defer taskDep.Remove()

	// A high priority dependent pulls its queued dependency ahead of other.
	dependent := NewJob("dependent", record, dep)
	taskDependent, err := loader.Schedule(NewJobSet(dependent), 10)
	require.NoError(t, err)
	defer taskDependent.Remove()
	require.EqualValues(t, 10, dep.Priority())

	loader.Start()
	defer loader.Stop()
	loader.Wait()

	require.Equal(t, []string{"dep", "dependent", "other"}, order)
}

func TestFailurePropagates(t *testing.T) {
	loader := newLoader(t, 2)

	boom := errors.New("boom")
	bad := NewJob("bad", func(*Job) error { return boom })
	child := NewJob("child", noop, bad)
	grandchild := NewJob("grandchild", noop, child)
	bystander := NewJob("bystander", noop)

	task, err := loader.Schedule(NewJobSet(bad, child, grandchild, bystander), 0)
	require.NoError(t, err)
	defer task.Remove()

	loader.Start()
	defer loader.Stop()
	loader.Wait()

	require.Equal(t, Failed, bad.Status())
	require.ErrorIs(t, bad.Wait(), boom)

	// The chain of dependents fails transitively, and every error names the
	// originating job.
	require.Equal(t, Failed, child.Status())
	require.ErrorIs(t, child.Wait(), ErrorDependencyFailed)
	require.ErrorIs(t, child.Wait(), boom)
	require.ErrorContains(t, child.Wait(), `job "bad"`)
	require.Equal(t, Failed, grandchild.Status())
	require.ErrorIs(t, grandchild.Wait(), ErrorDependencyFailed)
	require.ErrorIs(t, grandchild.Wait(), boom)
	require.ErrorContains(t, grandchild.Wait(), `job "bad"`)

	// Unrelated jobs are not touched.
	require.Equal(t, Success, bystander.Status())
	require.NoError(t, bystander.Wait())
}

func TestTwoFailedDependenciesFailOnce(t *testing.T) {
	loader := newLoader(t, 2)

	left := NewJob("left", func(*Job) error { return errors.New("left failed") })
	right := NewJob("right", func(*Job) error { return errors.New("right failed") })
	child := NewJob("child", noop, left, right)

	task, err := loader.Schedule(NewJobSet(left, right, child), 0)
	require.NoError(t, err)
	defer task.Remove()

	loader.Start()
	defer loader.Stop()
	loader.Wait()

	// The child keeps the cause that reached it first; the second failure
	// must not touch it again.
	require.Equal(t, Failed, child.Status())
	require.ErrorIs(t, child.Wait(), ErrorDependencyFailed)
}

func TestDiamondDependentFailsOnce(t *testing.T) {
	logger := testutil.MakeLogger(t)
	logger.Silence()
	loader, err := New(Config{Logger: logger, MaxWorkers: 1})
	require.NoError(t, err)

	// leaf is reachable from root both directly and through mid. Which edge
	// the failure walk takes first depends on map iteration order, so the
	// removal is repeated to cover both; either way leaf must be failed
	// exactly once.
	for i := 0; i < 100; i++ {
		root := NewJob("root", noop)
		mid := NewJob("mid", noop, root)
		leaf := NewJob("leaf", noop, root, mid)

		_, err := loader.Schedule(NewJobSet(root, mid, leaf), 0)
		require.NoError(t, err)

		loader.Remove(NewJobSet(root))

		require.ErrorIs(t, root.Wait(), ErrorCanceled)
		for _, job := range []*Job{mid, leaf} {
			require.Equal(t, Failed, job.Status())
			require.ErrorIs(t, job.Wait(), ErrorDependencyFailed)
			require.ErrorIs(t, job.Wait(), ErrorCanceled)
		}
		require.Zero(t, loader.Size())

		loader.Remove(NewJobSet(mid, leaf))
	}

	loader.lock.Lock()
	defer loader.lock.Unlock()
	require.Empty(t, loader.scheduled)
	require.Empty(t, loader.finished)
}

func TestRemoveCancelsPending(t *testing.T) {
	loader := newLoader(t, 1) // stopped: nothing will start

	a := NewJob("a", noop)
	b := NewJob("b", noop, a)

	_, err := loader.Schedule(NewJobSet(a, b), 0)
	require.NoError(t, err)
	require.Equal(t, 2, loader.Size())

	loader.Remove(NewJobSet(a, b))
	require.Zero(t, loader.Size())

	require.Equal(t, Failed, a.Status())
	require.ErrorIs(t, a.Wait(), ErrorCanceled)
	require.Equal(t, Failed, b.Status())
	require.ErrorIs(t, b.Wait(), ErrorCanceled)

	// Removing unknown jobs is a no-op.
	loader.Remove(NewJobSet(a, b, NewJob("stranger", noop)))
}

func TestRemoveClearsAllBookkeeping(t *testing.T) {
	loader := newLoader(t, 1)
	loader.Start()
	defer loader.Stop()

	a := NewJob("a", noop)
	b := NewJob("b", noop, a)
	task, err := loader.Schedule(NewJobSet(a, b), 0)
	require.NoError(t, err)
	require.NoError(t, WaitAll(context.Background(), a, b))

	// Removing finished jobs only drops bookkeeping, outcomes stay.
	task.Remove()
	require.Equal(t, Success, a.Status())
	require.Equal(t, Success, b.Status())

	loader.lock.Lock()
	defer loader.lock.Unlock()
	require.Empty(t, loader.scheduled)
	require.Empty(t, loader.finished)
	require.Zero(t, loader.ready.Len())
}

func TestRemoveWaitsForExecuting(t *testing.T) {
	loader := newLoader(t, 1)
	loader.Start()
	defer loader.Stop()

	started := make(chan struct{})
	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })
	defer release()

	slow := NewJob("slow", func(*Job) error {
		close(started)
		<-gate
		return nil
	})
	task, err := loader.Schedule(NewJobSet(slow), 0)
	require.NoError(t, err)
	<-started

	removed := make(chan struct{})
	go func() {
		task.Remove()
		close(removed)
	}()

	select {
	case <-removed:
		t.Fatal("remove returned while the job was executing")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	<-removed

	// The body's own outcome is kept, not replaced by a cancellation.
	require.Equal(t, Success, slow.Status())
	require.NoError(t, slow.Wait())
	require.Zero(t, loader.Size())
}

func TestStopAndResume(t *testing.T) {
	loader := newLoader(t, 1)
	loader.Start()

	started := make(chan struct{})
	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })

	first := NewJob("first", func(*Job) error {
		close(started)
		<-gate
		return nil
	})
	second := NewJob("second", noop)

	task, err := loader.Schedule(NewJobSet(first), 0)
	require.NoError(t, err)
	defer task.Remove()
	taskSecond, err := loader.Schedule(NewJobSet(second), 0)
	require.NoError(t, err)
	defer taskSecond.Remove()
	defer release() // before the removals, which wait for the body

	<-started

	stopped := make(chan struct{})
	go func() {
		loader.Stop()
		close(stopped)
	}()

	// Stop blocks on the executing job and keeps the queued one pending.
	select {
	case <-stopped:
		t.Fatal("stop returned while a job was executing")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	<-stopped
	require.NoError(t, first.Wait())
	require.Equal(t, Pending, second.Status())
	require.Equal(t, 1, loader.Size())

	// Start picks the queued job back up.
	loader.Start()
	defer loader.Stop()
	require.NoError(t, second.Wait())
	require.Zero(t, loader.Size())
}

func TestWaitDrains(t *testing.T) {
	loader := newLoader(t, 2)

	var done atomic.Int32
	count := func(*Job) error {
		done.Add(1)
		return nil
	}
	a := NewJob("a", count)
	b := NewJob("b", count, a)
	c := NewJob("c", count, b)

	task, err := loader.Schedule(NewJobSet(a, b, c), 0)
	require.NoError(t, err)
	defer task.Remove()

	loader.Start()
	loader.Wait()

	// Jobs that became ready only while waiting are covered too.
	require.EqualValues(t, 3, done.Load())
	require.Zero(t, loader.Size())
}

func TestUnknownDependencyIsSatisfied(t *testing.T) {
	loader := newLoader(t, 1)

	// outside was never scheduled, so it cannot hold the job back.
	outside := NewJob("outside", noop)
	job := NewJob("job", noop, outside)

	task, err := loader.Schedule(NewJobSet(job), 0)
	require.NoError(t, err)
	defer task.Remove()

	loader.Start()
	defer loader.Stop()
	require.NoError(t, job.Wait())
	require.Equal(t, Pending, outside.Status())
}

func TestFinishedDependencyIsSatisfied(t *testing.T) {
	loader := newLoader(t, 1)
	loader.Start()
	defer loader.Stop()

	dep := NewJob("dep", noop)
	taskDep, err := loader.Schedule(NewJobSet(dep), 0)
	require.NoError(t, err)
	defer taskDep.Remove()
	require.NoError(t, dep.Wait())

	job := NewJob("job", noop, dep)
	task, err := loader.Schedule(NewJobSet(job), 0)
	require.NoError(t, err)
	defer task.Remove()
	require.NoError(t, job.Wait())
}

func TestPanicBecomesFailure(t *testing.T) {
	loader := newLoader(t, 1)
	loader.Start()
	defer loader.Stop()

	explosive := NewJob("explosive", func(*Job) error {
		panic("kaboom")
	})
	task, err := loader.Schedule(NewJobSet(explosive), 0)
	require.NoError(t, err)
	defer task.Remove()

	err = explosive.Wait()
	require.Error(t, err)
	require.Contains(t, err.Error(), "kaboom")
	require.Equal(t, Failed, explosive.Status())
}

func TestConcurrentScheduling(t *testing.T) {
	loader := newLoader(t, 4)
	loader.Start()
	defer loader.Stop()

	var done atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				job := NewJob(fmt.Sprintf("job-%d-%d", g, i), func(*Job) error {
					done.Add(1)
					return nil
				})
				task, err := loader.Schedule(NewJobSet(job), int64(i%3))
				if err != nil {
					t.Error(err)
					return
				}
				task.Detach()
			}
		}(g)
	}
	wg.Wait()
	loader.Wait()

	require.EqualValues(t, 100, done.Load())
	require.Zero(t, loader.Size())
}
