// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package filequeue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luxfi/asyncload"
	"github.com/luxfi/asyncload/keeper"
)

// ErrorFileFailed marks a file whose retry budget was exhausted, now or in
// an earlier run. Claims against such a file fail with this error instead of
// running the work again.
var ErrorFileFailed = errors.New("file failed permanently")

// ProcessFunc does the actual work for one file. It must be safe to call
// concurrently for different paths.
type ProcessFunc func(ctx context.Context, path string) error

type Config struct {
	// Loader executes the per-file jobs.
	Loader *asyncload.Loader

	// Store records durable per-file state under Prefix.
	Store keeper.Store

	// Logger may be nil to log nothing.
	Logger asyncload.Logger

	// Prefix namespaces this queue's nodes in the store. Defaults to
	// "filequeue".
	Prefix string

	// MaxRetries is how many times a failed attempt is retried before the
	// failure becomes permanent. Zero means a single attempt.
	MaxRetries uint64

	// ProcessedTTL expires processed markers so files can be picked up again
	// after that long. Zero keeps the markers forever.
	ProcessedTTL time.Duration

	// Ordered chains each file's job on the previous one, so files complete
	// in listed order and a permanent failure cancels the remainder.
	Ordered bool

	// Priority is handed to Loader.Schedule for every batch.
	Priority int64

	// RetryPolicy returns a fresh backoff policy per file. Nil backs off
	// exponentially from 100ms to 10s.
	RetryPolicy func() backoff.BackOff
}

// Queue processes files through a loader while recording durable per-file
// state in a keeper store: a claim while a file is worked on, a processed
// marker once it is done, retry bookkeeping, and a permanent failure marker
// when the retry budget is exhausted. Several queues over the same store
// cooperate: whoever claims a file first processes it, everyone else skips.
type Queue struct {
	Config

	breaker *gobreaker.CircuitBreaker

	lock     sync.Mutex
	statuses map[string]*FileStatus
}

func New(cfg Config) (*Queue, error) {
	if cfg.Loader == nil {
		return nil, errors.New("loader must not be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "filequeue"
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = defaultRetryPolicy
	}

	q := &Queue{
		Config:   cfg,
		statuses: make(map[string]*FileStatus),
	}
	q.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Prefix,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn("Store circuit breaker changed state",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
		IsSuccessful: func(err error) bool {
			// Coordination outcomes and canceled contexts say nothing about
			// the health of the store.
			return err == nil ||
				errors.Is(err, keeper.ErrNodeExists) ||
				errors.Is(err, keeper.ErrNoNode) ||
				errors.Is(err, keeper.ErrVersionMismatch) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
	})
	return q, nil
}

// defaultRetryPolicy backs off exponentially from 100ms to 10s between
// attempts.
func defaultRetryPolicy() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	return policy
}

// Enqueue schedules one job per path on the loader and returns the owning
// task plus the jobs in input order. In ordered mode every job depends on
// the previous path's job; in unordered mode the files are independent.
//
// Claims, not jobs, keep two queues over the same store from processing a
// file twice: enqueueing an already processed path is allowed and skips at
// claim time.
func (q *Queue) Enqueue(ctx context.Context, paths []string, fn ProcessFunc) (*asyncload.Task, []*asyncload.Job, error) {
	jobs := make([]*asyncload.Job, 0, len(paths))
	var prev *asyncload.Job
	for _, path := range paths {
		path := path // the job body below must capture this iteration's path
		var deps []*asyncload.Job
		if q.Ordered && prev != nil {
			deps = append(deps, prev)
		}
		job := asyncload.NewJob(path, func(*asyncload.Job) error {
			return q.process(ctx, path, fn)
		}, deps...)
		jobs = append(jobs, job)
		prev = job

		q.update(path, func(st *FileStatus) {
			*st = FileStatus{Path: path, State: FilePending}
		})
	}

	set := asyncload.NewJobSet(jobs...)
	if order, err := asyncload.DependencyOrder(set); err == nil {
		names := make([]string, 0, len(order))
		for _, job := range order {
			names = append(names, job.Name())
		}
		q.Logger.Debug("Planned processing order",
			zap.Bool("ordered", q.Ordered),
			zap.Strings("files", names))
	}

	task, err := q.Loader.Schedule(set, q.Priority)
	if err != nil {
		return nil, nil, err
	}
	return task, jobs, nil
}

// Process enqueues the paths, waits for every job and releases the batch.
// The returned error combines the failures of all files; context expiry
// cancels whatever has not started yet.
func (q *Queue) Process(ctx context.Context, paths []string, fn ProcessFunc) error {
	task, jobs, err := q.Enqueue(ctx, paths, fn)
	if err != nil {
		return err
	}
	defer task.Remove()

	return asyncload.WaitAll(ctx, jobs...)
}

// Status returns the tracked view of one file.
func (q *Queue) Status(path string) (FileStatus, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	st, ok := q.statuses[path]
	if !ok {
		return FileStatus{}, false
	}
	return *st, true
}

// Statuses returns the tracked view of every file, sorted by path.
func (q *Queue) Statuses() []FileStatus {
	q.lock.Lock()
	defer q.lock.Unlock()

	all := make([]FileStatus, 0, len(q.statuses))
	for _, st := range q.statuses {
		all = append(all, *st)
	}
	slices.SortFunc(all, func(a, b FileStatus) int {
		return strings.Compare(a.Path, b.Path)
	})
	return all
}

// process is the job body for one file: claim it, attempt the work with
// retries, commit the outcome.
func (q *Queue) process(ctx context.Context, path string, fn ProcessFunc) error {
	claimed, err := q.claim(ctx, path)
	if err != nil || !claimed {
		return err
	}

	err = q.attempt(ctx, path, fn)
	switch {
	case err == nil:
		return q.commitProcessed(ctx, path)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// The caller gave up; that says nothing about the file. Hand the
		// claim back so another run can pick it up.
		q.release(ctx, path)
		return err
	default:
		if cerr := q.commitFailed(ctx, path, err); cerr != nil {
			err = multierr.Append(err, cerr)
		}
		return err
	}
}

// claim tries to take exclusive ownership of [path] by creating its
// processing node. It returns false when the file needs no work: another
// processor holds the claim, or the file was already processed, or it failed
// permanently. Only the last case is an error.
func (q *Queue) claim(ctx context.Context, path string) (bool, error) {
	processed, err := q.exists(ctx, q.processedPath(path))
	if err != nil {
		return false, err
	}
	if processed {
		q.Logger.Debug("File was already processed, skipping", zap.String("path", path))
		q.update(path, func(st *FileStatus) {
			st.State = FileProcessed
		})
		return false, nil
	}

	if data, _, err := q.get(ctx, q.failedPath(path)); err == nil {
		rec, rerr := recordFromBytes(data)
		if rerr != nil {
			return false, rerr
		}
		q.update(path, func(st *FileStatus) {
			st.State = FileFailed
			st.Retries = rec.Retries
			st.LastError = rec.LastException
		})
		return false, fmt.Errorf("file %q: %w after %d retries: %s",
			path, ErrorFileFailed, rec.Retries, rec.LastException)
	} else if !errors.Is(err, keeper.ErrNoNode) {
		return false, err
	}

	rec := newRecord(path, uuid.NewString())
	err = q.create(ctx, q.processingPath(path), rec.bytes(), 0)
	if errors.Is(err, keeper.ErrNodeExists) {
		q.Logger.Debug("File is claimed by another processor, skipping", zap.String("path", path))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	q.update(path, func(st *FileStatus) {
		st.State = FileProcessing
		st.StartedAt = time.Now()
	})
	return true, nil
}

// attempt runs [fn] under the configured retry policy, bounded by
// MaxRetries. Every retry is recorded in the retriable failed node so the
// spent budget is visible outside this process.
func (q *Queue) attempt(ctx context.Context, path string, fn ProcessFunc) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(q.RetryPolicy(), q.MaxRetries), ctx)

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return fn(ctx, path)
	}
	notify := func(err error, next time.Duration) {
		retries := q.recordRetry(ctx, path, err)
		q.Logger.Warn("Processing attempt failed",
			zap.String("path", path),
			zap.Uint64("retry", retries),
			zap.Uint64("maxRetries", q.MaxRetries),
			zap.Duration("backoff", next),
			zap.Error(err))
	}
	return backoff.RetryNotify(operation, policy, notify)
}

// recordRetry bumps the retry counter in the retriable failed node and
// mirrors it into the in-memory status, returning the new count. The write
// is compare-and-set against the version just read; a mismatch means some
// other processor wrote despite our claim, which is worth a warning but
// never fails the attempt.
func (q *Queue) recordRetry(ctx context.Context, path string, cause error) uint64 {
	rec := newRecord(path, "")
	rec.LastException = cause.Error()

	node := q.retriableFailedPath(path)
	data, stat, err := q.get(ctx, node)
	switch {
	case errors.Is(err, keeper.ErrNoNode):
		rec.Retries = 1
		if cerr := q.create(ctx, node, rec.bytes(), 0); cerr != nil {
			q.Logger.Warn("Could not create the retry record", zap.String("path", path), zap.Error(cerr))
		}
	case err != nil:
		rec.Retries = 1
		q.Logger.Warn("Could not read the retry record", zap.String("path", path), zap.Error(err))
	default:
		prev, perr := recordFromBytes(data)
		if perr != nil {
			q.Logger.Warn("Replacing an unreadable retry record", zap.String("path", path), zap.Error(perr))
		}
		rec.Retries = prev.Retries + 1
		if _, serr := q.set(ctx, node, rec.bytes(), stat.Version); serr != nil {
			q.Logger.Warn("Could not update the retry record", zap.String("path", path), zap.Error(serr))
		}
	}

	q.update(path, func(st *FileStatus) {
		st.Retries = rec.Retries
		st.LastError = rec.LastException
	})
	return rec.Retries
}

// commitProcessed writes the processed marker and clears the claim and any
// retry bookkeeping. Outcome recording is detached from caller cancellation:
// a context canceled after the work finished must not tear the store state.
func (q *Queue) commitProcessed(ctx context.Context, path string) error {
	ctx = context.WithoutCancel(ctx)

	rec := newRecord(path, "")
	if err := q.create(ctx, q.processedPath(path), rec.bytes(), q.ProcessedTTL); err != nil && !errors.Is(err, keeper.ErrNodeExists) {
		return err
	}
	if err := q.remove(ctx, q.retriableFailedPath(path)); err != nil && !errors.Is(err, keeper.ErrNoNode) {
		q.Logger.Warn("Could not clear the retry record", zap.String("path", path), zap.Error(err))
	}
	if err := q.remove(ctx, q.processingPath(path)); err != nil && !errors.Is(err, keeper.ErrNoNode) {
		q.Logger.Warn("Could not release the processing claim", zap.String("path", path), zap.Error(err))
	}

	q.update(path, func(st *FileStatus) {
		st.State = FileProcessed
		st.FinishedAt = time.Now()
	})
	q.Logger.Info("Processed file", zap.String("path", path))
	return nil
}

// commitFailed makes the failure permanent: no later claim will pick the
// file up again.
func (q *Queue) commitFailed(ctx context.Context, path string, cause error) error {
	ctx = context.WithoutCancel(ctx)

	rec := newRecord(path, "")
	rec.LastException = cause.Error()
	if st, ok := q.Status(path); ok {
		rec.Retries = st.Retries
	}

	if err := q.create(ctx, q.failedPath(path), rec.bytes(), 0); err != nil && !errors.Is(err, keeper.ErrNodeExists) {
		return err
	}
	if err := q.remove(ctx, q.retriableFailedPath(path)); err != nil && !errors.Is(err, keeper.ErrNoNode) {
		q.Logger.Warn("Could not clear the retry record", zap.String("path", path), zap.Error(err))
	}
	if err := q.remove(ctx, q.processingPath(path)); err != nil && !errors.Is(err, keeper.ErrNoNode) {
		q.Logger.Warn("Could not release the processing claim", zap.String("path", path), zap.Error(err))
	}

	q.update(path, func(st *FileStatus) {
		st.State = FileFailed
		st.FinishedAt = time.Now()
		st.LastError = cause.Error()
	})
	q.Logger.Error("File failed permanently",
		zap.String("path", path),
		zap.Uint64("retries", rec.Retries),
		zap.Error(cause))
	return nil
}

// release gives up the claim without recording an outcome. Any retry
// bookkeeping stays: the spent budget carries over to the next claimant.
func (q *Queue) release(ctx context.Context, path string) {
	ctx = context.WithoutCancel(ctx)

	if err := q.remove(ctx, q.processingPath(path)); err != nil && !errors.Is(err, keeper.ErrNoNode) {
		q.Logger.Warn("Could not release the processing claim", zap.String("path", path), zap.Error(err))
	}

	q.update(path, func(st *FileStatus) {
		st.State = FilePending
	})
	q.Logger.Debug("Released unprocessed file", zap.String("path", path))
}

func (q *Queue) update(path string, apply func(*FileStatus)) {
	q.lock.Lock()
	defer q.lock.Unlock()

	st, ok := q.statuses[path]
	if !ok {
		st = &FileStatus{Path: path, State: FilePending}
		q.statuses[path] = st
	}
	apply(st)
}

func (q *Queue) processingPath(path string) string {
	return q.Prefix + "/processing/" + nodeName(path)
}

func (q *Queue) processedPath(path string) string {
	return q.Prefix + "/processed/" + nodeName(path)
}

func (q *Queue) failedPath(path string) string {
	return q.Prefix + "/failed/" + nodeName(path)
}

// The retriable node sits beside the permanent one, so a single existence
// check on the permanent path decides claimability.
func (q *Queue) retriableFailedPath(path string) string {
	return q.failedPath(path) + ".retriable"
}

// nodeName hashes the file path: paths contain separators and cannot be
// node names themselves. The stored record keeps the original path.
func nodeName(path string) string {
	h := fnv.New64a()
	h.Write([]byte(path))
	return strconv.FormatUint(h.Sum64(), 10)
}

// Every store call goes through the circuit breaker: when the store is
// struggling, the breaker opens and jobs fail fast instead of piling
// retries onto it.

func (q *Queue) create(ctx context.Context, node string, data []byte, ttl time.Duration) error {
	_, err := q.breaker.Execute(func() (any, error) {
		return nil, q.Store.Create(ctx, node, data, ttl)
	})
	return err
}

func (q *Queue) get(ctx context.Context, node string) ([]byte, keeper.Stat, error) {
	var (
		data []byte
		stat keeper.Stat
	)
	_, err := q.breaker.Execute(func() (any, error) {
		var err error
		data, stat, err = q.Store.Get(ctx, node)
		return nil, err
	})
	return data, stat, err
}

func (q *Queue) set(ctx context.Context, node string, data []byte, version int64) (keeper.Stat, error) {
	var stat keeper.Stat
	_, err := q.breaker.Execute(func() (any, error) {
		var err error
		stat, err = q.Store.Set(ctx, node, data, version)
		return nil, err
	})
	return stat, err
}

func (q *Queue) remove(ctx context.Context, node string) error {
	_, err := q.breaker.Execute(func() (any, error) {
		return nil, q.Store.Remove(ctx, node, keeper.AnyVersion)
	})
	return err
}

func (q *Queue) exists(ctx context.Context, node string) (bool, error) {
	var ok bool
	_, err := q.breaker.Execute(func() (any, error) {
		var err error
		ok, _, err = q.Store.Exists(ctx, node)
		return nil, err
	})
	return ok, err
}
