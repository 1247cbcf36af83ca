// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncload

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// WaitAll blocks until every given job finishes or the context is done,
// whichever happens first. It returns the context error if the context won,
// and otherwise the combined failures of all jobs, nil if every job
// succeeded. Job failures do not cut the waiting short: a failed job is an
// outcome, not a reason to stop observing the others.
//
// WaitAll only waits. Jobs that no running loader will ever finish keep it
// blocked until the context expires.
func WaitAll(ctx context.Context, jobs ...*Job) error {
	var (
		lock     sync.Mutex
		failures error
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job // the goroutine below must capture this iteration's job
		g.Go(func() error {
			select {
			case <-job.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := job.Wait(); err != nil {
				lock.Lock()
				failures = multierr.Append(failures, err)
				lock.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return failures
}
