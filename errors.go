// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncload

import "errors"

var (
	// ErrorNotPending is returned by Schedule when a submitted job has
	// already finished. Jobs cannot be reused.
	ErrorNotPending = errors.New("job is not pending")

	// ErrorAlreadyScheduled is returned by Schedule when a submitted job is
	// already known to the loader.
	ErrorAlreadyScheduled = errors.New("job has been already scheduled")

	// ErrorCycleDetected is returned by Schedule when the submitted batch
	// contains a dependency cycle. The error text carries the cycle path.
	ErrorCycleDetected = errors.New("job dependency cycle detected")

	// ErrorCanceled is the failure of a job that was removed before it
	// started.
	ErrorCanceled = errors.New("canceled")

	// ErrorDependencyFailed is the failure of a job whose dependency failed
	// or was canceled. The cause chain ends at the originating failure.
	ErrorDependencyFailed = errors.New("dependency failed")
)
