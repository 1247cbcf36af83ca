// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncload

import (
	"go.uber.org/zap"
)

type Logger interface {
	// Log that an error has occurred. The program should be able to recover
	// from this error
	Error(msg string, fields ...zap.Field)
	// Log that an event has occurred that may indicate a future error or
	// a misuse of the scheduler
	Warn(msg string, fields ...zap.Field)
	// Log an event that may be useful for a user to see to measure the progress
	// of scheduled work
	Info(msg string, fields ...zap.Field)
	// Log an event that may be useful for a programmer to see when debugging
	// the order of job execution
	Debug(msg string, fields ...zap.Field)
}
