// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestIntercept(t *testing.T) {
	logger := MakeLogger(t)

	var messages []string
	logger.Intercept(func(entry zapcore.Entry) error {
		messages = append(messages, entry.Message)
		return nil
	})

	logger.Debug("job is ready")
	logger.Warn("retrying")

	require.Equal(t, []string{"job is ready", "retrying"}, messages)
}

func TestSilence(t *testing.T) {
	logger := MakeLogger(t)
	logger.Silence()

	logger.Intercept(func(entry zapcore.Entry) error {
		t.Errorf("silenced logger emitted %q", entry.Message)
		return nil
	})

	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Error("dropped")
}
