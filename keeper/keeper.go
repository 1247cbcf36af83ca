// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keeper

import (
	"context"
	"errors"
	"time"
)

// AnyVersion makes a compare-and-set operation match whatever version is
// stored.
const AnyVersion int64 = -1

var (
	// ErrNodeExists is returned by Create when a live node already occupies
	// the path.
	ErrNodeExists = errors.New("node already exists")

	// ErrNoNode is returned by Get, Set and Remove when no live node exists
	// at the path.
	ErrNoNode = errors.New("no such node")

	// ErrVersionMismatch is returned by Set and Remove when the stored
	// version differs from the expected one.
	ErrVersionMismatch = errors.New("node version mismatch")
)

// Stat describes a stored node. Version starts at 0 on Create and increments
// on every Set.
type Stat struct {
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is a coordination store: a small key-value space with
// compare-and-set writes and optional expiry, used to share processing state
// between workers. Job bodies call into it; the scheduler itself never does.
//
// Set and Remove take the version the caller expects the node to have and
// fail with ErrVersionMismatch on anything else, so two workers cannot
// silently overwrite each other. Pass AnyVersion to skip the check.
// A ttl greater than zero on Create makes the node expire after that
// duration; expired nodes are treated as absent everywhere.
type Store interface {
	Create(ctx context.Context, path string, data []byte, ttl time.Duration) error
	Get(ctx context.Context, path string) ([]byte, Stat, error)
	Set(ctx context.Context, path string, data []byte, version int64) (Stat, error)
	Remove(ctx context.Context, path string, version int64) error
	Exists(ctx context.Context, path string) (bool, Stat, error)
}
