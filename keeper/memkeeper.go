// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keeper

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// InMemStore is a Store backed by a mutex-protected map, for in-process use
// and tests. Data is copied on every write and read, so callers cannot alias
// stored bytes.
type InMemStore struct {
	lock  sync.Mutex
	nodes map[string]*node
	clock func() time.Time
}

type node struct {
	data []byte
	stat Stat

	// expiresAt is zero for nodes that never expire.
	expiresAt time.Time
}

func NewInMemStore() *InMemStore {
	return NewInMemStoreAt(time.Now)
}

// NewInMemStoreAt creates a store reading time from [clock]. Tests inject a
// manual clock to exercise expiry without sleeping.
func NewInMemStoreAt(clock func() time.Time) *InMemStore {
	return &InMemStore{
		nodes: make(map[string]*node),
		clock: clock,
	}
}

func (s *InMemStore) Create(ctx context.Context, path string, data []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.live(path); ok {
		return fmt.Errorf("cannot create %q: %w", path, ErrNodeExists)
	}

	now := s.clock()
	n := &node{
		data: slices.Clone(data),
		stat: Stat{CreatedAt: now, UpdatedAt: now},
	}
	if ttl > 0 {
		n.expiresAt = now.Add(ttl)
	}
	s.nodes[path] = n
	return nil
}

func (s *InMemStore) Get(ctx context.Context, path string) ([]byte, Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, Stat{}, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	n, ok := s.live(path)
	if !ok {
		return nil, Stat{}, fmt.Errorf("cannot get %q: %w", path, ErrNoNode)
	}
	return slices.Clone(n.data), n.stat, nil
}

// Set overwrites the node's data and bumps its version. The expiry assigned
// at creation is kept.
func (s *InMemStore) Set(ctx context.Context, path string, data []byte, version int64) (Stat, error) {
	if err := ctx.Err(); err != nil {
		return Stat{}, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	n, ok := s.live(path)
	if !ok {
		return Stat{}, fmt.Errorf("cannot set %q: %w", path, ErrNoNode)
	}
	if version != AnyVersion && version != n.stat.Version {
		return Stat{}, fmt.Errorf("cannot set %q with version %d, stored version is %d: %w",
			path, version, n.stat.Version, ErrVersionMismatch)
	}

	n.data = slices.Clone(data)
	n.stat.Version++
	n.stat.UpdatedAt = s.clock()
	return n.stat, nil
}

func (s *InMemStore) Remove(ctx context.Context, path string, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	n, ok := s.live(path)
	if !ok {
		return fmt.Errorf("cannot remove %q: %w", path, ErrNoNode)
	}
	if version != AnyVersion && version != n.stat.Version {
		return fmt.Errorf("cannot remove %q with version %d, stored version is %d: %w",
			path, version, n.stat.Version, ErrVersionMismatch)
	}

	delete(s.nodes, path)
	return nil
}

func (s *InMemStore) Exists(ctx context.Context, path string) (bool, Stat, error) {
	if err := ctx.Err(); err != nil {
		return false, Stat{}, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	n, ok := s.live(path)
	if !ok {
		return false, Stat{}, nil
	}
	return true, n.stat, nil
}

// live returns the node at [path] unless it is absent or expired. Expired
// nodes are deleted on sight; there is no background sweeper. Callers hold
// the lock.
func (s *InMemStore) live(path string) (*node, bool) {
	n, ok := s.nodes[path]
	if !ok {
		return nil, false
	}
	if !n.expiresAt.IsZero() && !s.clock().Before(n.expiresAt) {
		delete(s.nodes, path)
		return nil, false
	}
	return n, true
}
