// Package syncutil provides keyed locks used to serialize work on a single
// payment, withdrawal, or ledger account across goroutines.
package syncutil

import (
	"context"
	"hash/fnv"
	"slices"
)

const defaultShards = 256

// KeyedMutex is a fixed pool of channel-based mutexes selected by key hash.
// Two keys may share a shard; a key never maps to two shards. Waiting for
// a lock respects context cancellation.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a keyed mutex with n shards (256 if n <= 0).
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = defaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext acquires the lock for key. On success the caller must call the
// returned unlock function exactly once. If ctx ends first, it returns the
// context error and no unlock function.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shards[m.shard(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key without waiting.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	ch := m.shards[m.shard(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, true
	default:
		return nil, false
	}
}

// LockAll acquires the locks for every key. Shards are taken once each in
// ascending order, so callers locking overlapping key sets cannot deadlock
// and keys that share a shard do not block each other. On ctx end any shards
// already taken are released.
func (m *KeyedMutex) LockAll(ctx context.Context, keys ...string) (func(), error) {
	idx := make([]uint32, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, m.shard(k))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	held := make([]chan struct{}, 0, len(idx))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i] <- struct{}{}
		}
	}
	for _, i := range idx {
		ch := m.shards[i]
		select {
		case <-ch:
			held = append(held, ch)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (m *KeyedMutex) shard(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
