// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statecache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/state"
)

// Key identifies a frontier: the BLAKE3 hash of its sorted event IDs.
type Key [32]byte

// KeyFor computes the cache key for a frontier. The input is not
// modified; ordering of the input does not affect the key.
func KeyFor(frontier []ref.EventID) Key {
	sorted := append([]ref.EventID(nil), frontier...)
	ref.SortEventIDs(sorted)

	hasher := blake3.New()
	for _, id := range sorted {
		hasher.Write([]byte(id.String()))
		hasher.Write([]byte{0})
	}
	var key Key
	hasher.Sum(key[:0])
	return key
}

type entry struct {
	key      Key
	snapshot *state.Snapshot
}

type flight struct {
	done     chan struct{}
	snapshot *state.Snapshot
	err      error
}

// Cache is a bounded LRU from frontier key to resolved snapshot with
// single-flight computation. Safe for concurrent use.
type Cache struct {
	capacity int

	mu       sync.Mutex
	entries  map[Key]*list.Element
	order    *list.List // front = most recently used
	inflight map[Key]*flight

	computations atomic.Int64
}

// New returns a cache holding at most capacity entries. Capacity must
// be positive.
func New(capacity int) *Cache {
	if capacity <= 0 {
		panic("statecache: capacity must be positive")
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[Key]*list.Element),
		order:    list.New(),
		inflight: make(map[Key]*flight),
	}
}

// GetOrCompute returns the cached snapshot for the frontier, or runs
// compute to produce it. Concurrent calls for the same frontier share
// one computation. Errors are returned to every sharing caller and
// never cached. ctx bounds only this caller's wait, not the
// computation itself — an abandoned computation still completes and
// fills the cache for the next caller.
func (c *Cache) GetOrCompute(ctx context.Context, frontier []ref.EventID, compute func() (*state.Snapshot, error)) (*state.Snapshot, error) {
	key := KeyFor(frontier)

	c.mu.Lock()
	if element, ok := c.entries[key]; ok {
		c.order.MoveToFront(element)
		snapshot := element.Value.(*entry).snapshot
		c.mu.Unlock()
		return snapshot, nil
	}
	if existing, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-existing.done:
			return existing.snapshot, existing.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	current := &flight{done: make(chan struct{})}
	c.inflight[key] = current
	c.mu.Unlock()

	c.computations.Add(1)
	snapshot, err := compute()

	c.mu.Lock()
	current.snapshot = snapshot
	current.err = err
	delete(c.inflight, key)
	if err == nil {
		c.insertLocked(key, snapshot)
	}
	c.mu.Unlock()
	close(current.done)

	return snapshot, err
}

// Peek returns the cached snapshot without computing, and without
// refreshing recency.
func (c *Cache) Peek(frontier []ref.EventID) (*state.Snapshot, bool) {
	key := KeyFor(frontier)
	c.mu.Lock()
	defer c.mu.Unlock()
	element, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return element.Value.(*entry).snapshot, true
}

// Invalidate drops the entry for the frontier, if cached. Called when
// a frontier is superseded (its events stop being extremities).
func (c *Cache) Invalidate(frontier []ref.EventID) {
	key := KeyFor(frontier)
	c.mu.Lock()
	defer c.mu.Unlock()
	if element, ok := c.entries[key]; ok {
		c.order.Remove(element)
		delete(c.entries, key)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Computations returns how many times a compute function has run.
// Test instrumentation for the single-flight guarantee.
func (c *Cache) Computations() int64 {
	return c.computations.Load()
}

func (c *Cache) insertLocked(key Key, snapshot *state.Snapshot) {
	if element, ok := c.entries[key]; ok {
		element.Value.(*entry).snapshot = snapshot
		c.order.MoveToFront(element)
		return
	}
	c.entries[key] = c.order.PushFront(&entry{key: key, snapshot: snapshot})
	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
	}
}
