// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statecache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/state"
	"github.com/bureau-foundation/roomserver/lib/testutil"
)

func frontier(ids ...string) []ref.EventID {
	result := make([]ref.EventID, len(ids))
	for i, id := range ids {
		result[i] = ref.MustParseEventID("$" + id)
	}
	return result
}

func freshSnapshot() (*state.Snapshot, error) {
	return state.NewSnapshot(), nil
}

func TestKeyIsOrderInsensitive(t *testing.T) {
	forward := KeyFor(frontier("aaa", "bbb", "ccc"))
	backward := KeyFor(frontier("ccc", "bbb", "aaa"))
	if forward != backward {
		t.Error("key depends on input order")
	}
	if KeyFor(frontier("aaa")) == KeyFor(frontier("bbb")) {
		t.Error("distinct frontiers share a key")
	}
	// Concatenation ambiguity: {"ab"} vs {"a","b"}.
	if KeyFor(frontier("ab")) == KeyFor(frontier("a", "b")) {
		t.Error("frontier boundaries not delimited in key")
	}
}

func TestGetOrComputeCachesResult(t *testing.T) {
	cache := New(4)
	ctx := context.Background()
	target := frontier("aaa")

	first, err := cache.GetOrCompute(ctx, target, freshSnapshot)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	second, err := cache.GetOrCompute(ctx, target, func() (*state.Snapshot, error) {
		t.Error("compute ran on a warm cache")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if first != second {
		t.Error("cache returned a different snapshot")
	}
	if got := cache.Computations(); got != 1 {
		t.Errorf("Computations = %d, want 1", got)
	}
}

func TestSingleFlight(t *testing.T) {
	cache := New(4)
	ctx := context.Background()
	target := frontier("aaa", "bbb")

	started := make(chan struct{})
	release := make(chan struct{})
	compute := func() (*state.Snapshot, error) {
		close(started)
		<-release
		return state.NewSnapshot(), nil
	}

	type outcome struct {
		snapshot *state.Snapshot
		err      error
	}
	results := make(chan outcome, 2)
	go func() {
		snapshot, err := cache.GetOrCompute(ctx, target, compute)
		results <- outcome{snapshot, err}
	}()
	testutil.RequireClosed(t, started, time.Second, "computation did not start")

	// Second caller joins the in-flight computation; its compute
	// function must never run.
	go func() {
		snapshot, err := cache.GetOrCompute(ctx, target, func() (*state.Snapshot, error) {
			t.Error("second compute ran despite in-flight computation")
			return nil, nil
		})
		results <- outcome{snapshot, err}
	}()

	close(release)
	first := testutil.RequireReceive(t, results, time.Second, "first caller did not finish")
	second := testutil.RequireReceive(t, results, time.Second, "second caller did not finish")

	if first.err != nil || second.err != nil {
		t.Fatalf("errors: %v, %v", first.err, second.err)
	}
	if first.snapshot != second.snapshot {
		t.Error("callers got different snapshots")
	}
	if got := cache.Computations(); got != 1 {
		t.Errorf("Computations = %d, want exactly 1", got)
	}
}

func TestWaiterHonorsContext(t *testing.T) {
	cache := New(4)
	target := frontier("aaa")

	started := make(chan struct{})
	release := make(chan struct{})
	go cache.GetOrCompute(context.Background(), target, func() (*state.Snapshot, error) {
		close(started)
		<-release
		return state.NewSnapshot(), nil
	})
	testutil.RequireClosed(t, started, time.Second, "computation did not start")

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cache.GetOrCompute(cancelled, target, freshSnapshot)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("waiter returned %v, want context.Canceled", err)
	}

	// The abandoned computation still completes and fills the cache.
	close(release)
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := cache.Peek(target); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("abandoned computation never filled the cache")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestErrorsAreNotCached(t *testing.T) {
	cache := New(4)
	ctx := context.Background()
	target := frontier("aaa")

	boom := errors.New("store unavailable")
	if _, err := cache.GetOrCompute(ctx, target, func() (*state.Snapshot, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("got %v, want the compute error", err)
	}
	if cache.Len() != 0 {
		t.Error("error result was cached")
	}

	// Next call recomputes and succeeds.
	if _, err := cache.GetOrCompute(ctx, target, freshSnapshot); err != nil {
		t.Fatalf("recompute after error: %v", err)
	}
	if got := cache.Computations(); got != 2 {
		t.Errorf("Computations = %d, want 2", got)
	}
}

func TestEvictionIsLRU(t *testing.T) {
	cache := New(2)
	ctx := context.Background()

	for _, id := range []string{"aaa", "bbb"} {
		if _, err := cache.GetOrCompute(ctx, frontier(id), freshSnapshot); err != nil {
			t.Fatal(err)
		}
	}
	// Touch "aaa" so "bbb" is the eviction victim.
	if _, err := cache.GetOrCompute(ctx, frontier("aaa"), freshSnapshot); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.GetOrCompute(ctx, frontier("ccc"), freshSnapshot); err != nil {
		t.Fatal(err)
	}

	if cache.Len() != 2 {
		t.Fatalf("Len = %d, want 2", cache.Len())
	}
	if _, ok := cache.Peek(frontier("aaa")); !ok {
		t.Error("recently used entry evicted")
	}
	if _, ok := cache.Peek(frontier("bbb")); ok {
		t.Error("least recently used entry survived")
	}
	if got := cache.Computations(); got != 3 {
		t.Errorf("Computations = %d, want 3 (aaa, bbb, ccc)", got)
	}
}

func TestInvalidate(t *testing.T) {
	cache := New(4)
	ctx := context.Background()
	target := frontier("aaa", "bbb")

	if _, err := cache.GetOrCompute(ctx, target, freshSnapshot); err != nil {
		t.Fatal(err)
	}
	// Invalidation is keyed by frontier content, not slice order.
	cache.Invalidate(frontier("bbb", "aaa"))
	if _, ok := cache.Peek(target); ok {
		t.Error("entry survived invalidation")
	}

	computed := 0
	if _, err := cache.GetOrCompute(ctx, target, func() (*state.Snapshot, error) {
		computed++
		return state.NewSnapshot(), nil
	}); err != nil {
		t.Fatal(err)
	}
	if computed != 1 {
		t.Errorf("recompute after invalidation ran %d times, want 1", computed)
	}
}

func TestManyFrontiersStayBounded(t *testing.T) {
	cache := New(8)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("event%03d", i)
		if _, err := cache.GetOrCompute(ctx, frontier(id), freshSnapshot); err != nil {
			t.Fatal(err)
		}
	}
	if cache.Len() != 8 {
		t.Errorf("Len = %d, want capacity 8", cache.Len())
	}
}
