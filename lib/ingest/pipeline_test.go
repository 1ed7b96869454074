// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/event"
	"github.com/bureau-foundation/roomserver/lib/eventstore"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/state"
	"github.com/bureau-foundation/roomserver/lib/statecache"
	"github.com/bureau-foundation/roomserver/lib/testutil"
)

var (
	room    = ref.MustParseRoomID("!room:example.org")
	alice   = ref.MustParseUserID("@alice:example.org")
	bob     = ref.MustParseUserID("@bob:example.org")
	mallory = ref.MustParseUserID("@mallory:remote.example")
)

type fixture struct {
	t        *testing.T
	pipeline *Pipeline
	store    *eventstore.Store
	cache    *statecache.Cache
	clk      *clock.FakeClock
	ts       int64

	create    *event.Event
	aliceJoin *event.Event
	power     *event.Event
	joinRules *event.Event
	bobJoin   *event.Event
}

func newFixture(t *testing.T, configure func(*Config)) *fixture {
	t.Helper()
	store, err := eventstore.Open(eventstore.Config{
		Path:     filepath.Join(testutil.DBDir(t), "events.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("eventstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cache := statecache.New(64)
	clk := clock.Fake(time.Unix(1700000000, 0))
	cfg := Config{
		Store:      store,
		Cache:      cache,
		Clock:      clk,
		PendingTTL: time.Minute,
	}
	if configure != nil {
		configure(&cfg)
	}
	pipeline, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{t: t, pipeline: pipeline, store: store, cache: cache, clk: clk, ts: 1700000000000}
}

// build seals an event whose prev_events and auth_events cite the
// given fixtures.
func (f *fixture) build(eventType ref.EventType, stateKey *string, sender ref.UserID, content string, prev []*event.Event, auth []*event.Event) *event.Event {
	f.t.Helper()
	f.ts++
	e := &event.Event{
		RoomID:         room,
		Sender:         sender,
		Type:           eventType,
		StateKey:       stateKey,
		Content:        json.RawMessage(content),
		OriginServerTS: f.ts,
	}
	for _, parent := range prev {
		e.PrevEvents = append(e.PrevEvents, parent.EventID)
	}
	for _, authEvent := range auth {
		e.AuthEvents = append(e.AuthEvents, authEvent.EventID)
	}
	if err := e.Seal(); err != nil {
		f.t.Fatalf("Seal: %v", err)
	}
	return e
}

// establishRoom builds the standard prefix: create, alice joins,
// power levels (alice 100, bob 50), public join rules, bob joins.
// Events are built but not submitted.
func (f *fixture) establishRoom() []*event.Event {
	f.t.Helper()
	f.create = f.build(event.TypeCreate, event.StateKeyPtr(""), alice,
		`{"creator":"@alice:example.org"}`, nil, nil)
	f.aliceJoin = f.build(event.TypeMember, event.StateKeyPtr(alice.String()), alice,
		`{"membership":"join"}`, []*event.Event{f.create}, []*event.Event{f.create})
	f.power = f.build(event.TypePowerLevels, event.StateKeyPtr(""), alice,
		`{"users":{"@alice:example.org":100,"@bob:example.org":50},"state_default":50}`,
		[]*event.Event{f.aliceJoin}, []*event.Event{f.create, f.aliceJoin})
	f.joinRules = f.build(event.TypeJoinRules, event.StateKeyPtr(""), alice,
		`{"join_rule":"public"}`,
		[]*event.Event{f.power}, []*event.Event{f.create, f.aliceJoin, f.power})
	f.bobJoin = f.build(event.TypeMember, event.StateKeyPtr(bob.String()), bob,
		`{"membership":"join"}`,
		[]*event.Event{f.joinRules}, []*event.Event{f.create, f.joinRules, f.power})
	return []*event.Event{f.create, f.aliceJoin, f.power, f.joinRules, f.bobJoin}
}

func (f *fixture) submitAll(events ...*event.Event) {
	f.t.Helper()
	for _, e := range events {
		if err := f.pipeline.Submit(context.Background(), e); err != nil {
			f.t.Fatalf("Submit(%s %s): %v", e.Type, e.EventID, err)
		}
	}
}

func (f *fixture) resolvedState() *state.Snapshot {
	f.t.Helper()
	ctx := context.Background()
	frontier, err := f.store.ForwardExtremities(ctx, room)
	if err != nil {
		f.t.Fatalf("ForwardExtremities: %v", err)
	}
	snapshot, err := f.pipeline.StateAtFrontier(ctx, frontier)
	if err != nil {
		f.t.Fatalf("StateAtFrontier: %v", err)
	}
	return snapshot
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	f.submitAll(f.establishRoom()...)

	message := f.build(event.TypeMessage, nil, bob, `{"body":"hello"}`,
		[]*event.Event{f.bobJoin}, []*event.Event{f.create, f.bobJoin, f.power})
	f.submitAll(message)

	snapshot := f.resolvedState()
	if snapshot.Membership(bob) != state.MembershipJoin {
		t.Error("bob not joined in resolved state")
	}
	if snapshot.JoinRule() != state.JoinRulePublic {
		t.Error("join rule lost")
	}
	extremities, _ := f.store.ForwardExtremities(context.Background(), room)
	if len(extremities) != 1 || extremities[0] != message.EventID {
		t.Errorf("extremities = %v, want just the message", extremities)
	}
}

func TestIdempotentResubmission(t *testing.T) {
	f := newFixture(t, nil)
	events := f.establishRoom()
	f.submitAll(events...)
	before := f.resolvedState()

	// Everything again, in order.
	f.submitAll(events...)

	after := f.resolvedState()
	if before.Len() != after.Len() {
		t.Fatalf("resubmission changed state: %d vs %d slots", before.Len(), after.Len())
	}
	extremities, _ := f.store.ForwardExtremities(context.Background(), room)
	if len(extremities) != 1 || extremities[0] != f.bobJoin.EventID {
		t.Errorf("extremities = %v, want just bob's join", extremities)
	}
}

// TestConvergenceAcrossDeliveryOrders delivers the same five events
// in two causally valid orders and requires identical resolved state.
func TestConvergenceAcrossDeliveryOrders(t *testing.T) {
	// Build the history once so both deliveries share event IDs.
	builder := newFixture(t, nil)
	builder.establishRoom()
	conflictD := builder.build("m.room.topic", event.StateKeyPtr(""), alice,
		`{"topic":"d"}`, []*event.Event{builder.bobJoin},
		[]*event.Event{builder.create, builder.aliceJoin, builder.power})
	conflictE := builder.build("m.room.topic", event.StateKeyPtr(""), bob,
		`{"topic":"e"}`, []*event.Event{builder.bobJoin},
		[]*event.Event{builder.create, builder.bobJoin, builder.power})
	prefix := []*event.Event{builder.create, builder.aliceJoin, builder.power, builder.joinRules, builder.bobJoin}

	deliver := func(t *testing.T, order []*event.Event) *state.Snapshot {
		f := newFixture(t, nil)
		f.submitAll(order...)
		return f.resolvedState()
	}

	forward := deliver(t, append(append([]*event.Event{}, prefix...), conflictD, conflictE))
	backward := deliver(t, append(append([]*event.Event{}, prefix...), conflictE, conflictD))

	if forward.Len() != backward.Len() {
		t.Fatalf("slot counts diverge: %d vs %d", forward.Len(), backward.Len())
	}
	for _, e := range forward.Events() {
		other := backward.Get(e.Type, e.StateKeyValue())
		if other == nil || other.EventID != e.EventID {
			t.Errorf("slot (%s,%q) diverges: %s vs %v", e.Type, e.StateKeyValue(), e.EventID, other)
		}
	}
	if winner := forward.Get("m.room.topic", ""); winner == nil {
		t.Error("conflicted slot empty after resolution")
	}
}

func TestMissingParentSuspendsAndResumes(t *testing.T) {
	f := newFixture(t, nil)
	events := f.establishRoom()
	// Submit everything except bob's join, then a message depending
	// on it.
	f.submitAll(events[:4]...)

	message := f.build(event.TypeMessage, nil, bob, `{"body":"early"}`,
		[]*event.Event{f.bobJoin}, []*event.Event{f.create, f.bobJoin, f.power})

	err := f.pipeline.Submit(context.Background(), message)
	var pending *PendingError
	if !errors.As(err, &pending) {
		t.Fatalf("Submit with missing parent: got %v, want *PendingError", err)
	}
	if pending.Missing != f.bobJoin.EventID {
		t.Errorf("Missing = %s, want %s", pending.Missing, f.bobJoin.EventID)
	}
	if f.pipeline.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", f.pipeline.PendingCount())
	}

	// Re-submitting the parked event reports the same missing parent.
	err = f.pipeline.Submit(context.Background(), message)
	if !errors.As(err, &pending) {
		t.Fatalf("re-submit while parked: got %v, want *PendingError", err)
	}
	if pending.Missing != f.bobJoin.EventID {
		t.Errorf("re-submit Missing = %s, want %s", pending.Missing, f.bobJoin.EventID)
	}

	// The parent arrives; the parked message must complete without
	// re-submission.
	f.submitAll(f.bobJoin)
	if f.pipeline.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d after parent arrival, want 0", f.pipeline.PendingCount())
	}
	stored, rejected, err := f.store.Contains(context.Background(), message.EventID)
	if err != nil || !stored || rejected {
		t.Errorf("resumed message: stored=%v rejected=%v err=%v", stored, rejected, err)
	}
}

func TestPendingExpiry(t *testing.T) {
	f := newFixture(t, nil)
	f.submitAll(f.establishRoom()[:4]...)

	message := f.build(event.TypeMessage, nil, bob, `{"body":"early"}`,
		[]*event.Event{f.bobJoin}, []*event.Event{f.create, f.bobJoin, f.power})
	var pending *PendingError
	if err := f.pipeline.Submit(context.Background(), message); !errors.As(err, &pending) {
		t.Fatalf("got %v, want *PendingError", err)
	}

	f.clk.Advance(time.Minute)
	if f.pipeline.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d after expiry, want 0", f.pipeline.PendingCount())
	}
	stored, _, _ := f.store.Contains(context.Background(), message.EventID)
	if stored {
		t.Error("expired event was stored")
	}

	// The late parent no longer resurrects it.
	f.submitAll(f.bobJoin)
	stored, _, _ = f.store.Contains(context.Background(), message.EventID)
	if stored {
		t.Error("expired event completed after late parent")
	}
}

// fetchMap serves parents from a map, recording calls. failures
// injects transient errors before each success.
type fetchMap struct {
	events   map[ref.EventID]*event.Event
	failures int
	calls    int
}

func (f *fetchMap) FetchEvent(ctx context.Context, room ref.RoomID, id ref.EventID) (*event.Event, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("transient federation error")
	}
	return f.events[id], nil
}

func TestFetcherFillsMissingParents(t *testing.T) {
	fetcher := &fetchMap{events: make(map[ref.EventID]*event.Event)}
	f := newFixture(t, func(cfg *Config) { cfg.Fetcher = fetcher })
	events := f.establishRoom()
	// bob's join and the join rules it depends on are only available
	// via the fetcher.
	f.submitAll(events[:3]...)
	fetcher.events[f.joinRules.EventID] = f.joinRules
	fetcher.events[f.bobJoin.EventID] = f.bobJoin

	message := f.build(event.TypeMessage, nil, bob, `{"body":"hello"}`,
		[]*event.Event{f.bobJoin}, []*event.Event{f.create, f.bobJoin, f.power})
	f.submitAll(message)

	for _, id := range []ref.EventID{f.joinRules.EventID, f.bobJoin.EventID, message.EventID} {
		stored, rejected, err := f.store.Contains(context.Background(), id)
		if err != nil || !stored || rejected {
			t.Errorf("event %s: stored=%v rejected=%v err=%v", id, stored, rejected, err)
		}
	}
}

func TestFetchRetryBudget(t *testing.T) {
	fetcher := &fetchMap{events: make(map[ref.EventID]*event.Event), failures: 2}
	f := newFixture(t, func(cfg *Config) {
		cfg.Fetcher = fetcher
		cfg.FetchAttempts = 3
		cfg.FetchBackoff = time.Second
	})
	events := f.establishRoom()
	f.submitAll(events[:4]...)
	fetcher.events[f.bobJoin.EventID] = f.bobJoin

	message := f.build(event.TypeMessage, nil, bob, `{"body":"hello"}`,
		[]*event.Event{f.bobJoin}, []*event.Event{f.create, f.bobJoin, f.power})

	done := make(chan error, 1)
	go func() { done <- f.pipeline.Submit(context.Background(), message) }()

	// Two transient failures consume two backoff waits.
	f.clk.WaitForTimers(1)
	f.clk.Advance(time.Second)
	f.clk.WaitForTimers(1)
	f.clk.Advance(time.Second)

	if err := testutil.RequireReceive(t, done, 5*time.Second, "submit did not finish"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if fetcher.calls != 3 {
		t.Errorf("fetcher called %d times, want 3", fetcher.calls)
	}
	stored, _, _ := f.store.Contains(context.Background(), message.EventID)
	if !stored {
		t.Error("message not stored after successful retry")
	}
}

func TestUnauthorizedIsQuarantined(t *testing.T) {
	f := newFixture(t, nil)
	f.submitAll(f.establishRoom()...)

	// Mallory never joined.
	hostile := f.build(event.TypeMessage, nil, mallory, `{"body":"spam"}`,
		[]*event.Event{f.bobJoin}, []*event.Event{f.create})

	err := f.pipeline.Submit(context.Background(), hostile)
	var rejection *RejectionError
	if !errors.As(err, &rejection) || rejection.Code != CodeUnauthorized {
		t.Fatalf("got %v, want UNAUTHORIZED rejection", err)
	}
	if !rejection.IsPermanent() {
		t.Error("unauthorized rejection not permanent")
	}

	// Quarantined for audit, invisible to the graph.
	audit, err := f.store.GetQuarantined(context.Background(), hostile.EventID)
	if err != nil || audit == nil {
		t.Fatalf("GetQuarantined: %v, %v", audit, err)
	}
	extremities, _ := f.store.ForwardExtremities(context.Background(), room)
	if len(extremities) != 1 || extremities[0] != f.bobJoin.EventID {
		t.Errorf("extremities = %v, quarantine must not touch the frontier", extremities)
	}

	// Re-submission repeats the rejection without re-running checks.
	err = f.pipeline.Submit(context.Background(), hostile)
	if !errors.As(err, &rejection) || rejection.Code != CodeUnauthorized {
		t.Errorf("re-submission: got %v, want UNAUTHORIZED", err)
	}

	// Auth monotonicity: the rejected event never appears in resolved
	// state, regardless of later activity.
	later := f.build(event.TypeMessage, nil, bob, `{"body":"later"}`,
		[]*event.Event{f.bobJoin}, []*event.Event{f.create, f.bobJoin, f.power})
	f.submitAll(later)
	snapshot := f.resolvedState()
	for _, e := range snapshot.Events() {
		if e.EventID == hostile.EventID {
			t.Fatal("quarantined event appeared in resolved state")
		}
	}
}

// TestSecondCreateRejected covers the sole-root invariant: once a
// room has history, a parentless create must not take over its
// frontier, whoever sends it.
func TestSecondCreateRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.submitAll(f.establishRoom()...)

	rival := f.build(event.TypeCreate, event.StateKeyPtr(""), mallory,
		`{"creator":"@mallory:remote.example"}`, nil, nil)

	err := f.pipeline.Submit(context.Background(), rival)
	var rejection *RejectionError
	if !errors.As(err, &rejection) || rejection.Code != CodeUnauthorized {
		t.Fatalf("second create: got %v, want UNAUTHORIZED rejection", err)
	}

	// Quarantined for audit, and the frontier is untouched.
	audit, err := f.store.GetQuarantined(context.Background(), rival.EventID)
	if err != nil || audit == nil {
		t.Fatalf("GetQuarantined: %v, %v", audit, err)
	}
	extremities, _ := f.store.ForwardExtremities(context.Background(), room)
	if len(extremities) != 1 || extremities[0] != f.bobJoin.EventID {
		t.Errorf("extremities = %v, want just bob's join", extremities)
	}

	// Resolved state still names the original create.
	snapshot := f.resolvedState()
	if got := snapshot.Create(); got == nil || got.EventID != f.create.EventID {
		t.Errorf("create slot = %v, want the original create", got)
	}

	// Re-submission repeats the rejection.
	err = f.pipeline.Submit(context.Background(), rival)
	if !errors.As(err, &rejection) || rejection.Code != CodeUnauthorized {
		t.Errorf("re-submission: got %v, want UNAUTHORIZED", err)
	}
}

// TestDeepHistoryColdCache replays a long linear room into a second
// pipeline whose state cache starts empty, forcing state to be rebuilt
// from the create event in one walk.
func TestDeepHistoryColdCache(t *testing.T) {
	f := newFixture(t, nil)
	f.submitAll(f.establishRoom()...)

	tip := f.bobJoin
	for i := 0; i < 300; i++ {
		message := f.build(event.TypeMessage, nil, bob,
			fmt.Sprintf(`{"body":"message %d"}`, i),
			[]*event.Event{tip}, []*event.Event{f.create, f.bobJoin, f.power})
		f.submitAll(message)
		tip = message
	}

	// A fresh pipeline over the same store has no cached snapshots.
	cold, err := New(Config{
		Store:      f.store,
		Cache:      statecache.New(64),
		Clock:      f.clk,
		PendingTTL: time.Minute,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	snapshot, err := cold.StateAtFrontier(context.Background(), []ref.EventID{tip.EventID})
	if err != nil {
		t.Fatalf("StateAtFrontier on cold cache: %v", err)
	}
	if snapshot.Membership(bob) != state.MembershipJoin {
		t.Error("bob not joined in rebuilt state")
	}
	if got := snapshot.Create(); got == nil || got.EventID != f.create.EventID {
		t.Errorf("create slot = %v, want the room's create", got)
	}
}

func TestMalformedAndTamperedEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.submitAll(f.establishRoom()...)

	// Tampered content after sealing.
	tampered := f.build(event.TypeMessage, nil, bob, `{"body":"original"}`,
		[]*event.Event{f.bobJoin}, []*event.Event{f.create, f.bobJoin, f.power})
	tampered.Content = json.RawMessage(`{"body":"tampered"}`)

	err := f.pipeline.Submit(context.Background(), tampered)
	var rejection *RejectionError
	if !errors.As(err, &rejection) || rejection.Code != CodeIntegrityViolation {
		t.Fatalf("tampered event: got %v, want INTEGRITY_VIOLATION", err)
	}

	// Structurally broken: no prev_events on a non-create event.
	malformed := &event.Event{
		RoomID:         room,
		Sender:         bob,
		Type:           event.TypeMessage,
		Content:        json.RawMessage(`{"body":"x"}`),
		OriginServerTS: 1,
	}
	if err := malformed.Seal(); err != nil {
		t.Fatal(err)
	}
	err = f.pipeline.Submit(context.Background(), malformed)
	if !errors.As(err, &rejection) || rejection.Code != CodeMalformedEvent {
		t.Fatalf("malformed event: got %v, want MALFORMED_EVENT", err)
	}

	// Neither touched the store.
	for _, e := range []*event.Event{tampered, malformed} {
		stored, _, _ := f.store.Contains(context.Background(), e.EventID)
		if stored {
			t.Errorf("rejected event %s reached the store", e.EventID)
		}
	}
}

func TestSignatureGate(t *testing.T) {
	keys := testKeyring{}
	f := newFixture(t, func(cfg *Config) { cfg.Keys = keys })
	f.establishRoom()

	// establishRoom events are unsigned: the first submission must
	// fail the signature gate.
	err := f.pipeline.Submit(context.Background(), f.create)
	var rejection *RejectionError
	if !errors.As(err, &rejection) || rejection.Code != CodeIntegrityViolation {
		t.Fatalf("unsigned event: got %v, want INTEGRITY_VIOLATION", err)
	}
}

type testKeyring struct{}

func (testKeyring) VerifyKey(server ref.ServerName, keyID string) (ed25519.PublicKey, bool) {
	return nil, false
}
