// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/bureau-foundation/roomserver/lib/config"
	"github.com/bureau-foundation/roomserver/lib/event"
	"github.com/bureau-foundation/roomserver/lib/ingest"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/state"
	"github.com/bureau-foundation/roomserver/lib/testutil"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.ServerName = "example.org"
	cfg.Storage.DataDir = testutil.DBDir(t)
	cfg.Storage.PoolSize = 2
	cfg.Cache.Entries = 32

	eng, err := Open(Options{Config: cfg})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func sealed(t *testing.T, e *event.Event) *event.Event {
	t.Helper()
	if err := e.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return e
}

func TestEngineRoundTrip(t *testing.T) {
	eng := openTestEngine(t)
	ctx := context.Background()
	room := ref.MustParseRoomID("!room:example.org")
	alice := ref.MustParseUserID("@alice:example.org")

	create := sealed(t, &event.Event{
		RoomID:         room,
		Sender:         alice,
		Type:           event.TypeCreate,
		StateKey:       event.StateKeyPtr(""),
		Content:        json.RawMessage(`{"creator":"@alice:example.org"}`),
		OriginServerTS: 1,
	})
	join := sealed(t, &event.Event{
		RoomID:         room,
		Sender:         alice,
		Type:           event.TypeMember,
		StateKey:       event.StateKeyPtr(alice.String()),
		Content:        json.RawMessage(`{"membership":"join"}`),
		PrevEvents:     []ref.EventID{create.EventID},
		AuthEvents:     []ref.EventID{create.EventID},
		OriginServerTS: 2,
	})
	for _, e := range []*event.Event{create, join} {
		if err := eng.Submit(ctx, e); err != nil {
			t.Fatalf("Submit(%s): %v", e.Type, err)
		}
	}

	got, err := eng.Event(ctx, create.EventID)
	if err != nil || got == nil {
		t.Fatalf("Event: %v, %v", got, err)
	}
	if got.EventID != create.EventID {
		t.Errorf("Event returned %s, want %s", got.EventID, create.EventID)
	}

	frontier, err := eng.ForwardExtremities(ctx, room)
	if err != nil {
		t.Fatalf("ForwardExtremities: %v", err)
	}
	if len(frontier) != 1 || frontier[0] != join.EventID {
		t.Errorf("frontier = %v, want just the join", frontier)
	}

	snapshot, err := eng.ResolvedState(ctx, room)
	if err != nil {
		t.Fatalf("ResolvedState: %v", err)
	}
	if snapshot.Membership(alice) != state.MembershipJoin {
		t.Error("alice not joined in resolved state")
	}

	backfill, err := eng.EventsInRoom(ctx, room, 1, 0, 10)
	if err != nil {
		t.Fatalf("EventsInRoom: %v", err)
	}
	if len(backfill) != 2 {
		t.Errorf("backfill returned %d events, want 2", len(backfill))
	}
}

func TestEngineUnknownRoom(t *testing.T) {
	eng := openTestEngine(t)
	ctx := context.Background()
	room := ref.MustParseRoomID("!nowhere:example.org")

	snapshot, err := eng.ResolvedState(ctx, room)
	if err != nil {
		t.Fatalf("ResolvedState: %v", err)
	}
	if snapshot.Len() != 0 {
		t.Errorf("unknown room has %d state entries", snapshot.Len())
	}
	frontier, err := eng.ForwardExtremities(ctx, room)
	if err != nil {
		t.Fatalf("ForwardExtremities: %v", err)
	}
	if len(frontier) != 0 {
		t.Errorf("unknown room has frontier %v", frontier)
	}
}

func TestEngineSurfacesRejections(t *testing.T) {
	eng := openTestEngine(t)
	ctx := context.Background()
	room := ref.MustParseRoomID("!room:example.org")
	alice := ref.MustParseUserID("@alice:example.org")

	// Non-create event with no parents.
	orphanless := sealed(t, &event.Event{
		RoomID:         room,
		Sender:         alice,
		Type:           event.TypeMessage,
		Content:        json.RawMessage(`{"body":"x"}`),
		OriginServerTS: 1,
	})
	err := eng.Submit(ctx, orphanless)
	var rejection *ingest.RejectionError
	if !errors.As(err, &rejection) || rejection.Code != ingest.CodeMalformedEvent {
		t.Fatalf("got %v, want MALFORMED_EVENT rejection", err)
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ServerName = "" // required field
	if _, err := Open(Options{Config: cfg}); err == nil {
		t.Fatal("Open accepted a config without server_name")
	}

	cfg = config.Default()
	cfg.ServerName = "example.org"
	cfg.Storage.DataDir = t.TempDir()
	cfg.Federation.VerifySignatures = true
	if _, err := Open(Options{Config: cfg}); err == nil {
		t.Fatal("Open accepted verify_signatures without a key provider")
	}
}
