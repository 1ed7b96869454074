// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/config"
	"github.com/bureau-foundation/roomserver/lib/event"
	"github.com/bureau-foundation/roomserver/lib/eventstore"
	"github.com/bureau-foundation/roomserver/lib/ingest"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/state"
	"github.com/bureau-foundation/roomserver/lib/statecache"
)

// Options configures an Engine. Config is required; everything else
// has a production default.
type Options struct {
	// Config is the validated roomserver configuration.
	Config *config.Config

	// Clock defaults to the real clock. Tests inject a fake.
	Clock clock.Clock

	// Logger receives operational messages. Defaults to discard.
	Logger *slog.Logger

	// Fetcher resolves missing parents from federation. Optional.
	Fetcher ingest.Fetcher

	// Keys resolves server signing keys. Required when the config
	// enables federation.verify_signatures.
	Keys event.KeyProvider
}

// Engine is the assembled roomserver.
type Engine struct {
	store    *eventstore.Store
	cache    *statecache.Cache
	pipeline *ingest.Pipeline
	logger   *slog.Logger
}

// Open validates the configuration, opens the event database under
// the configured data directory, and wires the pipeline.
func Open(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("engine: Config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	if cfg.Federation.VerifySignatures && opts.Keys == nil {
		return nil, fmt.Errorf("engine: federation.verify_signatures is enabled but no key provider was given")
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	compression, err := eventstore.ParseCompressionTag(cfg.Storage.Compression)
	if err != nil {
		return nil, err
	}
	store, err := eventstore.Open(eventstore.Config{
		Path:        filepath.Join(cfg.Storage.DataDir, "events.db"),
		PoolSize:    cfg.Storage.PoolSize,
		Compression: compression,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	cache := statecache.New(cfg.Cache.Entries)

	var keys event.KeyProvider
	if cfg.Federation.VerifySignatures {
		keys = opts.Keys
	}
	pipeline, err := ingest.New(ingest.Config{
		Store:         store,
		Cache:         cache,
		Clock:         clk,
		Logger:        logger,
		Fetcher:       opts.Fetcher,
		Keys:          keys,
		FetchAttempts: cfg.Federation.FetchAttempts,
		FetchBackoff:  cfg.FetchBackoffDuration(),
		PendingTTL:    cfg.PendingTTLDuration(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Engine{
		store:    store,
		cache:    cache,
		pipeline: pipeline,
		logger:   logger,
	}, nil
}

// Close releases the database.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Submit ingests one event. Returns nil on success,
// *ingest.PendingError when the event was parked on a missing parent,
// and *ingest.RejectionError on terminal failure.
func (e *Engine) Submit(ctx context.Context, ev *event.Event) error {
	return e.pipeline.Submit(ctx, ev)
}

// Event returns a stored, accepted event, or nil if the ID is unknown
// or quarantined.
func (e *Engine) Event(ctx context.Context, id ref.EventID) (*event.Event, error) {
	return e.store.Get(ctx, id)
}

// ForwardExtremities returns the room's current frontier, sorted by
// event ID.
func (e *Engine) ForwardExtremities(ctx context.Context, room ref.RoomID) ([]ref.EventID, error) {
	return e.store.ForwardExtremities(ctx, room)
}

// ResolvedState returns the room's resolved state at its current
// frontier. An unknown room yields an empty snapshot. The snapshot is
// shared with the cache: callers must not mutate it.
func (e *Engine) ResolvedState(ctx context.Context, room ref.RoomID) (*state.Snapshot, error) {
	frontier, err := e.store.ForwardExtremities(ctx, room)
	if err != nil {
		return nil, err
	}
	return e.pipeline.StateAtFrontier(ctx, frontier)
}

// EventsInRoom returns accepted events with fromDepth <= depth <=
// toDepth, ordered by depth then event ID, up to limit. The backfill
// read for federation catch-up; toDepth <= 0 means no upper bound.
func (e *Engine) EventsInRoom(ctx context.Context, room ref.RoomID, fromDepth, toDepth int64, limit int) ([]*event.Event, error) {
	return e.store.EventsInRoom(ctx, room, fromDepth, toDepth, limit)
}

// PendingCount returns the number of events parked on missing
// parents.
func (e *Engine) PendingCount() int {
	return e.pipeline.PendingCount()
}
