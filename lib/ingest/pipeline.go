// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/event"
	"github.com/bureau-foundation/roomserver/lib/eventstore"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/resolve"
	"github.com/bureau-foundation/roomserver/lib/roomauth"
	"github.com/bureau-foundation/roomserver/lib/state"
	"github.com/bureau-foundation/roomserver/lib/statecache"
)

// Fetcher retrieves events this server does not hold from the
// federation. A (nil, nil) return is a definitive "not found" — the
// pipeline stops retrying immediately.
type Fetcher interface {
	FetchEvent(ctx context.Context, room ref.RoomID, id ref.EventID) (*event.Event, error)
}

// Config holds the pipeline's collaborators and tuning.
type Config struct {
	// Store is the durable event store and graph index. Required.
	Store *eventstore.Store

	// Cache memoizes resolved state by frontier. Required.
	Cache *statecache.Cache

	// Clock drives fetch backoff and pending-event expiry. Required.
	Clock clock.Clock

	// Logger receives per-event outcomes. Defaults to discard.
	Logger *slog.Logger

	// Fetcher resolves missing parents. Optional: without one, an
	// event with absent parents parks until they arrive through
	// Submit or until the pending deadline expires.
	Fetcher Fetcher

	// Keys enables origin signature verification when non-nil.
	// Deployments that accept only locally authored events leave it
	// nil.
	Keys event.KeyProvider

	// FetchAttempts bounds fetch retries per missing parent.
	// Defaults to 3.
	FetchAttempts int

	// FetchBackoff is the delay between fetch attempts. Defaults to
	// 500ms.
	FetchBackoff time.Duration

	// PendingTTL is how long a parked event waits for its parent
	// before the dependent chain is abandoned. Defaults to 1 minute.
	PendingTTL time.Duration
}

// Pipeline ingests events. Safe for concurrent use; events in
// different rooms proceed independently.
type Pipeline struct {
	store    *eventstore.Store
	cache    *statecache.Cache
	clock    clock.Clock
	logger   *slog.Logger
	fetcher  Fetcher
	keys     event.KeyProvider
	resolver *resolve.Resolver

	fetchAttempts int
	fetchBackoff  time.Duration
	pendingTTL    time.Duration

	pending *pendingRegistry
}

// New validates the configuration and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("ingest: Store is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("ingest: Cache is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("ingest: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Pipeline{
		store:         cfg.Store,
		cache:         cfg.Cache,
		clock:         cfg.Clock,
		logger:        logger,
		fetcher:       cfg.Fetcher,
		keys:          cfg.Keys,
		fetchAttempts: cfg.FetchAttempts,
		fetchBackoff:  cfg.FetchBackoff,
		pendingTTL:    cfg.PendingTTL,
		pending:       newPendingRegistry(),
	}
	if p.fetchAttempts <= 0 {
		p.fetchAttempts = 3
	}
	if p.fetchBackoff <= 0 {
		p.fetchBackoff = 500 * time.Millisecond
	}
	if p.pendingTTL <= 0 {
		p.pendingTTL = time.Minute
	}
	p.resolver = resolve.New(storeSource{store: cfg.Store})
	return p, nil
}

// storeSource adapts the event store to the resolver's EventSource.
// Resolution reads already-committed rows; a background context keeps
// an abandoned caller from truncating a computation other callers are
// sharing through the cache.
type storeSource struct {
	store *eventstore.Store
}

func (s storeSource) Event(id ref.EventID) (*event.Event, error) {
	return s.store.Get(context.Background(), id)
}

// Submit runs an event through the full pipeline. Returns nil on
// success (the event is stored, indexed, and state-visible),
// *PendingError when the event was parked waiting for a missing
// parent, and *RejectionError on terminal failure.
func (p *Pipeline) Submit(ctx context.Context, e *event.Event) error {
	return p.ingest(ctx, e, true)
}

// PendingCount returns the number of events parked on missing
// parents.
func (p *Pipeline) PendingCount() int {
	return p.pending.size()
}

func (p *Pipeline) ingest(ctx context.Context, e *event.Event, allowPark bool) error {
	// Received → StructurallyValidated.
	if err := p.validate(e); err != nil {
		return err
	}

	// Idempotent re-entry: an event the store already holds
	// short-circuits without re-running any checks.
	stored, rejected, err := p.store.Contains(ctx, e.EventID)
	if err != nil {
		return err
	}
	if stored {
		if rejected {
			return &RejectionError{
				Code:    CodeUnauthorized,
				EventID: e.EventID,
				Message: "previously rejected and quarantined",
			}
		}
		return nil
	}
	if p.pending.isParked(e.EventID) {
		missing, err := p.firstMissingParent(ctx, e)
		if err != nil {
			return err
		}
		return &PendingError{EventID: e.EventID, Missing: missing}
	}

	// StructurallyValidated → ParentsResolved.
	if missing, err := p.resolveParents(ctx, e); err != nil {
		return err
	} else if !missing.IsZero() {
		if !allowPark {
			return &RejectionError{
				Code:    CodeUnresolvable,
				EventID: e.EventID,
				Message: fmt.Sprintf("parent %s unavailable", missing),
			}
		}
		return p.park(e, missing)
	}

	// Sole-root rule: a parentless event may only start a room. The
	// snapshot at an empty frontier is empty, so the auth checker
	// alone would self-authorize a second create for an established
	// room; the store has to be asked.
	if len(e.PrevEvents) == 0 {
		populated, err := p.store.RoomExists(ctx, e.RoomID)
		if err != nil {
			return err
		}
		if populated {
			return p.quarantineReject(ctx, e, roomauth.ReasonDuplicateCreate.String())
		}
	}

	// ParentsResolved → Authorized.
	snapshot, err := p.parentState(ctx, e)
	if err != nil {
		var incomplete *resolve.IncompleteGraphError
		if errors.As(err, &incomplete) {
			if allowPark {
				return p.park(e, incomplete.Missing)
			}
			return &RejectionError{
				Code:    CodeIncompleteGraph,
				EventID: e.EventID,
				Message: "state resolution deferred",
				Err:     err,
			}
		}
		return err
	}
	result := roomauth.Check(e, snapshot)
	if result.Decision != roomauth.Allow {
		return p.quarantineReject(ctx, e, result.Reason.String())
	}

	// Authorized → Persisted → Indexed.
	oldFrontier, err := p.store.ForwardExtremities(ctx, e.RoomID)
	if err != nil {
		return err
	}
	if err := p.store.Put(ctx, e); err != nil {
		var missing *eventstore.MissingParentError
		if errors.As(err, &missing) && allowPark {
			// A parent raced away between the check and the write
			// (possible only if it was quarantined concurrently).
			return p.park(e, missing.Parent)
		}
		var duplicate *eventstore.DuplicateRootError
		if errors.As(err, &duplicate) {
			// A concurrent Submit rooted the room between the
			// RoomExists check and the write.
			return p.quarantineReject(ctx, e, roomauth.ReasonDuplicateCreate.String())
		}
		return err
	}
	newFrontier, err := p.store.ForwardExtremities(ctx, e.RoomID)
	if err != nil {
		return err
	}
	p.cache.Invalidate(oldFrontier)
	if _, err := p.StateAtFrontier(ctx, newFrontier); err != nil {
		// The warm-up is an optimization; the next reader recomputes.
		p.logger.Warn("resolved-state warm-up failed",
			"room_id", e.RoomID, "error", err)
	}
	p.logger.Info("event indexed",
		"event_id", e.EventID,
		"room_id", e.RoomID,
		"event_type", e.Type,
		"extremities", len(newFrontier),
	)

	// The new event may be the parent something else is waiting for.
	for _, waiter := range p.pending.resume(e.EventID) {
		if err := p.ingest(ctx, waiter, true); err != nil {
			var pendingAgain *PendingError
			if errors.As(err, &pendingAgain) {
				continue
			}
			p.logger.Warn("resumed event failed",
				"event_id", waiter.EventID, "error", err)
		}
	}
	return nil
}

// quarantineReject persists e with the rejected marker for audit and
// returns the terminal rejection.
func (p *Pipeline) quarantineReject(ctx context.Context, e *event.Event, reason string) error {
	if err := p.store.Quarantine(ctx, e); err != nil {
		return err
	}
	p.logger.Warn("event rejected",
		"event_id", e.EventID,
		"room_id", e.RoomID,
		"sender", e.Sender,
		"event_type", e.Type,
		"reason", reason,
	)
	return &RejectionError{
		Code:    CodeUnauthorized,
		EventID: e.EventID,
		Message: reason,
	}
}

// validate covers shape, hashes, and (when configured) the origin
// signature. Failures never touch the store.
func (p *Pipeline) validate(e *event.Event) error {
	if err := e.Validate(); err != nil {
		var malformed *event.MalformedError
		if errors.As(err, &malformed) {
			return &RejectionError{
				Code:    CodeMalformedEvent,
				EventID: e.EventID,
				Message: malformed.Detail,
				Err:     err,
			}
		}
		var integrity *event.IntegrityError
		if errors.As(err, &integrity) {
			p.logger.Warn("integrity violation",
				"event_id", e.EventID, "detail", integrity.Detail)
			return &RejectionError{
				Code:    CodeIntegrityViolation,
				EventID: e.EventID,
				Message: integrity.Detail,
				Err:     err,
			}
		}
		return err
	}
	if p.keys != nil {
		if err := e.VerifySignature(e.Sender.Server(), p.keys); err != nil {
			p.logger.Warn("signature verification failed",
				"event_id", e.EventID, "origin", e.Sender.Server(), "error", err)
			return &RejectionError{
				Code:    CodeIntegrityViolation,
				EventID: e.EventID,
				Message: "origin signature verification failed",
				Err:     err,
			}
		}
	}
	return nil
}

// resolveParents ensures e's parents are stored, fetching absent ones
// when a Fetcher is configured. Returns the first parent that remains
// missing (zero when all are present).
func (p *Pipeline) resolveParents(ctx context.Context, e *event.Event) (ref.EventID, error) {
	missing, err := p.firstMissingParent(ctx, e)
	if err != nil || missing.IsZero() {
		return missing, err
	}
	if p.fetcher == nil {
		return missing, nil
	}

	for !missing.IsZero() {
		fetched, err := p.fetchWithBudget(ctx, e.RoomID, missing)
		if err != nil {
			return ref.EventID{}, err
		}
		if fetched == nil {
			return missing, nil
		}
		// The fetched parent goes through the full pipeline itself;
		// its own missing parents recurse through the same path. It
		// must not park — parking it would leave this event blocked
		// on an event nobody will resubmit.
		if err := p.ingest(ctx, fetched, false); err != nil {
			p.logger.Warn("fetched parent rejected",
				"event_id", fetched.EventID, "error", err)
			return missing, nil
		}
		missing, err = p.firstMissingParent(ctx, e)
		if err != nil {
			return ref.EventID{}, err
		}
	}
	return ref.EventID{}, nil
}

func (p *Pipeline) firstMissingParent(ctx context.Context, e *event.Event) (ref.EventID, error) {
	for _, parent := range e.PrevEvents {
		stored, rejected, err := p.store.Contains(ctx, parent)
		if err != nil {
			return ref.EventID{}, err
		}
		if !stored || rejected {
			return parent, nil
		}
	}
	return ref.EventID{}, nil
}

// fetchWithBudget tries the fetcher up to the configured attempt
// count with clock-driven backoff between attempts. Returns (nil,
// nil) when the budget is exhausted or the origin definitively does
// not have the event.
func (p *Pipeline) fetchWithBudget(ctx context.Context, room ref.RoomID, id ref.EventID) (*event.Event, error) {
	for attempt := 0; attempt < p.fetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-p.clock.After(p.fetchBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		fetched, err := p.fetcher.FetchEvent(ctx, room, id)
		if err != nil {
			p.logger.Warn("parent fetch failed",
				"event_id", id, "attempt", attempt+1, "error", err)
			continue
		}
		return fetched, nil
	}
	return nil, nil
}

// park suspends e until missing arrives, with an expiry deadline.
func (p *Pipeline) park(e *event.Event, missing ref.EventID) error {
	expiry := p.clock.AfterFunc(p.pendingTTL, func() {
		if parked := p.pending.expire(e.EventID); parked != nil {
			p.logger.Warn("pending event expired",
				"event_id", e.EventID,
				"missing_parent", parked.missing,
			)
		}
	})
	p.pending.park(e, missing, expiry)
	p.logger.Info("event parked on missing parent",
		"event_id", e.EventID, "missing_parent", missing)
	return &PendingError{EventID: e.EventID, Missing: missing}
}

// parentState returns the resolved state at e's parent frontier — the
// snapshot the auth checker evaluates e against. The create event has
// no parents and is checked against empty state.
func (p *Pipeline) parentState(ctx context.Context, e *event.Event) (*state.Snapshot, error) {
	if len(e.PrevEvents) == 0 {
		return state.NewSnapshot(), nil
	}
	return p.StateAtFrontier(ctx, e.PrevEvents)
}

// StateAtFrontier returns the resolved state at an arbitrary
// frontier, served from the cache when possible. The returned
// snapshot is shared: callers must not mutate it.
func (p *Pipeline) StateAtFrontier(ctx context.Context, frontier []ref.EventID) (*state.Snapshot, error) {
	if len(frontier) == 0 {
		return state.NewSnapshot(), nil
	}
	if len(frontier) == 1 {
		return p.stateAfter(ctx, frontier[0])
	}
	return p.cache.GetOrCompute(ctx, frontier, func() (*state.Snapshot, error) {
		snapshots := make([]*state.Snapshot, len(frontier))
		for i, id := range frontier {
			snapshot, err := p.stateAfter(ctx, id)
			if err != nil {
				return nil, err
			}
			snapshots[i] = snapshot
		}
		return p.resolver.Resolve(snapshots)
	})
}

// stateAfter returns the room state immediately after one event: the
// resolved state at the event's parents, updated by the event itself
// when it is a state event. Per-event snapshots are memoized in the
// cache under the single-event frontier. The ancestry walk uses an
// explicit stack: a cold cache on a deep room costs heap proportional
// to the unresolved ancestry, never goroutine stack.
func (p *Pipeline) stateAfter(ctx context.Context, id ref.EventID) (*state.Snapshot, error) {
	memo := make(map[ref.EventID]*state.Snapshot)

	type frame struct {
		id    ref.EventID
		event *event.Event
	}
	stack := []frame{{id: id}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if _, done := memo[top.id]; done {
			stack = stack[:len(stack)-1]
			continue
		}
		if snapshot, ok := p.cache.Peek([]ref.EventID{top.id}); ok {
			memo[top.id] = snapshot
			stack = stack[:len(stack)-1]
			continue
		}

		if top.event == nil {
			e, err := p.store.Get(ctx, top.id)
			if err != nil {
				return nil, err
			}
			if e == nil {
				return nil, &resolve.IncompleteGraphError{Missing: top.id}
			}
			// Assign before pushing parents: the append below may
			// move the frame to a new backing array.
			top.event = e
			pushed := false
			for _, parent := range e.PrevEvents {
				if _, done := memo[parent]; done {
					continue
				}
				stack = append(stack, frame{id: parent})
				pushed = true
			}
			if pushed {
				continue
			}
		}

		// All parents resolved; compute this event's snapshot.
		e := top.event
		var snapshot *state.Snapshot
		switch len(e.PrevEvents) {
		case 0:
			snapshot = state.NewSnapshot()
		case 1:
			snapshot = memo[e.PrevEvents[0]]
		default:
			parents := make([]*state.Snapshot, len(e.PrevEvents))
			for i, parent := range e.PrevEvents {
				parents[i] = memo[parent]
			}
			resolved, err := p.resolver.Resolve(parents)
			if err != nil {
				return nil, err
			}
			snapshot = resolved
		}
		if e.IsState() {
			snapshot = snapshot.Clone()
			snapshot.Put(e)
		}

		// Publish through the cache so concurrent walks share one
		// result per event.
		published, err := p.cache.GetOrCompute(ctx, []ref.EventID{e.EventID},
			func() (*state.Snapshot, error) { return snapshot, nil })
		if err != nil {
			return nil, err
		}
		memo[e.EventID] = published
		stack = stack[:len(stack)-1]
	}
	return memo[id], nil
}
