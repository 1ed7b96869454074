// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"fmt"
	"sort"

	"github.com/bureau-foundation/roomserver/lib/event"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomauth"
	"github.com/bureau-foundation/roomserver/lib/state"
)

// EventSource is the resolver's view of the event store: lookup by ID.
// Event returns nil (with a nil error) for an unknown ID; the resolver
// turns that into *IncompleteGraphError rather than guessing.
type EventSource interface {
	Event(id ref.EventID) (*event.Event, error)
}

// IncompleteGraphError reports that resolution needed an event the
// local store does not hold. The computation that hit it must be
// deferred, not approximated.
type IncompleteGraphError struct {
	// Missing is the event ID that could not be loaded.
	Missing ref.EventID
}

func (e *IncompleteGraphError) Error() string {
	return fmt.Sprintf("incomplete graph: event %s not available locally", e.Missing)
}

// Resolver computes canonical merged state. Stateless apart from the
// event source; safe for concurrent use.
type Resolver struct {
	source EventSource
}

// New returns a Resolver reading auth chains from source.
func New(source EventSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve collapses the input snapshots into one canonical snapshot.
// With zero inputs it returns an empty snapshot; with one, a clone.
func (r *Resolver) Resolve(snapshots []*state.Snapshot) (*state.Snapshot, error) {
	switch len(snapshots) {
	case 0:
		return state.NewSnapshot(), nil
	case 1:
		return snapshots[0].Clone(), nil
	}

	base, conflicted := partition(snapshots)
	if len(conflicted) == 0 {
		// Fast path: full agreement. No sort, no replay.
		return base, nil
	}

	difference, err := r.authDifference(snapshots, conflicted)
	if err != nil {
		return nil, err
	}

	candidates := make([]*event.Event, 0, len(conflicted)+len(difference))
	candidates = append(candidates, conflicted...)
	candidates = append(candidates, difference...)
	candidates = dedupe(candidates)

	return r.replay(base, candidates)
}

// partition splits the inputs into the agreed base snapshot and the
// distinct events occupying conflicted slots. A slot is conflicted if
// any input disagrees, where absence counts as disagreement.
func partition(snapshots []*state.Snapshot) (*state.Snapshot, []*event.Event) {
	slots := make(map[state.Slot]struct{})
	for _, snapshot := range snapshots {
		for _, e := range snapshot.Events() {
			slots[state.Slot{Type: e.Type, StateKey: e.StateKeyValue()}] = struct{}{}
		}
	}

	base := state.NewSnapshot()
	var conflicted []*event.Event
	for slot := range slots {
		first := snapshots[0].Get(slot.Type, slot.StateKey)
		agreed := first != nil
		for _, snapshot := range snapshots[1:] {
			occupant := snapshot.Get(slot.Type, slot.StateKey)
			// Identity is the content-derived event ID, not pointer
			// equality; snapshots may hold separately loaded copies.
			if occupant == nil || first == nil || occupant.EventID != first.EventID {
				agreed = false
				break
			}
		}
		if agreed {
			base.Put(first)
			continue
		}
		seen := make(map[ref.EventID]struct{})
		for _, snapshot := range snapshots {
			occupant := snapshot.Get(slot.Type, slot.StateKey)
			if occupant == nil {
				continue
			}
			if _, dup := seen[occupant.EventID]; dup {
				continue
			}
			seen[occupant.EventID] = struct{}{}
			conflicted = append(conflicted, occupant)
		}
	}
	return base, conflicted
}

// authDifference returns the events in the conflicted events' auth
// chains that are not agreed on by every input snapshot: the union of
// the candidates' chains minus the intersection of the inputs' chains.
func (r *Resolver) authDifference(snapshots []*state.Snapshot, conflicted []*event.Event) ([]*event.Event, error) {
	conflictedChain := make(map[ref.EventID]*event.Event)
	for _, e := range conflicted {
		if err := r.authChain(e, conflictedChain); err != nil {
			return nil, err
		}
	}

	// Intersection of the inputs' full auth closures.
	var agreed map[ref.EventID]struct{}
	for _, snapshot := range snapshots {
		closure := make(map[ref.EventID]*event.Event)
		for _, e := range snapshot.Events() {
			closure[e.EventID] = e
			if err := r.authChain(e, closure); err != nil {
				return nil, err
			}
		}
		if agreed == nil {
			agreed = make(map[ref.EventID]struct{}, len(closure))
			for id := range closure {
				agreed[id] = struct{}{}
			}
			continue
		}
		for id := range agreed {
			if _, ok := closure[id]; !ok {
				delete(agreed, id)
			}
		}
	}

	difference := make([]*event.Event, 0, len(conflictedChain))
	for id, e := range conflictedChain {
		if _, ok := agreed[id]; ok {
			continue
		}
		difference = append(difference, e)
	}
	return difference, nil
}

// authChain adds the transitive closure of e's auth_events to chain.
// e itself is not added.
func (r *Resolver) authChain(e *event.Event, chain map[ref.EventID]*event.Event) error {
	frontier := append([]ref.EventID(nil), e.AuthEvents...)
	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if _, seen := chain[id]; seen {
			continue
		}
		authEvent, err := r.source.Event(id)
		if err != nil {
			return fmt.Errorf("resolve: load auth event %s: %w", id, err)
		}
		if authEvent == nil {
			return &IncompleteGraphError{Missing: id}
		}
		chain[id] = authEvent
		frontier = append(frontier, authEvent.AuthEvents...)
	}
	return nil
}

func dedupe(events []*event.Event) []*event.Event {
	seen := make(map[ref.EventID]struct{}, len(events))
	result := events[:0]
	for _, e := range events {
		if _, dup := seen[e.EventID]; dup {
			continue
		}
		seen[e.EventID] = struct{}{}
		result = append(result, e)
	}
	return result
}

// replay orders the candidates power-first and replays them through
// the auth checker, starting from the unconflicted base. Power-shaping
// candidates (create, power_levels, join_rules) are ordered and
// applied first so that every other candidate's sender level is read
// from resolved power, not from a contested one.
func (r *Resolver) replay(base *state.Snapshot, candidates []*event.Event) (*state.Snapshot, error) {
	resolved := base.Clone()

	var shaping, gated []*event.Event
	for _, candidate := range candidates {
		if !candidate.IsState() {
			// Auth chains only contain state events; a timeline event
			// here would be a graph corruption. Skip defensively.
			continue
		}
		switch candidate.Type {
		case event.TypeCreate, event.TypePowerLevels, event.TypeJoinRules:
			shaping = append(shaping, candidate)
		default:
			gated = append(gated, candidate)
		}
	}

	applyOrdered(resolved, shaping)
	applyOrdered(resolved, gated)
	return resolved, nil
}

// applyOrdered sorts the batch by the interoperability ordering —
// descending sender power in the accumulated state, ascending
// origin_server_ts, ascending event ID — then replays it, updating
// resolved as events pass the auth checker.
func applyOrdered(resolved *state.Snapshot, batch []*event.Event) {
	levels := resolved.PowerLevels()
	sort.SliceStable(batch, func(i, j int) bool {
		left, right := batch[i], batch[j]
		leftLevel, rightLevel := levels.UserLevel(left.Sender), levels.UserLevel(right.Sender)
		if leftLevel != rightLevel {
			return leftLevel > rightLevel
		}
		if left.OriginServerTS != right.OriginServerTS {
			return left.OriginServerTS < right.OriginServerTS
		}
		return left.EventID.Compare(right.EventID) < 0
	})
	for _, candidate := range batch {
		if roomauth.Check(candidate, resolved).Decision == roomauth.Allow {
			resolved.Put(candidate)
		}
	}
}
