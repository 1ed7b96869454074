// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// maxPrevEvents caps the parent fan-in a single event may declare.
// Matches the federation limit; without a cap a hostile server could
// make every ingest touch the whole graph.
const maxPrevEvents = 20

// Validate runs structural validation: the checks that need nothing
// beyond the event itself. Returns *MalformedError for shape problems
// and *IntegrityError when the declared event ID or content hash does
// not match the recomputed one. An event that passes Validate is safe
// to hand to the graph layer; it is not yet authorized.
func (e *Event) Validate() error {
	if e.RoomID.IsZero() {
		return &MalformedError{EventID: e.EventID, Detail: "missing room_id"}
	}
	if e.Sender.IsZero() {
		return &MalformedError{EventID: e.EventID, Detail: "missing sender"}
	}
	if e.Type == "" {
		return &MalformedError{EventID: e.EventID, Detail: "missing type"}
	}
	if e.EventID.IsZero() {
		return &MalformedError{Detail: "missing event_id"}
	}
	if len(e.Content) == 0 {
		return &MalformedError{EventID: e.EventID, Detail: "missing content"}
	}
	if !json.Valid(e.Content) {
		return &MalformedError{EventID: e.EventID, Detail: "content is not valid JSON"}
	}

	if e.IsCreate() {
		if len(e.PrevEvents) != 0 {
			return &MalformedError{EventID: e.EventID, Detail: "create event declares prev_events"}
		}
	} else {
		if e.Type == TypeCreate {
			// m.room.create with a non-empty state key is meaningless.
			return &MalformedError{EventID: e.EventID, Detail: "m.room.create with non-empty state_key"}
		}
		if len(e.PrevEvents) == 0 {
			return &MalformedError{EventID: e.EventID, Detail: "non-create event with no prev_events"}
		}
	}
	if len(e.PrevEvents) > maxPrevEvents {
		return &MalformedError{
			EventID: e.EventID,
			Detail:  fmt.Sprintf("%d prev_events exceeds limit of %d", len(e.PrevEvents), maxPrevEvents),
		}
	}
	if id, ok := firstDuplicate(e.PrevEvents); ok {
		return &MalformedError{EventID: e.EventID, Detail: fmt.Sprintf("duplicate prev_event %s", id)}
	}
	if id, ok := firstDuplicate(e.AuthEvents); ok {
		return &MalformedError{EventID: e.EventID, Detail: fmt.Sprintf("duplicate auth_event %s", id)}
	}

	// m.room.member events carry their target in the state key; a
	// member event without one cannot occupy a state slot and would
	// silently lose its meaning.
	if e.Type == TypeMember && !e.IsState() {
		return &MalformedError{EventID: e.EventID, Detail: "m.room.member without state_key"}
	}

	// Identity checks: the declared content hash and event ID must
	// both be reproducible from the event's own bytes.
	if e.Hashes.SHA256 == "" {
		return &MalformedError{EventID: e.EventID, Detail: "missing content hash"}
	}
	contentHash, err := e.ContentHash()
	if err != nil {
		return &MalformedError{EventID: e.EventID, Detail: fmt.Sprintf("unhashable content: %v", err)}
	}
	declared := e.Hashes.SHA256
	if computed := rawStdBase64(contentHash[:]); declared != computed {
		return &IntegrityError{
			EventID: e.EventID,
			Detail:  fmt.Sprintf("content hash mismatch: declared %s, computed %s", declared, computed),
		}
	}
	computedID, err := e.ComputeReference()
	if err != nil {
		return &MalformedError{EventID: e.EventID, Detail: fmt.Sprintf("unhashable event: %v", err)}
	}
	if computedID != e.EventID {
		return &IntegrityError{
			EventID: e.EventID,
			Detail:  fmt.Sprintf("event_id mismatch: computed %s", computedID),
		}
	}
	return nil
}

func firstDuplicate(ids []ref.EventID) (ref.EventID, bool) {
	if len(ids) < 2 {
		return ref.EventID{}, false
	}
	seen := make(map[ref.EventID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return id, true
		}
		seen[id] = struct{}{}
	}
	return ref.EventID{}, false
}
