// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"encoding/json"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Event types the engine gives special authorization or resolution
// treatment. Every other type is opaque: stored, ordered, and
// state-mapped without interpretation.
const (
	// TypeCreate is the root event of a room. Self-authorizing, and
	// only as the room's sole root (no prev_events).
	TypeCreate ref.EventType = "m.room.create"

	// TypeMember carries a user's membership in its state_key slot.
	TypeMember ref.EventType = "m.room.member"

	// TypePowerLevels carries the room's authorization thresholds.
	TypePowerLevels ref.EventType = "m.room.power_levels"

	// TypeJoinRules controls whether a join requires an invite.
	TypeJoinRules ref.EventType = "m.room.join_rules"

	// TypeRedaction strips another event's content. Gated on the
	// redact power level.
	TypeRedaction ref.EventType = "m.room.redaction"

	// TypeMessage is the default timeline event type.
	TypeMessage ref.EventType = "m.room.message"
)

// Event is a PDU: one immutable unit of room history. Fields mirror
// the federation wire format. Once an event passes the ingestion
// pipeline it is owned by the event store and must never be mutated —
// concurrent readers (resolver, auth checker, backfill) rely on it.
type Event struct {
	// EventID is the content-derived identifier. Computed locally via
	// ComputeReference for events created on this server; declared by
	// the origin for federation events and re-verified during
	// structural validation.
	EventID ref.EventID `json:"event_id,omitempty"`

	// RoomID is the room this event extends.
	RoomID ref.RoomID `json:"room_id"`

	// Sender is the user the event is attributed to.
	Sender ref.UserID `json:"sender"`

	// Type classifies the event (e.g. "m.room.member").
	Type ref.EventType `json:"type"`

	// StateKey is present exactly when the event is a state event.
	// Together with Type it names the state slot the event occupies.
	// Distinguish nil (timeline event) from pointer-to-empty-string
	// (state event with empty key, e.g. m.room.create).
	StateKey *string `json:"state_key,omitempty"`

	// Content is the opaque structured payload. Kept as raw JSON:
	// the engine interprets content only for the handful of
	// authorization-relevant types (see lib/state).
	Content json.RawMessage `json:"content"`

	// PrevEvents are the parent edges of the room DAG: the forward
	// extremities the origin server knew when it created this event.
	PrevEvents []ref.EventID `json:"prev_events"`

	// AuthEvents cite the state events the origin claims authorize
	// this event (create, sender's membership, power levels, and for
	// membership events the target's membership and join rules).
	// The resolver's auth-difference computation walks these edges.
	AuthEvents []ref.EventID `json:"auth_events"`

	// Depth is 1 + max(parent depths). An ordering hint only — the
	// causal order lives in the PrevEvents edges.
	Depth int64 `json:"depth"`

	// OriginServerTS is the origin's wall-clock milliseconds at
	// creation. Untrusted; used only as a resolver tiebreak.
	OriginServerTS int64 `json:"origin_server_ts"`

	// Hashes carries the content hash ("hashes.sha256" on the wire).
	Hashes Hashes `json:"hashes,omitempty"`

	// Signatures maps origin server name → key ID → unpadded base64
	// ed25519 signature over the event's canonical form.
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// Hashes is the wire container for the event content hash.
type Hashes struct {
	// SHA256 is the unpadded standard base64 of the SHA-256 content
	// hash.
	SHA256 string `json:"sha256,omitempty"`
}

// IsState reports whether the event occupies a state slot.
func (e *Event) IsState() bool { return e.StateKey != nil }

// StateKeyValue returns the state key, or "" for timeline events.
// Callers that need to distinguish "state event with empty key" from
// "timeline event" must check IsState first.
func (e *Event) StateKeyValue() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// IsCreate reports whether the event is a room-creation event: type
// m.room.create with an empty state key.
func (e *Event) IsCreate() bool {
	return e.Type == TypeCreate && e.StateKey != nil && *e.StateKey == ""
}

// StateKeyPtr returns a pointer to a copy of key, for constructing
// state events.
func StateKeyPtr(key string) *string { return &key }
