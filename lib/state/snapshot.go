// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"sort"

	"github.com/bureau-foundation/roomserver/lib/event"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Slot identifies one position in room state. Every state event
// occupies exactly one slot; a later accepted event for the same slot
// replaces the earlier one.
type Slot struct {
	Type     ref.EventType
	StateKey string
}

// Snapshot is a complete room state: one event per occupied slot.
// Events are shared, not copied — callers must treat them as
// immutable. The zero Snapshot is not usable; call NewSnapshot.
type Snapshot struct {
	entries map[Slot]*event.Event
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{entries: make(map[Slot]*event.Event)}
}

// Get returns the event occupying the slot, or nil.
func (s *Snapshot) Get(eventType ref.EventType, stateKey string) *event.Event {
	return s.entries[Slot{Type: eventType, StateKey: stateKey}]
}

// Put places a state event into its slot, replacing any occupant.
// Panics on a non-state event; the type system cannot express the
// invariant, so violations fail loudly at the call site.
func (s *Snapshot) Put(e *event.Event) {
	if !e.IsState() {
		panic("state: Put called with a timeline event")
	}
	s.entries[Slot{Type: e.Type, StateKey: e.StateKeyValue()}] = e
}

// Delete removes the slot's occupant, if any.
func (s *Snapshot) Delete(eventType ref.EventType, stateKey string) {
	delete(s.entries, Slot{Type: eventType, StateKey: stateKey})
}

// Len returns the number of occupied slots.
func (s *Snapshot) Len() int { return len(s.entries) }

// Clone returns an independent snapshot sharing the same events.
func (s *Snapshot) Clone() *Snapshot {
	clone := &Snapshot{entries: make(map[Slot]*event.Event, len(s.entries))}
	for slot, e := range s.entries {
		clone.entries[slot] = e
	}
	return clone
}

// Events returns the occupying events in deterministic slot order
// (type, then state key).
func (s *Snapshot) Events() []*event.Event {
	slots := make([]Slot, 0, len(s.entries))
	for slot := range s.entries {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Type != slots[j].Type {
			return slots[i].Type < slots[j].Type
		}
		return slots[i].StateKey < slots[j].StateKey
	})
	events := make([]*event.Event, len(slots))
	for i, slot := range slots {
		events[i] = s.entries[slot]
	}
	return events
}

// Create returns the room's m.room.create event, or nil for a
// snapshot that somehow lacks one (only possible mid-resolution).
func (s *Snapshot) Create() *event.Event {
	return s.Get(event.TypeCreate, "")
}

// Creator returns the user who created the room, derived from the
// create event's content (falling back to its sender).
func (s *Snapshot) Creator() ref.UserID {
	create := s.Create()
	if create == nil {
		return ref.UserID{}
	}
	content := parseCreateContent(create.Content)
	if !content.Creator.IsZero() {
		return content.Creator
	}
	return create.Sender
}

// Membership returns the user's membership in this snapshot:
// MembershipLeave when the user has no member event.
func (s *Snapshot) Membership(user ref.UserID) Membership {
	memberEvent := s.Get(event.TypeMember, user.String())
	if memberEvent == nil {
		return MembershipLeave
	}
	return parseMemberContent(memberEvent.Content).Membership
}

// PowerLevels returns the effective power levels: the parsed
// m.room.power_levels content, or the no-event defaults (creator 100,
// everything else 0) when the room has none.
func (s *Snapshot) PowerLevels() PowerLevels {
	powerEvent := s.Get(event.TypePowerLevels, "")
	if powerEvent == nil {
		return initialPowerLevels(s.Creator())
	}
	return parsePowerLevels(powerEvent.Content)
}

// JoinRule returns the room's join rule, JoinRuleInvite when unset.
// Defaulting closed rather than open means a room whose join_rules
// event is missing from a partial snapshot never admits strangers.
func (s *Snapshot) JoinRule() JoinRule {
	joinEvent := s.Get(event.TypeJoinRules, "")
	if joinEvent == nil {
		return JoinRuleInvite
	}
	return parseJoinRulesContent(joinEvent.Content).JoinRule
}
