// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomauth

import (
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/event"
	"github.com/bureau-foundation/roomserver/lib/state"
)

// Decision is the outcome of an authorization check.
type Decision int

const (
	// Deny means the event is not permitted against this snapshot.
	Deny Decision = iota

	// Allow means the event is permitted.
	Allow
)

// String returns "allow" or "deny".
func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// DenyReason describes why an event was denied.
type DenyReason int

const (
	// ReasonDuplicateCreate means a create event arrived for a room
	// that already has one.
	ReasonDuplicateCreate DenyReason = iota

	// ReasonNoCreate means the snapshot has no create event, so
	// nothing can be authorized in it.
	ReasonNoCreate

	// ReasonWrongRoom means the event names a different room than the
	// snapshot's create event.
	ReasonWrongRoom

	// ReasonSenderNotJoined means the sender holds no joined
	// membership in the snapshot.
	ReasonSenderNotJoined

	// ReasonInsufficientPower means the sender's power level is below
	// the required threshold.
	ReasonInsufficientPower

	// ReasonPowerEscalation means a power_levels change grants or
	// revokes a level above the sender's own.
	ReasonPowerEscalation

	// ReasonInvalidStateKey means a member event's state key is not a
	// parseable user ID.
	ReasonInvalidStateKey

	// ReasonInvalidMembership means the membership value is not one of
	// the defined transitions.
	ReasonInvalidMembership

	// ReasonTargetBanned means the action's target is banned and the
	// sender cannot lift the ban.
	ReasonTargetBanned

	// ReasonJoinRuleForbids means the room's join rule does not admit
	// the sender.
	ReasonJoinRuleForbids

	// ReasonCannotActOnTarget means the target's power level is not
	// below the sender's, so kick/ban cannot touch them.
	ReasonCannotActOnTarget

	// ReasonForbiddenTransition means the membership change is not a
	// legal transition from the target's current membership.
	ReasonForbiddenTransition
)

// String returns a human-readable reason.
func (r DenyReason) String() string {
	switch r {
	case ReasonDuplicateCreate:
		return "room already has a create event"
	case ReasonNoCreate:
		return "no create event in state"
	case ReasonWrongRoom:
		return "event belongs to a different room"
	case ReasonSenderNotJoined:
		return "sender is not joined"
	case ReasonInsufficientPower:
		return "sender power level below required threshold"
	case ReasonPowerEscalation:
		return "power level change exceeds sender's own level"
	case ReasonInvalidStateKey:
		return "member event state key is not a user ID"
	case ReasonInvalidMembership:
		return "unknown membership value"
	case ReasonTargetBanned:
		return "target is banned"
	case ReasonJoinRuleForbids:
		return "join rule does not admit sender"
	case ReasonCannotActOnTarget:
		return "target power level not below sender's"
	case ReasonForbiddenTransition:
		return "membership transition not permitted from current state"
	default:
		return "unknown"
	}
}

// Result is the outcome of Check: the decision plus an evaluation
// trace for logging and diagnostics.
type Result struct {
	// Decision is Allow or Deny.
	Decision Decision

	// Reason describes why the check was denied. Only meaningful when
	// Decision is Deny.
	Reason DenyReason

	// SenderLevel is the sender's power level in the snapshot, when
	// the check got far enough to read it.
	SenderLevel int64

	// RequiredLevel is the threshold that applied, when Reason is
	// ReasonInsufficientPower.
	RequiredLevel int64

	// Detail is an optional human-readable elaboration.
	Detail string
}

func allow() Result { return Result{Decision: Allow} }

func deny(reason DenyReason) Result {
	return Result{Decision: Deny, Reason: reason}
}

// Check evaluates whether e is permitted against snapshot. Pure: the
// outcome depends only on the arguments.
//
// Rule order:
//  1. Create events are self-authorizing, but only as the room's sole
//     root.
//  2. Everything else requires a create event for the same room in the
//     snapshot.
//  3. m.room.member follows the membership transition rules
//     (checkMembership); this is where a not-yet-joined sender can act,
//     since the member event is itself the membership-granting event.
//  4. Any other event requires the sender to be joined.
//  5. The sender's power level must meet the send threshold for the
//     event type (state or timeline).
//  6. m.room.power_levels changes must not touch levels above the
//     sender's own.
func Check(e *event.Event, snapshot *state.Snapshot) Result {
	if e.IsCreate() {
		if snapshot.Create() != nil {
			return deny(ReasonDuplicateCreate)
		}
		return allow()
	}

	create := snapshot.Create()
	if create == nil {
		return deny(ReasonNoCreate)
	}
	if create.RoomID != e.RoomID {
		return deny(ReasonWrongRoom)
	}

	levels := snapshot.PowerLevels()
	senderLevel := levels.UserLevel(e.Sender)

	if e.Type == event.TypeMember && e.IsState() {
		return checkMembership(e, snapshot, levels, senderLevel)
	}

	if snapshot.Membership(e.Sender) != state.MembershipJoin {
		result := deny(ReasonSenderNotJoined)
		result.SenderLevel = senderLevel
		return result
	}

	required := levels.RequiredToSend(e.Type, e.IsState())
	if senderLevel < required {
		return Result{
			Decision:      Deny,
			Reason:        ReasonInsufficientPower,
			SenderLevel:   senderLevel,
			RequiredLevel: required,
			Detail:        fmt.Sprintf("sending %s", e.Type),
		}
	}

	if e.Type == event.TypePowerLevels && e.IsState() {
		return checkPowerLevelChange(e, levels, senderLevel)
	}

	result := allow()
	result.SenderLevel = senderLevel
	return result
}

// checkPowerLevelChange enforces the anti-escalation rule on
// m.room.power_levels: the sender may only move levels within their
// own reach. Every user level that changes must have both its old and
// new value at or below the sender's level, except the sender may
// lower their own; changed thresholds are bounded the same way.
func checkPowerLevelChange(e *event.Event, current state.PowerLevels, senderLevel int64) Result {
	proposedSnapshot := state.NewSnapshot()
	proposedSnapshot.Put(e)
	proposed := proposedSnapshot.PowerLevels()

	exceeds := func(level int64) bool { return level > senderLevel }

	// Threshold changes.
	thresholds := []struct {
		name     string
		old, new int64
	}{
		{"ban", current.Ban, proposed.Ban},
		{"kick", current.Kick, proposed.Kick},
		{"redact", current.Redact, proposed.Redact},
		{"invite", current.Invite, proposed.Invite},
		{"events_default", current.EventsDefault, proposed.EventsDefault},
		{"state_default", current.StateDefault, proposed.StateDefault},
		{"users_default", current.UsersDefault, proposed.UsersDefault},
	}
	for _, threshold := range thresholds {
		if threshold.old == threshold.new {
			continue
		}
		if exceeds(threshold.old) || exceeds(threshold.new) {
			return Result{
				Decision:    Deny,
				Reason:      ReasonPowerEscalation,
				SenderLevel: senderLevel,
				Detail:      fmt.Sprintf("threshold %s: %d -> %d", threshold.name, threshold.old, threshold.new),
			}
		}
	}

	// Per-event-type overrides.
	for eventType, newLevel := range proposed.Events {
		oldLevel := current.RequiredToSend(eventType, true)
		if oldLevel == newLevel {
			continue
		}
		if exceeds(oldLevel) || exceeds(newLevel) {
			return Result{
				Decision:    Deny,
				Reason:      ReasonPowerEscalation,
				SenderLevel: senderLevel,
				Detail:      fmt.Sprintf("event level for %s: %d -> %d", eventType, oldLevel, newLevel),
			}
		}
	}

	// Per-user levels: union of users mentioned on either side.
	type change struct{ old, new int64 }
	changes := make(map[string]change)
	for user, level := range current.Users {
		changes[user.String()] = change{old: level, new: proposed.UserLevel(user)}
	}
	for user, level := range proposed.Users {
		entry, seen := changes[user.String()]
		if !seen {
			entry = change{old: current.UserLevel(user)}
		}
		entry.new = level
		changes[user.String()] = entry
	}
	for user, entry := range changes {
		if entry.old == entry.new {
			continue
		}
		// Self-demotion is always permitted.
		if user == e.Sender.String() && entry.new < entry.old && entry.old <= senderLevel {
			continue
		}
		// Another user at or above the sender's level is out of reach.
		if user != e.Sender.String() && entry.old >= senderLevel {
			return Result{
				Decision:    Deny,
				Reason:      ReasonPowerEscalation,
				SenderLevel: senderLevel,
				Detail:      fmt.Sprintf("user %s at level %d is not below sender", user, entry.old),
			}
		}
		if exceeds(entry.old) || exceeds(entry.new) {
			return Result{
				Decision:    Deny,
				Reason:      ReasonPowerEscalation,
				SenderLevel: senderLevel,
				Detail:      fmt.Sprintf("user level for %s: %d -> %d", user, entry.old, entry.new),
			}
		}
	}

	result := allow()
	result.SenderLevel = senderLevel
	return result
}
