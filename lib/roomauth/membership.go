// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomauth

import (
	"github.com/bureau-foundation/roomserver/lib/event"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/state"
)

// checkMembership evaluates an m.room.member event. Membership is the
// one place a not-yet-joined sender can act: the event under
// evaluation is itself the membership-granting (or -revoking) event.
// Each transition has its own preconditions and power threshold.
func checkMembership(e *event.Event, snapshot *state.Snapshot, levels state.PowerLevels, senderLevel int64) Result {
	target, err := ref.ParseUserID(e.StateKeyValue())
	if err != nil {
		return deny(ReasonInvalidStateKey)
	}
	next := state.MembershipOf(e.Content)
	if !state.KnownMembership(next) {
		return deny(ReasonInvalidMembership)
	}

	targetCurrent := snapshot.Membership(target)
	senderCurrent := snapshot.Membership(e.Sender)
	targetLevel := levels.UserLevel(target)

	withLevel := func(result Result) Result {
		result.SenderLevel = senderLevel
		return result
	}

	switch next {
	case state.MembershipJoin:
		// Nobody can join on another user's behalf.
		if target != e.Sender {
			return withLevel(deny(ReasonForbiddenTransition))
		}
		if targetCurrent == state.MembershipBan {
			return withLevel(deny(ReasonTargetBanned))
		}
		// Already joined or holding an invite: always admissible.
		if targetCurrent == state.MembershipJoin || targetCurrent == state.MembershipInvite {
			return withLevel(allow())
		}
		if snapshot.JoinRule() == state.JoinRulePublic {
			return withLevel(allow())
		}
		// The creator's first join bootstraps the room before any
		// join_rules event exists.
		if target == snapshot.Creator() {
			return withLevel(allow())
		}
		return withLevel(deny(ReasonJoinRuleForbids))

	case state.MembershipInvite:
		if senderCurrent != state.MembershipJoin {
			return withLevel(deny(ReasonSenderNotJoined))
		}
		if targetCurrent == state.MembershipBan {
			return withLevel(deny(ReasonTargetBanned))
		}
		if targetCurrent == state.MembershipJoin {
			return withLevel(deny(ReasonForbiddenTransition))
		}
		if senderLevel < levels.Invite {
			return Result{
				Decision:      Deny,
				Reason:        ReasonInsufficientPower,
				SenderLevel:   senderLevel,
				RequiredLevel: levels.Invite,
				Detail:        "invite",
			}
		}
		return withLevel(allow())

	case state.MembershipLeave:
		if target == e.Sender {
			// Leaving, or rejecting an invite. A banned user cannot
			// remove their own ban this way.
			if targetCurrent == state.MembershipBan {
				return withLevel(deny(ReasonTargetBanned))
			}
			return withLevel(allow())
		}
		// Kick, or unban when the target is currently banned.
		if senderCurrent != state.MembershipJoin {
			return withLevel(deny(ReasonSenderNotJoined))
		}
		required := levels.Kick
		if targetCurrent == state.MembershipBan {
			required = levels.Ban
		}
		if senderLevel < required {
			return Result{
				Decision:      Deny,
				Reason:        ReasonInsufficientPower,
				SenderLevel:   senderLevel,
				RequiredLevel: required,
				Detail:        "kick/unban",
			}
		}
		if targetLevel >= senderLevel {
			return withLevel(deny(ReasonCannotActOnTarget))
		}
		return withLevel(allow())

	case state.MembershipBan:
		if senderCurrent != state.MembershipJoin {
			return withLevel(deny(ReasonSenderNotJoined))
		}
		if senderLevel < levels.Ban {
			return Result{
				Decision:      Deny,
				Reason:        ReasonInsufficientPower,
				SenderLevel:   senderLevel,
				RequiredLevel: levels.Ban,
				Detail:        "ban",
			}
		}
		if targetLevel >= senderLevel {
			return withLevel(deny(ReasonCannotActOnTarget))
		}
		return withLevel(allow())

	case state.MembershipKnock:
		if target != e.Sender {
			return withLevel(deny(ReasonForbiddenTransition))
		}
		if snapshot.JoinRule() != state.JoinRuleKnock {
			return withLevel(deny(ReasonJoinRuleForbids))
		}
		if targetCurrent == state.MembershipBan {
			return withLevel(deny(ReasonTargetBanned))
		}
		if targetCurrent == state.MembershipJoin {
			return withLevel(deny(ReasonForbiddenTransition))
		}
		return withLevel(allow())
	}
	return deny(ReasonInvalidMembership)
}
