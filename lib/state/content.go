// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"encoding/json"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Membership is the value of an m.room.member event's membership
// field.
type Membership string

const (
	MembershipJoin   Membership = "join"
	MembershipLeave  Membership = "leave"
	MembershipInvite Membership = "invite"
	MembershipBan    Membership = "ban"
	MembershipKnock  Membership = "knock"
)

// KnownMembership reports whether m is one of the defined membership
// values. Unknown values fail authorization rather than being coerced.
func KnownMembership(m Membership) bool {
	switch m {
	case MembershipJoin, MembershipLeave, MembershipInvite, MembershipBan, MembershipKnock:
		return true
	}
	return false
}

// JoinRule is the value of an m.room.join_rules event's join_rule
// field.
type JoinRule string

const (
	JoinRulePublic JoinRule = "public"
	JoinRuleInvite JoinRule = "invite"
	JoinRuleKnock  JoinRule = "knock"
)

type memberContent struct {
	Membership Membership `json:"membership"`
}

func parseMemberContent(raw json.RawMessage) memberContent {
	var content memberContent
	if err := json.Unmarshal(raw, &content); err != nil || content.Membership == "" {
		// A member event with unreadable content conveys no
		// membership; treat the user as having left.
		return memberContent{Membership: MembershipLeave}
	}
	return content
}

// MembershipOf extracts the membership value from an m.room.member
// event's content.
func MembershipOf(raw json.RawMessage) Membership {
	return parseMemberContent(raw).Membership
}

type joinRulesContent struct {
	JoinRule JoinRule `json:"join_rule"`
}

func parseJoinRulesContent(raw json.RawMessage) joinRulesContent {
	var content joinRulesContent
	if err := json.Unmarshal(raw, &content); err != nil || content.JoinRule == "" {
		return joinRulesContent{JoinRule: JoinRuleInvite}
	}
	return content
}

type createContent struct {
	Creator ref.UserID `json:"creator"`
}

func parseCreateContent(raw json.RawMessage) createContent {
	var content createContent
	// Unmarshal errors leave Creator zero; the snapshot falls back to
	// the create event's sender.
	_ = json.Unmarshal(raw, &content)
	return content
}
