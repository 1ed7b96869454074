// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"encoding/json"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// PowerLevels is the effective authorization thresholds for a room,
// with all defaults applied. Values come from the m.room.power_levels
// event when one exists; absent fields take the protocol defaults
// (ban/kick/redact 50, invite 0, state_default 50, events_default 0,
// users_default 0). A room with no power_levels event at all uses
// initialPowerLevels instead: creator 100, everything else 0.
type PowerLevels struct {
	Ban    int64
	Kick   int64
	Redact int64
	Invite int64

	EventsDefault int64
	StateDefault  int64
	UsersDefault  int64

	// Events maps event type to the level required to send it,
	// overriding EventsDefault/StateDefault.
	Events map[ref.EventType]int64

	// Users maps user ID to that user's level, overriding
	// UsersDefault.
	Users map[ref.UserID]int64
}

// UserLevel returns the user's power level.
func (p PowerLevels) UserLevel(user ref.UserID) int64 {
	if level, ok := p.Users[user]; ok {
		return level
	}
	return p.UsersDefault
}

// RequiredToSend returns the level needed to send an event of the
// given type, distinguishing state from timeline events.
func (p PowerLevels) RequiredToSend(eventType ref.EventType, isState bool) int64 {
	if level, ok := p.Events[eventType]; ok {
		return level
	}
	if isState {
		return p.StateDefault
	}
	return p.EventsDefault
}

// powerLevelsWire mirrors the m.room.power_levels content. Pointer
// fields distinguish "omitted, use default" from "explicitly zero".
type powerLevelsWire struct {
	Ban           *int64           `json:"ban"`
	Kick          *int64           `json:"kick"`
	Redact        *int64           `json:"redact"`
	Invite        *int64           `json:"invite"`
	EventsDefault *int64           `json:"events_default"`
	StateDefault  *int64           `json:"state_default"`
	UsersDefault  *int64           `json:"users_default"`
	Events        map[string]int64 `json:"events"`
	Users         map[string]int64 `json:"users"`
}

func parsePowerLevels(raw json.RawMessage) PowerLevels {
	var wire powerLevelsWire
	// Damaged content falls through to all-defaults rather than
	// locking the room: the defaults are the protocol's, not ours.
	_ = json.Unmarshal(raw, &wire)

	levels := PowerLevels{
		Ban:           50,
		Kick:          50,
		Redact:        50,
		Invite:        0,
		EventsDefault: 0,
		StateDefault:  50,
		UsersDefault:  0,
	}
	assign := func(target *int64, source *int64) {
		if source != nil {
			*target = *source
		}
	}
	assign(&levels.Ban, wire.Ban)
	assign(&levels.Kick, wire.Kick)
	assign(&levels.Redact, wire.Redact)
	assign(&levels.Invite, wire.Invite)
	assign(&levels.EventsDefault, wire.EventsDefault)
	assign(&levels.StateDefault, wire.StateDefault)
	assign(&levels.UsersDefault, wire.UsersDefault)

	if len(wire.Events) > 0 {
		levels.Events = make(map[ref.EventType]int64, len(wire.Events))
		for eventType, level := range wire.Events {
			levels.Events[ref.EventType(eventType)] = level
		}
	}
	if len(wire.Users) > 0 {
		levels.Users = make(map[ref.UserID]int64, len(wire.Users))
		for rawUser, level := range wire.Users {
			user, err := ref.ParseUserID(rawUser)
			if err != nil {
				continue // unparseable keys grant nothing
			}
			levels.Users[user] = level
		}
	}
	return levels
}

// initialPowerLevels is the state of a room before any power_levels
// event: the creator holds 100, every threshold is 0 so the creator
// can bootstrap the room's initial state.
func initialPowerLevels(creator ref.UserID) PowerLevels {
	levels := PowerLevels{
		Ban:    50,
		Kick:   50,
		Redact: 50,
	}
	if !creator.IsZero() {
		levels.Users = map[ref.UserID]int64{creator: 100}
	}
	return levels
}

// Content renders the power levels back to m.room.power_levels
// content, for constructing events.
func (p PowerLevels) Content() json.RawMessage {
	wire := powerLevelsWire{
		Ban:           &p.Ban,
		Kick:          &p.Kick,
		Redact:        &p.Redact,
		Invite:        &p.Invite,
		EventsDefault: &p.EventsDefault,
		StateDefault:  &p.StateDefault,
		UsersDefault:  &p.UsersDefault,
	}
	if len(p.Events) > 0 {
		wire.Events = make(map[string]int64, len(p.Events))
		for eventType, level := range p.Events {
			wire.Events[string(eventType)] = level
		}
	}
	if len(p.Users) > 0 {
		wire.Users = make(map[string]int64, len(p.Users))
		for user, level := range p.Users {
			wire.Users[user.String()] = level
		}
	}
	encoded, err := json.Marshal(wire)
	if err != nil {
		panic("state: power levels content cannot fail to marshal: " + err.Error())
	}
	return encoded
}
