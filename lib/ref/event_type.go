// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// EventType identifies a Matrix state or timeline event type
// (e.g., "m.room.member", "m.room.message"). Constants for the event
// types the engine gives special authorization treatment live in
// lib/event.
//
// EventType is a named string type, not a struct wrapper: event types
// are opaque identifiers that need no parsing or validation. The type
// exists purely for compile-time safety — preventing accidental use
// of a state key where an event type is expected (or vice versa).
type EventType string

// String returns the event type string (e.g., "m.room.member").
func (t EventType) String() string { return string(t) }
