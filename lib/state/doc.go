// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package state models a room state snapshot: the map from state slot
// (event type, state key) to the event currently occupying that slot.
//
// Snapshots are what the auth checker evaluates against and what the
// resolver produces. They are plain in-memory maps over shared
// *event.Event values — cheap to clone, never persisted directly (the
// store persists events; snapshots are recomputed or served from
// lib/statecache).
//
// The package also interprets the content of the handful of event
// types authorization depends on: m.room.member, m.room.power_levels,
// m.room.join_rules, and m.room.create. Parsing is tolerant in the
// federation tradition: unknown fields are ignored, missing fields
// take the protocol defaults, and a damaged field falls back to its
// default rather than failing the whole snapshot.
package state
