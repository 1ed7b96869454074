// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package roomauth decides whether an event is permitted given a room
// state snapshot.
//
// Check is a pure function over (event, snapshot): no clock, no I/O,
// no store access. The same pair always produces the same Result —
// the resolver depends on this when it replays candidate events, and
// determinism across servers depends on every implementation agreeing
// on these rules. Rules are evaluated in a fixed order against the
// snapshot, never against the event's own claims about room state.
//
// The Result carries the decision plus an evaluation trace (reason,
// sender and required power levels) for logging and for the
// inspect CLI's rejection diagnostics.
package roomauth
