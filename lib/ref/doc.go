// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identity references
// for the room engine: event IDs, room IDs, user IDs, server names,
// and event types.
//
// Identifiers arrive from two boundaries — federation PDUs and the
// local event-creation API — and are parsed into these types exactly
// once, at the boundary. Everything past the boundary works with
// validated values and never re-checks format.
//
// All constructors validate their inputs and return errors for
// invalid identifiers. Once constructed, a ref is immutable. The zero
// value of every type is invalid; use IsZero to check.
//
// JSON marshaling uses the canonical Matrix string form via
// encoding.TextMarshaler:
//   - EventID:    $base64hash
//   - RoomID:     !opaque:server
//   - UserID:     @localpart:server
//   - ServerName: server[:port]
package ref
