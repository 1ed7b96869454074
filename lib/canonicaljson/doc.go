// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package canonicaljson implements Matrix canonical JSON: the single
// byte representation of a JSON value over which event hashes and
// signatures are computed.
//
// Canonical form (Matrix spec, Appendix — Canonical JSON):
//   - object keys sorted by Unicode code point, recursively
//   - no insignificant whitespace
//   - integers in the range [-(2^53)+1, (2^53)-1], encoded without
//     exponents, leading zeros, or a fractional part
//   - non-integer numbers are rejected (they are forbidden in event
//     content that gets hashed)
//   - strings encoded as UTF-8 with the minimal JSON escapes and no
//     HTML-safe escaping (& < > stay literal)
//
// This is a wire contract, not a style preference: two homeservers
// that disagree on a single byte of canonical form compute different
// event IDs and permanently split the room. The encoder here is
// verified against the reference vectors from the spec appendix; do
// not "improve" its output.
package canonicaljson
