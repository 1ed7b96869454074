// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides deterministic CBOR encoding and decoding for
// roomserver's on-disk records.
//
// The event store persists every accepted PDU as a CBOR record (see
// lib/eventstore). The encoder is configured with Core Deterministic
// Encoding (RFC 8949 §4.2) so that the same logical event always
// produces identical bytes — a requirement for content-addressed
// storage, where re-encoding an event must reproduce the stored blob
// exactly.
//
// Note the division of labor with lib/canonicaljson: canonical JSON is
// the wire-contract byte form that event hashing and signing operate
// on (fixed by the Matrix specification); CBOR is the private storage
// form, chosen for compactness and typed round-trips. The two never
// mix — hashes are always computed over canonical JSON, never over
// CBOR records.
package codec
