// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the PDU — the immutable, hash-identified unit
// of room history — and the hashing, signing, and structural
// validation rules that gate its acceptance.
//
// An event's identity is derived from its content: the event ID is
// "$" plus the unpadded url-safe base64 of the SHA-256 reference hash
// over the event's canonical JSON form (lib/canonicaljson). A separate
// content hash travels on the wire under "hashes.sha256" and lets a
// receiver detect tampering with the payload independently of the ID.
// Both hashes are computed over the event with its mutable envelope
// (event_id, signatures, unsigned) stripped; the reference hash
// additionally covers the content hash itself.
//
// Events are never mutated after construction. The ingestion pipeline
// (lib/ingest) owns the only paths that create or accept events;
// everything downstream — store, graph, resolver — treats *Event as
// read-only shared data, which is what makes lock-free concurrent
// reads safe (see the concurrency notes in lib/eventstore).
package event
