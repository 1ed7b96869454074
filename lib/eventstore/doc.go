// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventstore is the durable, content-addressed store for room
// events and the graph index built over them.
//
// Storage is SQLite (lib/sqlitepool): an append-only events table
// keyed by event ID, an edges table mirroring prev_events for
// child-of/parent-of queries, and a per-room forward-extremities
// table. Event bodies are stored as deterministic CBOR (lib/codec)
// records, compressed per row with the cheapest tag that actually
// shrinks the payload.
//
// Put is transactional and idempotent: re-inserting an already-stored
// event ID is a no-op success. A non-create event whose parents are
// not all stored fails with *MissingParentError and changes nothing —
// this is the backpressure point for out-of-order federation
// delivery. Within one transaction Put stores the event, records its
// parent edges, assigns depth (1 + max parent depth), removes its
// parents from the extremity set and adds the event itself. The
// extremity set therefore always equals the set of stored, accepted
// events with no stored children.
//
// Writes to a room are serialized by a per-room lock; reads run
// concurrently against already-committed rows. Events rejected by the
// auth checker can be kept for audit via Quarantine: they get a row
// with the rejected flag set but never edges or extremity entries, so
// nothing downstream ever orders or resolves them.
package eventstore
