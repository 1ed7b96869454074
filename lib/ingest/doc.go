// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingest is the single entry point through which events enter
// the engine, from local clients and from federation alike.
//
// Every event walks the same path: structural validation (shape,
// content hash, event ID, optionally origin signature), parent
// resolution, authorization against the resolved state at the parent
// frontier, durable persistence, graph indexing, and state cache
// maintenance. Failure at any stage is a *RejectionError carrying a
// stable code from the taxonomy in this package; success means the
// event is stored, indexed, and visible in its room's resolved state.
//
// Out-of-order delivery is the normal case in federation, not an
// error. When an event's parents are not stored locally the pipeline
// first asks the configured Fetcher for them (bounded attempts with
// clock-driven backoff). If a parent still cannot be obtained the
// event is parked in a pending registry keyed by the missing ID;
// arrival of that parent through any later Submit resumes the parked
// event without re-submission. Parked events expire after a deadline,
// rejecting the whole dependent chain as unresolvable.
//
// Ingestion is idempotent: re-submitting an already-accepted event ID
// is a no-op success, and re-submitting a quarantined one repeats the
// original rejection without re-running any checks.
package ingest
