// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine assembles the roomserver: event store, state cache,
// resolver, and ingestion pipeline wired together behind one handle.
//
// Collaborating modules (federation transport, client API, sync)
// interact with rooms exclusively through this package: Submit to
// ingest an event, ResolvedState / Event / ForwardExtremities /
// EventsInRoom to read. The engine owns the database and must be
// closed when the process shuts down.
package engine
