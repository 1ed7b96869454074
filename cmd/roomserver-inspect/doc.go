// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// roomserver-inspect is the operator tool for examining a roomserver
// database offline: dump an event, a room's resolved state, its
// forward extremities, or a backfill page, and replay event fixture
// files through the full ingestion pipeline.
//
// Fixture files are JSONC (JSON with comments) holding an array of
// events in wire form. Replay runs every pipeline stage, including
// authorization, so a fixture is also a cheap way to check a captured
// event sequence against the auth rules.
package main
