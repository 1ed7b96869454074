// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for roomserver
// packages.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so individual tests carry no raw time.After calls. These
// helpers are the only place the test suite touches the wall clock;
// time-dependent behavior runs against lib/clock's fake.
//
// [DBDir] creates a short-pathed temporary directory for SQLite
// database files, removed when the test completes.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no roomserver-internal dependencies.
package testutil
