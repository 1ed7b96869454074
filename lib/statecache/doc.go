// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statecache memoizes resolved room state by graph frontier.
//
// A frontier — the sorted set of a room's forward-extremity event IDs
// — deterministically identifies a resolved state, so the cache key is
// a BLAKE3 hash over the sorted IDs. The cache holds no authoritative
// data: a miss or eviction only costs a recomputation through the
// resolver.
//
// Two guarantees matter to callers:
//
//   - Single flight: concurrent GetOrCompute calls for the same
//     frontier run the compute function exactly once; the rest wait
//     for the in-flight computation and share its result.
//   - Bounded size: entries are evicted least-recently-used beyond the
//     configured capacity.
//
// Cached snapshots are shared between callers and must be treated as
// immutable; clone before mutating.
package statecache
