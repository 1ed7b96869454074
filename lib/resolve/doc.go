// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package resolve implements deterministic state resolution: collapsing
// divergent state snapshots from concurrent room branches into one
// canonical snapshot.
//
// The algorithm:
//
//  1. Partition state slots into unconflicted (every input snapshot
//     holds the same event) and conflicted (any disagreement,
//     including absence). Unconflicted slots pass through unchanged.
//  2. When nothing conflicts, return the unconflicted state directly —
//     the fast path, and the overwhelmingly common case.
//  3. Otherwise build the auth difference: the union of the conflicted
//     events' auth chains minus the auth events every input snapshot
//     already agrees on. The difference plus the conflicted events form
//     the candidate set.
//  4. Sort the candidates power-first: descending sender power level,
//     then ascending origin_server_ts, then ascending event ID.
//     Power-level events are ordered and replayed before the events
//     they gate, so each candidate's sender level reflects resolved
//     power.
//  5. Replay the candidates through the auth checker against the state
//     accumulated from the unconflicted base. Events that pass occupy
//     their slot; events that fail are dropped from the resolved state
//     (they remain in the graph).
//
// The ordering in step 4 is an interoperability contract: every server
// in a room must sort identically or their resolved states diverge
// permanently. Do not reorder the tiebreaks.
//
// Resolution never guesses: if a candidate's auth chain references an
// event the local store does not hold, Resolve fails with
// *IncompleteGraphError and the caller defers the dependent work until
// the graph is filled in.
package resolve
