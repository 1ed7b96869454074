// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Code classifies a rejection. Codes are stable strings: they cross
// the federation boundary in error responses and appear in logs.
type Code string

const (
	// CodeMalformedEvent: the event fails structural validation.
	// Permanent; the same bytes will never be accepted.
	CodeMalformedEvent Code = "MALFORMED_EVENT"

	// CodeIntegrityViolation: declared ID, content hash, or signature
	// does not match the event's bytes. Permanent, and worth alerting
	// on — it indicates a hostile or buggy peer.
	CodeIntegrityViolation Code = "INTEGRITY_VIOLATION"

	// CodeUnresolvable: a required parent could not be obtained
	// within the retry budget. Permanent for this submission; the
	// event may succeed later if resubmitted once the graph fills in.
	CodeUnresolvable Code = "UNRESOLVABLE"

	// CodeUnauthorized: the auth checker denied the event against the
	// resolved state at its parent frontier. Permanent; the event is
	// quarantined for audit and never indexed.
	CodeUnauthorized Code = "UNAUTHORIZED"

	// CodeIncompleteGraph: state resolution needed an event the store
	// does not hold. The computation was deferred, not answered
	// wrongly.
	CodeIncompleteGraph Code = "INCOMPLETE_GRAPH"
)

// RejectionError is the terminal failure outcome of ingestion.
type RejectionError struct {
	// Code is the taxonomy entry.
	Code Code

	// EventID identifies the rejected event, when known.
	EventID ref.EventID

	// Message is a human-readable elaboration.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

func (e *RejectionError) Error() string {
	if e.EventID.IsZero() {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: event %s: %s", e.Code, e.EventID, e.Message)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// IsPermanent reports whether resubmitting the identical event can
// ever succeed.
func (e *RejectionError) IsPermanent() bool {
	switch e.Code {
	case CodeMalformedEvent, CodeIntegrityViolation, CodeUnauthorized:
		return true
	}
	return false
}

// PendingError reports that an event was parked waiting for a missing
// parent. Not a rejection: the pipeline will resume the event when
// the parent arrives, or reject it when the wait expires.
type PendingError struct {
	// EventID is the parked event.
	EventID ref.EventID

	// Missing is the parent being waited for.
	Missing ref.EventID
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("event %s parked waiting for parent %s", e.EventID, e.Missing)
}
