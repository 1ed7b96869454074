// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// MalformedError reports an event that fails structural validation:
// missing required fields, a create event with parents, invalid
// content encoding. Malformed events are dropped before any graph or
// store interaction.
type MalformedError struct {
	// EventID is the declared ID, if the event got far enough to
	// declare one. May be zero.
	EventID ref.EventID

	// Detail names the failed check.
	Detail string
}

func (e *MalformedError) Error() string {
	if e.EventID.IsZero() {
		return fmt.Sprintf("malformed event: %s", e.Detail)
	}
	return fmt.Sprintf("malformed event %s: %s", e.EventID, e.Detail)
}

// IntegrityError reports an event whose declared identity does not
// match its content: a recomputed event ID or content hash that
// differs from the declared one, or a failed signature check. Like
// malformed events, these are dropped without store interaction.
type IntegrityError struct {
	EventID ref.EventID
	Detail  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on %s: %s", e.EventID, e.Detail)
}
