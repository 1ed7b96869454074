// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// MissingParentError reports that an event names a parent the store
// does not hold. The insert is rolled back entirely; the caller
// (ingestion) must fetch the parent and retry.
type MissingParentError struct {
	// Child is the event that could not be inserted.
	Child ref.EventID

	// Parent is the first missing prev_event.
	Parent ref.EventID
}

func (e *MissingParentError) Error() string {
	return fmt.Sprintf("missing parent %s for event %s", e.Parent, e.Child)
}

// DuplicateRootError reports an attempt to insert a parentless event
// into a room that already holds accepted history. A room has exactly
// one root; a second create for an established room is hostile input,
// not a retry.
type DuplicateRootError struct {
	// Room is the room that already has a root.
	Room ref.RoomID

	// EventID is the rejected would-be root.
	EventID ref.EventID
}

func (e *DuplicateRootError) Error() string {
	return fmt.Sprintf("event %s has no parents but room %s already has history", e.EventID, e.Room)
}
