// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"sync"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/event"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// pendingRegistry holds events suspended on a missing parent. Parking
// is a cooperative wait, not a blocked goroutine: the event sits in
// the registry until the parent is stored (resume) or the expiry
// timer fires (reject). An event waits on one missing parent at a
// time; resumption re-runs the full parent check, which parks it
// again if another parent is still absent.
type pendingRegistry struct {
	mu       sync.Mutex
	byParent map[ref.EventID][]*pendingEvent
	byEvent  map[ref.EventID]*pendingEvent
}

type pendingEvent struct {
	event   *event.Event
	missing ref.EventID
	expiry  *clock.Timer
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{
		byParent: make(map[ref.EventID][]*pendingEvent),
		byEvent:  make(map[ref.EventID]*pendingEvent),
	}
}

// park suspends e until missing arrives. Returns false if e is
// already parked (idempotent re-submission while suspended).
func (r *pendingRegistry) park(e *event.Event, missing ref.EventID, expiry *clock.Timer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byEvent[e.EventID]; exists {
		if expiry != nil {
			expiry.Stop()
		}
		return false
	}
	parked := &pendingEvent{event: e, missing: missing, expiry: expiry}
	r.byEvent[e.EventID] = parked
	r.byParent[missing] = append(r.byParent[missing], parked)
	return true
}

// resume removes and returns every event waiting on the arrived
// parent, stopping their expiry timers.
func (r *pendingRegistry) resume(parent ref.EventID) []*event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.byParent[parent]
	if len(waiters) == 0 {
		return nil
	}
	delete(r.byParent, parent)
	events := make([]*event.Event, 0, len(waiters))
	for _, parked := range waiters {
		if parked.expiry != nil {
			parked.expiry.Stop()
		}
		delete(r.byEvent, parked.event.EventID)
		events = append(events, parked.event)
	}
	return events
}

// expire removes a single parked event by its own ID, for deadline
// handling. Returns nil if the event was already resumed.
func (r *pendingRegistry) expire(id ref.EventID) *pendingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	parked, ok := r.byEvent[id]
	if !ok {
		return nil
	}
	delete(r.byEvent, id)
	waiters := r.byParent[parked.missing]
	for i, candidate := range waiters {
		if candidate == parked {
			r.byParent[parked.missing] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.byParent[parked.missing]) == 0 {
		delete(r.byParent, parked.missing)
	}
	return parked
}

// isParked reports whether the event is currently suspended.
func (r *pendingRegistry) isParked(id ref.EventID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byEvent[id]
	return ok
}

// size returns the number of parked events.
func (r *pendingRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byEvent)
}
