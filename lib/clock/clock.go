// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time surface the roomserver consumes. Components that
// wait or schedule take a Clock field instead of calling the time
// package, so tests can drive them deterministically.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once, after d has
	// elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc arranges for f to be called once d has elapsed and
	// returns a Timer whose Stop cancels the call. A non-positive d
	// runs f before AfterFunc returns on the fake clock, and in a new
	// goroutine on the real one.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a handle on a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the pending call. It reports false when the call
// already ran or was already stopped; callers that share a Timer can
// use the result to learn who won.
func (t *Timer) Stop() bool { return t.stop() }
