// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"time"
)

// failer is the slice of *testing.T these helpers need. Taking the
// interface keeps them usable from helpers that wrap testing.T.
type failer interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch, failing the test if nothing
// arrives within timeout or the channel closes without a value. The
// timeout is a hang guard only; a passing test never waits on it.
//
//	result := testutil.RequireReceive(t, done, 5*time.Second, "pipeline result")
func RequireReceive[T any](t failer, ch <-chan T, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without a value: %s", message(msgAndArgs))
		}
		return v
	case <-time.After(timeout): //nolint:realclock hang guard
		t.Fatalf("nothing received within %v: %s", timeout, message(msgAndArgs))
	}
	panic("unreachable")
}

// RequireClosed waits for ch to close (or deliver), failing the test
// after timeout. For readiness channels that signal by closing.
//
//	testutil.RequireClosed(t, started, time.Second, "computation started")
func RequireClosed(t failer, ch <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout): //nolint:realclock hang guard
		t.Fatalf("channel still open after %v: %s", timeout, message(msgAndArgs))
	}
}

// message renders the optional trailing arguments: a plain string, or
// a format string with arguments.
func message(msgAndArgs []any) string {
	switch len(msgAndArgs) {
	case 0:
		return "(no message)"
	case 1:
		return fmt.Sprintf("%v", msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprintf("%v", msgAndArgs)
}
