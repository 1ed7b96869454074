// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts the small slice of the time package the
// roomserver depends on: reading the current time, one-shot delay
// channels (After), and cancelable deferred calls (AfterFunc). The
// ingestion pipeline uses After for fetch backoff and AfterFunc for
// pending-event expiry; nothing here needs tickers or sleeps.
//
// Production code receives Real(); tests receive Fake(), whose time
// moves only under Advance. A test that must coordinate with a
// goroutine registering a timer calls WaitForTimers first:
//
//	clk := clock.Fake(time.Unix(0, 0))
//	go worker(clk)
//	clk.WaitForTimers(1)
//	clk.Advance(time.Second)
//
// which removes the registration/advance race without real sleeps.
package clock
