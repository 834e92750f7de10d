// Copyright 2018 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing holds helpers shared by the test suites.
package testing

import (
	"time"

	gc "gopkg.in/check.v1"
)

// ShortWait is a reasonable amount of time to block waiting for something that
// shouldn't actually happen. (as in, the test suite will *actually* wait this
// long before continuing)
const ShortWait = 50 * time.Millisecond

// LongWait is used when something should have already happened, or happens
// quickly, but we want to make sure we just haven't missed it. As in, the test
// suite should proceed without sleeping at all, but just in case. It is long
// so that we don't have spurious failures without actually slowing down the
// test suite
const LongWait = 10 * time.Second

// WaitUntil polls cond until it holds, failing the test after LongWait.
func WaitUntil(c *gc.C, description string, cond func() bool) {
	deadline := time.After(LongWait)
	for !cond() {
		select {
		case <-deadline:
			c.Fatalf("timed out waiting for %s", description)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Receive waits for a value on ch, failing the test after LongWait.
func Receive[T any](c *gc.C, ch <-chan T, description string) T {
	select {
	case v := <-ch:
		return v
	case <-time.After(LongWait):
		c.Fatalf("timed out waiting for %s", description)
	}
	panic("unreachable")
}

// NotReceived asserts that nothing arrives on ch within ShortWait.
func NotReceived[T any](c *gc.C, ch <-chan T, description string) {
	select {
	case v := <-ch:
		c.Fatalf("unexpected %s: %v", description, v)
	case <-time.After(ShortWait):
	}
}
