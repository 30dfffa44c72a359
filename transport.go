// Copyright © 2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package jobserver

// transport is the seam between the facade (Pool) and the two
// concrete OS transports (POSIX pipe, Win32 named semaphore). Exactly
// one concrete implementation is compiled in, selected by build tag:
// pool_posix.go for everything but windows, pool_windows.go for
// windows.
type transport interface {
	// acquire performs one non-blocking attempt to draw a token from
	// the transport. It never blocks for more than the transport's
	// own bounded wait (100ms on POSIX; 0 on Win32).
	acquire() (bool, error)

	// returnToken hands one token back to the transport. Errors other
	// than a retried interrupt leave the caller's accounting
	// pessimistic.
	returnToken() error

	// close tears down transport-owned resources (signal actions,
	// handles). It never closes descriptors inherited from the
	// parent and shared with sibling processes.
	close() error
}

// fdMonitor is implemented by the POSIX transport only. The facade's
// MonitorFD method type-asserts for it so that POSIX-only API surface
// doesn't leak a field into the cross-platform Pool struct.
type fdMonitor interface {
	monitorFD() int
}

// newTransport opens the concrete transport named by a. It is defined
// once per platform (pool_posix.go / pool_windows.go).
