// Copyright © 2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package onceguard enforces that at most one jobserver acquire is in
// flight at a time.
//
// The POSIX transport keeps one process-wide scratch file descriptor
// that a signal handler may close asynchronously (see pool_posix.go).
// That cell is only safe to touch from a single in-flight Acquire;
// Guard makes that an enforced invariant rather than an assumed one.
package onceguard

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Guard admits exactly one holder at a time and never blocks a second
// caller: TryAcquire either wins outright or reports false immediately,
// matching the non-blocking contract of Pool.Acquire.
type Guard struct {
	sem *semaphore.Weighted
}

// New returns a ready-to-use single-admission guard.
func New() *Guard {
	return &Guard{sem: semaphore.NewWeighted(1)}
}

// TryAcquire reports whether the caller won the single admission slot.
// On success, the caller must call Release when done.
func (g *Guard) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

// Release gives up the admission slot.
func (g *Guard) Release() {
	g.sem.Release(1)
}

// Acquire blocks until the admission slot is available or ctx is done.
// Unused by the non-blocking acquire path; used at transport teardown
// to wait out a racing in-flight acquire before tearing down state it
// depends on.
func (g *Guard) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}
