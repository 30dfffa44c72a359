// Copyright © 2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

//go:build windows

package jobserver

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/windows"
)

// bridgePollInterval bounds how long the IntegratedWait bridge
// goroutine may wait on the token semaphore before checking whether
// the main wait has already been satisfied by a subprocess event.
// ninja's C++ bridge thread instead performs a genuinely alertable
// wait and is woken by a queued APC; Go has no alertable-wait
// primitive, so a bounded poll is the idiomatic substitute.
const bridgePollInterval = 50 * time.Millisecond

// win32Fatal aborts the process on a kernel-level Win32 failure that
// leaves IntegratedWait's handles in an undefined state, mirroring
// Win32Fatal in tokenpool-gnu-make-win32.cc and this package's own
// panic(err) convention for unrecoverable I/O failures.
func win32Fatal(op string, err error) {
	panic(fmt.Errorf("jobserver: %s: %w", op, err))
}

// windowsTransport implements transport over a named semaphore GNU
// make creates and advertises as "gmake_semaphore_<digits>" in
// MAKEFLAGS. One unit of the semaphore's count is one token.
type windowsTransport struct {
	semaphore windows.Handle
	closeOnce sync.Once
}

func newTransport(a auth) (transport, error) {
	if a.kind != authSemaphore {
		return nil, fmt.Errorf("jobserver: %w: expected a semaphore name, got a pipe address", ErrBadMakeflags)
	}
	namePtr, err := windows.UTF16PtrFromString(a.name)
	if err != nil {
		return nil, fmt.Errorf("jobserver: invalid semaphore name %q: %w", a.name, err)
	}
	h, err := windows.OpenSemaphore(windows.SEMAPHORE_ALL_ACCESS, false, namePtr)
	if err != nil {
		return nil, ErrNotRecursiveMake
	}
	return &windowsTransport{semaphore: h}, nil
}

func (t *windowsTransport) acquire() (bool, error) {
	ev, err := windows.WaitForSingleObject(t.semaphore, 0)
	if err != nil {
		return false, err
	}
	return ev == windows.WAIT_OBJECT_0, nil
}

func (t *windowsTransport) returnToken() error {
	return windows.ReleaseSemaphore(t.semaphore, 1, nil)
}

func (t *windowsTransport) close() error {
	var err error
	t.closeOnce.Do(func() {
		err = windows.CloseHandle(t.semaphore)
	})
	return err
}

// IntegratedWait blocks until either a subprocess event arrives on
// port or a jobserver token becomes available, whichever comes first.
// It returns true iff the wake was a token (the completion key came
// back equal to the pool's own address), matching ninja's
// IOCPWithToken semantics.
//
// A completion port is not itself a waitable object, so a
// single-threaded wait over "port or semaphore" is not directly
// expressible. A short-lived bridge goroutine instead polls the
// semaphore and, on finding a token, re-releases it (so the next
// Acquire still finds it) and posts a zero-byte completion keyed by
// the pool's own address; the main goroutine's single
// GetQueuedCompletionStatus call then covers both subprocess I/O and
// token availability. A failure in any of the four kernel calls below
// leaves the semaphore or completion port in a state the caller
// cannot safely retry against, so each aborts the process via
// win32Fatal instead of returning a recoverable error; only
// GetQueuedCompletionStatus's ERROR_BROKEN_PIPE (the port's own handle
// was closed out from under the wait) is treated as non-fatal.
func (p *Pool) IntegratedWait(port windows.Handle, key *uintptr) (bool, error) {
	t, ok := p.transport.(*windowsTransport)
	if !ok {
		return false, fmt.Errorf("jobserver: IntegratedWait requires the Win32 semaphore transport")
	}

	selfKey := uintptr(unsafe.Pointer(p))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			ev, err := windows.WaitForSingleObject(t.semaphore, uint32(bridgePollInterval/time.Millisecond))
			if err != nil {
				win32Fatal("WaitForSingleObject/token", err)
			}
			if ev != windows.WAIT_OBJECT_0 {
				continue // timeout; poll again or notice cancellation
			}

			if err := windows.ReleaseSemaphore(t.semaphore, 1, nil); err != nil {
				win32Fatal("ReleaseSemaphore/token", err)
			}
			if err := windows.PostQueuedCompletionStatus(port, 0, selfKey, nil); err != nil {
				win32Fatal("PostQueuedCompletionStatus", err)
			}
			return nil
		}
	})

	var bytes uint32
	var overlapped *windows.Overlapped
	var gotKey uintptr
	err := windows.GetQueuedCompletionStatus(port, &bytes, &gotKey, &overlapped, windows.INFINITE)
	cancel()
	if err != nil && err != windows.ERROR_BROKEN_PIPE {
		win32Fatal("GetQueuedCompletionStatus", err)
	}

	// The bridge goroutine itself never returns a non-nil error (its
	// own kernel-call failures go through win32Fatal above); Wait()
	// here only blocks until it has observed ctx.Done() and exited.
	_ = g.Wait()

	*key = gotKey
	return gotKey == selfKey, nil
}
