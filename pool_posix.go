// Copyright © 2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

//go:build !windows

package jobserver

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stefanb2/ninja/internal/onceguard"
)

// acquireTimeout bounds how long a single Acquire may wait for a
// concurrently-racing sibling to either consume or not consume the
// token byte it peeked. ninja's tokenpool-gnu-make-posix.cc uses the
// same 100ms budget via setitimer(ITIMER_REAL, ...).
const acquireTimeout = 100 * time.Millisecond

// posixTransport implements transport over the anonymous pipe GNU
// make shares with every recursive child. rfd/wfd are inherited from
// the parent and must never be closed by this process: siblings in
// the build tree still read and write them.
type posixTransport struct {
	rfd, wfd int

	// scratchFD holds the dup'd descriptor an in-flight acquire() is
	// reading from, or -1 when no acquire is in flight. It exists so
	// SIGCHLD/SIGALRM handling can close the read side out from under
	// a blocked read without touching rfd itself. Invariant: written
	// only while the guard below is held, so at most one acquire (and
	// therefore at most one writer) is ever active at a time.
	scratchFD int32

	guard *onceguard.Guard // enforces single in-flight acquire()

	alarmCh   chan os.Signal // long-lived, installed once at open; SIGALRM fires on timeout
	alarmDone chan struct{}
	closeOnce sync.Once
}

func newTransport(a auth) (transport, error) {
	if a.kind != authPipe {
		return nil, fmt.Errorf("jobserver: %w: expected a pipe address, got a semaphore name", ErrBadMakeflags)
	}
	if !checkFD(a.rfd) || !checkFD(a.wfd) {
		return nil, ErrNotRecursiveMake
	}

	t := &posixTransport{
		rfd:       a.rfd,
		wfd:       a.wfd,
		scratchFD: -1,
		guard:     onceguard.New(),
		alarmCh:   make(chan os.Signal, 1),
		alarmDone: make(chan struct{}),
	}

	// Long-lived SIGALRM watcher: installed once at setup, restored
	// (stopped) at teardown, mirroring the saved/restored sigaction in
	// tokenpool-gnu-make-posix.cc.
	signal.Notify(t.alarmCh, unix.SIGALRM)
	go func() {
		for {
			select {
			case <-t.alarmCh:
				t.closeScratch()
			case <-t.alarmDone:
				return
			}
		}
	}()

	return t, nil
}

// armAcquireTimer starts the process-wide ITIMER_REAL so that SIGALRM
// fires after acquireTimeout if the in-flight read hasn't completed by
// then, mirroring setitimer(ITIMER_REAL, ...) in
// tokenpool-gnu-make-posix.cc. The long-lived watcher goroutine
// started in newTransport delivers the resulting signal to
// closeScratch.
func armAcquireTimer() error {
	it := unix.Itimerval{Value: unix.NsecToTimeval(acquireTimeout.Nanoseconds())}
	_, err := unix.Setitimer(unix.ITIMER_REAL, it)
	return err
}

// disarmAcquireTimer cancels a timer armed by armAcquireTimer once the
// read it was guarding has returned.
func disarmAcquireTimer() {
	unix.Setitimer(unix.ITIMER_REAL, unix.Itimerval{})
}

// checkFD validates a descriptor the way CheckFd does in
// tokenpool-gnu-make-posix.cc: fcntl(F_GETFD) must succeed.
func checkFD(fd int) bool {
	if fd < 0 {
		return false
	}
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

func (t *posixTransport) closeScratch() {
	fd := atomic.SwapInt32(&t.scratchFD, -1)
	if fd >= 0 {
		unix.Close(int(fd))
	}
}

// acquireRaceHook, when non-nil, runs after the readability peek and
// before the dup that follows it. Tests use it to inject a sibling
// read into that exact window instead of relying on scheduler timing
// to land in it.
var acquireRaceHook func()

// acquire implements the race-safe sequence from §4.2: peek, dup,
// arm a SIGCHLD handler and a 100ms timer, read, disarm. Any sibling
// process may steal the token byte between the peek and the read;
// every failure mode of that race reports "no token" rather than
// blocking.
func (t *posixTransport) acquire() (bool, error) {
	if !t.guard.TryAcquire() {
		// Another acquire is already in flight; the single-threaded
		// scheduling model says this shouldn't happen, but report
		// "no token" rather than corrupt scratchFD.
		return false, nil
	}
	defer t.guard.Release()

	if !pollReadable(t.rfd) {
		return false, nil
	}

	if acquireRaceHook != nil {
		// Test-only seam: runs synchronously in the exact window a
		// sibling process's own read of t.rfd would race us in, right
		// after the peek and before the dup that follows it. Nil in
		// production.
		acquireRaceHook()
	}

	dupFD, err := unix.Dup(t.rfd)
	if err != nil {
		return false, nil
	}
	atomic.StoreInt32(&t.scratchFD, int32(dupFD))
	defer t.closeScratch()

	sigchldCh := make(chan os.Signal, 1)
	signal.Notify(sigchldCh, unix.SIGCHLD)
	defer signal.Stop(sigchldCh)

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-sigchldCh:
			t.closeScratch()
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	if err := armAcquireTimer(); err != nil {
		return false, nil
	}
	defer disarmAcquireTimer()

	var buf [1]byte
	n, err := unix.Read(dupFD, buf[:])
	if n == 1 && err == nil {
		return true, nil
	}
	return false, nil
}

// pollReadable is the zero-timeout select() peek: it reports whether
// a read on fd would currently succeed without blocking.
func pollReadable(fd int) bool {
	rfds := &unix.FdSet{}
	fdSetBit(rfds, fd)
	tv := unix.Timeval{}
	n, err := unix.Select(fd+1, rfds, nil, nil, &tv)
	return err == nil && n > 0
}

// fdSetBit sets fd's bit in an unix.FdSet. x/sys/unix does not export
// the FD_SET macro; on Linux, Bits is [16]int64 (NFDBITS == 64), one
// bit per descriptor within each 64-bit word.
func fdSetBit(set *unix.FdSet, fd int) {
	const wordBits = 64
	set.Bits[fd/wordBits] |= int64(1) << (uint(fd) % wordBits)
}

// writeToken is a seam over unix.Write so tests can simulate a
// write(2) interrupted by a signal (EINTR) without needing to land a
// real signal mid-syscall.
var writeToken = unix.Write

func (t *posixTransport) returnToken() error {
	buf := [1]byte{'+'}
	for {
		n, err := writeToken(t.wfd, buf[:])
		if n > 0 {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func (t *posixTransport) monitorFD() int {
	return t.rfd
}

// close restores the long-lived SIGALRM watcher: the signal action
// slot is process-wide, so the pool restores it at teardown rather
// than leaving it installed. rfd and wfd are deliberately left open:
// they are shared with every sibling in the build tree.
func (t *posixTransport) close() error {
	t.closeOnce.Do(func() {
		// Wait out any acquire() racing this teardown rather than
		// closing scratchFD state out from under it; acquire() itself
		// is bounded by acquireTimeout, so this never blocks long.
		if err := t.guard.Acquire(context.Background()); err == nil {
			defer t.guard.Release()
		}
		signal.Stop(t.alarmCh)
		close(t.alarmDone)
		t.closeScratch()
	})
	return nil
}
