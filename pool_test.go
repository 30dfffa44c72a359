// Copyright © 2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package jobserver

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a transport test double backed by an in-memory
// token count instead of a real pipe or semaphore, so the facade's
// accounting invariants can be exercised without any OS dependency.
type fakeTransport struct {
	tokens      int
	returnErr   error
	acquireErr  error
	closed      bool
	returnCalls int
}

func (f *fakeTransport) acquire() (bool, error) {
	if f.acquireErr != nil {
		return false, f.acquireErr
	}
	if f.tokens > 0 {
		f.tokens--
		return true, nil
	}
	return false, nil
}

func (f *fakeTransport) returnToken() error {
	f.returnCalls++
	if f.returnErr != nil {
		return f.returnErr
	}
	f.tokens++
	return nil
}

func (f *fakeTransport) close() error {
	f.closed = true
	return nil
}

func newTestPool(ft *fakeTransport) *Pool {
	return &Pool{available: 1, transport: ft, logger: logrus.StandardLogger()}
}

func TestAcquireReserveReleaseConservation(t *testing.T) {
	ft := &fakeTransport{tokens: 2}
	p := newTestPool(ft)

	assert.True(t, p.Acquire()) // implicit
	p.Reserve()
	assert.True(t, p.Acquire()) // drawn from transport
	p.Reserve()
	assert.True(t, p.Acquire())
	p.Reserve()
	assert.False(t, p.Acquire()) // transport now dry

	p.Release()
	p.Release()
	p.Release()

	p.Clear()
	assert.Equal(t, 1, p.available)
	assert.Equal(t, 0, p.used)
}

func TestAvailableAndUsedNeverNegative(t *testing.T) {
	ft := &fakeTransport{tokens: 5}
	p := newTestPool(ft)

	for i := 0; i < 5; i++ {
		require.True(t, p.Acquire())
		p.Reserve()
	}
	for i := 0; i < 5; i++ {
		p.Release()
	}
	p.Clear()

	assert.GreaterOrEqual(t, p.available, 0)
	assert.GreaterOrEqual(t, p.used, 0)
	assert.GreaterOrEqual(t, p.available+p.used, 1)
}

func TestReserveWithoutAcquirePanics(t *testing.T) {
	p := newTestPool(&fakeTransport{})
	assert.Panics(t, func() { p.Reserve() })
}

func TestClearIsIdempotentFake(t *testing.T) {
	ft := &fakeTransport{tokens: 3}
	p := newTestPool(ft)

	require.True(t, p.Acquire())
	p.Reserve()
	require.True(t, p.Acquire())
	p.Reserve()

	p.Clear()
	p.Clear()

	assert.Equal(t, 1, p.available)
	assert.Equal(t, 0, p.used)
}

func TestReturnFailureStaysPessimisticUntilClear(t *testing.T) {
	ft := &fakeTransport{tokens: 1, returnErr: errors.New("transient write failure")}
	p := newTestPool(ft)

	require.True(t, p.Acquire())
	p.Reserve()
	require.True(t, p.Acquire())
	p.Reserve()

	p.Release() // available 1, used 1 -> no surplus yet
	p.Release() // available 2, used 0 -> surplus, returnToken fails

	assert.Equal(t, 2, p.available) // unchanged: the write failed
	assert.Equal(t, 1, ft.returnCalls)

	ft.returnErr = nil
	p.Clear()

	assert.Equal(t, 1, p.available)
	assert.Equal(t, 0, p.used)
	assert.True(t, ft.closed)
}

func TestMonitorFDIsMinusOneWithoutPosixTransport(t *testing.T) {
	p := newTestPool(&fakeTransport{})
	assert.Equal(t, -1, p.MonitorFD())
}
