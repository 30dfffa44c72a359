// Copyright © 2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package jobserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMakeflagsNoJobserver(t *testing.T) {
	a, loadAvg, err := parseMakeflags("-j8")
	require.NoError(t, err)
	assert.Equal(t, authNone, a.kind)
	assert.Nil(t, loadAvg)
}

func TestParseMakeflagsPipeAuth(t *testing.T) {
	a, loadAvg, err := parseMakeflags("foo --jobserver-auth=3,4 bar")
	require.NoError(t, err)
	assert.Equal(t, authPipe, a.kind)
	assert.Equal(t, 3, a.rfd)
	assert.Equal(t, 4, a.wfd)
	assert.Nil(t, loadAvg)
}

func TestParseMakeflagsLegacyFds(t *testing.T) {
	a, _, err := parseMakeflags("--jobserver-fds=5,6")
	require.NoError(t, err)
	assert.Equal(t, authPipe, a.kind)
	assert.Equal(t, 5, a.rfd)
	assert.Equal(t, 6, a.wfd)
}

func TestParseMakeflagsSemaphoreAuth(t *testing.T) {
	a, _, err := parseMakeflags("--jobserver-auth=gmake_semaphore_42abc")
	require.NoError(t, err)
	assert.Equal(t, authSemaphore, a.kind)
	assert.Equal(t, "gmake_semaphore_42abc", a.name)
}

func TestParseMakeflagsFirstMatchWins(t *testing.T) {
	a, _, err := parseMakeflags("--jobserver-auth=3,4 --jobserver-auth=7,8")
	require.NoError(t, err)
	assert.Equal(t, 3, a.rfd)
	assert.Equal(t, 4, a.wfd)
}

func TestParseMakeflagsAuthWinsOverFdsRegardlessOfPosition(t *testing.T) {
	a, _, err := parseMakeflags("--jobserver-fds=5,6 --jobserver-auth=3,4")
	require.NoError(t, err)
	assert.Equal(t, authPipe, a.kind)
	assert.Equal(t, 3, a.rfd)
	assert.Equal(t, 4, a.wfd)
}

func TestParseMakeflagsLoadAverage(t *testing.T) {
	_, loadAvg, err := parseMakeflags("--jobserver-auth=3,4 -l7")
	require.NoError(t, err)
	require.NotNil(t, loadAvg)
	assert.Equal(t, 7.0, *loadAvg)
}

func TestParseMakeflagsLoadAverageIgnoresNonPositive(t *testing.T) {
	_, loadAvg, err := parseMakeflags("--jobserver-auth=3,4 -l0 -l-3")
	require.NoError(t, err)
	assert.Nil(t, loadAvg)
}

func TestParseMakeflagsMalformedAuth(t *testing.T) {
	_, _, err := parseMakeflags("--jobserver-auth=")
	assert.ErrorIs(t, err, ErrBadMakeflags)
}

func TestParseMakeflagsMalformedLegacyFds(t *testing.T) {
	_, _, err := parseMakeflags("--jobserver-fds=notanumber,4")
	assert.ErrorIs(t, err, ErrBadMakeflags)
}
