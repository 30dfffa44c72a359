// Copyright © 2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package jobserver is a GNU make jobserver client: it lets a build
// tool borrow and return concurrency tokens from a parent make
// process so that a recursive build tree never runs more jobs at once
// than the top-level make invocation was told to.
//
// A Pool is created once per build with New, fed into a scheduler
// loop via Acquire/Reserve/Release, and torn down with Clear.
package jobserver

import "errors"

// ErrBadMakeflags is returned when MAKEFLAGS advertises a jobserver
// but the advertised transport address is malformed.
var ErrBadMakeflags = errors.New("jobserver: malformed jobserver address in MAKEFLAGS")

// ErrNotRecursiveMake is returned when MAKEFLAGS names file descriptors
// that cannot be validated as the read/write ends of make's pipe.
var ErrNotRecursiveMake = errors.New("jobserver: jobserver fds are not open; is the recipe prefixed with '+'?")
