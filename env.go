// Copyright © 2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package jobserver

import (
	"strconv"
	"strings"
)

// authKind identifies which transport a parsed jobserver address names.
type authKind int

const (
	authNone authKind = iota
	authPipe
	authSemaphore
)

// auth is the parsed result of scanning MAKEFLAGS for a jobserver
// address: either a POSIX pipe's read/write file descriptors or a
// Win32 named semaphore.
type auth struct {
	kind authKind
	rfd  int
	wfd  int
	name string
}

// parseMakeflags scans a MAKEFLAGS value for a jobserver address and
// an optional load-average limit. It returns the zero auth (kind ==
// authNone) when no jobserver is advertised at all; it returns
// ErrBadMakeflags when an address was found but could not be parsed.
//
// GNU make >= 4.2 uses --jobserver-auth=, which may carry either
// "R,W" (pipe) or "gmake_semaphore_NAME" (Win32). GNU make <= 4.1 uses
// the older --jobserver-fds=R,W, which is always a pipe. --jobserver-auth=
// always wins when both are present in the same MAKEFLAGS string,
// regardless of which comes first positionally: it is the flag
// describing the live transport, with --jobserver-fds= kept around
// by make only for compatibility with pre-4.2 recursive invocations.
func parseMakeflags(makeflags string) (a auth, loadAvg *float64, err error) {
	fields := strings.Fields(makeflags)

	for _, field := range fields {
		if v, ok := strings.CutPrefix(field, "--jobserver-auth="); ok {
			if a, err = parseAuthValue(v); err != nil {
				return auth{}, nil, err
			}
			break
		}
	}
	if a.kind == authNone {
		for _, field := range fields {
			if v, ok := strings.CutPrefix(field, "--jobserver-fds="); ok {
				if a, err = parsePipeAuth(v); err != nil {
					return auth{}, nil, err
				}
				break
			}
		}
	}

	for _, field := range fields {
		if loadAvg != nil {
			break
		}
		if strings.HasPrefix(field, "-l") && len(field) > 2 {
			if n, err := strconv.Atoi(field[2:]); err == nil && n > 0 {
				f := float64(n)
				loadAvg = &f
			}
		}
	}

	return a, loadAvg, nil
}

// parseAuthValue dispatches --jobserver-auth= on its value: digits on
// both sides of a comma mean a pipe; anything else is taken as a
// semaphore name (Win32's "gmake_semaphore_<digits>" convention, kept
// generic since the name format is make's to change).
func parseAuthValue(value string) (auth, error) {
	if r, w, ok := splitPipeFds(value); ok {
		return auth{kind: authPipe, rfd: r, wfd: w}, nil
	}
	if value == "" {
		return auth{}, ErrBadMakeflags
	}
	return auth{kind: authSemaphore, name: value}, nil
}

func parsePipeAuth(value string) (auth, error) {
	r, w, ok := splitPipeFds(value)
	if !ok {
		return auth{}, ErrBadMakeflags
	}
	return auth{kind: authPipe, rfd: r, wfd: w}, nil
}

// splitPipeFds parses "R,W" where both sides are non-negative
// integers. It reports ok == false (not an error) for anything that
// doesn't look like a pipe address, so callers can fall back to
// treating the value as a semaphore name.
func splitPipeFds(value string) (r, w int, ok bool) {
	parts := strings.SplitN(value, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	r, err := strconv.Atoi(parts[0])
	if err != nil || r < 0 {
		return 0, 0, false
	}
	w, err = strconv.Atoi(parts[1])
	if err != nil || w < 0 {
		return 0, 0, false
	}
	return r, w, true
}
