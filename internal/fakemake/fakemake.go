// Copyright © 2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package fakemake simulates the GNU make side of the jobserver
// protocol for tests: it owns the pipe, advertises it via MAKEFLAGS
// the way a real recursive make invocation would, and lets a test
// drive how many tokens are outstanding in the pipe at any moment.
//
// This stays under internal/, reachable only from _test.go files: the
// jobserver package is a client of an existing jobserver, never a
// server that creates one.
package fakemake

import (
	"fmt"
	"os"
	"time"
)

// Pipe is a minimal GNU make jobserver parent: an anonymous pipe whose
// read end is never consumed by this process (tests write to wfd to
// hand out tokens and read from rfd to observe returns).
type Pipe struct {
	r, w *os.File
}

// New creates the pipe backing a fake jobserver.
func New() (*Pipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("fakemake: os.Pipe: %w", err)
	}
	return &Pipe{r: r, w: w}, nil
}

// Auth returns the --jobserver-auth= MAKEFLAGS fragment for this pipe.
func (p *Pipe) Auth() string {
	return fmt.Sprintf("--jobserver-auth=%d,%d", p.r.Fd(), p.w.Fd())
}

// ReadFd and WriteFd expose the raw descriptor numbers, e.g. for
// MAKEFLAGS strings built with extra surrounding flags.
func (p *Pipe) ReadFd() int  { return int(p.r.Fd()) }
func (p *Pipe) WriteFd() int { return int(p.w.Fd()) }

// Offer writes n token bytes into the pipe, simulating make handing
// out n additional jobserver slots.
func (p *Pipe) Offer(n int) error {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = '+'
	}
	_, err := p.w.Write(buf)
	return err
}

// Outstanding reads back whatever tokens are currently sitting in the
// pipe (i.e. were returned by the client under test but not yet
// re-offered). It never blocks longer than a few milliseconds: tests
// use it only after the client side has settled.
func (p *Pipe) Outstanding() (int, error) {
	_ = p.r.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	buf := make([]byte, 64)
	n, err := p.r.Read(buf)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Close releases both ends of the pipe.
func (p *Pipe) Close() {
	p.r.Close()
	p.w.Close()
}
