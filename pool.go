// Copyright © 2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package jobserver

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Options configures pool creation: whether the user forced a local
// -j and wants the jobserver ignored, whether to log verbosely, and a
// cell to receive a parsed -lN load-average ceiling.
type Options struct {
	// IgnoreJobserver, when true, makes New return a nil pool even if
	// MAKEFLAGS advertises one, after logging a warning.
	IgnoreJobserver bool

	// Verbose enables an informational log line on successful setup.
	Verbose bool

	// MaxLoadAverage receives the parsed -lN value, if MAKEFLAGS
	// carries one and pool creation succeeds. Left untouched
	// otherwise.
	MaxLoadAverage *float64

	// Logger receives pool trace/info/warn output. Defaults to
	// logrus.StandardLogger() when nil.
	Logger logrus.FieldLogger
}

// Pool is a process-singleton accounting facade over a jobserver
// transport. Every exported method is safe to call only from the
// build scheduler's own goroutine; the Windows bridge goroutine
// spawned by IntegratedWait is the sole exception and never touches
// Pool fields directly.
type Pool struct {
	mu        sync.Mutex
	available int // tokens held but not assigned to a job; starts at 1 (implicit token)
	used      int // tokens assigned to running jobs

	transport transport
	logger    logrus.FieldLogger
}

// New parses MAKEFLAGS for a jobserver advertisement and, on success,
// opens the matching transport. It returns (nil, nil), not an error,
// whenever standalone mode is the correct outcome: no jobserver was
// advertised, the caller asked to ignore one that was, or the
// advertised transport could not be opened or validated. Only a
// logic error in Options or an unrecoverable OS failure while opening
// the transport is returned as a non-nil error.
func New(opts Options) (*Pool, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	makeflags, advertised := os.LookupEnv("MAKEFLAGS")
	if !advertised {
		return nil, nil
	}

	a, loadAvg, err := parseMakeflags(makeflags)
	if err != nil {
		logger.WithError(err).Debug("jobserver: ignoring malformed MAKEFLAGS")
		return nil, nil
	}
	if a.kind == authNone {
		return nil, nil
	}

	if opts.IgnoreJobserver {
		logger.Warn("-jN forced on command line; ignoring GNU make jobserver")
		return nil, nil
	}

	t, err := newTransport(a)
	if err != nil {
		logger.WithError(err).Debug("jobserver: could not open advertised jobserver transport")
		return nil, nil
	}

	if loadAvg != nil && opts.MaxLoadAverage != nil {
		*opts.MaxLoadAverage = *loadAvg
	}

	if opts.Verbose {
		logger.Info("using GNU make jobserver")
	}

	return &Pool{
		available: 1,
		transport: t,
		logger:    logger,
	}, nil
}

// Acquire makes one non-blocking attempt to make a token available for
// assignment. It returns true if the caller may now call Reserve; it
// never blocks longer than the transport's own bounded wait.
func (p *Pool) Acquire() bool {
	p.mu.Lock()
	if p.available > 0 {
		p.mu.Unlock()
		return true
	}
	p.mu.Unlock()

	ok, err := p.transport.acquire()
	if err != nil {
		p.logger.WithError(err).Debug("jobserver: acquire failed")
		return false
	}
	if !ok {
		return false
	}

	p.mu.Lock()
	p.available++
	p.mu.Unlock()
	p.logger.Debug("jobserver: acquired token from transport")
	return true
}

// Reserve commits one available token to a job about to start. The
// caller must have observed Acquire return true since the last
// Reserve call.
func (p *Pool) Reserve() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available < 1 {
		panic("jobserver: Reserve called without a prior successful Acquire")
	}
	p.available--
	p.used++
	p.logger.WithField("used", p.used).Trace("jobserver: reserved token")
}

// Release returns a token from a job that just finished. If more than
// the implicit token is now held, the surplus is written back to the
// transport.
func (p *Pool) Release() {
	p.mu.Lock()
	p.available++
	p.used--
	surplus := p.available > 1
	p.mu.Unlock()
	p.logger.WithField("used", p.used).Trace("jobserver: released token")

	if surplus {
		p.returnSurplus()
	}
}

// returnSurplus writes one token back to the transport. On success,
// available is decremented to match; on failure the accounting stays
// pessimistic and Clear will retry.
func (p *Pool) returnSurplus() {
	if err := p.transport.returnToken(); err != nil {
		p.logger.WithError(err).Debug("jobserver: return failed, will retry at Clear")
		return
	}
	p.mu.Lock()
	p.available--
	p.mu.Unlock()
}

// Clear drains the pool back to its initial state: every reserved
// token is released, and every available token beyond the implicit
// one is returned to the transport. It is idempotent (calling it
// again on an already-clear pool is a no-op) and must be the last
// operation performed before the pool is discarded.
func (p *Pool) Clear() {
	for {
		p.mu.Lock()
		used := p.used
		p.mu.Unlock()
		if used == 0 {
			break
		}
		p.Release()
	}
	for {
		p.mu.Lock()
		available := p.available
		p.mu.Unlock()
		if available <= 1 {
			break
		}
		p.returnSurplus()
	}
	if err := p.transport.close(); err != nil {
		p.logger.WithError(err).Debug("jobserver: transport close reported an error")
	}
}

// MonitorFD returns the file descriptor the external scheduler may add
// to its own select/poll set; when it becomes readable the scheduler
// should call Acquire again. It is only meaningful on POSIX; on
// platforms using the Win32 transport it returns -1.
func (p *Pool) MonitorFD() int {
	if m, ok := p.transport.(fdMonitor); ok {
		return m.monitorFD()
	}
	return -1
}
