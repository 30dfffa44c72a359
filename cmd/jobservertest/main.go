// Copyright © 2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Command jobservertest is a manual exerciser for the jobserver
// package: it acquires some number of tokens, optionally relays a
// sub-pool of them to a recursively spawned copy of itself acting as
// a child "make" target, and reports what it held at each step.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/stefanb2/ninja"
)

func main() {
	app := cli.NewApp()
	app.Name = "jobservertest"
	app.Usage = "exercise the jobserver client against a real or recursive GNU make jobserver"
	app.Flags = []cli.Flag{
		cli.UintFlag{Name: "tokens", Value: 1, Usage: "number of tokens to acquire"},
		cli.UintFlag{Name: "client", Value: 1, Usage: "tokens to request in the recursive child"},
		cli.UintFlag{Name: "serve", Value: 1, Usage: "tokens to relay to a recursive child"},
		cli.UintFlag{Name: "sleep", Value: 500, Usage: "milliseconds to sleep while holding tokens"},
		cli.BoolFlag{Name: "recurse", Usage: "spawn a recursive child and relay tokens to it"},
		cli.BoolFlag{Name: "verbose", Usage: "log jobserver setup and token traffic"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("jobservertest failed")
	}
}

func run(c *cli.Context) error {
	logger := logrus.StandardLogger()
	logger.WithField("args", os.Args).Debug("starting")

	var loadAvg float64
	pool, err := jobserver.New(jobserver.Options{
		Verbose:        c.Bool("verbose"),
		MaxLoadAverage: &loadAvg,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("jobserver.New: %w", err)
	}
	if pool == nil {
		logger.Info("no jobserver advertised; running standalone")
	} else {
		defer pool.Clear()
	}

	held := 0
	want := int(c.Uint("tokens"))
	for held < want {
		if pool == nil || pool.Acquire() {
			if pool != nil {
				pool.Reserve()
			}
			held++
			logger.WithField("held", held).Info("acquired token")
		}
	}

	var child *exec.Cmd
	if c.Bool("recurse") {
		var err error
		child, err = spawnChild(c)
		if err != nil {
			return err
		}
	}

	sleep := time.Duration(c.Uint("sleep")) * time.Millisecond
	time.Sleep(sleep)

	for held > 0 {
		if pool != nil {
			pool.Release()
		}
		held--
	}
	logger.Info("released all held tokens")

	if child != nil {
		if err := child.Wait(); err != nil {
			return fmt.Errorf("recursive child: %w", err)
		}
	}
	return nil
}

// spawnChild launches a recursive copy of this binary and advertises
// a fresh jobserver pipe to it via MAKEFLAGS, the same handshake a
// real recursive `make` invocation performs. It is local to the demo
// command: the jobserver package itself never creates a jobserver.
func spawnChild(c *cli.Context) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("os.Executable: %w", err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("os.Pipe: %w", err)
	}

	child := exec.Command(self,
		"-tokens", strconv.FormatUint(uint64(c.Uint("client")), 10),
		"-sleep", strconv.FormatUint(uint64(c.Uint("sleep")), 10))
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.ExtraFiles = []*os.File{r, w}
	fd := 3
	child.Env = append(os.Environ(),
		fmt.Sprintf("MAKEFLAGS=--jobserver-auth=%d,%d", fd, fd+1))

	serve := c.Uint("serve")
	if serve > 0 {
		buf := make([]byte, serve)
		for i := range buf {
			buf[i] = '+'
		}
		if _, err := w.Write(buf); err != nil {
			return nil, fmt.Errorf("relaying tokens to child: %w", err)
		}
	}

	if err := child.Start(); err != nil {
		return nil, fmt.Errorf("starting recursive child: %w", err)
	}
	return child, nil
}
