// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package daemon provides the lifecycle boundary adapters spec.md §1 calls
// out as external collaborators: pidfile handling, daemonisation, and
// signal-driven control flags. None of this is the balancing engine itself.
package daemon

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/go-logr/logr"
)

// Flags are the atomic, signal-set control flags the tick loop samples at
// the top of every iteration, per spec §9 "Signals as control": signal
// handlers only ever set a flag, all real work happens in the loop.
type Flags struct {
	Terminate atomic.Bool
	Reconfig  atomic.Bool
	DumpStats atomic.Bool
}

// WatchSignals installs handlers translating SIGTERM/SIGINT to Terminate,
// SIGHUP to Reconfig, and SIGUSR1 to DumpStats (the stats-dump supplement).
// It returns a stop function that restores default signal behavior.
func WatchSignals(flags *Flags, logger logr.Logger) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				switch sig {
				case syscall.SIGTERM, syscall.SIGINT:
					logger.Info("received termination signal", "signal", sig)
					flags.Terminate.Store(true)
				case syscall.SIGHUP:
					logger.Info("received reconfig signal")
					flags.Reconfig.Store(true)
				case syscall.SIGUSR1:
					logger.Info("received stats-dump signal")
					flags.DumpStats.Store(true)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// WritePidfile writes the current process id to path, failing if a live
// process already holds it (stale pidfiles from a prior crash are
// overwritten). A ConfigError-class failure here is fatal at startup per
// spec §7.
func WritePidfile(path string) error {
	if path == "" {
		return nil
	}
	if raw, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(string(raw)); perr == nil && processAlive(pid) {
			return fmt.Errorf("pidfile %s: process %d already running", path, pid)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// RemovePidfile best-effort removes path on clean shutdown.
func RemovePidfile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 performs no-op existence/permission checking, the standard
	// Unix idiom for "is this pid alive".
	return proc.Signal(syscall.Signal(0)) == nil
}
