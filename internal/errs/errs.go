// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package errs provides the error kinds the balancing engine distinguishes
// between, per the daemon's error handling design: ConfigError and
// TopologyError are fatal at startup but non-fatal on refresh, IoTransient
// is always non-fatal and scoped to a single IRQ or CPU, and InvalidMask
// surfaces as a ConfigError at load time or is logged and dropped otherwise.
package errs

import (
	stdliberrors "errors"
	"fmt"
)

var (
	Is     = stdliberrors.Is
	As     = stdliberrors.As
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// RetryableError marks an error as safe to retry with backoff. The bounded
// startup topology scan retries on any error and does not consult this
// marker; steady-state tick failures are never retried, the next tick is
// the retry.
type RetryableError interface {
	error
	Retryable()
}

// Kinded is implemented by every error kind defined in this package so
// call sites can branch on category without string matching.
type Kinded interface {
	error
	Kind() string
}

type kindedError struct {
	kind string
	msg  string
	err  error
}

func (e *kindedError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *kindedError) Unwrap() error { return e.err }
func (e *kindedError) Kind() string  { return e.kind }

// ConfigError wraps malformed CLI, config, or proximity-file input.
// Fatal at startup; on reconfig the previous config is retained and this
// is only logged.
func ConfigError(msg string, cause error) error {
	return &kindedError{kind: "ConfigError", msg: msg, err: cause}
}

// TopologyError wraps an unreadable /sys or /proc topology file. Fatal at
// startup; logged and the prior topology retained on a later refresh.
func TopologyError(msg string, cause error) error {
	return &kindedError{kind: "TopologyError", msg: msg, err: cause}
}

// ioTransientError is IoTransient's concrete type; it implements
// RetryableError, while steady-state tick code simply logs and skips the
// affected IRQ or CPU.
type ioTransientError struct {
	kindedError
}

func (e *ioTransientError) Retryable() {}

// IoTransient wraps a per-IRQ read or write failure during a tick (kernel
// refusal, EIO, a hot-removed IRQ). The single IRQ is skipped this tick;
// the daemon continues.
func IoTransient(msg string, cause error) error {
	return &ioTransientError{kindedError{kind: "IoTransient", msg: msg, err: cause}}
}

// InvalidMask wraps a malformed CpuMask string. Surfaced as a ConfigError
// at config-load time, logged and dropped at scan time.
func InvalidMask(msg string, cause error) error {
	return &kindedError{kind: "InvalidMask", msg: msg, err: cause}
}

// KindOf returns the Kind() of err if it (or something it wraps) implements
// Kinded, otherwise the empty string.
func KindOf(err error) string {
	var k Kinded
	if As(err, &k) {
		return k.Kind()
	}
	return ""
}
