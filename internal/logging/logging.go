// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package logging wires the daemon's logr.Logger façade onto zap, the same
// pairing the teacher's cmd/main.go uses (zapr.NewLogger over a zap core),
// with an optional syslog sink for daemonised runs.
package logging

import (
	"log/syslog"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger construction.
type Options struct {
	Verbose   bool   // -v: debug-level logging, development encoder
	Daemon    bool   // -d: whether the process daemonised (controls syslog attach)
	Facility  string // -O: syslog facility name, empty disables the syslog sink
	ProcessID string // prefixed onto syslog records
}

// New builds the daemon's logr.Logger: a development encoder at debug level
// when Verbose is set, production/info level otherwise, matching the
// teacher's verbose/non-verbose branch in runCollectorTest. When Daemon and
// Facility are both set, a second core writes the same records to syslog.
func New(opts Options) (logr.Logger, error) {
	var zapCfg zap.Config
	if opts.Verbose {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	base, err := zapCfg.Build()
	if err != nil {
		return logr.Logger{}, err
	}

	if opts.Daemon && opts.Facility != "" {
		sink, err := newSyslogCore(opts, zapCfg.Level)
		if err == nil {
			base = base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
				return zapcore.NewTee(core, sink)
			}))
		} else {
			base.Warn("failed to attach syslog sink, continuing with primary log only", zap.Error(err))
		}
	}

	return zapr.NewLogger(base), nil
}

// newSyslogCore opens a log/syslog writer for Facility and wraps it as a
// zapcore.Core. log/syslog is the one bare-stdlib boundary adapter in this
// daemon: no pack repo wraps syslog with a third-party client, and syslog is
// itself the kernel-facing adapter the original daemon shells out to.
func newSyslogCore(opts Options, level zap.AtomicLevel) (zapcore.Core, error) {
	priority, err := facilityPriority(opts.Facility)
	if err != nil {
		return nil, err
	}
	w, err := syslog.New(priority|syslog.LOG_INFO, opts.ProcessID)
	if err != nil {
		return nil, err
	}
	encoder := zapcore.NewConsoleEncoder(zap.NewProductionEncoderConfig())
	return zapcore.NewCore(encoder, zapcore.AddSync(w), level), nil
}

func facilityPriority(name string) (syslog.Priority, error) {
	facilities := map[string]syslog.Priority{
		"daemon": syslog.LOG_DAEMON,
		"local0": syslog.LOG_LOCAL0,
		"local1": syslog.LOG_LOCAL1,
		"local2": syslog.LOG_LOCAL2,
		"local3": syslog.LOG_LOCAL3,
		"local4": syslog.LOG_LOCAL4,
		"local5": syslog.LOG_LOCAL5,
		"local6": syslog.LOG_LOCAL6,
		"local7": syslog.LOG_LOCAL7,
		"user":   syslog.LOG_USER,
	}
	if p, ok := facilities[name]; ok {
		return p, nil
	}
	return 0, &unknownFacilityError{name: name}
}

type unknownFacilityError struct{ name string }

func (e *unknownFacilityError) Error() string {
	return "unknown syslog facility: " + e.name
}
