// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config loads the daemon's INI-style configuration file, filling
// in defaults for anything left unset, and watches the operator's files for
// changes. The proximity and banned-IRQ files are parsed by pkg/irq.
package config

import (
	"fmt"

	"gopkg.in/ini.v1"

	"github.com/irqbalanced/irqbalanced/internal/errs"
	"github.com/irqbalanced/irqbalanced/pkg/cpumask"
	"github.com/irqbalanced/irqbalanced/pkg/policy"
)

// Config is one immutable snapshot of the daemon's tunables, per spec §6.
// A reconfig produces a new value rather than mutating this one; the engine
// swaps it in at the top of the next tick.
type Config struct {
	Strategy      policy.Strategy
	Threshold     float64
	LoadLimit     float64
	ShortInterval int // seconds
	LongInterval  int // seconds
	ExcludeCpus   cpumask.Mask
	UseCpus       cpumask.Mask
	HT            bool
	NonLocalCpus  bool
}

// DefaultConfig returns the spec §6 defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:      policy.StrategyRnd,
		Threshold:     99.0,
		LoadLimit:     99.0,
		ShortInterval: 2,
		LongInterval:  5,
		ExcludeCpus:   cpumask.New(),
		UseCpus:       cpumask.Full(),
		HT:            true,
		NonLocalCpus:  false,
	}
}

// EffectiveExcludeCpus returns ExcludeCpus unioned with the complement of
// UseCpus, per spec §6 "Effective exclusion is exclude-cpus ∪ ¬use-cpus".
func (c Config) EffectiveExcludeCpus() cpumask.Mask {
	return c.ExcludeCpus.Or(c.UseCpus.Complement())
}

// Load reads an INI-style config file and applies defaults for every key
// left unset, the way the teacher's CollectionConfig.ApplyDefaults does:
// start from DefaultConfig(), then overwrite each field actually present in
// the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	f, err := ini.Load(path)
	if err != nil {
		return Config{}, errs.ConfigError(fmt.Sprintf("loading config file %s", path), err)
	}
	sec := f.Section("")

	if k, ok := getKey(sec, "strategy"); ok {
		switch policy.Strategy(k) {
		case policy.StrategyMin, policy.StrategyMax, policy.StrategyRnd:
			cfg.Strategy = policy.Strategy(k)
		default:
			return Config{}, errs.ConfigError(fmt.Sprintf("config %s: unknown strategy %q", path, k), nil)
		}
	}
	if v, ok, err := getFloat(path, sec, "threshold"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.Threshold = v
	}
	if v, ok, err := getFloat(path, sec, "load-limit"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.LoadLimit = v
	}
	if v, ok, err := getInt(path, sec, "short-interval"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.ShortInterval = v
	}
	if v, ok, err := getInt(path, sec, "long-interval"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.LongInterval = v
	}
	if v, ok, err := getMask(path, sec, "exclude-cpus"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.ExcludeCpus = v
	}
	if v, ok, err := getMask(path, sec, "use-cpus"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.UseCpus = v
	}
	if v, ok, err := getBool(path, sec, "ht"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.HT = v
	}
	if v, ok, err := getBool(path, sec, "non-local-cpus"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.NonLocalCpus = v
	}

	return cfg, nil
}

func getKey(sec *ini.Section, name string) (string, bool) {
	if !sec.HasKey(name) {
		return "", false
	}
	return sec.Key(name).String(), true
}

func getFloat(path string, sec *ini.Section, name string) (float64, bool, error) {
	raw, ok := getKey(sec, name)
	if !ok {
		return 0, false, nil
	}
	v, err := sec.Key(name).Float64()
	if err != nil {
		return 0, false, errs.ConfigError(fmt.Sprintf("config %s: %s=%q is not a number", path, name, raw), err)
	}
	return v, true, nil
}

func getInt(path string, sec *ini.Section, name string) (int, bool, error) {
	raw, ok := getKey(sec, name)
	if !ok {
		return 0, false, nil
	}
	v, err := sec.Key(name).Int()
	if err != nil || v <= 0 {
		return 0, false, errs.ConfigError(fmt.Sprintf("config %s: %s=%q is not a positive integer", path, name, raw), err)
	}
	return v, true, nil
}

func getBool(path string, sec *ini.Section, name string) (bool, bool, error) {
	raw, ok := getKey(sec, name)
	if !ok {
		return false, false, nil
	}
	v, err := sec.Key(name).Bool()
	if err != nil {
		return false, false, errs.ConfigError(fmt.Sprintf("config %s: %s=%q is not y/n", path, name, raw), err)
	}
	return v, true, nil
}

func getMask(path string, sec *ini.Section, name string) (cpumask.Mask, bool, error) {
	raw, ok := getKey(sec, name)
	if !ok {
		return cpumask.Mask{}, false, nil
	}
	m, err := cpumask.Parse(raw)
	if err != nil {
		return cpumask.Mask{}, false, errs.ConfigError(fmt.Sprintf("config %s: %s=%q is not a valid mask", path, name, raw), err)
	}
	return m, true, nil
}
