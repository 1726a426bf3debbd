// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/irqbalanced/irqbalanced/internal/config"
	"github.com/irqbalanced/irqbalanced/internal/daemon"
	"github.com/irqbalanced/irqbalanced/internal/logging"
	"github.com/irqbalanced/irqbalanced/internal/metrics"
	"github.com/irqbalanced/irqbalanced/pkg/engine"
	"github.com/irqbalanced/irqbalanced/pkg/irq"
	"github.com/irqbalanced/irqbalanced/pkg/topology"
)

var (
	setupLog logr.Logger

	debugFlag      bool
	verboseFlag    bool
	pidfileFlag    string
	configFlag     string
	proximityFlag  string
	bannedFlag     string
	syslogFacility string
	metricsAddr    string
	oneShotFlag    bool
	htFlag         bool
)

func init() {
	flag.BoolVar(&debugFlag, "d", false, "debug mode: do not daemonise, use development log output")
	flag.BoolVar(&verboseFlag, "v", false, "verbose: raise log level to debug")
	flag.StringVar(&pidfileFlag, "p", "", "pidfile path")
	flag.StringVar(&configFlag, "c", "", "config file path")
	flag.StringVar(&proximityFlag, "x", "", "proximity override file path")
	flag.StringVar(&bannedFlag, "b", "", "banned-IRQ list file path")
	flag.StringVar(&syslogFacility, "O", "", "syslog facility to additionally log to when daemonised")
	flag.StringVar(&metricsAddr, "m", "", "Prometheus metrics bind address, e.g. :9100 (empty disables)")
	flag.BoolVar(&oneShotFlag, "1", false, "run exactly one tick then exit")
	flag.BoolVar(&htFlag, "ht", true, "legacy hyper-thread flag, accepted for compatibility but ignored; use the config file's ht key")
}

func main() {
	flag.Parse()

	procPath := getEnvOrDefault("IRQBALANCED_PROC_PATH", "/proc")
	sysPath := getEnvOrDefault("IRQBALANCED_SYS_PATH", "/sys")

	logger, err := logging.New(logging.Options{
		Verbose:   verboseFlag || debugFlag,
		Daemon:    !debugFlag,
		Facility:  syslogFacility,
		ProcessID: "irqbalanced",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "irqbalanced: failed to initialise logging: %v\n", err)
		os.Exit(1)
	}
	setupLog = logger.WithName("setup")

	flag.Visit(func(f *flag.Flag) {
		if f.Name == "ht" {
			setupLog.V(1).Info("-ht is accepted for compatibility but ignored; set ht in the config file instead")
		}
	})

	if !debugFlag {
		if err := daemon.Detach(); err != nil {
			setupLog.Error(err, "failed to daemonise")
			os.Exit(1)
		}
	}

	flags := &daemon.Flags{}
	stopSignals := daemon.WatchSignals(flags, logger)
	defer stopSignals()

	if err := daemon.WritePidfile(pidfileFlag); err != nil {
		setupLog.Error(err, "failed to write pidfile")
		os.Exit(1)
	}
	defer daemon.RemovePidfile(pidfileFlag)

	cfg := config.DefaultConfig()
	if configFlag != "" {
		cfg, err = config.Load(configFlag)
		if err != nil {
			setupLog.Error(err, "failed to load config")
			os.Exit(1)
		}
	}

	topo, err := scanTopologyWithRetry(context.Background(), sysPath, procPath, cfg.HT, logger)
	if err != nil {
		setupLog.Error(err, "failed to discover CPU/NUMA topology")
		os.Exit(1)
	}
	knownNUMAIDs := numaIDSet(topo)

	var proximity irq.ProximityOverrides
	if proximityFlag != "" {
		proximity, err = irq.ParseProximityFile(proximityFlag, knownNUMAIDs, logger)
		if err != nil {
			setupLog.Error(err, "failed to load proximity file")
			os.Exit(1)
		}
	}

	banned := irq.NewBannedSet()
	if bannedFlag != "" {
		banned, err = irq.LoadBannedFile(bannedFlag, logger)
		if err != nil {
			setupLog.Error(err, "failed to load banned-IRQ file")
			os.Exit(1)
		}
	}

	var promMetrics *metrics.Metrics
	if metricsAddr != "" {
		reg := metrics.NewRegistry()
		promMetrics = metrics.New(reg)
		go func() {
			if err := metrics.Serve(metricsAddr, reg); err != nil && err != http.ErrServerClosed {
				logger.Error(err, "metrics server stopped")
			}
		}()
	}

	eng, err := engine.New(engine.Options{
		Paths:     engine.Paths{ProcPath: procPath, SysPath: sysPath},
		Config:    cfg,
		Proximity: proximity,
		Banned:    banned,
		Logger:    logger,
		Metrics:   promMetrics,
		Topo:      topo,
	})
	if err != nil {
		setupLog.Error(err, "failed to start balancing engine")
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(&flags.Reconfig, logger, configFlag, proximityFlag, bannedFlag)
	if err != nil {
		logger.Info("failed to start config file watcher, falling back to SIGHUP-only reconfig", "error", err)
	} else {
		defer watcher.Close()
	}

	if oneShotFlag {
		if _, err := eng.Tick(); err != nil {
			setupLog.Error(err, "tick failed")
			os.Exit(1)
		}
		return
	}

	runLoop(eng, flags, knownNUMAIDs, logger)
}

// runLoop is spec §9's main loop: sample signal-set flags at the top of
// every iteration, act on them, then run exactly one tick and sleep for the
// interval it reports.
func runLoop(eng *engine.Engine, flags *daemon.Flags, knownNUMAIDs map[int]bool, logger logr.Logger) {
	for {
		if flags.Terminate.Load() {
			logger.Info("terminating")
			return
		}
		if flags.Reconfig.Load() {
			flags.Reconfig.Store(false)
			reload(eng, knownNUMAIDs, logger)
		}
		if flags.DumpStats.Load() {
			flags.DumpStats.Store(false)
			dumpStats(eng, logger)
		}

		sleep, err := eng.Tick()
		if err != nil {
			logger.Error(err, "tick failed, will retry after the long interval")
			sleep = time.Duration(eng.Config().LongInterval) * time.Second
		}
		time.Sleep(sleep)
	}
}

// reload re-reads the config, proximity, and banned-IRQ files named on the
// command line and swaps them into the engine. A failure here is logged and
// the prior config/proximity/banned set is retained, per spec §7's
// "non-fatal on reconfig" rule for ConfigError.
func reload(eng *engine.Engine, knownNUMAIDs map[int]bool, logger logr.Logger) {
	reloadLog := logger.WithName("reconfig")

	if configFlag != "" {
		cfg, err := config.Load(configFlag)
		if err != nil {
			reloadLog.Error(err, "failed to reload config, keeping prior config")
		} else {
			eng.SetConfig(cfg)
		}
	}
	if proximityFlag != "" {
		proximity, err := irq.ParseProximityFile(proximityFlag, knownNUMAIDs, logger)
		if err != nil {
			reloadLog.Error(err, "failed to reload proximity file, keeping prior overrides")
		} else {
			eng.SetProximity(proximity)
		}
	}
	if bannedFlag != "" {
		banned, err := irq.LoadBannedFile(bannedFlag, logger)
		if err != nil {
			reloadLog.Error(err, "failed to reload banned-IRQ file, keeping prior set")
		} else {
			eng.SetBanned(banned)
		}
	}
	reloadLog.Info("reconfig complete")
}

// dumpStats logs one line per known IRQ: affinity, owner, and smoothed
// weight, for diagnosing placement decisions without a restart under -v.
func dumpStats(eng *engine.Engine, logger logr.Logger) {
	reg := eng.Registry()
	nums := make([]uint, 0, len(reg.Irqs))
	for n := range reg.Irqs {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	statsLog := logger.WithName("stats")
	for _, n := range nums {
		i := reg.Irqs[n]
		owner, _ := i.Affinity.LowestSet()
		statsLog.Info("irq",
			"num", i.Num,
			"desc", i.RefinedDesc,
			"affinity", i.Affinity.Format(),
			"owner", owner,
			"weight", i.Weight,
			"excluded", i.Excluded,
		)
	}
}

// scanTopologyWithRetry bounds the initial topology discovery with
// exponential backoff: a freshly booted system's /sys or /proc tree can
// briefly be incomplete right after its pseudo-filesystems are mounted.
// Steady-state per-tick rescans (pkg/irq.Registry.Scan) never retry.
func scanTopologyWithRetry(ctx context.Context, sysPath, procPath string, ht bool, logger logr.Logger) (*topology.Topology, error) {
	return backoff.Retry(ctx, func() (*topology.Topology, error) {
		topo, err := topology.Scan(topology.Paths{SysPath: sysPath, ProcPath: procPath}, ht, logger)
		if err != nil {
			logger.Info("topology scan failed, retrying", "error", err)
			return nil, err
		}
		return topo, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
}

func numaIDSet(topo *topology.Topology) map[int]bool {
	ids := make(map[int]bool, len(topo.Numas))
	for id := range topo.Numas {
		ids[id] = true
	}
	return ids
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
