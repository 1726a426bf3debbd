// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package engine owns the balancing daemon's global mutable state — topology,
// IRQ registry, and config snapshot — and drives the tick loop, per spec §9
// ("Global mutable state": model the source's process-wide handles as a
// single value owning everything, reconfig swaps the config atomically at a
// tick boundary).
package engine

import (
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/irqbalanced/irqbalanced/internal/config"
	"github.com/irqbalanced/irqbalanced/internal/metrics"
	"github.com/irqbalanced/irqbalanced/pkg/affinity"
	"github.com/irqbalanced/irqbalanced/pkg/irq"
	"github.com/irqbalanced/irqbalanced/pkg/policy"
	"github.com/irqbalanced/irqbalanced/pkg/sampler"
	"github.com/irqbalanced/irqbalanced/pkg/topology"
)

// Paths is where the engine reads/writes kernel pseudo-files, overridable
// for tests the same way pkg/topology.Paths is.
type Paths struct {
	ProcPath string
	SysPath  string
}

// Options constructs an Engine.
type Options struct {
	Paths     Paths
	Config    config.Config
	Proximity irq.ProximityOverrides
	Banned    irq.BannedSet
	Logger    logr.Logger
	Metrics   *metrics.Metrics    // nil disables metric recording
	Topo      *topology.Topology // pre-scanned topology; nil makes New scan it itself
}

// Engine is the single value that owns the balancing daemon's state across
// ticks: topology, IRQ registry, config snapshot, and cumulative counters.
type Engine struct {
	paths     Paths
	cfg       config.Config
	proximity irq.ProximityOverrides
	banned    irq.BannedSet
	logger    logr.Logger
	metrics   *metrics.Metrics

	topo     *topology.Topology
	registry *irq.Registry
	sampler  *sampler.Sampler
	writer   *affinity.Writer

	MovesTotal int
}

// New scans topology once, unless opts.Topo already holds a scanned one, and
// returns a ready-to-run Engine. Per spec §4.9,
// topology is scanned at startup and retained across ticks and reconfigs —
// only a restart re-scans it.
func New(opts Options) (*Engine, error) {
	topo := opts.Topo
	if topo == nil {
		var err error
		topo, err = topology.Scan(topology.Paths{SysPath: opts.Paths.SysPath, ProcPath: opts.Paths.ProcPath}, opts.Config.HT, opts.Logger)
		if err != nil {
			return nil, err
		}
	}
	return &Engine{
		paths:     opts.Paths,
		cfg:       opts.Config,
		proximity: opts.Proximity,
		banned:    opts.Banned,
		logger:    opts.Logger.WithName("engine"),
		metrics:   opts.Metrics,
		topo:      topo,
		registry:  irq.NewRegistry(opts.Logger),
		sampler:   sampler.New(opts.Logger),
		writer:    affinity.New(opts.Paths.ProcPath, opts.Logger),
	}, nil
}

// SetConfig swaps in a new config snapshot, for use at a reconfig boundary.
// Topology and the IRQ registry are untouched, per spec §4.9.
func (e *Engine) SetConfig(cfg config.Config) {
	e.cfg = cfg
}

// SetProximity swaps in a freshly reloaded proximity file, for use at the
// same reconfig boundary as SetConfig. Takes effect on the IRQ registry's
// next rescan, the same as a config reload takes effect on the next tick.
func (e *Engine) SetProximity(p irq.ProximityOverrides) {
	e.proximity = p
}

// SetBanned swaps in a freshly reloaded banned-IRQ set, for use at the same
// reconfig boundary as SetConfig.
func (e *Engine) SetBanned(b irq.BannedSet) {
	e.banned = b
}

// Config returns the engine's current config snapshot.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Topology returns the engine's topology model, for stats-dump reporting.
func (e *Engine) Topology() *topology.Topology {
	return e.topo
}

// Registry returns the engine's IRQ registry, for stats-dump reporting.
func (e *Engine) Registry() *irq.Registry {
	return e.registry
}

// Tick runs exactly one iteration of spec §4.9's main loop: rescan IRQs,
// re-link ownership, sample statistics, select, and — if anything was
// selected — place, write, and report a short sleep interval; otherwise
// report the long interval. The caller (cmd/irqbalanced) owns the actual
// sleep, so Tick can be driven synchronously from tests.
func (e *Engine) Tick() (sleep time.Duration, err error) {
	start := timeNow()

	if err := e.registry.Scan(e.paths.ProcPath, e.topo, e.proximity, e.banned); err != nil {
		return e.longInterval(), err
	}
	irq.LinkOwnership(e.topo, e.registry)

	if err := e.sampler.SampleCPULoad(e.paths.ProcPath, e.topo); err != nil {
		e.logger.Info("CPU load sample failed, retaining prior load", "error", err)
	}
	if err := e.sampler.SampleIrqDeltas(e.paths.ProcPath, e.registry); err != nil {
		e.logger.Info("IRQ delta sample failed, retaining prior weights", "error", err)
	}

	effectiveExclude := e.cfg.EffectiveExcludeCpus()
	selParams := policy.SelectionParams{
		Strategy:    e.cfg.Strategy,
		Threshold:   e.cfg.Threshold,
		ExcludeCpus: effectiveExclude,
	}
	chosen := policy.ChooseIRQsToMove(e.topo, e.registry, selParams, e.logger)

	toMove := append(e.registry.BalanceIrqs, chosen...)
	if len(toMove) == 0 {
		e.recordTick(start)
		return e.longInterval(), nil
	}

	placeParams := policy.PlacementParams{
		LoadLimit:    e.cfg.LoadLimit,
		ExcludeCpus:  effectiveExclude,
		NonLocalCpus: e.cfg.NonLocalCpus,
	}
	policy.Balance(e.topo, e.registry, toMove, placeParams, e.logger)

	committed := e.writer.Apply(e.registry, toMove)
	e.MovesTotal += len(committed)
	if e.metrics != nil {
		e.metrics.IrqsMoved.Add(float64(len(committed)))
		if failed := len(toMove) - len(committed); failed > 0 {
			e.metrics.PlacementFailures.Add(float64(failed))
		}
	}

	e.registry.BalanceIrqs = nil
	e.recordTick(start)
	return e.shortInterval(), nil
}

func (e *Engine) recordTick(start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveTick(timeNow().Sub(start))
	for id, node := range e.topo.Numas {
		e.metrics.NodeLoad.WithLabelValues(nodeLabel(id)).Set(averageLoad(e.topo, node))
	}
}

func (e *Engine) shortInterval() time.Duration {
	return time.Duration(e.cfg.ShortInterval) * time.Second
}

func (e *Engine) longInterval() time.Duration {
	return time.Duration(e.cfg.LongInterval) * time.Second
}

func averageLoad(topo *topology.Topology, node *topology.NumaNode) float64 {
	var sum float64
	var n int
	for _, id := range topo.CpuIDs() {
		if node.CpuMask.Test(id) {
			sum += topo.Cpus[id].Load
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func nodeLabel(id int) string {
	if id == topology.NoNUMA {
		return "none"
	}
	return strconv.Itoa(id)
}

// timeNow is a seam so tests could fake the clock; production always uses
// the real wall clock.
var timeNow = time.Now
