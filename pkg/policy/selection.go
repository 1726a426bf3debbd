// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package policy implements the selection and placement decisions of the
// balancing tick: which owned IRQs to evict from overloaded CPUs, and which
// CPU each evicted IRQ should move to.
package policy

import (
	"math/rand"
	"sort"

	"github.com/go-logr/logr"

	"github.com/irqbalanced/irqbalanced/pkg/cpumask"
	"github.com/irqbalanced/irqbalanced/pkg/irq"
	"github.com/irqbalanced/irqbalanced/pkg/topology"
)

// Strategy is the operator-selected IRQ-choice rule for a hot CPU.
type Strategy string

const (
	StrategyMax Strategy = "max"
	StrategyMin Strategy = "min"
	StrategyRnd Strategy = "rnd"
)

// SelectionParams are the config values the selection policy reads each
// tick, a snapshot so a concurrent reconfig never mutates values mid-tick.
type SelectionParams struct {
	Strategy    Strategy
	Threshold   float64
	ExcludeCpus cpumask.Mask
	Rand        *rand.Rand // nil uses math/rand's top-level source
}

// ChooseIRQsToMove implements spec §4.6: for every CPU at or above
// threshold and not excluded, evict exactly one balanceable IRQ from its
// owned set, chosen by strategy, ties broken by lowest IRQ number. An IRQ
// already queued this tick (by an earlier CPU in iteration order) is never
// selected twice. Returns the IRQ numbers to move, in CPU-id order.
func ChooseIRQsToMove(topo *topology.Topology, reg *irq.Registry, params SelectionParams, logger logr.Logger) []uint {
	queued := make(map[uint]bool)
	var chosen []uint

	for _, cpuID := range topo.CpuIDs() {
		cpu := topo.Cpus[cpuID]
		if params.ExcludeCpus.Test(cpuID) {
			continue
		}
		if cpu.Load < params.Threshold {
			continue
		}

		candidates := ownedBalanceableIRQs(cpu, reg, queued)
		if len(candidates) == 0 {
			continue
		}

		picked := pickByStrategy(candidates, reg, params)
		queued[picked] = true
		chosen = append(chosen, picked)
		logger.V(1).Info("selected IRQ for eviction", "cpu", cpuID, "irq", picked, "load", cpu.Load, "strategy", params.Strategy)
	}
	return chosen
}

// ownedBalanceableIRQs returns the IRQ numbers owned by cpu that are
// eligible for balancing: not permanently excluded, and not already queued
// earlier this tick.
func ownedBalanceableIRQs(cpu *topology.Cpu, reg *irq.Registry, queued map[uint]bool) []uint {
	var out []uint
	for num := range cpu.Irqs {
		target, ok := reg.Irqs[num]
		if !ok || target.Excluded || queued[num] {
			continue
		}
		out = append(out, num)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func pickByStrategy(candidates []uint, reg *irq.Registry, params SelectionParams) uint {
	switch params.Strategy {
	case StrategyMax:
		return extremeByWeight(candidates, reg, true)
	case StrategyMin:
		return extremeByWeight(candidates, reg, false)
	default: // StrategyRnd
		r := params.Rand
		if r == nil {
			return candidates[rand.Intn(len(candidates))]
		}
		return candidates[r.Intn(len(candidates))]
	}
}

// extremeByWeight returns the candidate with the greatest (max=true) or
// least (max=false) smoothed weight; ties broken by lowest IRQ number since
// candidates is already sorted ascending.
func extremeByWeight(candidates []uint, reg *irq.Registry, max bool) uint {
	best := candidates[0]
	bestWeight := reg.Irqs[best].Weight
	for _, num := range candidates[1:] {
		w := reg.Irqs[num].Weight
		if (max && w > bestWeight) || (!max && w < bestWeight) {
			best = num
			bestWeight = w
		}
	}
	return best
}
