// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package policy

import (
	"sort"

	"github.com/go-logr/logr"

	"github.com/irqbalanced/irqbalanced/pkg/cpumask"
	"github.com/irqbalanced/irqbalanced/pkg/irq"
	"github.com/irqbalanced/irqbalanced/pkg/topology"
)

// PlacementParams are the config values the placement policy reads each
// tick.
type PlacementParams struct {
	LoadLimit    float64
	ExcludeCpus  cpumask.Mask
	NonLocalCpus bool // fall back to the full candidate set when the NUMA-local set is empty
}

// Balance implements spec §4.7 for every IRQ in toMove: build the candidate
// CPU set, pick the lowest-loaded candidate (ties by lowest id), and commit
// the new affinity by moving the IRQ between owner sets. An IRQ for which no
// candidate exists keeps its prior affinity and is logged, per invariant 4
// ("affinity is never empty after placement").
func Balance(topo *topology.Topology, reg *irq.Registry, toMove []uint, params PlacementParams, logger logr.Logger) {
	for _, num := range toMove {
		target, ok := reg.Irqs[num]
		if !ok {
			continue
		}
		dest, ok := chooseDestination(topo, target, params)
		if !ok {
			logger.Info("no placement candidate, retaining prior affinity", "irq", num)
			continue
		}
		commit(topo, target, dest)
		logger.V(1).Info("placed IRQ", "irq", num, "cpu", dest)
	}
}

// chooseDestination implements the candidate-set construction and
// tie-breaking of spec §4.7 steps 1-2. When LocalCpus is unresolved it was
// set to an all-ones mask by the IRQ registry, so intersecting with it is
// always a no-op and the NUMA-local and universal cases need no separate
// branch.
func chooseDestination(topo *topology.Topology, target *irq.Irq, params PlacementParams) (int, bool) {
	base := candidateIDs(topo, params)
	if len(base) == 0 {
		return 0, false
	}

	local := intersect(base, target.LocalCpus)
	if len(local) > 0 {
		return lowestLoad(topo, local)
	}
	if params.NonLocalCpus {
		return lowestLoad(topo, base)
	}
	return 0, false
}

// candidateIDs returns every CPU id in topo minus ExcludeCpus minus any CPU
// at or above LoadLimit, sorted ascending for deterministic tie-breaking.
func candidateIDs(topo *topology.Topology, params PlacementParams) []int {
	var out []int
	for _, id := range topo.CpuIDs() {
		if params.ExcludeCpus.Test(id) {
			continue
		}
		if topo.Cpus[id].Load >= params.LoadLimit {
			continue
		}
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func intersect(ids []int, mask cpumask.Mask) []int {
	var out []int
	for _, id := range ids {
		if mask.Test(id) {
			out = append(out, id)
		}
	}
	return out
}

// lowestLoad returns the candidate with the lowest current load, ties
// broken by lowest CPU id since ids is already sorted ascending. Hyper-
// thread siblings of already-chosen destinations carry whatever load value
// the last sample recorded for them, so no separate sibling weighting is
// needed beyond reading Cpu.Load directly (spec §4.7 step 2).
func lowestLoad(topo *topology.Topology, ids []int) (int, bool) {
	if len(ids) == 0 {
		return 0, false
	}
	best := ids[0]
	bestLoad := topo.Cpus[best].Load
	for _, id := range ids[1:] {
		if l := topo.Cpus[id].Load; l < bestLoad {
			best = id
			bestLoad = l
		}
	}
	return best, true
}

// commit moves target from its previous owner's Irqs set to dest's, and
// updates its Affinity to a single-bit mask at dest (spec §4.7 step 3).
func commit(topo *topology.Topology, target *irq.Irq, dest int) {
	if owner, ok := target.Affinity.LowestSet(); ok {
		if prev, ok := topo.Cpus[owner]; ok {
			delete(prev.Irqs, target.Num)
		}
	}
	target.Affinity = cpumask.Single(dest)
	if cpu, ok := topo.Cpus[dest]; ok {
		cpu.Irqs[target.Num] = struct{}{}
	}
}
