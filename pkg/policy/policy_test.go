// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package policy

import (
	"math/rand"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irqbalanced/irqbalanced/pkg/cpumask"
	"github.com/irqbalanced/irqbalanced/pkg/irq"
	"github.com/irqbalanced/irqbalanced/pkg/topology"
)

func twoCPUTopology(load0, load1 float64) *topology.Topology {
	return &topology.Topology{
		Cpus: map[int]*topology.Cpu{
			0: {ID: 0, Load: load0, Irqs: map[uint]struct{}{}},
			1: {ID: 1, Load: load1, Irqs: map[uint]struct{}{}},
		},
	}
}

func TestChooseIRQsToMoveStrategyMax(t *testing.T) {
	topo := twoCPUTopology(95, 10)
	topo.Cpus[0].Irqs = map[uint]struct{}{24: {}, 25: {}, 26: {}}
	reg := irq.NewRegistry(logr.Discard())
	reg.Irqs = map[uint]*irq.Irq{
		24: {Num: 24, Weight: 5000},
		25: {Num: 25, Weight: 100},
		26: {Num: 26, Weight: 50},
	}
	params := SelectionParams{Strategy: StrategyMax, Threshold: 90}
	chosen := ChooseIRQsToMove(topo, reg, params, logr.Discard())
	require.Len(t, chosen, 1)
	assert.EqualValues(t, 24, chosen[0])
}

func TestChooseIRQsToMoveStrategyMinPicksLowestWeight(t *testing.T) {
	topo := twoCPUTopology(95, 10)
	topo.Cpus[0].Irqs = map[uint]struct{}{24: {}, 25: {}, 26: {}}
	reg := irq.NewRegistry(logr.Discard())
	reg.Irqs = map[uint]*irq.Irq{
		24: {Num: 24, Weight: 100},
		25: {Num: 25, Weight: 100},
		26: {Num: 26, Weight: 50},
	}
	params := SelectionParams{Strategy: StrategyMin, Threshold: 90}
	chosen := ChooseIRQsToMove(topo, reg, params, logr.Discard())
	require.Len(t, chosen, 1)
	assert.EqualValues(t, 26, chosen[0])
}

func TestChooseIRQsToMoveSkipsColdCPUsAndExcluded(t *testing.T) {
	topo := twoCPUTopology(95, 85)
	topo.Cpus[0].Irqs = map[uint]struct{}{24: {}}
	reg := irq.NewRegistry(logr.Discard())
	reg.Irqs = map[uint]*irq.Irq{24: {Num: 24, Weight: 1}}
	excl := cpumask.Single(0)
	params := SelectionParams{Strategy: StrategyMax, Threshold: 90, ExcludeCpus: excl}
	chosen := ChooseIRQsToMove(topo, reg, params, logr.Discard())
	assert.Empty(t, chosen)
}

func TestChooseIRQsToMoveSkipsExcludedIrqs(t *testing.T) {
	topo := twoCPUTopology(95, 10)
	topo.Cpus[0].Irqs = map[uint]struct{}{0: {}}
	reg := irq.NewRegistry(logr.Discard())
	reg.Irqs = map[uint]*irq.Irq{0: {Num: 0, Weight: 1, Excluded: true}}
	params := SelectionParams{Strategy: StrategyMax, Threshold: 90}
	chosen := ChooseIRQsToMove(topo, reg, params, logr.Discard())
	assert.Empty(t, chosen)
}

func TestChooseIRQsToMoveRndDeterministicWithSeed(t *testing.T) {
	topo := twoCPUTopology(95, 10)
	topo.Cpus[0].Irqs = map[uint]struct{}{24: {}, 25: {}}
	reg := irq.NewRegistry(logr.Discard())
	reg.Irqs = map[uint]*irq.Irq{
		24: {Num: 24},
		25: {Num: 25},
	}
	params := SelectionParams{Strategy: StrategyRnd, Threshold: 90, Rand: rand.New(rand.NewSource(1))}
	chosen := ChooseIRQsToMove(topo, reg, params, logr.Discard())
	require.Len(t, chosen, 1)
	assert.Contains(t, []uint{24, 25}, chosen[0])
}

func TestBalanceLoadLimitBlocksPlacement(t *testing.T) {
	topo := twoCPUTopology(95, 85)
	irq24 := &irq.Irq{Num: 24, Affinity: cpumask.Single(0), LocalCpus: cpumask.Full()}
	topo.Cpus[0].Irqs[24] = struct{}{}
	reg := irq.NewRegistry(logr.Discard())
	reg.Irqs = map[uint]*irq.Irq{24: irq24}

	params := PlacementParams{LoadLimit: 80}
	Balance(topo, reg, []uint{24}, params, logr.Discard())

	assert.True(t, irq24.Affinity.Test(0))
	assert.False(t, irq24.Affinity.Test(1))
}

func TestBalancePicksLowestLoadCandidate(t *testing.T) {
	topo := twoCPUTopology(95, 10)
	irq24 := &irq.Irq{Num: 24, Affinity: cpumask.Single(0), LocalCpus: cpumask.Full()}
	topo.Cpus[0].Irqs[24] = struct{}{}
	reg := irq.NewRegistry(logr.Discard())
	reg.Irqs = map[uint]*irq.Irq{24: irq24}

	params := PlacementParams{LoadLimit: 80}
	Balance(topo, reg, []uint{24}, params, logr.Discard())

	assert.True(t, irq24.Affinity.Test(1))
	_, stillOnCPU0 := topo.Cpus[0].Irqs[24]
	_, nowOnCPU1 := topo.Cpus[1].Irqs[24]
	assert.False(t, stillOnCPU0)
	assert.True(t, nowOnCPU1)
}

func TestBalanceNumaLocalPreferenceBlocksNonLocalMove(t *testing.T) {
	topo := &topology.Topology{
		Cpus: map[int]*topology.Cpu{
			0: {ID: 0, Load: 95, Irqs: map[uint]struct{}{42: {}}},
			1: {ID: 1, Load: 90, Irqs: map[uint]struct{}{}},
			2: {ID: 2, Load: 10, Irqs: map[uint]struct{}{}},
			3: {ID: 3, Load: 10, Irqs: map[uint]struct{}{}},
		},
	}
	local := cpumask.Single(0).Or(cpumask.Single(1))
	target := &irq.Irq{Num: 42, Affinity: cpumask.Single(0), LocalCpus: local}
	reg := irq.NewRegistry(logr.Discard())
	reg.Irqs = map[uint]*irq.Irq{42: target}

	params := PlacementParams{LoadLimit: 80, NonLocalCpus: false}
	Balance(topo, reg, []uint{42}, params, logr.Discard())
	assert.True(t, target.Affinity.Test(0), "no move expected: local candidates exhausted")
}

func TestBalanceNonLocalCpusAllowsFallback(t *testing.T) {
	topo := &topology.Topology{
		Cpus: map[int]*topology.Cpu{
			0: {ID: 0, Load: 95, Irqs: map[uint]struct{}{42: {}}},
			1: {ID: 1, Load: 90, Irqs: map[uint]struct{}{}},
			2: {ID: 2, Load: 10, Irqs: map[uint]struct{}{}},
			3: {ID: 3, Load: 10, Irqs: map[uint]struct{}{}},
		},
	}
	local := cpumask.Single(0).Or(cpumask.Single(1))
	target := &irq.Irq{Num: 42, Affinity: cpumask.Single(0), LocalCpus: local}
	reg := irq.NewRegistry(logr.Discard())
	reg.Irqs = map[uint]*irq.Irq{42: target}

	params := PlacementParams{LoadLimit: 80, NonLocalCpus: true}
	Balance(topo, reg, []uint{42}, params, logr.Discard())
	assert.True(t, target.Affinity.Test(2), "expected placement onto lowest-loaded non-local CPU")
}
