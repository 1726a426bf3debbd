// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package irq

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irqbalanced/irqbalanced/pkg/cpumask"
	"github.com/irqbalanced/irqbalanced/pkg/topology"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func fakeTopology(t *testing.T) *topology.Topology {
	t.Helper()
	cpus := map[int]*topology.Cpu{
		0: {ID: 0, NumaID: 0, Irqs: map[uint]struct{}{}},
		1: {ID: 1, NumaID: 1, Irqs: map[uint]struct{}{}},
	}
	numas := map[int]*topology.NumaNode{
		0:               {ID: 0, CpuMask: cpumask.Single(0)},
		1:               {ID: 1, CpuMask: cpumask.Single(1)},
		topology.NoNUMA: {ID: topology.NoNUMA},
	}
	return &topology.Topology{Cpus: cpus, Numas: numas}
}

func TestParseProcInterrupts(t *testing.T) {
	data := `           CPU0       CPU1
 24:      10000        500   IR-PCI-MSI 1048576-edge      eth0-rx-0
 25:        100        100   IR-PCI-MSI 1048577-edge      eth0-tx-0
NMI:          0          0   Non-maskable interrupts
`
	lines, cpuIDs, err := ParseProcInterrupts(strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, cpuIDs)
	require.Len(t, lines, 2)
	assert.EqualValues(t, 24, lines[0].Num)
	assert.Equal(t, uint64(10500), lines[0].Sum())
	assert.Contains(t, lines[0].Tail, "eth0-rx-0")
}

func TestRegistryScanNewIrqQueuedForBalance(t *testing.T) {
	root := t.TempDir()
	procPath := filepath.Join(root, "proc")
	writeFile(t, filepath.Join(procPath, "interrupts"),
		"           CPU0       CPU1\n"+
			" 24:        10          5   IR-PCI-MSI eth0\n")
	writeFile(t, filepath.Join(procPath, "irq", "24", "smp_affinity"), "1\n")

	reg := NewRegistry(logr.Discard())
	topo := fakeTopology(t)
	err := reg.Scan(procPath, topo, ProximityOverrides{}, NewBannedSet())
	require.NoError(t, err)

	require.Contains(t, reg.Irqs, uint(24))
	assert.Equal(t, []uint{24}, reg.BalanceIrqs)
	assert.False(t, reg.Irqs[24].Excluded)
}

func TestRegistryScanExcludesBuiltinNames(t *testing.T) {
	root := t.TempDir()
	procPath := filepath.Join(root, "proc")
	writeFile(t, filepath.Join(procPath, "interrupts"),
		"           CPU0\n"+
			"  0:        10   IO-APIC   2-edge    timer\n")
	writeFile(t, filepath.Join(procPath, "irq", "0", "smp_affinity"), "1\n")

	reg := NewRegistry(logr.Discard())
	topo := fakeTopology(t)
	err := reg.Scan(procPath, topo, ProximityOverrides{}, NewBannedSet())
	require.NoError(t, err)

	require.Contains(t, reg.Irqs, uint(0))
	assert.True(t, reg.Irqs[0].Excluded)
	assert.Empty(t, reg.BalanceIrqs)
}

func TestRegistryScanDropsVanishedIrq(t *testing.T) {
	root := t.TempDir()
	procPath := filepath.Join(root, "proc")
	writeFile(t, filepath.Join(procPath, "interrupts"),
		"           CPU0\n"+
			" 24:        10   eth0\n")
	writeFile(t, filepath.Join(procPath, "irq", "24", "smp_affinity"), "1\n")

	reg := NewRegistry(logr.Discard())
	topo := fakeTopology(t)
	require.NoError(t, reg.Scan(procPath, topo, ProximityOverrides{}, NewBannedSet()))
	require.Contains(t, reg.Irqs, uint(24))

	require.NoError(t, os.RemoveAll(filepath.Join(procPath, "irq", "24")))
	writeFile(t, filepath.Join(procPath, "interrupts"), "           CPU0\n")
	require.NoError(t, reg.Scan(procPath, topo, ProximityOverrides{}, NewBannedSet()))
	assert.NotContains(t, reg.Irqs, uint(24))
}

func TestRegistryScanRetainsCountersAcrossRescans(t *testing.T) {
	root := t.TempDir()
	procPath := filepath.Join(root, "proc")
	writeFile(t, filepath.Join(procPath, "interrupts"),
		"           CPU0\n"+
			" 24:        10   eth0\n")
	writeFile(t, filepath.Join(procPath, "irq", "24", "smp_affinity"), "1\n")

	reg := NewRegistry(logr.Discard())
	topo := fakeTopology(t)
	require.NoError(t, reg.Scan(procPath, topo, ProximityOverrides{}, NewBannedSet()))
	reg.Irqs[24].Count = 999

	require.NoError(t, reg.Scan(procPath, topo, ProximityOverrides{}, NewBannedSet()))
	assert.Equal(t, uint64(999), reg.Irqs[24].Count)
}

func TestLinkOwnershipLowestBitWins(t *testing.T) {
	topo := fakeTopology(t)
	reg := NewRegistry(logr.Discard())
	m, err := cpumask.Parse("3") // bits 0 and 1 set
	require.NoError(t, err)
	reg.Irqs = map[uint]*Irq{
		24: {Num: 24, Affinity: m},
	}
	LinkOwnership(topo, reg)
	_, ownedByCPU0 := topo.Cpus[0].Irqs[24]
	_, ownedByCPU1 := topo.Cpus[1].Irqs[24]
	assert.True(t, ownedByCPU0)
	assert.False(t, ownedByCPU1)
}

func TestProximityOverridesFirstMatchWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proximity.conf")
	writeFile(t, path, "# comment\neth 0\nnvme 1\n")

	known := map[int]bool{0: true, 1: true}
	p, err := ParseProximityFile(path, known, logr.Discard())
	require.NoError(t, err)

	id, ok := p.Match("eth0-rx-0")
	require.True(t, ok)
	assert.Equal(t, 0, id)

	_, ok = p.Match("unrelated")
	assert.False(t, ok)
}

func TestProximityOverridesUnknownNumaAborts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proximity.conf")
	writeFile(t, path, "eth 7\n")

	_, err := ParseProximityFile(path, map[int]bool{0: true}, logr.Discard())
	assert.Error(t, err)
}

func TestBannedSetOperatorFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "banned.conf")
	writeFile(t, path, "# comment\n42\nnvme\n")

	bs, err := LoadBannedFile(path, logr.Discard())
	require.NoError(t, err)
	assert.True(t, bs.Match(42, "anything"))
	assert.True(t, bs.Match(1, "nvme0-rx"))
	assert.False(t, bs.Match(1, "eth0-rx"))
}
