// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package irq holds the IRQ registry: the set of known IRQs, their current
// smp_affinity, and the description/proximity/exclusion metadata the
// selection and placement policies consume.
package irq

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/irqbalanced/irqbalanced/internal/errs"
	"github.com/irqbalanced/irqbalanced/pkg/cpumask"
	"github.com/irqbalanced/irqbalanced/pkg/topology"
)

// pseudoFiles are the /proc/irq/<N>/ entries that are never device/handler
// names, so whatever's left over after filtering them out of a directory
// listing is the IRQ's action list when /proc/interrupts has no tail text.
var pseudoFiles = map[string]bool{
	"smp_affinity":            true,
	"smp_affinity_list":       true,
	"affinity_hint":           true,
	"effective_affinity":      true,
	"effective_affinity_list": true,
	"node":                    true,
	"spurious":                true,
}

// Irq is one kernel IRQ known to the registry.
type Irq struct {
	Num         uint
	Desc        string
	RefinedDesc string       // device token extracted from Desc
	Affinity    cpumask.Mask // last-known kernel smp_affinity
	LocalCpus   cpumask.Mask // NUMA-local CPUs for the originating device, or Full() when unknown
	Weight      float64      // smoothed interrupts-per-tick

	PrevCount uint64 // previous tick's cumulative /proc/interrupts sum
	Count     uint64 // this tick's cumulative /proc/interrupts sum
	Intr      uint64 // delta this tick
	Sampled   bool   // true once SampleIrqDeltas has run at least once for this IRQ

	PxmNuma *int // operator proximity override, if matched

	Excluded bool // permanently ineligible for balancing (spec §4.3)
}

// Registry is the set of known IRQs, keyed by IRQ number.
type Registry struct {
	Irqs        map[uint]*Irq
	BalanceIrqs []uint // IRQs newly discovered by Scan and not yet placed; selected IRQs are not added here

	logger logr.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger logr.Logger) *Registry {
	return &Registry{
		Irqs:   make(map[uint]*Irq),
		logger: logger.WithName("irq-registry"),
	}
}

var irqDirRe = regexp.MustCompile(`^(\d+)$`)

// Scan re-reads /proc/irq/<N>/ and /proc/interrupts, updating the registry
// in place: existing IRQs retain their counters (so delta computation in
// pkg/sampler is unaffected by the rescan), newly observed IRQs are created
// and — unless permanently excluded — appended to BalanceIrqs, and IRQs no
// longer present in the kernel's view are dropped entirely.
func (r *Registry) Scan(procPath string, topo *topology.Topology, proximity ProximityOverrides, banned BannedSet) error {
	interruptsPath := filepath.Join(procPath, "interrupts")
	f, err := os.Open(interruptsPath)
	if err != nil {
		return errs.TopologyError(fmt.Sprintf("reading %s", interruptsPath), err)
	}
	lines, _, perr := ParseProcInterrupts(f)
	f.Close()
	if perr != nil {
		return errs.TopologyError(fmt.Sprintf("parsing %s", interruptsPath), perr)
	}
	tailByNum := make(map[uint]string, len(lines))
	for _, l := range lines {
		tailByNum[l.Num] = l.Tail
	}

	irqRoot := filepath.Join(procPath, "irq")
	entries, err := os.ReadDir(irqRoot)
	if err != nil {
		return errs.TopologyError(fmt.Sprintf("reading %s", irqRoot), err)
	}

	nrCPUs := topo.NrCPUs()
	seen := make(map[uint]bool, len(entries))

	for _, e := range entries {
		m := irqDirRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		num64, _ := strconv.ParseUint(m[1], 10, 64)
		num := uint(num64)
		dir := filepath.Join(irqRoot, e.Name())

		affinity, err := readAffinity(dir, nrCPUs)
		if err != nil {
			r.logger.V(1).Info("skipping IRQ with unreadable smp_affinity", "irq", num, "error", err)
			continue
		}

		desc := tailByNum[num]
		if desc == "" {
			desc = actionsFallback(dir)
		}
		refined := refineDescription(desc)

		localCpus := resolveLocalCpus(dir, refined, proximity, topo)

		excluded := banned.Match(num, desc)

		seen[num] = true
		existing, known := r.Irqs[num]
		if known {
			existing.Desc = desc
			existing.RefinedDesc = refined
			existing.Affinity = affinity
			existing.LocalCpus = localCpus
			existing.Excluded = excluded
			continue
		}

		newIrq := &Irq{
			Num:         num,
			Desc:        desc,
			RefinedDesc: refined,
			Affinity:    affinity,
			LocalCpus:   localCpus,
			Excluded:    excluded,
		}
		r.Irqs[num] = newIrq
		if !excluded {
			r.BalanceIrqs = append(r.BalanceIrqs, num)
		}
	}

	for num := range r.Irqs {
		if !seen[num] {
			delete(r.Irqs, num)
		}
	}
	return nil
}

func readAffinity(dir string, nrCPUs int) (cpumask.Mask, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "smp_affinity"))
	if err != nil {
		return cpumask.Mask{}, err
	}
	mask, err := cpumask.Parse(strings.TrimSpace(string(raw)))
	if err != nil {
		return cpumask.Mask{}, err
	}
	mask.ValidateRuntime(nrCPUs)
	return mask, nil
}

// actionsFallback derives a description from the /proc/irq/<N>/<device>
// symlink tokens when /proc/interrupts carries no tail text for this IRQ.
func actionsFallback(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if pseudoFiles[e.Name()] {
			continue
		}
		names = append(names, e.Name())
	}
	return strings.Join(names, ",")
}

var nonWordRe = regexp.MustCompile(`[^A-Za-z0-9]+`)

// refineDescription extracts the device token used for proximity matching:
// the first word-like segment of the free-form kernel description.
// Exclusion checks match against the full description instead.
func refineDescription(desc string) string {
	fields := nonWordRe.Split(strings.TrimSpace(desc), -1)
	for _, f := range fields {
		if f != "" {
			return f
		}
	}
	return desc
}

// resolveLocalCpus derives LocalCpus from the first existing of: an
// operator proximity override matching RefinedDesc, /proc/irq/<N>/node
// mapped through topology, or an all-ones mask when neither is available.
func resolveLocalCpus(dir, refinedDesc string, proximity ProximityOverrides, topo *topology.Topology) cpumask.Mask {
	if numaID, ok := proximity.Match(refinedDesc); ok {
		if node, ok := topo.Numas[numaID]; ok {
			return node.CpuMask
		}
	}
	if raw, err := os.ReadFile(filepath.Join(dir, "node")); err == nil {
		if numaID, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil {
			if node, ok := topo.Numas[numaID]; ok && numaID != topology.NoNUMA {
				return node.CpuMask
			}
		}
	}
	full := cpumask.Full()
	full.ValidateRuntime(topo.NrCPUs())
	return full
}

// LinkOwnership clears and rebuilds every CPU's owned-IRQ set from the
// registry's current affinities: each IRQ is owned by the lowest-numbered
// CPU in its affinity mask (spec §3 invariant 1). Called once per tick,
// after Scan, per §4.9's "rescan IRQs -> re-link IRQ<->CPU ownership".
func LinkOwnership(topo *topology.Topology, reg *Registry) {
	for _, c := range topo.Cpus {
		c.Irqs = make(map[uint]struct{})
	}
	nums := make([]uint, 0, len(reg.Irqs))
	for num := range reg.Irqs {
		nums = append(nums, num)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	for _, num := range nums {
		irq := reg.Irqs[num]
		owner, ok := irq.Affinity.LowestSet()
		if !ok {
			continue
		}
		if cpu, ok := topo.Cpus[owner]; ok {
			cpu.Irqs[num] = struct{}{}
		}
	}
}
