// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package topology builds the CPU/NUMA topology model the balancing engine
// places IRQs against: NUMA node membership, package/core identity, and
// hyper-thread sibling sets, discovered from /sys/devices/system/{node,cpu}.
package topology

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
)

// NoNUMA is the id of the synthetic NUMA node that absorbs CPUs not claimed
// by any real node.
const NoNUMA = -1

// Cpu describes one logical (or, with HT coalescing, physical) CPU. All
// fields except Load, Irqs, and the jiffy counters are immutable for the
// process lifetime once topology is scanned.
type Cpu struct {
	ID          int
	PackageID   int
	CoreID      int
	NumaID      int
	SiblingMask cpumask.Mask // HT peers, including self

	Load float64 // 0.0-100.0, valid only after at least 2 samples

	// PrevBusy/PrevTotal and Busy/Total are raw jiffy counters from the two
	// most recent samples of /proc/stat, used by pkg/sampler to compute Load.
	PrevBusy, PrevTotal uint64
	Busy, Total         uint64

	// Irqs is the set of IRQ numbers currently owned by this CPU: those
	// whose affinity's lowest set bit is this CPU's id. Mutated by
	// pkg/irq and pkg/policy, never by the topology scan itself.
	Irqs map[uint]struct{}
}

// NumaNode is a NUMA node and its member CPUs.
type NumaNode struct {
	ID      int
	CpuMask cpumask.Mask
}

// Topology is the full CPU/NUMA model for one scan.
type Topology struct {
	Cpus  map[int]*Cpu
	Numas map[int]*NumaNode

	// ids is the sorted list of CPU ids, kept alongside the map for
	// reproducible iteration order (spec's tie-break-by-numeric-id rule).
	ids []int
}

// Paths lets tests and containerized deployments point the scanner at
// alternate roots, the same HostSysPath/HostProcPath override convention
// the teacher's collectors use.
type Paths struct {
	SysPath  string // default /sys
	ProcPath string // default /proc
}

// DefaultPaths returns the real kernel pseudo-filesystem mount points.
func DefaultPaths() Paths {
	return Paths{SysPath: "/sys", ProcPath: "/proc"}
}

var nodeDirRe = regexp.MustCompile(`^node(\d+)$`)
var cpuDirRe = regexp.MustCompile(`^cpu(\d+)$`)

// Scan builds a fresh Topology by reading the NUMA and CPU sysfs trees.
// ht controls whether hyper-thread siblings are coalesced: when false,
// only the lowest-id sibling of each (packageID, coreID) pair is kept in
// the model, and all other siblings are omitted entirely.
func Scan(paths Paths, ht bool, logger logr.Logger) (*Topology, error) {
	numas, err := scanNumas(paths, logger)
	if err != nil {
		return nil, err
	}
	cpus, ids, err := scanCpus(paths, ht, numas, logger)
	if err != nil {
		return nil, err
	}
	return &Topology{Cpus: cpus, Numas: numas, ids: ids}, nil
}

// scanNumas reads /sys/devices/system/node/node<N>/cpumap for each node
// directory, then appends a synthetic NoNUMA node whose mask is the
// complement of the union of every real node's mask, absorbing any CPU
// that isn't claimed by a real NUMA node.
func scanNumas(paths Paths, logger logr.Logger) (map[int]*NumaNode, error) {
	root := filepath.Join(paths.SysPath, "devices", "system", "node")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errs.TopologyError(fmt.Sprintf("reading %s", root), err)
	}

	numas := make(map[int]*NumaNode)
	var union cpumask.Mask
	for _, e := range entries {
		m := nodeDirRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		cpumapPath := filepath.Join(root, e.Name(), "cpumap")
		raw, err := os.ReadFile(cpumapPath)
		if err != nil {
			logger.V(1).Info("skipping NUMA node with unreadable cpumap", "node", id, "error", err)
			continue
		}
		mask, err := cpumask.Parse(strings.TrimSpace(string(raw)))
		if err != nil {
			logger.V(1).Info("skipping NUMA node with malformed cpumap", "node", id, "error", err)
			continue
		}
		numas[id] = &NumaNode{ID: id, CpuMask: mask}
		union = union.Or(mask)
	}

	numas[NoNUMA] = &NumaNode{ID: NoNUMA, CpuMask: union.Complement()}
	return numas, nil
}

// scanCpus reads /sys/devices/system/cpu/cpu<N>/topology/{physical_package_id,core_id}
// for every online CPU directory, links each CPU to its NUMA node by mask
// membership (falling back to the synthetic node), and when ht is false
// deduplicates by (packageID, coreID), keeping only the lowest-id sibling.
func scanCpus(paths Paths, ht bool, numas map[int]*NumaNode, logger logr.Logger) (map[int]*Cpu, []int, error) {
	root := filepath.Join(paths.SysPath, "devices", "system", "cpu")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, errs.TopologyError(fmt.Sprintf("reading %s", root), err)
	}

	type rawCpu struct {
		id, pkg, core int
	}
	var raws []rawCpu
	for _, e := range entries {
		m := cpuDirRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		pkg, perr := readIntFile(filepath.Join(root, e.Name(), "topology", "physical_package_id"))
		core, cerr := readIntFile(filepath.Join(root, e.Name(), "topology", "core_id"))
		if perr != nil || cerr != nil {
			logger.V(1).Info("skipping CPU with unreadable topology", "cpu", id)
			continue
		}
		raws = append(raws, rawCpu{id: id, pkg: pkg, core: core})
	}
	if len(raws) == 0 {
		return nil, nil, errs.TopologyError(fmt.Sprintf("no CPUs found under %s", root), nil)
	}
	sort.Slice(raws, func(i, j int) bool { return raws[i].id < raws[j].id })

	// siblingsOf groups CPU ids sharing (pkg, core); used both to build
	// SiblingMask and, when !ht, to decide which ids survive dedup.
	siblingsOf := make(map[[2]int][]int)
	for _, r := range raws {
		key := [2]int{r.pkg, r.core}
		siblingsOf[key] = append(siblingsOf[key], r.id)
	}

	cpus := make(map[int]*Cpu)
	var ids []int
	for _, r := range raws {
		key := [2]int{r.pkg, r.core}
		sibs := siblingsOf[key]
		if !ht {
			lowest := sibs[0]
			for _, s := range sibs {
				if s < lowest {
					lowest = s
				}
			}
			if r.id != lowest {
				continue // omitted from the model entirely
			}
		}

		var sibMask cpumask.Mask
		for _, s := range sibs {
			sibMask.Set(s)
		}

		numaID := linkNuma(r.id, numas)

		cpus[r.id] = &Cpu{
			ID:          r.id,
			PackageID:   r.pkg,
			CoreID:      r.core,
			NumaID:      numaID,
			SiblingMask: sibMask,
			Irqs:        make(map[uint]struct{}),
		}
		ids = append(ids, r.id)
	}
	sort.Ints(ids)
	return cpus, ids, nil
}

// linkNuma returns the id of the first NUMA node (in ascending id order,
// synthetic NoNUMA last) whose mask contains cpuID.
func linkNuma(cpuID int, numas map[int]*NumaNode) int {
	var realIDs []int
	for id := range numas {
		if id != NoNUMA {
			realIDs = append(realIDs, id)
		}
	}
	sort.Ints(realIDs)
	for _, id := range realIDs {
		if numas[id].CpuMask.Test(cpuID) {
			return id
		}
	}
	return NoNUMA
}

func readIntFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, err
	}
	return v, nil
}

// CpuIDs returns the sorted list of CPU ids known to the topology. A
// Topology built without Scan has no cached id list, so its ids are taken
// from the Cpus map.
func (t *Topology) CpuIDs() []int {
	if t.ids == nil {
		out := make([]int, 0, len(t.Cpus))
		for id := range t.Cpus {
			out = append(out, id)
		}
		sort.Ints(out)
		return out
	}
	out := make([]int, len(t.ids))
	copy(out, t.ids)
	return out
}

// NrCPUs returns one more than the highest CPU id in the model (0 when the
// model is empty), the bound used to validate parsed masks against the
// runtime CPU count (cpumask.Mask.ValidateRuntime).
func (t *Topology) NrCPUs() int {
	max := 0
	for _, id := range t.CpuIDs() {
		if id+1 > max {
			max = id + 1
		}
	}
	return max
}
