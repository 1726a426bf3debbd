// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sampler reads /proc/stat and /proc/interrupts once per tick and
// turns raw kernel counters into the per-CPU load and per-IRQ smoothed
// weight the selection and placement policies consume.
package sampler

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/irqbalanced/irqbalanced/internal/errs"
	"github.com/irqbalanced/irqbalanced/pkg/irq"
	"github.com/irqbalanced/irqbalanced/pkg/topology"
)

// weightSmoothing is the exponential smoothing factor applied to per-IRQ
// weight each tick: weight <- weightSmoothing*weight + (1-weightSmoothing)*intr.
const weightSmoothing = 0.5

// Sampler owns no state of its own; PrevBusy/PrevTotal and PrevCount live on
// the Cpu/Irq values themselves so a topology or registry rescan never loses
// the previous sample.
type Sampler struct {
	logger logr.Logger
}

// New returns a Sampler.
func New(logger logr.Logger) *Sampler {
	return &Sampler{logger: logger.WithName("sampler")}
}

// cpuStatLine is one "cpuN ..." row of /proc/stat, already summed into the
// two quantities load computation needs.
type cpuStatLine struct {
	id    int // -1 for the aggregate "cpu" line, which SampleCPULoad ignores
	busy  uint64
	total uint64
}

// SampleCPULoad reads procPath/stat and updates every Cpu's Load from the
// jiffies delta since the previous sample, per spec §4.5 step 1. On a CPU's
// first observation (Total == 0), Load is left at 0 rather than computed
// from a meaningless delta against zero.
func (s *Sampler) SampleCPULoad(procPath string, topo *topology.Topology) error {
	statPath := filepath.Join(procPath, "stat")
	f, err := os.Open(statPath)
	if err != nil {
		return errs.IoTransient(fmt.Sprintf("reading %s", statPath), err)
	}
	defer f.Close()

	lines, err := parseProcStat(f)
	if err != nil {
		return errs.IoTransient(fmt.Sprintf("parsing %s", statPath), err)
	}

	for _, l := range lines {
		if l.id < 0 {
			continue // aggregate "cpu" line; per-CPU lines drive the model
		}
		cpu, ok := topo.Cpus[l.id]
		if !ok {
			continue // HT sibling coalesced out of the model, or offline CPU
		}
		hadPrev := cpu.Total > 0
		cpu.PrevBusy, cpu.PrevTotal = cpu.Busy, cpu.Total
		cpu.Busy, cpu.Total = l.busy, l.total

		if !hadPrev {
			cpu.Load = 0
			continue
		}
		busyDelta := diff(cpu.Busy, cpu.PrevBusy)
		totalDelta := diff(cpu.Total, cpu.PrevTotal)
		if totalDelta == 0 {
			totalDelta = 1
		}
		cpu.Load = 100 * float64(busyDelta) / float64(totalDelta)
	}
	return nil
}

// diff returns cur-prev, clamped to 0 when the kernel counter wrapped or a
// topology rescan reset it — a negative delta is never meaningful here.
func diff(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

func parseProcStat(f *os.File) ([]cpuStatLine, error) {
	var out []cpuStatLine
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "cpu") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		name := fields[0]
		id := -1
		if name != "cpu" {
			if len(name) <= 3 {
				continue
			}
			n, err := strconv.Atoi(name[3:])
			if err != nil {
				continue // cpufreq, cpuidle etc, not a CPU stat row
			}
			id = n
		}

		vals := make([]uint64, 8)
		for i := 1; i <= 7; i++ {
			v, err := strconv.ParseUint(fields[i], 10, 64)
			if err != nil {
				continue
			}
			vals[i] = v
		}
		user, nice, system, idle, iowait, irqT, softirq := vals[1], vals[2], vals[3], vals[4], vals[5], vals[6], vals[7]
		var steal uint64
		if len(fields) > 8 {
			steal, _ = strconv.ParseUint(fields[8], 10, 64)
		}
		busy := user + nice + system + irqT + softirq + steal
		total := busy + idle + iowait
		out = append(out, cpuStatLine{id: id, busy: busy, total: total})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no cpu lines found")
	}
	return out, nil
}

// SampleIrqDeltas reads procPath/interrupts and, for every IRQ the registry
// already knows about, updates Intr (this tick's delta) and the
// exponentially-smoothed Weight, per spec §4.5 step 2. IRQs present in
// /proc/interrupts but not yet in the registry are ignored here — Scan is
// responsible for registering new IRQs before sampling runs.
func (s *Sampler) SampleIrqDeltas(procPath string, reg *irq.Registry) error {
	interruptsPath := filepath.Join(procPath, "interrupts")
	f, err := os.Open(interruptsPath)
	if err != nil {
		return errs.IoTransient(fmt.Sprintf("reading %s", interruptsPath), err)
	}
	defer f.Close()

	lines, _, err := irq.ParseProcInterrupts(f)
	if err != nil {
		return errs.IoTransient(fmt.Sprintf("parsing %s", interruptsPath), err)
	}

	for _, l := range lines {
		target, ok := reg.Irqs[l.Num]
		if !ok {
			continue
		}
		target.PrevCount = target.Count
		target.Count = l.Sum()
		target.Intr = diff(target.Count, target.PrevCount)

		if !target.Sampled {
			target.Weight = float64(target.Intr)
			target.Sampled = true
		} else {
			target.Weight = weightSmoothing*target.Weight + (1-weightSmoothing)*float64(target.Intr)
		}
	}
	return nil
}

// Per-CPU attribution of an IRQ's Intr/Weight happens implicitly: ownership
// is the Cpu.Irqs set built by irq.LinkOwnership, and the selection policy
// reads Weight/Intr straight off the owned Irq through that set. There is no
// separate per-CPU accumulator to maintain here.
