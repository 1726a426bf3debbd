// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package irq

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// InterruptLine is one data row of /proc/interrupts: the IRQ number, the
// per-CPU counters in column order (indexed the same as CPUIDs from the
// header), and the free-form tail text (chip/domain/trigger/description).
type InterruptLine struct {
	Num    uint
	Counts []uint64
	Tail   string
}

// Sum returns the total interrupt count across all CPU columns for this
// line, the quantity the sampler differentiates tick over tick.
func (l InterruptLine) Sum() uint64 {
	var sum uint64
	for _, c := range l.Counts {
		sum += c
	}
	return sum
}

// ParseProcInterrupts parses the kernel's /proc/interrupts format: a header
// row naming the online CPUs ("CPU0 CPU1 ..."), then one row per IRQ of
// "<N>: <count>...<count> <tail text>". Rows without a numeric IRQ (the
// architecture-specific interrupts at the end of the file) are skipped, the
// same behavior thediveo/irks documents for this format.
func ParseProcInterrupts(r io.Reader) (lines []InterruptLine, cpuIDs []int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !sc.Scan() {
		return nil, nil, sc.Err()
	}
	cpuIDs = parseHeader(sc.Text())
	numCPUs := len(cpuIDs)

	for sc.Scan() {
		line := sc.Text()
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		numStr := strings.TrimSpace(line[:colon])
		num, perr := strconv.ParseUint(numStr, 10, 64)
		if perr != nil {
			// architecture-specific interrupt row (e.g. "NMI:", "ERR:") — no
			// numeric IRQ, nothing further on this line is ours to track.
			continue
		}

		rest := strings.Fields(line[colon+1:])
		if len(rest) < numCPUs {
			continue
		}
		counts := make([]uint64, numCPUs)
		for i := 0; i < numCPUs; i++ {
			v, cerr := strconv.ParseUint(rest[i], 10, 64)
			if cerr != nil {
				continue
			}
			counts[i] = v
		}
		tailFields := rest[numCPUs:]
		lines = append(lines, InterruptLine{
			Num:    uint(num),
			Counts: counts,
			Tail:   strings.Join(tailFields, " "),
		})
	}
	return lines, cpuIDs, sc.Err()
}

// parseHeader extracts the list of online CPU ids from the "CPU0 CPU1 ..."
// header row of /proc/interrupts.
func parseHeader(line string) []int {
	fields := strings.Fields(line)
	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		if !strings.HasPrefix(f, "CPU") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(f, "CPU"))
		if err != nil {
			continue
		}
		ids = append(ids, n)
	}
	return ids
}
