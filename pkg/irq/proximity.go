// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package irq

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/irqbalanced/irqbalanced/internal/errs"
)

// ProximityEntry is one line of the operator-supplied proximity override
// file: a device description token and the NUMA node it should be treated
// as local to.
type ProximityEntry struct {
	Token  string
	NumaID int
}

// ProximityOverrides holds the parsed proximity file, in file order — file
// order is priority order, first match wins.
type ProximityOverrides struct {
	Entries []ProximityEntry
}

// Match returns the NUMA id of the first entry whose token is a substring
// of refinedDesc, in file order.
func (p ProximityOverrides) Match(refinedDesc string) (int, bool) {
	for _, e := range p.Entries {
		if strings.Contains(refinedDesc, e.Token) {
			return e.NumaID, true
		}
	}
	return 0, false
}

// ParseProximityFile parses a line-oriented "<token> <numa-id>" file.
// Blank lines and lines starting with '#' are skipped. Malformed lines
// (wrong field count, non-numeric NUMA id) are skipped with a warning.
// A NUMA id not present in knownNUMAIDs aborts the load with a ConfigError,
// per spec: parsing is lenient except for genuinely unknown NUMA nodes.
func ParseProximityFile(path string, knownNUMAIDs map[int]bool, logger logr.Logger) (ProximityOverrides, error) {
	f, err := os.Open(path)
	if err != nil {
		return ProximityOverrides{}, errs.ConfigError(fmt.Sprintf("opening proximity file %s", path), err)
	}
	defer f.Close()

	var out ProximityOverrides
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			logger.Info("skipping malformed proximity line", "line", lineNo, "text", line)
			continue
		}
		numaID, perr := strconv.Atoi(fields[1])
		if perr != nil {
			logger.Info("skipping proximity line with non-numeric NUMA id", "line", lineNo, "text", line)
			continue
		}
		if knownNUMAIDs != nil && !knownNUMAIDs[numaID] {
			return ProximityOverrides{}, errs.ConfigError(
				fmt.Sprintf("proximity file %s line %d: unknown NUMA id %d", path, lineNo, numaID), nil)
		}
		out.Entries = append(out.Entries, ProximityEntry{Token: fields[0], NumaID: numaID})
	}
	if err := sc.Err(); err != nil {
		return ProximityOverrides{}, errs.ConfigError(fmt.Sprintf("reading proximity file %s", path), err)
	}
	return out, nil
}
