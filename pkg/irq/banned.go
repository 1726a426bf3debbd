// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package irq

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
)

// builtinExcluded lists kernel-internal IRQ name fragments that are never
// eligible for balancing, per spec §4.3. Matching is case-insensitive
// substring against the IRQ's description.
var builtinExcluded = []string{
	"timer",
	"ipi", // IPI reschedule, IPI call function, ...
	"resched",
	"tlb",
	"threshold",
	"localtimer",
	"call function",
}

// BannedSet is the merged set of IRQs that must never appear in
// balance_irqs: the built-in kernel-internal name list plus an optional
// operator-supplied file (supplementing spec §4.3, mirroring the proximity
// file's line-oriented, lenient-parsing shape for a second concern).
type BannedSet struct {
	numbers map[uint]bool
	tokens  []string
}

// NewBannedSet returns a BannedSet containing only the built-in exclusions.
func NewBannedSet() BannedSet {
	return BannedSet{numbers: make(map[uint]bool)}
}

// LoadBannedFile merges an operator-supplied banned-IRQ file into the set.
// Each non-blank, non-comment line is either a literal IRQ number or a
// description substring token; any line that does not parse as a number is
// kept as a token, so no line is rejected.
func LoadBannedFile(path string, logger logr.Logger) (BannedSet, error) {
	bs := NewBannedSet()
	f, err := os.Open(path)
	if err != nil {
		return bs, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if n, perr := strconv.ParseUint(line, 10, 64); perr == nil {
			bs.numbers[uint(n)] = true
			continue
		}
		bs.tokens = append(bs.tokens, line)
	}
	if err := sc.Err(); err != nil {
		return bs, err
	}
	return bs, nil
}

// Match reports whether num/desc is permanently excluded from balancing.
func (b BannedSet) Match(num uint, desc string) bool {
	if b.numbers[num] {
		return true
	}
	lower := strings.ToLower(desc)
	for _, t := range builtinExcluded {
		if strings.Contains(lower, t) {
			return true
		}
	}
	for _, t := range b.tokens {
		if strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
