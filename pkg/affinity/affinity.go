// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package affinity commits placement decisions to the kernel by writing
// formatted smp_affinity masks to /proc/irq/<N>/smp_affinity.
package affinity

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/irqbalanced/irqbalanced/internal/errs"
	"github.com/irqbalanced/irqbalanced/pkg/irq"
)

// Writer applies the registry's current affinity values to the kernel.
type Writer struct {
	procPath string
	logger   logr.Logger
}

// New returns a Writer rooted at procPath (normally /proc).
func New(procPath string, logger logr.Logger) *Writer {
	return &Writer{procPath: procPath, logger: logger.WithName("affinity")}
}

// Apply writes the formatted Affinity mask for every IRQ in nums to
// /proc/irq/<num>/smp_affinity, per spec §4.8. A per-IRQ failure (kernel
// refusal, EIO, IRQ hot-removed mid-tick) is logged and that IRQ is dropped
// from the returned "committed" set without aborting the rest of the tick.
func (w *Writer) Apply(reg *irq.Registry, nums []uint) (committed []uint) {
	for _, num := range nums {
		target, ok := reg.Irqs[num]
		if !ok {
			continue
		}
		path := filepath.Join(w.procPath, "irq", fmt.Sprint(num), "smp_affinity")
		formatted := target.Affinity.Format()
		if err := os.WriteFile(path, []byte(formatted), 0o644); err != nil {
			w.logger.Info("failed to write smp_affinity, dropping from this tick",
				"irq", num, "error", errs.IoTransient("writing "+path, err))
			continue
		}
		committed = append(committed, num)
	}
	return committed
}
