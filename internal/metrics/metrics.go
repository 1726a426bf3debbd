// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package metrics exposes the optional Prometheus metrics endpoint (-m),
// tracking tick duration, IRQ moves, per-NUMA-node load, and placement
// failures. Grounded on the pack's promauto usage for counter/gauge
// registration (grafana-tempo's metrics generator).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's Prometheus collectors.
type Metrics struct {
	TickDuration      prometheus.Histogram
	IrqsMoved         prometheus.Counter
	PlacementFailures prometheus.Counter
	NodeLoad          *prometheus.GaugeVec
}

// New registers and returns the daemon's metric collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "irqbalanced",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of one balancing tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		IrqsMoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "irqbalanced",
			Name:      "irqs_moved_total",
			Help:      "Total number of IRQs whose smp_affinity was rewritten.",
		}),
		PlacementFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "irqbalanced",
			Name:      "placement_failures_total",
			Help:      "Total number of IRQs queued for a move whose smp_affinity write failed. IRQs left in place for lack of a placement candidate are not counted.",
		}),
		NodeLoad: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "irqbalanced",
			Name:      "numa_node_load_percent",
			Help:      "Average CPU load percent across a NUMA node's member CPUs.",
		}, []string{"node"}),
	}
}

// ObserveTick records one tick's wall-clock duration.
func (m *Metrics) ObserveTick(d time.Duration) {
	m.TickDuration.Observe(d.Seconds())
}

// NewRegistry returns a fresh Prometheus registry, so each daemon instance
// (or test) gets an isolated metric namespace rather than sharing the
// global default registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Serve starts an HTTP server at addr exposing reg via promhttp.Handler, the
// same library the teacher's transitive controller-runtime metrics server
// builds on, without the controller-runtime scaffolding this daemon has no
// Kubernetes manager to host.
func Serve(addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
