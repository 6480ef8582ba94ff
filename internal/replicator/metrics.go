// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package replicator

import (
	"github.com/prometheus/client_golang/prometheus"
)

type replicatorMetrics struct {
	pushes             prometheus.Counter
	pushFailures       prometheus.Counter
	fullResyncs        prometheus.Counter
	filesSent          prometheus.Counter
	bytesSent          prometheus.Counter
	filesApplied       prometheus.Counter
	checksumRejections prometheus.Counter
	lastGeneration     prometheus.Gauge
}

func newReplicatorMetrics() *replicatorMetrics {
	return &replicatorMetrics{
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "failsafe",
			Subsystem: "replicator",
			Name:      "pushes_total",
			Help:      "Completed replication pushes",
		}),
		pushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "failsafe",
			Subsystem: "replicator",
			Name:      "push_failures_total",
			Help:      "Failed replication pushes (re-queued)",
		}),
		fullResyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "failsafe",
			Subsystem: "replicator",
			Name:      "full_resyncs_total",
			Help:      "Whole-tree resyncs scheduled",
		}),
		filesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "failsafe",
			Subsystem: "replicator",
			Name:      "files_sent_total",
			Help:      "Files streamed to the peer",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "failsafe",
			Subsystem: "replicator",
			Name:      "bytes_sent_total",
			Help:      "File body bytes streamed to the peer",
		}),
		filesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "failsafe",
			Subsystem: "replicator",
			Name:      "files_applied_total",
			Help:      "Files applied from the peer",
		}),
		checksumRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "failsafe",
			Subsystem: "replicator",
			Name:      "checksum_rejections_total",
			Help:      "Inbound files rejected on checksum mismatch",
		}),
		lastGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "failsafe",
			Subsystem: "replicator",
			Name:      "last_generation",
			Help:      "Generation of the last successful push",
		}),
	}
}

// RegisterMetrics registers the replicator's metrics with the given registry.
func (r *Replicator) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		r.metrics.pushes,
		r.metrics.pushFailures,
		r.metrics.fullResyncs,
		r.metrics.filesSent,
		r.metrics.bytesSent,
		r.metrics.filesApplied,
		r.metrics.checksumRejections,
		r.metrics.lastGeneration,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
