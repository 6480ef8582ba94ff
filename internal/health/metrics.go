// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

// proberMetrics holds the Prometheus metrics for the health probe.
type proberMetrics struct {
	overall       prometheus.Gauge
	checkPassed   *prometheus.GaugeVec
	checkDuration *prometheus.HistogramVec
}

func newProberMetrics() *proberMetrics {
	return &proberMetrics{
		overall: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "failsafe_health_overall",
			Help: "Composite health status (0=healthy, 1=degraded, 2=unhealthy)",
		}),
		checkPassed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "failsafe_health_check_passed",
			Help: "Whether the named check passed in the last probe cycle",
		}, []string{"check"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "failsafe_health_check_duration_seconds",
			Help:    "Duration of individual health checks",
			Buckets: prometheus.DefBuckets,
		}, []string{"check"}),
	}
}

// RegisterMetrics registers the prober's metrics with the given registerer.
func (p *Prober) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		p.metrics.overall,
		p.metrics.checkPassed,
		p.metrics.checkDuration,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *proberMetrics) observe(v Verdict) {
	switch v.Overall {
	case StatusHealthy:
		m.overall.Set(0)
	case StatusDegraded:
		m.overall.Set(1)
	default:
		m.overall.Set(2)
	}

	for name, r := range v.Results {
		passed := 0.0
		if r.Passed {
			passed = 1.0
		}
		m.checkPassed.WithLabelValues(name).Set(passed)
		m.checkDuration.WithLabelValues(name).Observe(r.Duration.Seconds())
	}
}
