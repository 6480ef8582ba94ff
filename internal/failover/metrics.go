// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package failover

import (
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/failsafe/internal/pair"
)

type machineMetrics struct {
	role         *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	splitBrain   prometheus.Counter
	bindFailures prometheus.Counter
}

func newMachineMetrics() *machineMetrics {
	return &machineMetrics{
		role: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "failsafe",
			Subsystem: "failover",
			Name:      "role",
			Help:      "Current role of this node (1 for the held role, 0 otherwise)",
		}, []string{"role"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "failsafe",
			Subsystem: "failover",
			Name:      "transitions_total",
			Help:      "Role transitions by from/to role",
		}, []string{"from", "to"}),
		splitBrain: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "failsafe",
			Subsystem: "failover",
			Name:      "split_brain_detections_total",
			Help:      "Cycles in which both nodes claimed master",
		}),
		bindFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "failsafe",
			Subsystem: "failover",
			Name:      "bind_failures_total",
			Help:      "Failed virtual address bind or unbind attempts",
		}),
	}
}

func (m *machineMetrics) setRole(r pair.Role) {
	for _, role := range []pair.Role{pair.RoleInit, pair.RoleMaster, pair.RoleBackup, pair.RoleFault} {
		v := 0.0
		if role == r {
			v = 1.0
		}
		m.role.WithLabelValues(string(role)).Set(v)
	}
}

// RegisterMetrics registers the machine's metrics with the given registry.
func (m *Machine) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.metrics.role,
		m.metrics.transitions,
		m.metrics.splitBrain,
		m.metrics.bindFailures,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
