// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package heartbeat

import (
	"github.com/prometheus/client_golang/prometheus"
)

type channelMetrics struct {
	sent          prometheus.Counter
	received      prometheus.Counter
	discarded     prometheus.Counter
	peerReachable prometheus.Gauge
}

func newChannelMetrics() *channelMetrics {
	return &channelMetrics{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "failsafe_heartbeat_sent_total",
			Help: "Heartbeat messages sent to the peer",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "failsafe_heartbeat_received_total",
			Help: "Heartbeat messages accepted from the peer",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "failsafe_heartbeat_discarded_total",
			Help: "Heartbeat messages discarded (malformed, stale, or self)",
		}),
		peerReachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "failsafe_heartbeat_peer_reachable",
			Help: "Whether the peer is currently within the liveness timeout",
		}),
	}
}

// RegisterMetrics registers the channel's metrics with the given registerer.
func (c *Channel) RegisterMetrics(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{
		c.metrics.sent,
		c.metrics.received,
		c.metrics.discarded,
		c.metrics.peerReachable,
	} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}
