// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package agent assembles the failsafe components into one daemon: the health
// prober, the heartbeat channel, the failover state machine and the config
// replicator, plus the optional metrics listener.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/failsafe/internal/config"
	"grimm.is/failsafe/internal/errors"
	"grimm.is/failsafe/internal/failover"
	"grimm.is/failsafe/internal/health"
	"grimm.is/failsafe/internal/heartbeat"
	"grimm.is/failsafe/internal/logging"
	"grimm.is/failsafe/internal/pair"
	"grimm.is/failsafe/internal/replicator"
	"grimm.is/failsafe/internal/vip"
)

// Agent owns the component lifecycles. Startup order matters: the heartbeat
// channel and health prober feed the state machine, so they come up first;
// the replicator follows the machine it is gated on.
type Agent struct {
	cfg    *config.Config
	logger *logging.Logger

	prober  *health.Prober
	channel *heartbeat.Channel
	machine *failover.Machine
	repl    *replicator.Replicator // nil when replication is not configured

	registry   *prometheus.Registry
	metricsSrv *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an agent from a validated configuration.
func New(cfg *config.Config) (*Agent, error) {
	a := &Agent{
		cfg:      cfg,
		logger:   logging.WithComponent("agent"),
		registry: prometheus.NewRegistry(),
	}

	checks, err := health.FromConfig(cfg.Health.Checks, time.Duration(cfg.Health.CheckTimeout)*time.Second)
	if err != nil {
		return nil, err
	}
	a.prober = health.NewProber(checks,
		time.Duration(cfg.Health.ProbeInterval)*time.Second,
		time.Duration(cfg.Health.CheckTimeout)*time.Second,
		logging.WithComponent("health"))

	// The channel advertises the machine's role, but the machine consumes the
	// channel's peer view. The closure breaks the construction cycle: it only
	// runs once everything is started.
	a.channel, err = heartbeat.NewChannel(heartbeat.Config{
		NodeID:     cfg.NodeID,
		Priority:   cfg.Priority,
		PeerAddr:   cfg.HeartbeatAddr(),
		ListenAddr: fmt.Sprintf(":%d", cfg.Peer.HeartbeatPort),
		Interval:   time.Duration(cfg.Peer.HeartbeatInterval) * time.Second,
		LivenessTimeout: time.Duration(cfg.Peer.LivenessFactor) *
			time.Duration(cfg.Peer.HeartbeatInterval) * time.Second,
		Local: func() (pair.Role, health.Status) {
			if a.machine == nil {
				return pair.RoleInit, health.StatusUnknown
			}
			return a.machine.Role(), a.prober.Latest().Overall
		},
	}, logging.WithComponent("heartbeat"))
	if err != nil {
		return nil, err
	}

	binder, err := vip.NewBinder(cfg.VirtualIP.Address, cfg.VirtualIP.Interface, cfg.VirtualIP.Label)
	if err != nil {
		return nil, err
	}

	a.machine, err = failover.NewMachine(failover.Config{
		NodeID:   cfg.NodeID,
		Priority: cfg.Priority,
		Binder:   binder,
		Health:   a.prober,
		Peer:     a.channel,
		Interval: time.Duration(cfg.Health.ProbeInterval) * time.Second,
	}, logging.WithComponent("failover"))
	if err != nil {
		return nil, err
	}

	if cfg.Replication != nil {
		a.repl, err = replicator.NewReplicator(replicator.Config{
			Roots:      cfg.Replication.Paths,
			PeerAddr:   cfg.TransferAddr(),
			ListenAddr: cfg.ReplicationListenAddr(),
			Debounce:   time.Duration(cfg.Replication.DebounceWindow) * time.Second,
			Role:       a.machine.Role,
		}, logging.WithComponent("replicator"))
		if err != nil {
			return nil, err
		}

		// A fresh master cannot assume the backup saw every change it made
		// while passive, so promotion always pushes the whole tree.
		a.machine.OnPromote(a.repl.TriggerFullResync)
	}

	if err := a.registerMetrics(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Agent) registerMetrics() error {
	if err := a.prober.RegisterMetrics(a.registry); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to register health metrics")
	}
	if err := a.channel.RegisterMetrics(a.registry); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to register heartbeat metrics")
	}
	if err := a.machine.RegisterMetrics(a.registry); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to register failover metrics")
	}
	if a.repl != nil {
		if err := a.repl.RegisterMetrics(a.registry); err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to register replicator metrics")
		}
	}
	return nil
}

// Start brings the components up. On error everything already started is
// torn down again.
func (a *Agent) Start() error {
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if err := a.channel.Start(); err != nil {
		a.cancel()
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.prober.Run(a.ctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.machine.Run(a.ctx)
	}()

	if a.repl != nil {
		if err := a.repl.Start(); err != nil {
			a.cancel()
			a.channel.Stop()
			a.wg.Wait()
			return err
		}
	}

	if a.cfg.Metrics != nil && a.cfg.Metrics.Enabled {
		a.startMetricsListener()
	}

	a.logger.Info("Agent started",
		"node_id", a.cfg.NodeID,
		"priority", a.cfg.Priority,
		"virtual_ip", a.cfg.VirtualIP.Address,
		"peer", a.cfg.Peer.Address)
	return nil
}

func (a *Agent) startMetricsListener() {
	listen := a.cfg.Metrics.Listen
	if listen == "" {
		listen = ":9222"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.metricsSrv = &http.Server{Addr: listen, Handler: mux}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("Metrics listener started", "addr", listen)
		if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("Metrics listener failed", "error", err)
		}
	}()
}

// Stop shuts the agent down. Loops stop at their next iteration boundary; an
// in-flight bind, unbind or transfer completes rather than being aborted.
func (a *Agent) Stop() {
	a.logger.Info("Agent stopping")
	if a.cancel != nil {
		a.cancel()
	}
	if a.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if a.repl != nil {
		a.repl.Stop()
	}
	a.channel.Stop()
	a.wg.Wait()
	a.logger.Info("Agent stopped")
}

// TriggerFailover manually promotes this node if it is a healthy backup.
func (a *Agent) TriggerFailover(ctx context.Context) error {
	return a.machine.TriggerFailover(ctx)
}

// Status is a point-in-time view of the whole node.
type Status struct {
	Identity    failover.Identity   `json:"identity"`
	Health      health.Verdict      `json:"health"`
	Peer        heartbeat.PeerState `json:"peer"`
	Replication *replicator.Status  `json:"replication,omitempty"`
}

// Status aggregates the component views.
func (a *Agent) Status() Status {
	s := Status{
		Identity: a.machine.Identity(),
		Health:   a.prober.Latest(),
		Peer:     a.channel.PeerView(),
	}
	if a.repl != nil {
		rs := a.repl.Status()
		s.Replication = &rs
	}
	return s
}
