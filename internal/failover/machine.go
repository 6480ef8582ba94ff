// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package failover owns the node's role and drives virtual-address ownership.
// The state machine evaluates once per probe interval against a single
// consistent snapshot of local health and peer state, so a decision never
// interleaves two different observations.
package failover

import (
	"context"
	"sync"
	"time"

	"grimm.is/failsafe/internal/clock"
	"grimm.is/failsafe/internal/errors"
	"grimm.is/failsafe/internal/health"
	"grimm.is/failsafe/internal/heartbeat"
	"grimm.is/failsafe/internal/logging"
	"grimm.is/failsafe/internal/pair"
	"grimm.is/failsafe/internal/vip"
)

// DefaultEvaluationInterval matches the default health probe interval.
const DefaultEvaluationInterval = 2 * time.Second

// Identity is the node's failover identity. It is owned exclusively by the
// Machine and mutated only through transitions.
type Identity struct {
	NodeID         string    `json:"node_id"`
	Role           pair.Role `json:"role"`
	Priority       int       `json:"priority"`
	LastTransition time.Time `json:"last_transition"`
}

// HealthSource supplies the freshest local health verdict without blocking.
// Satisfied by *health.Prober.
type HealthSource interface {
	Latest() health.Verdict
}

// PeerSource supplies the freshest peer view without blocking. Satisfied by
// *heartbeat.Channel.
type PeerSource interface {
	PeerView() heartbeat.PeerState
}

// Config configures a Machine.
type Config struct {
	NodeID   string
	Priority int

	// Binder owns the virtual address side effect.
	Binder vip.Binder

	// Health supplies local verdicts; Peer supplies the peer view.
	Health HealthSource
	Peer   PeerSource

	// Interval between evaluation cycles (default: 2s).
	Interval time.Duration
}

// Machine is the failover state machine. The only start state is init; fault
// is reachable from every state and re-evaluated each cycle.
type Machine struct {
	cfg     Config
	logger  *logging.Logger
	metrics *machineMetrics
	clk     clock.Clock

	mu             sync.RWMutex
	role           pair.Role
	lastTransition time.Time

	// Promotion/demotion hooks, registered before Run. The replicator's
	// full-resync trigger hangs off onPromote.
	onPromote []func()
	onDemote  []func()
}

// NewMachine creates a state machine in the init role.
func NewMachine(cfg Config, logger *logging.Logger) (*Machine, error) {
	if cfg.NodeID == "" {
		return nil, errors.New(errors.KindValidation, "failover: node ID is required")
	}
	if cfg.Binder == nil {
		return nil, errors.New(errors.KindValidation, "failover: binder is required")
	}
	if cfg.Health == nil || cfg.Peer == nil {
		return nil, errors.New(errors.KindValidation, "failover: health and peer sources are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultEvaluationInterval
	}
	if logger == nil {
		logger = logging.WithComponent("failover")
	}

	m := &Machine{
		cfg:     cfg,
		logger:  logger,
		metrics: newMachineMetrics(),
		clk:     clock.RealClock{},
		role:    pair.RoleInit,
	}
	m.metrics.setRole(pair.RoleInit)
	return m, nil
}

// Role returns the current role.
func (m *Machine) Role() pair.Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.role
}

// Identity returns a snapshot of the node's failover identity.
func (m *Machine) Identity() Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Identity{
		NodeID:         m.cfg.NodeID,
		Role:           m.role,
		Priority:       m.cfg.Priority,
		LastTransition: m.lastTransition,
	}
}

// OnPromote registers a hook fired after the node becomes master. Must be
// called before Run.
func (m *Machine) OnPromote(fn func()) {
	m.onPromote = append(m.onPromote, fn)
}

// OnDemote registers a hook fired after the node leaves master. Must be
// called before Run.
func (m *Machine) OnDemote(fn func()) {
	m.onDemote = append(m.onDemote, fn)
}

// Run evaluates the state machine once per interval until the context is
// cancelled. An in-flight bind or unbind completes rather than being aborted
// mid-operation.
func (m *Machine) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

// Evaluate performs one transition decision against a single snapshot of
// local health and peer state. Every failure is handled here; one failing
// cycle never cascades into the next.
func (m *Machine) Evaluate(ctx context.Context) {
	verdict := m.cfg.Health.Latest()
	peer := m.cfg.Peer.PeerView()

	switch m.Role() {
	case pair.RoleInit:
		m.evaluateInit(ctx, verdict, peer)
	case pair.RoleMaster:
		m.evaluateMaster(ctx, verdict, peer)
	case pair.RoleBackup:
		m.evaluateBackup(ctx, verdict, peer)
	case pair.RoleFault:
		m.evaluateFault(ctx, verdict, peer)
	}
}

func (m *Machine) evaluateInit(ctx context.Context, verdict health.Verdict, peer heartbeat.PeerState) {
	if verdict.Overall == health.StatusUnknown {
		return // wait for the first probe cycle
	}
	if !verdict.Overall.Serving() {
		m.transition(pair.RoleFault, "local health unhealthy")
		return
	}

	switch {
	case !peer.Reachable():
		m.promote(ctx, "peer unreachable at startup")
	case peer.Role == pair.RoleMaster:
		if peer.Priority >= m.cfg.Priority {
			m.transition(pair.RoleBackup, "peer is master with equal or higher priority")
		} else {
			m.promote(ctx, "peer claims master with lower priority")
		}
	case peer.Role == pair.RoleBackup || peer.Role == pair.RoleFault:
		m.promote(ctx, "peer is standing by")
	case peer.Priority < m.cfg.Priority:
		m.promote(ctx, "peer advertises lower priority")
	case pair.WinsElection(m.cfg.NodeID, m.cfg.Priority, peer.NodeID, peer.Priority):
		m.promote(ctx, "won startup election")
	default:
		// Lost the startup election; hold init until the peer claims master.
	}
}

func (m *Machine) evaluateMaster(ctx context.Context, verdict health.Verdict, peer heartbeat.PeerState) {
	if !verdict.Overall.Serving() {
		m.demote(ctx, pair.RoleFault, "local health unhealthy")
		return
	}

	// Split-brain: both nodes claim master. The loser of the deterministic
	// election steps down immediately.
	if peer.Role == pair.RoleMaster {
		m.logger.Error("Split-brain detected, both nodes claim master",
			"local_priority", m.cfg.Priority,
			"peer", peer.NodeID,
			"peer_priority", peer.Priority)
		m.metrics.splitBrain.Inc()

		if !pair.WinsElection(m.cfg.NodeID, m.cfg.Priority, peer.NodeID, peer.Priority) {
			m.demote(ctx, pair.RoleBackup, "split-brain resolution, lost election")
			return
		}
		// Won the election: the peer steps down.
	}

	// Re-assert the binding every cycle: a bind that failed during promotion
	// or an address removed out-of-band is repaired here.
	if err := m.ensureBound(ctx); err != nil {
		m.logger.Error("Virtual address re-bind failed", "error", err)
	}
}

func (m *Machine) evaluateBackup(ctx context.Context, verdict health.Verdict, peer heartbeat.PeerState) {
	if !verdict.Overall.Serving() {
		m.transition(pair.RoleFault, "local health unhealthy")
		return
	}

	switch {
	case !peer.Reachable():
		m.promote(ctx, "peer unreachable beyond liveness timeout")
	case peer.Health == health.StatusUnhealthy:
		m.promote(ctx, "peer reports unhealthy")
	case peer.Role == pair.RoleFault:
		m.promote(ctx, "peer claims fault")
	}
}

func (m *Machine) evaluateFault(ctx context.Context, verdict health.Verdict, peer heartbeat.PeerState) {
	if !verdict.Overall.Serving() {
		return // still unhealthy, re-evaluate next cycle
	}

	switch {
	case peer.Role == pair.RoleMaster:
		m.transition(pair.RoleBackup, "recovered, peer confirmed master")
	case !peer.Reachable():
		// Both-down recovery with no live peer view: claim the address.
		m.promote(ctx, "recovered, peer unreachable")
	case peer.Role == pair.RoleFault:
		if pair.WinsElection(m.cfg.NodeID, m.cfg.Priority, peer.NodeID, peer.Priority) {
			m.promote(ctx, "recovered, won both-down election")
		}
		// Lost: hold fault until the peer claims master.
	default:
		// Peer is init or backup: hold fault; the peer promotes on seeing
		// our fault claim and we follow it as backup next cycle.
	}
}

// TriggerFailover manually promotes a healthy backup (for maintenance).
func (m *Machine) TriggerFailover(ctx context.Context) error {
	if m.Role() != pair.RoleBackup {
		return errors.Errorf(errors.KindConflict,
			"manual failover requires backup role, currently %s", m.Role())
	}
	if !m.cfg.Health.Latest().Overall.Serving() {
		return errors.New(errors.KindUnavailable, "local health does not permit promotion")
	}
	m.promote(ctx, "manual failover")
	if m.Role() != pair.RoleMaster {
		return errors.New(errors.KindUnavailable, "promotion failed, see log")
	}
	return nil
}

// promote binds the virtual address and claims master. If the bind fails or
// cannot be verified the node keeps its prior role and retries next cycle;
// a bind failure is never reported as a health problem.
func (m *Machine) promote(ctx context.Context, reason string) {
	if err := m.ensureBound(ctx); err != nil {
		m.logger.Error("Refusing to claim master, virtual address bind failed",
			"reason", reason,
			"error", err)
		m.metrics.bindFailures.Inc()
		return
	}

	m.transition(pair.RoleMaster, reason)

	for _, fn := range m.onPromote {
		fn()
	}
}

// demote unbinds the virtual address first, before any other side effect, to
// shrink the window in which both nodes hold the address. If the unbind fails
// the node keeps master and retries next cycle; the peer's split-brain
// handling covers the overlap.
func (m *Machine) demote(ctx context.Context, to pair.Role, reason string) {
	if err := m.ensureUnbound(ctx); err != nil {
		m.logger.Error("Virtual address unbind failed, holding role",
			"to", to,
			"reason", reason,
			"error", err)
		m.metrics.bindFailures.Inc()
		return
	}

	m.transition(to, reason)

	for _, fn := range m.onDemote {
		fn()
	}
}

// ensureBound binds idempotently and re-verifies, never trusting the bind
// call alone.
func (m *Machine) ensureBound(ctx context.Context) error {
	if err := m.cfg.Binder.Bind(ctx); err != nil {
		return err
	}
	bound, err := m.cfg.Binder.IsBound()
	if err != nil {
		return err
	}
	if !bound {
		return errors.Errorf(errors.KindUnavailable,
			"%s not present after bind", m.cfg.Binder.Address())
	}
	return nil
}

func (m *Machine) ensureUnbound(ctx context.Context) error {
	if err := m.cfg.Binder.Unbind(ctx); err != nil {
		return err
	}
	bound, err := m.cfg.Binder.IsBound()
	if err != nil {
		return err
	}
	if bound {
		return errors.Errorf(errors.KindConflict,
			"%s still present after unbind", m.cfg.Binder.Address())
	}
	return nil
}

// transition records a role change. No transition is silent.
func (m *Machine) transition(to pair.Role, reason string) {
	m.mu.Lock()
	from := m.role
	if from == to {
		m.mu.Unlock()
		return
	}
	m.role = to
	m.lastTransition = m.clk.Now()
	m.mu.Unlock()

	m.logger.Info("Role transition",
		"from", from,
		"to", to,
		"reason", reason)
	m.metrics.transitions.WithLabelValues(string(from), string(to)).Inc()
	m.metrics.setRole(to)
}
