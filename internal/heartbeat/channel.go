// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package heartbeat maintains the lightweight UDP session with the peer node.
// It exchanges role claims and health verdicts on a fixed interval and exposes
// the freshest peer view to the state machine. Transient loss is absorbed by
// the next tick, never by retry loops.
package heartbeat

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"grimm.is/failsafe/internal/clock"
	"grimm.is/failsafe/internal/errors"
	"grimm.is/failsafe/internal/health"
	"grimm.is/failsafe/internal/logging"
	"grimm.is/failsafe/internal/pair"
)

// StatusUnreachable is the health a peer reads as once its heartbeats stop.
const StatusUnreachable health.Status = "unreachable"

// Default channel configuration.
const (
	DefaultInterval       = 1 * time.Second
	DefaultLivenessFactor = 3
	DefaultSendTimeout    = 500 * time.Millisecond
)

// Message is the periodic heartbeat payload. Its size is bounded and
// independent of the configuration tree.
type Message struct {
	NodeID    string        `json:"node_id"`
	Seq       uint64        `json:"sequence"`
	Role      pair.Role     `json:"role"`
	Priority  int           `json:"priority"`
	Health    health.Status `json:"health_overall"`
	Timestamp time.Time     `json:"timestamp"`
}

// PeerState is the last-known view of the peer node. Once a peer has been
// seen it is never deleted, only marked stale, so "never connected" stays
// distinguishable from "lost".
type PeerState struct {
	NodeID   string        `json:"peer_node_id"`
	Role     pair.Role     `json:"peer_role"`
	Health   health.Status `json:"peer_health"`
	Priority int           `json:"peer_priority"`
	LastSeen time.Time     `json:"last_seen"`
	LastSeq  uint64        `json:"last_seq"`
}

// Reachable reports whether the view represents a live peer.
func (p PeerState) Reachable() bool {
	return p.Role.Claims()
}

// LocalState provides the sender's current role and health snapshot.
type LocalState func() (pair.Role, health.Status)

// Config configures a Channel.
type Config struct {
	NodeID     string
	Priority   int
	PeerAddr   string // host:port of the peer's heartbeat listener
	ListenAddr string // local listen address (":port")

	// Interval between heartbeats (default: 1s).
	Interval time.Duration

	// LivenessTimeout is the maximum silence before the peer is considered
	// unreachable (default: 3 x Interval). It must exceed one lost packet's
	// worth of jitter to avoid flapping.
	LivenessTimeout time.Duration

	// Local supplies the role and health advertised in outgoing heartbeats.
	Local LocalState
}

// Channel exchanges heartbeats with the peer node.
type Channel struct {
	cfg     Config
	logger  *logging.Logger
	metrics *channelMetrics
	clk     clock.Clock

	mu   sync.RWMutex
	peer PeerState
	seen bool

	seq uint64 // touched only by the sender loop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sendConn *net.UDPConn
	recvConn *net.UDPConn
}

// NewChannel creates a heartbeat channel. Defaults are applied for zero
// interval and liveness timeout.
func NewChannel(cfg Config, logger *logging.Logger) (*Channel, error) {
	if cfg.NodeID == "" {
		return nil, errors.New(errors.KindValidation, "heartbeat: node ID is required")
	}
	if cfg.Local == nil {
		return nil, errors.New(errors.KindValidation, "heartbeat: local state provider is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = time.Duration(DefaultLivenessFactor) * cfg.Interval
	}
	if logger == nil {
		logger = logging.WithComponent("heartbeat")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:     cfg,
		logger:  logger,
		metrics: newChannelMetrics(),
		clk:     clock.RealClock{},
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start opens the sockets and begins the sender and receiver loops.
func (c *Channel) Start() error {
	addr, err := net.ResolveUDPAddr("udp", c.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, errors.KindValidation, "failed to resolve listen address %s", c.cfg.ListenAddr)
	}
	c.recvConn, err = net.ListenUDP("udp", addr)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to listen for heartbeats")
	}

	peerAddr, err := net.ResolveUDPAddr("udp", c.cfg.PeerAddr)
	if err != nil {
		c.recvConn.Close()
		return errors.Wrapf(err, errors.KindValidation, "failed to resolve peer address %s", c.cfg.PeerAddr)
	}
	c.sendConn, err = net.DialUDP("udp", nil, peerAddr)
	if err != nil {
		c.recvConn.Close()
		return errors.Wrap(err, errors.KindUnavailable, "failed to open heartbeat socket to peer")
	}

	c.logger.Info("Heartbeat channel started",
		"listen", c.cfg.ListenAddr,
		"peer", c.cfg.PeerAddr,
		"interval", c.cfg.Interval,
		"liveness_timeout", c.cfg.LivenessTimeout)

	c.wg.Add(2)
	go c.runSender()
	go c.runReceiver()
	return nil
}

// Stop closes the sockets and waits for both loops to exit.
func (c *Channel) Stop() {
	c.cancel()
	if c.sendConn != nil {
		c.sendConn.Close()
	}
	if c.recvConn != nil {
		c.recvConn.Close()
	}
	c.wg.Wait()
	c.logger.Info("Heartbeat channel stopped")
}

// PeerView returns the current peer view without blocking. A peer whose last
// heartbeat is older than the liveness timeout reads as role unknown and
// health unreachable while keeping its identity and LastSeen.
func (c *Channel) PeerView() PeerState {
	c.mu.RLock()
	peer := c.peer
	seen := c.seen
	c.mu.RUnlock()

	if !seen {
		return PeerState{Role: pair.RoleUnknown, Health: StatusUnreachable}
	}
	if c.clk.Since(peer.LastSeen) > c.cfg.LivenessTimeout {
		stale := peer
		stale.Role = pair.RoleUnknown
		stale.Health = StatusUnreachable
		c.metrics.peerReachable.Set(0)
		return stale
	}
	return peer
}

// LivenessTimeout returns the configured liveness timeout.
func (c *Channel) LivenessTimeout() time.Duration {
	return c.cfg.LivenessTimeout
}

// runSender sends one heartbeat per tick, fire-and-forget with a short write
// deadline. A failed send is logged and absorbed; the next tick carries the
// fresher state anyway.
func (c *Channel) runSender() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendHeartbeat(); err != nil {
				c.logger.Warn("Failed to send heartbeat", "error", err)
			}
		}
	}
}

func (c *Channel) sendHeartbeat() error {
	role, hs := c.cfg.Local()
	c.seq++
	msg := Message{
		NodeID:    c.cfg.NodeID,
		Seq:       c.seq,
		Role:      role,
		Priority:  c.cfg.Priority,
		Health:    hs,
		Timestamp: c.clk.Now(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.sendConn.SetWriteDeadline(c.clk.Now().Add(DefaultSendTimeout))
	if _, err := c.sendConn.Write(data); err != nil {
		return err
	}
	c.metrics.sent.Inc()
	return nil
}

// runReceiver reads heartbeats until the socket closes. The read deadline
// keeps the loop responsive to shutdown.
func (c *Channel) runReceiver() {
	defer c.wg.Done()

	buf := make([]byte, 2048)
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.recvConn.SetReadDeadline(c.clk.Now().Add(500 * time.Millisecond))
		n, _, err := c.recvConn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-c.ctx.Done():
				return
			default:
				c.logger.Warn("Error receiving heartbeat", "error", err)
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			c.logger.Warn("Discarding malformed heartbeat", "error", err)
			c.metrics.discarded.Inc()
			continue
		}
		c.handleHeartbeat(msg)
	}
}

// handleHeartbeat updates the peer view. Duplicate or out-of-order sequence
// numbers are discarded so PeerState never moves backwards; a sequence reset
// to 1 is accepted as a peer restart, and so is any lower sequence arriving
// after the view has gone stale.
func (c *Channel) handleHeartbeat(msg Message) {
	if msg.NodeID == c.cfg.NodeID {
		c.logger.Warn("Received own heartbeat; check peer address configuration")
		c.metrics.discarded.Inc()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seen && msg.NodeID == c.peer.NodeID && msg.Seq <= c.peer.LastSeq {
		// The seq=1 packet after a restart can itself be lost over UDP. Once
		// the view is stale the old sequence is from a dead incarnation, so a
		// lower sequence is a restart too, not reordering.
		restarted := (msg.Seq == 1 && c.peer.LastSeq > 1) ||
			c.clk.Since(c.peer.LastSeen) > c.cfg.LivenessTimeout
		if !restarted {
			c.logger.Debug("Discarding stale heartbeat",
				"seq", msg.Seq, "last_seq", c.peer.LastSeq)
			c.metrics.discarded.Inc()
			return
		}
		c.logger.Info("Peer heartbeat sequence reset, peer restarted",
			"peer", msg.NodeID, "seq", msg.Seq, "last_seq", c.peer.LastSeq)
	}

	c.peer = PeerState{
		NodeID:   msg.NodeID,
		Role:     msg.Role,
		Health:   msg.Health,
		Priority: msg.Priority,
		LastSeen: c.clk.Now(),
		LastSeq:  msg.Seq,
	}
	c.seen = true
	c.metrics.received.Inc()
	c.metrics.peerReachable.Set(1)
}
