// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config provides HCL configuration handling for the failsafe daemon.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/failsafe/internal/errors"
)

// Default configuration values.
const (
	DefaultPriority          = 100
	DefaultHeartbeatInterval = 1 // seconds
	DefaultLivenessFactor    = 3 // liveness timeout = factor * heartbeat interval
	DefaultProbeInterval     = 2 // seconds
	DefaultCheckTimeout      = 2 // seconds
	DefaultDebounceWindow    = 1 // seconds
	DefaultHeartbeatPort     = 9220
	DefaultTransferPort      = 9221
)

// Config is the root configuration for a failsafe node.
type Config struct {
	// NodeID uniquely identifies this node. Defaults to the hostname; a
	// random ID is generated if the hostname cannot be determined.
	NodeID string `hcl:"node_id,optional" json:"node_id,omitempty"`

	// Priority determines election order (higher wins). Default: 100.
	Priority int `hcl:"priority,optional" json:"priority,omitempty"`

	VirtualIP   VirtualIP          `hcl:"virtual_ip,block" json:"virtual_ip"`
	Peer        PeerConfig         `hcl:"peer,block" json:"peer"`
	Health      *HealthConfig      `hcl:"health,block" json:"health,omitempty"`
	Replication *ReplicationConfig `hcl:"replication,block" json:"replication,omitempty"`
	Logging     *LoggingConfig     `hcl:"logging,block" json:"logging,omitempty"`
	Metrics     *MetricsConfig     `hcl:"metrics,block" json:"metrics,omitempty"`
}

// VirtualIP defines the shared address owned by whichever node is MASTER.
// The address is added to the interface on promotion and removed on demotion.
type VirtualIP struct {
	// Address is the virtual IP in CIDR notation (e.g. "192.168.1.10/24").
	Address string `hcl:"address" json:"address"`

	// Interface is the network interface carrying the address (e.g. "eth0").
	Interface string `hcl:"interface" json:"interface"`

	// Label is an optional interface label (e.g. "eth0:vip").
	Label string `hcl:"label,optional" json:"label,omitempty"`
}

// PeerConfig identifies the other node of the pair.
type PeerConfig struct {
	// Address is the peer's reachable host (no port).
	Address string `hcl:"address" json:"address"`

	// HeartbeatPort is the UDP port for heartbeat exchange (default: 9220).
	HeartbeatPort int `hcl:"heartbeat_port,optional" json:"heartbeat_port,omitempty"`

	// TransferPort is the TCP port for replication transfers (default: 9221).
	TransferPort int `hcl:"transfer_port,optional" json:"transfer_port,omitempty"`

	// HeartbeatInterval is seconds between heartbeats (default: 1).
	HeartbeatInterval int `hcl:"heartbeat_interval,optional" json:"heartbeat_interval,omitempty"`

	// LivenessFactor is how many heartbeat intervals of silence mark the
	// peer unreachable (default: 3).
	LivenessFactor int `hcl:"liveness_factor,optional" json:"liveness_factor,omitempty"`
}

// HealthConfig configures the health probe.
type HealthConfig struct {
	// ProbeInterval is seconds between probe cycles (default: 2).
	ProbeInterval int `hcl:"probe_interval,optional" json:"probe_interval,omitempty"`

	// CheckTimeout is the per-check timeout in seconds (default: 2).
	CheckTimeout int `hcl:"check_timeout,optional" json:"check_timeout,omitempty"`

	// Checks is the ordered list of named checks to evaluate each cycle.
	Checks []CheckConfig `hcl:"check,block" json:"check,omitempty"`
}

// CheckConfig defines a single named health check.
type CheckConfig struct {
	// Name identifies the check in verdicts and logs.
	Name string `hcl:"name,label" json:"name"`

	// Type selects the check implementation:
	// "process", "port", "dns", "disk", "ping".
	Type string `hcl:"type" json:"type"`

	// Target is the check subject: a process name, a host:port, a DNS
	// server address, a filesystem path, or a pingable host.
	Target string `hcl:"target" json:"target"`

	// Query is the FQDN to resolve (dns checks only).
	Query string `hcl:"query,optional" json:"query,omitempty"`

	// MinFreePercent is the disk headroom threshold (disk checks only,
	// default: 10).
	MinFreePercent int `hcl:"min_free_percent,optional" json:"min_free_percent,omitempty"`

	// Critical marks the check as failover-relevant: a failing critical
	// check makes the node UNHEALTHY rather than DEGRADED.
	Critical bool `hcl:"critical,optional" json:"critical,omitempty"`

	// Timeout overrides the global check timeout, in seconds.
	Timeout int `hcl:"timeout,optional" json:"timeout,omitempty"`
}

// ReplicationConfig configures the config replicator.
type ReplicationConfig struct {
	// Paths are the configuration directories kept identical on both nodes.
	Paths []string `hcl:"paths" json:"paths"`

	// DebounceWindow is seconds to batch filesystem changes (default: 1).
	DebounceWindow int `hcl:"debounce_window,optional" json:"debounce_window,omitempty"`

	// ListenAddr overrides the replication listen address
	// (default: ":<peer.transfer_port>").
	ListenAddr string `hcl:"listen_addr,optional" json:"listen_addr,omitempty"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `hcl:"level,optional" json:"level,omitempty"`
	Format string `hcl:"format,optional" json:"format,omitempty"`
}

// MetricsConfig configures the Prometheus metrics listener.
type MetricsConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled,omitempty"`
	Listen  string `hcl:"listen,optional" json:"listen,omitempty"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "failed to parse %s", path)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.NodeID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.NodeID = host
		} else {
			c.NodeID = "node-" + uuid.NewString()[:8]
		}
	}
	if c.Priority <= 0 {
		c.Priority = DefaultPriority
	}

	if c.Peer.HeartbeatPort <= 0 {
		c.Peer.HeartbeatPort = DefaultHeartbeatPort
	}
	if c.Peer.TransferPort <= 0 {
		c.Peer.TransferPort = DefaultTransferPort
	}
	if c.Peer.HeartbeatInterval <= 0 {
		c.Peer.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Peer.LivenessFactor <= 0 {
		c.Peer.LivenessFactor = DefaultLivenessFactor
	}

	if c.Health == nil {
		c.Health = &HealthConfig{}
	}
	if c.Health.ProbeInterval <= 0 {
		c.Health.ProbeInterval = DefaultProbeInterval
	}
	if c.Health.CheckTimeout <= 0 {
		c.Health.CheckTimeout = DefaultCheckTimeout
	}

	if c.Replication != nil && c.Replication.DebounceWindow <= 0 {
		c.Replication.DebounceWindow = DefaultDebounceWindow
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.VirtualIP.Address == "" {
		return errors.New(errors.KindValidation, "virtual_ip.address is required")
	}
	if _, _, err := net.ParseCIDR(c.VirtualIP.Address); err != nil {
		return errors.Wrapf(err, errors.KindValidation,
			"virtual_ip.address %q is not valid CIDR notation", c.VirtualIP.Address)
	}
	if c.VirtualIP.Interface == "" {
		return errors.New(errors.KindValidation, "virtual_ip.interface is required")
	}
	if c.Peer.Address == "" {
		return errors.New(errors.KindValidation, "peer.address is required")
	}
	if strings.Contains(c.Peer.Address, ":") {
		return errors.Errorf(errors.KindValidation,
			"peer.address %q must be a host without port", c.Peer.Address)
	}

	for i, chk := range c.Health.Checks {
		if chk.Name == "" {
			return errors.Errorf(errors.KindValidation, "health check %d has no name", i)
		}
		switch chk.Type {
		case "process", "port", "dns", "disk", "ping":
		default:
			return errors.Errorf(errors.KindValidation,
				"health check %q has unknown type %q", chk.Name, chk.Type)
		}
		if chk.Target == "" {
			return errors.Errorf(errors.KindValidation,
				"health check %q has no target", chk.Name)
		}
	}

	if c.Replication != nil && len(c.Replication.Paths) == 0 {
		return errors.New(errors.KindValidation, "replication.paths must not be empty")
	}

	return nil
}

// HeartbeatAddr returns the peer's heartbeat endpoint as host:port.
func (c *Config) HeartbeatAddr() string {
	return net.JoinHostPort(c.Peer.Address, fmt.Sprintf("%d", c.Peer.HeartbeatPort))
}

// TransferAddr returns the peer's replication endpoint as host:port.
func (c *Config) TransferAddr() string {
	return net.JoinHostPort(c.Peer.Address, fmt.Sprintf("%d", c.Peer.TransferPort))
}

// ReplicationListenAddr returns the local replication listen address.
func (c *Config) ReplicationListenAddr() string {
	if c.Replication != nil && c.Replication.ListenAddr != "" {
		return c.Replication.ListenAddr
	}
	return fmt.Sprintf(":%d", c.Peer.TransferPort)
}
