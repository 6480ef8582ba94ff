// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "failsafe.hcl")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

const minimalConfig = `
virtual_ip {
  address   = "192.168.1.10/24"
  interface = "eth0"
}

peer {
  address = "192.168.1.2"
}
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.NodeID == "" {
		t.Error("NodeID should be defaulted")
	}
	if cfg.Priority != DefaultPriority {
		t.Errorf("Priority = %d, want %d", cfg.Priority, DefaultPriority)
	}
	if cfg.Peer.HeartbeatPort != DefaultHeartbeatPort {
		t.Errorf("HeartbeatPort = %d, want %d", cfg.Peer.HeartbeatPort, DefaultHeartbeatPort)
	}
	if cfg.Peer.LivenessFactor != DefaultLivenessFactor {
		t.Errorf("LivenessFactor = %d, want %d", cfg.Peer.LivenessFactor, DefaultLivenessFactor)
	}
	if cfg.Health.ProbeInterval != DefaultProbeInterval {
		t.Errorf("ProbeInterval = %d, want %d", cfg.Health.ProbeInterval, DefaultProbeInterval)
	}
	if cfg.HeartbeatAddr() != "192.168.1.2:9220" {
		t.Errorf("HeartbeatAddr() = %s, want 192.168.1.2:9220", cfg.HeartbeatAddr())
	}
	if cfg.TransferAddr() != "192.168.1.2:9221" {
		t.Errorf("TransferAddr() = %s, want 192.168.1.2:9221", cfg.TransferAddr())
	}
}

func TestLoadFull(t *testing.T) {
	body := `
node_id  = "fw-a"
priority = 150

virtual_ip {
  address   = "10.0.0.53/24"
  interface = "lan0"
  label     = "lan0:vip"
}

peer {
  address            = "10.0.0.2"
  heartbeat_port     = 9300
  transfer_port      = 9301
  heartbeat_interval = 2
  liveness_factor    = 4
}

health {
  probe_interval = 5
  check_timeout  = 3

  check "resolver" {
    type     = "process"
    target   = "unbound"
    critical = true
  }

  check "dns-query" {
    type   = "dns"
    target = "127.0.0.1:53"
    query  = "health.invalid."
  }

  check "disk" {
    type             = "disk"
    target           = "/var/lib"
    min_free_percent = 15
  }
}

replication {
  paths           = ["/etc/unbound", "/etc/blocklists"]
  debounce_window = 2
}

logging {
  level  = "debug"
  format = "json"
}

metrics {
  enabled = true
  listen  = ":9222"
}
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.NodeID != "fw-a" {
		t.Errorf("NodeID = %s, want fw-a", cfg.NodeID)
	}
	if cfg.Priority != 150 {
		t.Errorf("Priority = %d, want 150", cfg.Priority)
	}
	if len(cfg.Health.Checks) != 3 {
		t.Fatalf("Checks = %d, want 3", len(cfg.Health.Checks))
	}
	if !cfg.Health.Checks[0].Critical {
		t.Error("resolver check should be critical")
	}
	if cfg.Health.Checks[2].MinFreePercent != 15 {
		t.Errorf("MinFreePercent = %d, want 15", cfg.Health.Checks[2].MinFreePercent)
	}
	if cfg.Replication.DebounceWindow != 2 {
		t.Errorf("DebounceWindow = %d, want 2", cfg.Replication.DebounceWindow)
	}
	if cfg.HeartbeatAddr() != "10.0.0.2:9300" {
		t.Errorf("HeartbeatAddr() = %s, want 10.0.0.2:9300", cfg.HeartbeatAddr())
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "bad virtual ip",
			body: `
virtual_ip {
  address   = "not-an-address"
  interface = "eth0"
}
peer { address = "10.0.0.2" }
`,
		},
		{
			name: "peer address with port",
			body: `
virtual_ip {
  address   = "10.0.0.53/24"
  interface = "eth0"
}
peer { address = "10.0.0.2:9000" }
`,
		},
		{
			name: "unknown check type",
			body: `
virtual_ip {
  address   = "10.0.0.53/24"
  interface = "eth0"
}
peer { address = "10.0.0.2" }
health {
  check "x" {
    type   = "teleport"
    target = "y"
  }
}
`,
		},
		{
			name: "replication without paths",
			body: `
virtual_ip {
  address   = "10.0.0.53/24"
  interface = "eth0"
}
peer { address = "10.0.0.2" }
replication { paths = [] }
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("Load() should have failed")
			}
		})
	}
}
