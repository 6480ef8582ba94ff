// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package agent

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/failsafe/internal/config"
	"grimm.is/failsafe/internal/health"
	"grimm.is/failsafe/internal/pair"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	hcl := `
node_id  = "node-a"
priority = 150

virtual_ip {
  address   = "192.0.2.10/24"
  interface = "lo"
}

peer {
  address = "192.0.2.2"
}

health {
  check "daemon" {
    type     = "process"
    target   = "systemd"
    critical = true
  }
}

replication {
  paths = ["` + filepath.Join(dir, "sync") + `"]
}
`
	path := filepath.Join(dir, "failsafe.hcl")
	require.NoError(t, os.WriteFile(path, []byte(hcl), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sync"), 0o755))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestNewWiresComponents(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("virtual address binding requires linux")
	}

	a, err := New(testConfig(t))
	require.NoError(t, err)

	st := a.Status()
	assert.Equal(t, "node-a", st.Identity.NodeID)
	assert.Equal(t, 150, st.Identity.Priority)
	assert.Equal(t, pair.RoleInit, st.Identity.Role, "role before start")
	assert.Equal(t, health.StatusUnknown, st.Health.Overall, "health before first probe")
	assert.False(t, st.Peer.Reachable(), "peer before start")

	require.NotNil(t, st.Replication)
	assert.Equal(t, uint64(0), st.Replication.Generation)
}

func TestNewRejectsBadCheck(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("virtual address binding requires linux")
	}

	cfg := testConfig(t)
	cfg.Health.Checks[0].Type = "nope"

	_, err := New(cfg)
	assert.Error(t, err)
}
