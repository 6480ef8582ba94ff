// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestTextOutputCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Format: "text", Output: &buf}).
		WithComponent("heartbeat")

	logger.Info("Peer connected", "peer", "node-b")

	out := buf.String()
	if !strings.Contains(out, "component=heartbeat") {
		t.Errorf("output missing component attribute: %s", out)
	}
	if !strings.Contains(out, "peer=node-b") {
		t.Errorf("output missing kv attribute: %s", out)
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Format: "json", Output: &buf}).
		WithComponent("failover")

	logger.Info("Role transition", "from", "backup", "to", "master")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["component"] != "failover" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["from"] != "backup" || entry["to"] != "master" {
		t.Errorf("attributes = %v", entry)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Format: "text", Output: &buf})

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("below-threshold entries emitted: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn entry missing: %s", out)
	}
}

func TestSetDefaultPropagates(t *testing.T) {
	orig := Default()
	defer SetDefault(orig)

	var buf bytes.Buffer
	SetDefault(New(Config{Level: LevelInfo, Format: "text", Output: &buf}))

	WithComponent("test").Info("via default")
	if !strings.Contains(buf.String(), "via default") {
		t.Error("WithComponent did not use the new default logger")
	}
}
