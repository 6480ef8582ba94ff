// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package heartbeat

import (
	"testing"
	"time"

	"grimm.is/failsafe/internal/clock"
	"grimm.is/failsafe/internal/health"
	"grimm.is/failsafe/internal/pair"
)

func testChannel(t *testing.T) (*Channel, *clock.MockClock) {
	t.Helper()
	ch, err := NewChannel(Config{
		NodeID:   "node-a",
		Priority: 100,
		Interval: time.Second,
		Local: func() (pair.Role, health.Status) {
			return pair.RoleBackup, health.StatusHealthy
		},
	}, nil)
	if err != nil {
		t.Fatalf("NewChannel() error = %v", err)
	}
	clk := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ch.clk = clk
	return ch, clk
}

func TestNewChannelValidation(t *testing.T) {
	_, err := NewChannel(Config{}, nil)
	if err == nil {
		t.Error("NewChannel() without node ID should fail")
	}

	_, err = NewChannel(Config{NodeID: "a"}, nil)
	if err == nil {
		t.Error("NewChannel() without local state provider should fail")
	}
}

func TestDefaultLivenessTimeout(t *testing.T) {
	ch, _ := testChannel(t)
	if ch.LivenessTimeout() != 3*time.Second {
		t.Errorf("LivenessTimeout() = %v, want 3s", ch.LivenessTimeout())
	}
}

func TestPeerViewNeverSeen(t *testing.T) {
	ch, _ := testChannel(t)

	view := ch.PeerView()
	if view.Role != pair.RoleUnknown {
		t.Errorf("Role = %s, want %s", view.Role, pair.RoleUnknown)
	}
	if view.Health != StatusUnreachable {
		t.Errorf("Health = %s, want %s", view.Health, StatusUnreachable)
	}
	if !view.LastSeen.IsZero() {
		t.Error("never-seen peer should have zero LastSeen")
	}
}

func TestPeerViewFreshAndStale(t *testing.T) {
	ch, clk := testChannel(t)

	ch.handleHeartbeat(Message{
		NodeID:   "node-b",
		Seq:      1,
		Role:     pair.RoleMaster,
		Priority: 150,
		Health:   health.StatusHealthy,
	})

	view := ch.PeerView()
	if view.Role != pair.RoleMaster {
		t.Errorf("Role = %s, want %s", view.Role, pair.RoleMaster)
	}
	if !view.Reachable() {
		t.Error("fresh peer should be reachable")
	}

	// Advance past the liveness timeout: the view goes stale but is never
	// deleted.
	clk.Advance(4 * time.Second)

	view = ch.PeerView()
	if view.Role != pair.RoleUnknown {
		t.Errorf("stale Role = %s, want %s", view.Role, pair.RoleUnknown)
	}
	if view.Health != StatusUnreachable {
		t.Errorf("stale Health = %s, want %s", view.Health, StatusUnreachable)
	}
	if view.NodeID != "node-b" {
		t.Error("stale view should keep peer identity")
	}
	if view.LastSeen.IsZero() {
		t.Error("stale view should keep LastSeen, distinguishing lost from never connected")
	}
}

func TestOutOfOrderHeartbeatsDiscarded(t *testing.T) {
	ch, _ := testChannel(t)

	ch.handleHeartbeat(Message{NodeID: "node-b", Seq: 5, Role: pair.RoleMaster, Health: health.StatusHealthy})
	ch.handleHeartbeat(Message{NodeID: "node-b", Seq: 3, Role: pair.RoleFault, Health: health.StatusUnhealthy})

	view := ch.PeerView()
	if view.Role != pair.RoleMaster {
		t.Errorf("out-of-order heartbeat updated state: Role = %s", view.Role)
	}
	if view.LastSeq != 5 {
		t.Errorf("LastSeq = %d, want 5", view.LastSeq)
	}

	// Duplicate of the latest sequence is discarded too.
	ch.handleHeartbeat(Message{NodeID: "node-b", Seq: 5, Role: pair.RoleBackup, Health: health.StatusHealthy})
	if ch.PeerView().Role != pair.RoleMaster {
		t.Error("duplicate heartbeat updated state")
	}
}

func TestSequenceResetAcceptedAsRestart(t *testing.T) {
	ch, _ := testChannel(t)

	ch.handleHeartbeat(Message{NodeID: "node-b", Seq: 900, Role: pair.RoleMaster, Health: health.StatusHealthy})
	ch.handleHeartbeat(Message{NodeID: "node-b", Seq: 1, Role: pair.RoleInit, Health: health.StatusHealthy})

	view := ch.PeerView()
	if view.Role != pair.RoleInit {
		t.Errorf("restart heartbeat not accepted: Role = %s", view.Role)
	}
	if view.LastSeq != 1 {
		t.Errorf("LastSeq = %d, want 1", view.LastSeq)
	}
}

func TestRestartWithFirstPacketLostReestablishesPeer(t *testing.T) {
	ch, clk := testChannel(t)

	ch.handleHeartbeat(Message{NodeID: "node-b", Seq: 900, Role: pair.RoleMaster, Health: health.StatusHealthy})
	clk.Advance(4 * time.Second)

	// The peer restarted and its seq=1 datagram was lost. The surviving low
	// sequence numbers must still re-establish the view: the old sequence
	// belongs to a dead incarnation once the view is stale.
	ch.handleHeartbeat(Message{NodeID: "node-b", Seq: 2, Role: pair.RoleInit, Health: health.StatusHealthy})

	view := ch.PeerView()
	if !view.Reachable() {
		t.Error("live restarted peer still reads as unreachable")
	}
	if view.Role != pair.RoleInit {
		t.Errorf("Role = %s, want %s", view.Role, pair.RoleInit)
	}
	if view.LastSeq != 2 {
		t.Errorf("LastSeq = %d, want 2", view.LastSeq)
	}

	// Ordering protection resumes on the new incarnation.
	ch.handleHeartbeat(Message{NodeID: "node-b", Seq: 3, Role: pair.RoleBackup, Health: health.StatusHealthy})
	ch.handleHeartbeat(Message{NodeID: "node-b", Seq: 2, Role: pair.RoleFault, Health: health.StatusUnhealthy})
	if got := ch.PeerView().Role; got != pair.RoleBackup {
		t.Errorf("out-of-order heartbeat updated fresh view: Role = %s", got)
	}
}

func TestOwnHeartbeatDiscarded(t *testing.T) {
	ch, _ := testChannel(t)

	ch.handleHeartbeat(Message{NodeID: "node-a", Seq: 1, Role: pair.RoleMaster, Health: health.StatusHealthy})

	if ch.PeerView().Role != pair.RoleUnknown {
		t.Error("own heartbeat must not update the peer view")
	}
}

func TestEndToEndExchange(t *testing.T) {
	// Two channels talking over loopback sockets.
	mk := func(id, listen, peer string, role pair.Role) *Channel {
		ch, err := NewChannel(Config{
			NodeID:     id,
			Priority:   100,
			ListenAddr: listen,
			PeerAddr:   peer,
			Interval:   20 * time.Millisecond,
			Local: func() (pair.Role, health.Status) {
				return role, health.StatusHealthy
			},
		}, nil)
		if err != nil {
			t.Fatalf("NewChannel(%s) error = %v", id, err)
		}
		return ch
	}

	a := mk("node-a", "127.0.0.1:19220", "127.0.0.1:19320", pair.RoleMaster)
	b := mk("node-b", "127.0.0.1:19320", "127.0.0.1:19220", pair.RoleBackup)

	if err := a.Start(); err != nil {
		t.Fatalf("a.Start() error = %v", err)
	}
	defer a.Stop()
	if err := b.Start(); err != nil {
		t.Fatalf("b.Start() error = %v", err)
	}
	defer b.Stop()

	deadline := time.After(3 * time.Second)
	for {
		va, vb := a.PeerView(), b.PeerView()
		if va.NodeID == "node-b" && vb.NodeID == "node-a" {
			if va.Role != pair.RoleBackup {
				t.Errorf("a sees peer role %s, want %s", va.Role, pair.RoleBackup)
			}
			if vb.Role != pair.RoleMaster {
				t.Errorf("b sees peer role %s, want %s", vb.Role, pair.RoleMaster)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("channels never exchanged heartbeats")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
