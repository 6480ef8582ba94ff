// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pair holds the types shared by both sides of a failsafe pair:
// the node role and the deterministic election tie-break.
package pair

// Role is the failover role of a node.
type Role string

const (
	// RoleInit is the only start state. A node observes its health and the
	// peer for at least one cycle before claiming anything.
	RoleInit Role = "init"

	// RoleMaster owns the virtual address and originates replication pushes.
	RoleMaster Role = "master"

	// RoleBackup stands by, applying replication pushes from the master.
	RoleBackup Role = "backup"

	// RoleFault is entered when local health is unhealthy. It is re-evaluated
	// every cycle and is never terminal.
	RoleFault Role = "fault"

	// RoleUnknown is what a peer reads as when it has never been seen or its
	// last heartbeat is older than the liveness timeout.
	RoleUnknown Role = "unknown"
)

// Claims reports whether the role is an actual claim by a live node, as
// opposed to the unknown placeholder.
func (r Role) Claims() bool {
	return r == RoleInit || r == RoleMaster || r == RoleBackup || r == RoleFault
}

// WinsElection decides the both-down recovery election deterministically:
// higher static priority wins, an exact tie is broken by lexical node ID
// order. Both nodes compute the same winner independently for every
// priority/ID combination.
func WinsElection(localID string, localPriority int, peerID string, peerPriority int) bool {
	if localPriority != peerPriority {
		return localPriority > peerPriority
	}
	return localID < peerID
}
