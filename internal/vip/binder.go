// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package vip manages the shared virtual address. The binder is the single
// side effect of a role transition: the address is present on exactly the
// node that is master.
package vip

import (
	"context"
)

// Binder binds and unbinds the virtual address on the local node. Both
// operations are idempotent: repeating one in the target state is a no-op,
// never an error. Callers re-verify with IsBound before declaring a
// transition complete.
type Binder interface {
	// Bind adds the virtual address to the configured interface.
	Bind(ctx context.Context) error

	// Unbind removes the virtual address from the configured interface.
	Unbind(ctx context.Context) error

	// IsBound reports whether the virtual address is currently present.
	IsBound() (bool, error)

	// Address returns the managed address in CIDR notation.
	Address() string
}
