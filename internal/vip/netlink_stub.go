// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package vip

import (
	"context"

	"grimm.is/failsafe/internal/errors"
)

// NetlinkBinder is a stub on non-Linux platforms.
type NetlinkBinder struct {
	address string
}

func NewBinder(address, iface, label string) (*NetlinkBinder, error) {
	return nil, errors.New(errors.KindUnavailable, "virtual address binding is only supported on Linux")
}

func (b *NetlinkBinder) Address() string { return b.address }

func (b *NetlinkBinder) Bind(ctx context.Context) error { return errNotSupported() }

func (b *NetlinkBinder) Unbind(ctx context.Context) error { return errNotSupported() }

func (b *NetlinkBinder) IsBound() (bool, error) { return false, errNotSupported() }

func errNotSupported() error {
	return errors.New(errors.KindUnavailable, "not supported on this platform")
}
