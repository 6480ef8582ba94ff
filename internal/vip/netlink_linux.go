// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package vip

import (
	"context"
	"net"
	"strings"

	"github.com/vishvananda/netlink"

	"grimm.is/failsafe/internal/errors"
)

// NetlinkBinder manages the virtual address through the kernel netlink
// interface.
type NetlinkBinder struct {
	address string // CIDR notation
	iface   string
	label   string
}

// NewBinder creates a netlink-backed binder for the given address and
// interface.
func NewBinder(address, iface, label string) (*NetlinkBinder, error) {
	if _, _, err := net.ParseCIDR(address); err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "invalid virtual address %q", address)
	}
	return &NetlinkBinder{address: address, iface: iface, label: label}, nil
}

// Address returns the managed address in CIDR notation.
func (b *NetlinkBinder) Address() string {
	return b.address
}

// Bind adds the virtual address to the interface. Binding an address that is
// already present is a no-op.
func (b *NetlinkBinder) Bind(ctx context.Context) error {
	link, addr, err := b.resolve()
	if err != nil {
		return err
	}

	if b.label != "" {
		addr.Label = b.label
	}

	if err := netlink.AddrAdd(link, addr); err != nil {
		if strings.Contains(err.Error(), "file exists") {
			return nil
		}
		return errors.Wrapf(err, errors.KindUnavailable,
			"failed to add %s to %s", b.address, b.iface)
	}
	return nil
}

// Unbind removes the virtual address from the interface. Unbinding an address
// that is already absent is a no-op.
func (b *NetlinkBinder) Unbind(ctx context.Context) error {
	link, addr, err := b.resolve()
	if err != nil {
		return err
	}

	if err := netlink.AddrDel(link, addr); err != nil {
		if strings.Contains(err.Error(), "cannot assign") ||
			strings.Contains(err.Error(), "no such process") {
			return nil
		}
		return errors.Wrapf(err, errors.KindUnavailable,
			"failed to remove %s from %s", b.address, b.iface)
	}
	return nil
}

// IsBound reports whether the virtual address is present on the interface.
func (b *NetlinkBinder) IsBound() (bool, error) {
	link, addr, err := b.resolve()
	if err != nil {
		return false, err
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return false, errors.Wrapf(err, errors.KindInternal,
			"failed to list addresses on %s", b.iface)
	}

	for _, a := range addrs {
		if a.IP.Equal(addr.IP) {
			return true, nil
		}
	}
	return false, nil
}

func (b *NetlinkBinder) resolve() (netlink.Link, *netlink.Addr, error) {
	link, err := netlink.LinkByName(b.iface)
	if err != nil {
		return nil, nil, errors.Wrapf(err, errors.KindUnavailable,
			"interface %s not found", b.iface)
	}

	ip, ipNet, err := net.ParseCIDR(b.address)
	if err != nil {
		return nil, nil, errors.Wrapf(err, errors.KindValidation,
			"invalid virtual address %q", b.address)
	}
	ipNet.IP = ip
	return link, &netlink.Addr{IPNet: ipNet}, nil
}
