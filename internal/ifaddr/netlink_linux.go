//go:build linux

package ifaddr

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// Netlink resolves against the host's live interface configuration.
type Netlink struct{}

// NewNetlink returns a resolver backed by rtnetlink.
func NewNetlink() *Netlink {
	return &Netlink{}
}

// IndexByAddr implements Resolver.
func (*Netlink) IndexByAddr(addr netip.Addr) (int, bool) {
	addrs, err := netlink.AddrList(nil, netlink.FAMILY_V4)
	if err != nil {
		return 0, false
	}
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		if ip, ok := netip.AddrFromSlice(a.IP); ok && ip.Unmap() == addr {
			return a.LinkIndex, true
		}
	}
	return 0, false
}

// AddrOf implements Resolver.
func (*Netlink) AddrOf(ifindex int) (netip.Addr, bool) {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return netip.Addr{}, false
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return netip.Addr{}, false
	}
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		if ip, ok := netip.AddrFromSlice(a.IP); ok {
			return ip.Unmap(), true
		}
	}
	return netip.Addr{}, false
}

// IndexByName implements Resolver.
func (*Netlink) IndexByName(name string) (int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrNotFound, name, err)
	}
	return link.Attrs().Index, nil
}
