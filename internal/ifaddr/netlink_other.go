//go:build !linux

package ifaddr

import (
	"fmt"
	"net"
	"net/netip"
)

// Netlink falls back to the standard library interface list outside Linux.
type Netlink struct{}

// NewNetlink returns a resolver backed by net.Interfaces.
func NewNetlink() *Netlink {
	return &Netlink{}
}

// IndexByAddr implements Resolver.
func (*Netlink) IndexByAddr(addr netip.Addr) (int, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0, false
	}
	for _, iface := range ifaces {
		if ip, ok := firstV4(&iface, addr); ok && ip == addr {
			return iface.Index, true
		}
	}
	return 0, false
}

// AddrOf implements Resolver.
func (*Netlink) AddrOf(ifindex int) (netip.Addr, bool) {
	iface, err := net.InterfaceByIndex(ifindex)
	if err != nil {
		return netip.Addr{}, false
	}
	return firstV4(iface, netip.Addr{})
}

// IndexByName implements Resolver.
func (*Netlink) IndexByName(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrNotFound, name, err)
	}
	return iface.Index, nil
}

// firstV4 returns want if the interface carries it, otherwise the first IPv4
// address when want is unset.
func firstV4(iface *net.Interface, want netip.Addr) (netip.Addr, bool) {
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Addr{}, false
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.To4() == nil {
			continue
		}
		ip, _ := netip.AddrFromSlice(ipnet.IP.To4())
		if !want.IsValid() || ip == want {
			return ip, true
		}
	}
	return netip.Addr{}, false
}
