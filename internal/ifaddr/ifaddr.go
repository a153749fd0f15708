// Package ifaddr resolves interface metadata for the NAT engine: which
// interface owns a local address, and which address an interface currently
// carries.
package ifaddr

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

// ErrNotFound is returned when an interface name cannot be resolved.
var ErrNotFound = errors.New("interface not found")

// Resolver answers interface metadata queries.
type Resolver interface {
	// IndexByAddr returns the index of the interface that owns addr.
	IndexByAddr(addr netip.Addr) (int, bool)

	// AddrOf returns the primary IPv4 address of interface ifindex.
	AddrOf(ifindex int) (netip.Addr, bool)

	// IndexByName resolves an interface name.
	IndexByName(name string) (int, error)
}

// Interface is one statically configured interface.
type Interface struct {
	Name    string
	Index   int
	Address netip.Addr
}

// Static resolves from a fixed interface list. It is safe for concurrent use
// and may be updated with Set.
type Static struct {
	mu     sync.RWMutex
	byName map[string]Interface
	byIdx  map[int]Interface
	byAddr map[netip.Addr]int
}

// NewStatic creates a resolver for the given interfaces.
func NewStatic(ifaces ...Interface) *Static {
	s := &Static{}
	s.Set(ifaces...)
	return s
}

// Set replaces the interface list.
func (s *Static) Set(ifaces ...Interface) {
	byName := make(map[string]Interface, len(ifaces))
	byIdx := make(map[int]Interface, len(ifaces))
	byAddr := make(map[netip.Addr]int, len(ifaces))
	for _, iface := range ifaces {
		byName[iface.Name] = iface
		byIdx[iface.Index] = iface
		if iface.Address.IsValid() {
			byAddr[iface.Address] = iface.Index
		}
	}

	s.mu.Lock()
	s.byName, s.byIdx, s.byAddr = byName, byIdx, byAddr
	s.mu.Unlock()
}

// IndexByAddr implements Resolver.
func (s *Static) IndexByAddr(addr netip.Addr) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byAddr[addr]
	return idx, ok
}

// AddrOf implements Resolver.
func (s *Static) AddrOf(ifindex int) (netip.Addr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iface, ok := s.byIdx[ifindex]
	if !ok || !iface.Address.IsValid() {
		return netip.Addr{}, false
	}
	return iface.Address, true
}

// IndexByName implements Resolver.
func (s *Static) IndexByName(name string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iface, ok := s.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return iface.Index, nil
}
