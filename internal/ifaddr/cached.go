package ifaddr

import (
	"net/netip"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const cacheSize = 256

type addrResult struct {
	addr netip.Addr
	ok   bool
}

type indexResult struct {
	idx int
	ok  bool
}

// Cached memoizes address lookups of another resolver for ttl. Misses are
// cached too so unknown destinations do not hit the backend on every packet.
type Cached struct {
	next   Resolver
	byAddr *expirable.LRU[netip.Addr, indexResult]
	addrOf *expirable.LRU[int, addrResult]
}

// NewCached wraps next with a cache of the given ttl.
func NewCached(next Resolver, ttl time.Duration) *Cached {
	return &Cached{
		next:   next,
		byAddr: expirable.NewLRU[netip.Addr, indexResult](cacheSize, nil, ttl),
		addrOf: expirable.NewLRU[int, addrResult](cacheSize, nil, ttl),
	}
}

// IndexByAddr implements Resolver.
func (c *Cached) IndexByAddr(addr netip.Addr) (int, bool) {
	if r, ok := c.byAddr.Get(addr); ok {
		return r.idx, r.ok
	}
	idx, ok := c.next.IndexByAddr(addr)
	c.byAddr.Add(addr, indexResult{idx: idx, ok: ok})
	return idx, ok
}

// AddrOf implements Resolver.
func (c *Cached) AddrOf(ifindex int) (netip.Addr, bool) {
	if r, ok := c.addrOf.Get(ifindex); ok {
		return r.addr, r.ok
	}
	addr, ok := c.next.AddrOf(ifindex)
	c.addrOf.Add(ifindex, addrResult{addr: addr, ok: ok})
	return addr, ok
}

// IndexByName implements Resolver. Names are resolved once at startup and
// are not cached.
func (c *Cached) IndexByName(name string) (int, error) {
	return c.next.IndexByName(name)
}

// Purge drops every cached entry.
func (c *Cached) Purge() {
	c.byAddr.Purge()
	c.addrOf.Purge()
}
