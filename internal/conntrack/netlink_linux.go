//go:build linux

package conntrack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/postalsys/conenat/internal/logging"
	"github.com/postalsys/conenat/internal/tuple"
)

// Netlink mirrors the kernel conntrack table. Destroy events are derived by
// diffing consecutive dumps, so a flow that starts and ends between two
// polls is never reported; the validity check covers that case.
type Netlink struct {
	cfg     NetlinkConfig
	clock   clock.Clock
	logger  *slog.Logger
	list    func() ([]*netlink.ConntrackFlow, error)
	refresh *rate.Limiter
	subs    *subscribers

	mu     sync.RWMutex
	flows  map[tuple.Tuple]tuple.Tuple
	closed bool
}

// OpenNetlink returns a backend reading the kernel IPv4 conntrack table.
// The first dump runs immediately so permission problems surface here.
func OpenNetlink(cfg NetlinkConfig, c clock.Clock, logger *slog.Logger) (*Netlink, error) {
	n := newNetlink(cfg, c, logger, func() ([]*netlink.ConntrackFlow, error) {
		return netlink.ConntrackTableList(netlink.ConntrackTable, netlink.InetFamily(unix.AF_INET))
	})
	if err := n.Refresh(); err != nil {
		return nil, fmt.Errorf("initial conntrack dump: %w", err)
	}
	return n, nil
}

func newNetlink(cfg NetlinkConfig, c clock.Clock, logger *slog.Logger, list func() ([]*netlink.ConntrackFlow, error)) *Netlink {
	def := DefaultNetlinkConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = def.RefreshRate
	}
	if c == nil {
		c = clock.New()
	}
	return &Netlink{
		cfg:     cfg,
		clock:   c,
		logger:  logging.Component(logger, "conntrack-netlink"),
		list:    list,
		refresh: rate.NewLimiter(rate.Limit(cfg.RefreshRate), 1),
		subs:    newSubscribers(),
		flows:   make(map[tuple.Tuple]tuple.Tuple),
	}
}

// FlowExists implements Registry. A miss triggers a rate limited dump
// before answering, since the snapshot may predate the flow.
func (n *Netlink) FlowExists(original tuple.Tuple) bool {
	n.mu.RLock()
	_, ok := n.flows[original]
	n.mu.RUnlock()
	if ok || !n.refresh.Allow() {
		return ok
	}

	if err := n.Refresh(); err != nil {
		n.logger.Debug("on-demand conntrack dump failed", logging.KeyError, err)
		return false
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok = n.flows[original]
	return ok
}

// Refresh dumps the kernel table, replaces the snapshot and publishes a
// destroy event for every flow that disappeared.
func (n *Netlink) Refresh() error {
	entries, err := n.list()
	if err != nil {
		return err
	}

	next := make(map[tuple.Tuple]tuple.Tuple, len(entries))
	for _, e := range entries {
		orig, ok := fromIPTuple(e.Forward)
		if !ok {
			continue
		}
		reply, ok := fromIPTuple(e.Reverse)
		if !ok {
			continue
		}
		next[orig] = reply
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	var gone []Event
	for orig, reply := range n.flows {
		if _, ok := next[orig]; !ok {
			gone = append(gone, Event{Original: orig, Reply: reply})
		}
	}
	n.flows = next
	n.mu.Unlock()

	n.subs.publish(gone...)
	return nil
}

// Run polls the kernel table until ctx is done.
func (n *Netlink) Run(ctx context.Context) error {
	ticker := n.clock.Ticker(n.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := n.Refresh(); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				n.logger.Warn("conntrack dump failed", logging.KeyError, err)
			}
		}
	}
}

// Subscribe implements Source.
func (n *Netlink) Subscribe(proto uint8, h Handler) (func(), error) {
	return n.subs.add(proto, h)
}

// Len returns the number of flows in the last snapshot.
func (n *Netlink) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.flows)
}

// Close stops event delivery.
func (n *Netlink) Close() error {
	n.mu.Lock()
	n.closed = true
	n.flows = nil
	n.mu.Unlock()

	n.subs.close()
	return nil
}

func fromIPTuple(t netlink.IPTuple) (tuple.Tuple, bool) {
	src, ok := toAddr(t.SrcIP)
	if !ok {
		return tuple.Tuple{}, false
	}
	dst, ok := toAddr(t.DstIP)
	if !ok {
		return tuple.Tuple{}, false
	}
	return tuple.New(
		netip.AddrPortFrom(src, t.SrcPort),
		netip.AddrPortFrom(dst, t.DstPort),
		t.Protocol,
	), true
}

func toAddr(ip net.IP) (netip.Addr, bool) {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}
