//go:build linux

package conntrack

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/vishvananda/netlink"

	"github.com/postalsys/conenat/internal/tuple"
)

type fakeDump struct {
	mu    sync.Mutex
	flows []*netlink.ConntrackFlow
	calls int
	err   error
}

func (d *fakeDump) list() ([]*netlink.ConntrackFlow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.flows, d.err
}

func (d *fakeDump) set(flows ...*netlink.ConntrackFlow) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flows = flows
}

func udpFlow(src string, sport uint16, dst string, dport uint16, rsrc string, rsport uint16, rdst string, rdport uint16) *netlink.ConntrackFlow {
	return &netlink.ConntrackFlow{
		Forward: netlink.IPTuple{
			SrcIP: net.ParseIP(src), SrcPort: sport,
			DstIP: net.ParseIP(dst), DstPort: dport,
			Protocol: tuple.ProtoUDP,
		},
		Reverse: netlink.IPTuple{
			SrcIP: net.ParseIP(rsrc), SrcPort: rsport,
			DstIP: net.ParseIP(rdst), DstPort: rdport,
			Protocol: tuple.ProtoUDP,
		},
	}
}

func TestNetlink_RefreshPublishesVanishedFlows(t *testing.T) {
	dump := &fakeDump{}
	n := newNetlink(DefaultNetlinkConfig(), nil, nil, dump.list)

	var events []Event
	n.Subscribe(tuple.ProtoUDP, func(ev Event) { events = append(events, ev) })

	dump.set(
		udpFlow("192.168.1.10", 5000, "8.8.8.8", 53, "8.8.8.8", 53, "203.0.113.1", 5000),
		udpFlow("192.168.1.11", 6000, "1.1.1.1", 53, "1.1.1.1", 53, "203.0.113.1", 6000),
	)
	if err := n.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if n.Len() != 2 {
		t.Errorf("Len() = %d, want 2", n.Len())
	}

	orig := tuple.MustParseUDP("192.168.1.10:5000", "8.8.8.8:53")
	if !n.FlowExists(orig) {
		t.Error("dumped flow should exist")
	}

	dump.set(udpFlow("192.168.1.11", 6000, "1.1.1.1", 53, "1.1.1.1", 53, "203.0.113.1", 6000))
	if err := n.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Original != orig {
		t.Errorf("event original = %v, want %v", events[0].Original, orig)
	}
	if want := tuple.MustParseUDP("8.8.8.8:53", "203.0.113.1:5000"); events[0].Reply != want {
		t.Errorf("event reply = %v, want %v", events[0].Reply, want)
	}
}

func TestNetlink_MissTriggersRefresh(t *testing.T) {
	dump := &fakeDump{}
	n := newNetlink(NetlinkConfig{RefreshRate: 1000}, nil, nil, dump.list)

	dump.set(udpFlow("192.168.1.10", 5000, "8.8.8.8", 53, "8.8.8.8", 53, "203.0.113.1", 5000))

	orig := tuple.MustParseUDP("192.168.1.10:5000", "8.8.8.8:53")
	if !n.FlowExists(orig) {
		t.Error("miss should refresh and find the new flow")
	}
	if dump.calls != 1 {
		t.Errorf("dump calls = %d, want 1", dump.calls)
	}
}

func TestNetlink_RefreshError(t *testing.T) {
	dump := &fakeDump{err: errors.New("operation not permitted")}
	n := newNetlink(DefaultNetlinkConfig(), nil, nil, dump.list)

	if err := n.Refresh(); err == nil {
		t.Error("Refresh() should surface dump errors")
	}
	if n.FlowExists(tuple.MustParseUDP("192.168.1.10:5000", "8.8.8.8:53")) {
		t.Error("FlowExists should be false when the dump fails")
	}
}

func TestNetlink_Close(t *testing.T) {
	dump := &fakeDump{}
	n := newNetlink(DefaultNetlinkConfig(), nil, nil, dump.list)

	n.Close()
	if err := n.Refresh(); !errors.Is(err, ErrClosed) {
		t.Errorf("Refresh() error = %v, want ErrClosed", err)
	}
	if _, err := n.Subscribe(tuple.ProtoUDP, func(Event) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe() error = %v, want ErrClosed", err)
	}
}
