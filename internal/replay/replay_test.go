package replay

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/postalsys/conenat/internal/engine"
	"github.com/postalsys/conenat/internal/ifaddr"
	"github.com/postalsys/conenat/internal/nat"
	"github.com/postalsys/conenat/internal/packet"
	"github.com/postalsys/conenat/internal/tuple"
)

const wanIndex = 2

var wanAddr = netip.MustParseAddr("203.0.113.1")

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.Rules = []engine.Rule{{Name: "wan", IfIndex: wanIndex}}
	e, err := engine.New(cfg, engine.WithResolver(ifaddr.NewStatic(
		ifaddr.Interface{Name: "wan0", Index: wanIndex, Address: wanAddr},
	)))
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	t.Cleanup(func() { e.Stop() })
	return e
}

func ipPacket(t *testing.T, src, dst string) []byte {
	t.Helper()
	raw, err := packet.Build(tuple.MustParseUDP(src, dst), []byte("payload"))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return raw
}

func ethernetFrame(t *testing.T, ip []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(ip)); err != nil {
		t.Fatalf("SerializeLayers() error = %v", err)
	}
	return buf.Bytes()
}

func capture(t *testing.T, lt layers.LinkType, frames ...[]byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	if err := w.WriteFileHeader(65535, lt); err != nil {
		t.Fatalf("WriteFileHeader() error = %v", err)
	}
	ts := time.Unix(1700000000, 0)
	for i, f := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(f),
			Length:        len(f),
		}
		if err := w.WritePacket(ci, f); err != nil {
			t.Fatalf("WritePacket() error = %v", err)
		}
	}
	return &buf
}

func readTuples(t *testing.T, r *bytes.Buffer) []tuple.Tuple {
	t.Helper()
	rd, err := pcapgo.NewReader(r)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	if rd.LinkType() != layers.LinkTypeRaw {
		t.Errorf("LinkType() = %v, want raw", rd.LinkType())
	}
	var out []tuple.Tuple
	for {
		data, _, err := rd.ReadPacketData()
		if err != nil {
			break
		}
		p, err := packet.Decode(data)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		out = append(out, p.Tuple)
	}
	return out
}

func TestRun_FullCone(t *testing.T) {
	e := newEngine(t)
	in := capture(t, layers.LinkTypeRaw,
		ipPacket(t, "192.168.1.10:5000", "198.51.100.7:3478"),
		ipPacket(t, "198.51.100.99:40000", "203.0.113.1:5000"),
		ipPacket(t, "198.51.100.99:40000", "203.0.113.1:6000"),
	)

	var out bytes.Buffer
	r := New(e, Config{IfIndex: wanIndex}, WithOutput(&out))
	s, err := r.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := Summary{Packets: 3, Translated: 2, Passthrough: 1}
	if s != want {
		t.Errorf("Summary = %+v, want %+v", s, want)
	}

	got := readTuples(t, &out)
	wantTuples := []tuple.Tuple{
		tuple.MustParseUDP("203.0.113.1:5000", "198.51.100.7:3478"),
		tuple.MustParseUDP("198.51.100.99:40000", "192.168.1.10:5000"),
		tuple.MustParseUDP("198.51.100.99:40000", "203.0.113.1:6000"),
	}
	if len(got) != len(wantTuples) {
		t.Fatalf("output packets = %d, want %d", len(got), len(wantTuples))
	}
	for i := range got {
		if got[i] != wantTuples[i] {
			t.Errorf("packet %d = %v, want %v", i, got[i], wantTuples[i])
		}
	}
}

func TestRun_Ethernet(t *testing.T) {
	e := newEngine(t)
	arp := ethernetFrame(t, nil)
	arp[12], arp[13] = 0x08, 0x06 // ARP ethertype
	in := capture(t, layers.LinkTypeEthernet,
		ethernetFrame(t, ipPacket(t, "192.168.1.10:5000", "198.51.100.7:3478")),
		arp,
	)

	s, err := New(e, Config{IfIndex: wanIndex}).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Translated != 1 || s.Skipped != 1 {
		t.Errorf("Summary = %+v, want 1 translated and 1 skipped", s)
	}
	if e.Stats().Mappings != 1 {
		t.Errorf("Mappings = %d, want 1", e.Stats().Mappings)
	}
}

func TestRun_Workers(t *testing.T) {
	e := newEngine(t)
	var frames [][]byte
	for port := 5000; port < 5064; port++ {
		src := netip.AddrPortFrom(netip.MustParseAddr("192.168.1.10"), uint16(port)).String()
		frames = append(frames, ipPacket(t, src, "198.51.100.7:53"))
	}

	s, err := New(e, Config{IfIndex: wanIndex, Workers: 4}).Run(context.Background(), capture(t, layers.LinkTypeRaw, frames...))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Translated != len(frames) {
		t.Errorf("Translated = %d, want %d", s.Translated, len(frames))
	}
	if e.Stats().Mappings != len(frames) {
		t.Errorf("Mappings = %d, want %d", e.Stats().Mappings, len(frames))
	}
	if err := e.Table().Verify(); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

// failingProcessor rejects every packet.
type failingProcessor struct {
	mu    sync.Mutex
	hooks []nat.Hook
}

func (f *failingProcessor) Process(hook nat.Hook, _ int, _ []byte) ([]byte, nat.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, hook)
	return nil, nat.Result{}, errors.New("no address")
}

func TestRun_FailuresCounted(t *testing.T) {
	proc := &failingProcessor{}
	in := capture(t, layers.LinkTypeRaw,
		ipPacket(t, "10.0.0.2:1000", "198.51.100.7:53"),
		ipPacket(t, "198.51.100.7:53", "203.0.113.1:1000"),
	)

	s, err := New(proc, Config{}).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Failed != 2 {
		t.Errorf("Failed = %d, want 2", s.Failed)
	}
	if len(proc.hooks) != 2 || proc.hooks[0] != nat.HookPostrouting || proc.hooks[1] != nat.HookPrerouting {
		t.Errorf("hooks = %v, want [outbound inbound]", proc.hooks)
	}
}

func TestRun_BadInput(t *testing.T) {
	if _, err := New(&failingProcessor{}, Config{}).Run(context.Background(), bytes.NewReader([]byte("not a pcap"))); err == nil {
		t.Error("Run() on garbage should fail")
	}
}
