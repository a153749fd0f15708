// Package packet decodes IPv4 datagrams into flow tuples and re-serializes
// them after address translation.
package packet

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/postalsys/conenat/internal/tuple"
)

var (
	// ErrNotIPv4 is returned for anything that does not decode as IPv4.
	ErrNotIPv4 = errors.New("not an IPv4 packet")

	// ErrNotUDP is returned when rewriting a packet without a UDP header,
	// and by Decode for UDP datagrams whose header does not parse.
	ErrNotUDP = errors.New("not a UDP packet")

	// ErrFragment is returned by Decode for IPv4 fragments. Their ports
	// are unknown, so they cannot be matched to a flow.
	ErrFragment = errors.New("fragmented IPv4 packet")
)

// Packet is a decoded IPv4 datagram.
type Packet struct {
	Tuple tuple.Tuple

	ip      *layers.IPv4
	udp     *layers.UDP
	payload []byte
}

// Decode parses an IPv4 datagram. UDP and TCP ports are filled in; other
// protocols yield a tuple with zero ports. Fragments and UDP datagrams
// without a complete header are rejected.
func Decode(data []byte) (*Packet, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		if el := pkt.ErrorLayer(); el != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotIPv4, el.Error())
		}
		return nil, ErrNotIPv4
	}

	if ipLayer.Flags&layers.IPv4MoreFragments != 0 || ipLayer.FragOffset != 0 {
		return nil, fmt.Errorf("%w: %s -> %s id %d offset %d",
			ErrFragment, ipLayer.SrcIP, ipLayer.DstIP, ipLayer.Id, ipLayer.FragOffset)
	}

	src, _ := netip.AddrFromSlice(ipLayer.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ipLayer.DstIP.To4())
	p := &Packet{ip: ipLayer}

	var sport, dport uint16
	switch l := pkt.TransportLayer().(type) {
	case *layers.UDP:
		p.udp = l
		p.payload = l.Payload
		sport, dport = uint16(l.SrcPort), uint16(l.DstPort)
	case *layers.TCP:
		sport, dport = uint16(l.SrcPort), uint16(l.DstPort)
	}
	if ipLayer.Protocol == layers.IPProtocolUDP && p.udp == nil {
		return nil, fmt.Errorf("%w: truncated header", ErrNotUDP)
	}

	p.Tuple = tuple.New(
		netip.AddrPortFrom(src, sport),
		netip.AddrPortFrom(dst, dport),
		uint8(ipLayer.Protocol),
	)
	return p, nil
}

// Payload returns the UDP payload, or nil for other protocols.
func (p *Packet) Payload() []byte {
	return p.payload
}

// Rewrite returns a copy of the datagram with source and destination
// replaced and checksums recomputed.
func (p *Packet) Rewrite(src, dst netip.AddrPort) ([]byte, error) {
	if p.udp == nil {
		return nil, ErrNotUDP
	}

	ip := *p.ip
	udp := *p.udp
	ip.SrcIP = net.IP(src.Addr().AsSlice())
	ip.DstIP = net.IP(dst.Addr().AsSlice())
	udp.SrcPort = layers.UDPPort(src.Port())
	udp.DstPort = layers.UDPPort(dst.Port())

	return serialize(&ip, &udp, p.payload)
}

// Build creates a UDP datagram for t carrying payload.
func Build(t tuple.Tuple, payload []byte) ([]byte, error) {
	if !t.IsUDP() {
		return nil, ErrNotUDP
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(t.Src.Addr().AsSlice()),
		DstIP:    net.IP(t.Dst.Addr().AsSlice()),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(t.Src.Port()),
		DstPort: layers.UDPPort(t.Dst.Port()),
	}
	return serialize(ip, udp, payload)
}

func serialize(ip *layers.IPv4, udp *layers.UDP, payload []byte) ([]byte, error) {
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}
	return buf.Bytes(), nil
}
