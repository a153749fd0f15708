// Package tuple defines the flow identifier shared by the NAT engine and the
// connection tracking backends.
package tuple

import (
	"fmt"
	"net/netip"
)

// IP protocol numbers used by the engine.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// Tuple identifies one direction of a flow: source and destination endpoints
// plus the transport protocol. Tuples are comparable and used directly as map
// keys.
type Tuple struct {
	Src   netip.AddrPort
	Dst   netip.AddrPort
	Proto uint8
}

// New creates a tuple.
func New(src, dst netip.AddrPort, proto uint8) Tuple {
	return Tuple{Src: src, Dst: dst, Proto: proto}
}

// UDP creates a UDP tuple.
func UDP(src, dst netip.AddrPort) Tuple {
	return Tuple{Src: src, Dst: dst, Proto: ProtoUDP}
}

// MustParseUDP builds a UDP tuple from "a.b.c.d:p" strings. It panics on
// malformed input and is intended for tests and fixtures.
func MustParseUDP(src, dst string) Tuple {
	return UDP(netip.MustParseAddrPort(src), netip.MustParseAddrPort(dst))
}

// Reverse returns the tuple seen in the opposite direction.
func (t Tuple) Reverse() Tuple {
	return Tuple{Src: t.Dst, Dst: t.Src, Proto: t.Proto}
}

// IsUDP reports whether the tuple carries UDP.
func (t Tuple) IsUDP() bool {
	return t.Proto == ProtoUDP
}

// IsValid reports whether both endpoints are set.
func (t Tuple) IsValid() bool {
	return t.Src.IsValid() && t.Dst.IsValid()
}

// String formats the tuple as "src:port -> dst:port".
func (t Tuple) String() string {
	return fmt.Sprintf("%s -> %s", t.Src, t.Dst)
}

// ProtoName returns a short protocol name for logs.
func ProtoName(proto uint8) string {
	switch proto {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto%d", proto)
	}
}
