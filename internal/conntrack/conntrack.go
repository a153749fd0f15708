package conntrack

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/postalsys/conenat/internal/tuple"
)

var (
	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("conntrack closed")

	// ErrSubscribe is returned when a destroy event subscription cannot be
	// established.
	ErrSubscribe = errors.New("conntrack subscribe failed")

	// ErrClash is returned by Commit when the translated flow would collide
	// with an existing one and no alternative exists.
	ErrClash = errors.New("conntrack tuple clash")
)

// Event describes a destroyed flow in both directions.
type Event struct {
	Original tuple.Tuple
	Reply    tuple.Tuple
}

// String formats the event for logs.
func (e Event) String() string {
	return fmt.Sprintf("%s / %s", e.Original, e.Reply)
}

// Handler consumes destroy events. Handlers run on the backend's goroutine
// and must return quickly.
type Handler func(Event)

// Registry answers flow liveness queries.
type Registry interface {
	// FlowExists reports whether a confirmed flow with the given original
	// direction tuple is tracked.
	FlowExists(original tuple.Tuple) bool
}

// Source delivers destroy events for one protocol.
type Source interface {
	// Subscribe registers h for destroy events of proto. The returned cancel
	// function removes the subscription and may be called more than once.
	Subscribe(proto uint8, h Handler) (cancel func(), err error)
}

// Backend is a registry that also publishes destroy events.
type Backend interface {
	Registry
	Source
	Close() error
}

// Manip selects which side of a flow a translation rewrites.
type Manip uint8

const (
	// ManipNone commits the flow untranslated.
	ManipNone Manip = iota
	// ManipSrc rewrites the source (outbound, post-routing).
	ManipSrc
	// ManipDst rewrites the destination (inbound, pre-routing).
	ManipDst
)

// String returns the manip name.
func (m Manip) String() string {
	switch m {
	case ManipSrc:
		return "snat"
	case ManipDst:
		return "dnat"
	default:
		return "none"
	}
}

// NATSpec is a translation request for one flow.
type NATSpec struct {
	Manip Manip
	Addr  netip.Addr
	Port  uint16
}

// Target returns the rewritten endpoint.
func (s NATSpec) Target() netip.AddrPort {
	return netip.AddrPortFrom(s.Addr, s.Port)
}

// String formats the spec for logs.
func (s NATSpec) String() string {
	if s.Manip == ManipNone {
		return "none"
	}
	return fmt.Sprintf("%s to %s", s.Manip, s.Target())
}

// replyFor derives the reply tuple a committed spec produces.
func replyFor(original tuple.Tuple, spec NATSpec) tuple.Tuple {
	switch spec.Manip {
	case ManipSrc:
		return tuple.New(original.Dst, spec.Target(), original.Proto)
	case ManipDst:
		return tuple.New(spec.Target(), original.Src, original.Proto)
	default:
		return original.Reverse()
	}
}
