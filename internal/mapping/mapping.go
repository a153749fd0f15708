package mapping

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/postalsys/conenat/internal/tuple"
)

var (
	// ErrTableFull is returned by Allocate when the table reached its
	// configured capacity.
	ErrTableFull = errors.New("mapping table full")

	// ErrDuplicate is returned by Allocate when the external port or the
	// internal endpoint is already bound.
	ErrDuplicate = errors.New("mapping already exists")

	// ErrInvalid is returned by Allocate for zero ports, unset addresses or
	// negative interface indices.
	ErrInvalid = errors.New("invalid mapping parameters")

	// ErrClosed is returned by Allocate after Teardown.
	ErrClosed = errors.New("mapping table closed")
)

// ID identifies a mapping record inside a table.
type ID uint64

// Reason describes why a mapping was removed.
type Reason string

const (
	// ReasonIdle means a validity check found no live flow left.
	ReasonIdle Reason = "idle"
	// ReasonGC means the dying-flow collector released the last flow.
	ReasonGC Reason = "gc"
	// ReasonEvicted means the port allocator reclaimed the port.
	ReasonEvicted Reason = "evicted"
	// ReasonTeardown means the table was torn down on shutdown.
	ReasonTeardown Reason = "teardown"
)

// ExternalKey is the by-external index key.
type ExternalKey struct {
	Port    uint16
	IfIndex int
}

// String returns "port@ifindex".
func (k ExternalKey) String() string {
	return fmt.Sprintf("%d@%d", k.Port, k.IfIndex)
}

// Mapping is one external port binding. Identity fields never change after
// allocation; the flow list is only touched under the table lock.
type Mapping struct {
	id        ID
	port      uint16
	ifindex   int
	internal  netip.AddrPort
	createdAt time.Time

	flows   []tuple.Tuple
	removed bool
}

// ID returns the record identity.
func (m *Mapping) ID() ID { return m.id }

// Port returns the external port.
func (m *Mapping) Port() uint16 { return m.port }

// IfIndex returns the egress interface index.
func (m *Mapping) IfIndex() int { return m.ifindex }

// Internal returns the internal endpoint.
func (m *Mapping) Internal() netip.AddrPort { return m.internal }

// External returns the by-external index key.
func (m *Mapping) External() ExternalKey {
	return ExternalKey{Port: m.port, IfIndex: m.ifindex}
}

// CreatedAt returns the allocation time.
func (m *Mapping) CreatedAt() time.Time { return m.createdAt }

// Count returns the number of flow records. It is always len(Flows()).
func (m *Mapping) Count() int { return len(m.flows) }

// Flows returns a copy of the flow records.
func (m *Mapping) Flows() []tuple.Tuple {
	out := make([]tuple.Tuple, len(m.flows))
	copy(out, m.flows)
	return out
}

// Removed reports whether the mapping was deleted from its table.
func (m *Mapping) Removed() bool { return m.removed }

// sane reports whether the identity fields describe a usable binding.
func (m *Mapping) sane() bool {
	return m.port != 0 &&
		m.ifindex >= 0 &&
		m.internal.Port() != 0 &&
		m.internal.Addr().IsValid() &&
		!m.internal.Addr().IsUnspecified()
}

// Info is a point-in-time copy of a mapping for reporting.
type Info struct {
	Port      uint16        `json:"port"`
	IfIndex   int           `json:"ifindex"`
	Internal  string        `json:"internal"`
	Flows     int           `json:"flows"`
	CreatedAt time.Time     `json:"created_at"`
	Tuples    []tuple.Tuple `json:"-"`
}

func (m *Mapping) info() Info {
	return Info{
		Port:      m.port,
		IfIndex:   m.ifindex,
		Internal:  m.internal.String(),
		Flows:     len(m.flows),
		CreatedAt: m.createdAt,
		Tuples:    m.Flows(),
	}
}
