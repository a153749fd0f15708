package mapping

import (
	"cmp"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/postalsys/conenat/internal/logging"
	"github.com/postalsys/conenat/internal/tuple"
)

// Config holds table limits. Reaching a limit is the table's notion of
// resource exhaustion.
type Config struct {
	// MaxMappings limits the number of mappings. 0 means unlimited.
	MaxMappings int

	// MaxFlowsPerMapping limits flow records per mapping. 0 means unlimited.
	MaxFlowsPerMapping int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxMappings:        65536,
		MaxFlowsPerMapping: 4096,
	}
}

// Observer receives table lifecycle notifications. Implementations must not
// call back into the table.
type Observer interface {
	RecordMappingCreated()
	RecordMappingRemoved(reason string)
	RecordFlowDelta(delta int)
}

type nopObserver struct{}

func (nopObserver) RecordMappingCreated()       {}
func (nopObserver) RecordMappingRemoved(string) {}
func (nopObserver) RecordFlowDelta(int)         {}

// Table stores mappings and both lookup indices behind one lock.
type Table struct {
	mu         sync.Mutex
	mappings   map[ID]*Mapping
	byExternal map[ExternalKey]ID
	byInternal map[netip.AddrPort]ID
	nextID     ID
	tx         Txn
	closed     bool

	cfg      Config
	clock    clock.Clock
	observer Observer
	logger   *slog.Logger
}

// Option configures a Table.
type Option func(*Table)

// WithClock sets the clock used for creation timestamps.
func WithClock(c clock.Clock) Option {
	return func(t *Table) { t.clock = c }
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(t *Table) {
		if o != nil {
			t.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates an empty table.
func New(cfg Config, opts ...Option) *Table {
	t := &Table{
		mappings:   make(map[ID]*Mapping),
		byExternal: make(map[ExternalKey]ID),
		byInternal: make(map[netip.AddrPort]ID),
		cfg:        cfg,
		clock:      clock.New(),
		observer:   nopObserver{},
		logger:     logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.Component(t.logger, "mapping")
	t.tx.t = t
	return t
}

// Do runs fn with the table lock held. Every lookup and mutation performed
// through tx is observed atomically by other goroutines.
func (t *Table) Do(fn func(tx *Txn)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fn(&t.tx)
}

// Len returns the number of mappings.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.mappings)
}

// FlowCount returns the total number of flow records across all mappings.
func (t *Table) FlowCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, m := range t.mappings {
		n += len(m.flows)
	}
	return n
}

// Snapshot returns a copy of every mapping ordered by interface and port.
func (t *Table) Snapshot() []Info {
	t.mu.Lock()
	out := make([]Info, 0, len(t.mappings))
	for _, m := range t.mappings {
		out = append(out, m.info())
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b Info) int {
		if c := cmp.Compare(a.IfIndex, b.IfIndex); c != 0 {
			return c
		}
		return cmp.Compare(a.Port, b.Port)
	})
	return out
}

// Teardown removes every mapping and returns how many were removed. The
// table accepts no new mappings afterwards.
func (t *Table) Teardown() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	n := 0
	for _, m := range t.mappings {
		if t.tx.Remove(m, ReasonTeardown) {
			n++
		}
	}
	return n
}

// Verify checks that the arena and both indices agree. It is meant for tests
// and debugging endpoints.
func (t *Table) Verify() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.byExternal) != len(t.mappings) {
		return fmt.Errorf("external index has %d entries, table has %d", len(t.byExternal), len(t.mappings))
	}
	if len(t.byInternal) != len(t.mappings) {
		return fmt.Errorf("internal index has %d entries, table has %d", len(t.byInternal), len(t.mappings))
	}
	for id, m := range t.mappings {
		if m.id != id {
			return fmt.Errorf("mapping %d stored under id %d", m.id, id)
		}
		if got := t.byExternal[m.External()]; got != id {
			return fmt.Errorf("external %s points to %d, want %d", m.External(), got, id)
		}
		if got := t.byInternal[m.internal]; got != id {
			return fmt.Errorf("internal %s points to %d, want %d", m.internal, got, id)
		}
		if len(m.flows) == 0 {
			return fmt.Errorf("mapping %s has no flows", m.External())
		}
		if m.removed {
			return fmt.Errorf("mapping %s marked removed but still indexed", m.External())
		}
	}
	return nil
}

// Txn exposes the table operations. It is only valid inside Table.Do.
type Txn struct {
	t *Table
}

// Closed reports whether the table has been torn down.
func (tx *Txn) Closed() bool {
	return tx.t.closed
}

// Allocate creates a mapping with no flow records and inserts it into both
// indices. On error nothing is inserted.
func (tx *Txn) Allocate(internal netip.AddrPort, port uint16, ifindex int) (*Mapping, error) {
	t := tx.t
	if t.closed {
		return nil, ErrClosed
	}

	m := &Mapping{
		port:     port,
		ifindex:  ifindex,
		internal: internal,
	}
	if !m.sane() {
		return nil, fmt.Errorf("%w: %s port %d ifindex %d", ErrInvalid, internal, port, ifindex)
	}
	if t.cfg.MaxMappings > 0 && len(t.mappings) >= t.cfg.MaxMappings {
		return nil, ErrTableFull
	}
	if _, ok := t.byExternal[m.External()]; ok {
		return nil, fmt.Errorf("%w: external %s", ErrDuplicate, m.External())
	}
	if _, ok := t.byInternal[internal]; ok {
		return nil, fmt.Errorf("%w: internal %s", ErrDuplicate, internal)
	}

	t.nextID++
	m.id = t.nextID
	m.createdAt = t.clock.Now()

	t.mappings[m.id] = m
	t.byExternal[m.External()] = m.id
	t.byInternal[internal] = m.id

	t.observer.RecordMappingCreated()
	t.logger.Debug("mapping allocated",
		logging.KeyInternal, internal.String(),
		logging.KeyExtPort, port,
		logging.KeyIfIndex, ifindex)

	return m, nil
}

// AddFlow appends a flow record to m. It returns false and leaves m
// unchanged if m is not in the table or its flow limit is reached.
func (tx *Txn) AddFlow(m *Mapping, flow tuple.Tuple) bool {
	t := tx.t
	if !tx.owns(m) {
		return false
	}
	if t.cfg.MaxFlowsPerMapping > 0 && len(m.flows) >= t.cfg.MaxFlowsPerMapping {
		t.logger.Debug("flow limit reached, record dropped",
			logging.KeyExtPort, m.port,
			logging.KeyTuple, flow.String())
		return false
	}

	m.flows = append(m.flows, flow)
	t.observer.RecordFlowDelta(1)
	return true
}

// RemoveFlow deletes every record equal to flow and returns how many were
// removed. The mapping itself is left in place; callers decide whether an
// empty mapping must go.
func (tx *Txn) RemoveFlow(m *Mapping, flow tuple.Tuple) int {
	return tx.pruneFlows(m, func(f tuple.Tuple) bool { return f != flow })
}

// pruneFlows keeps only the records for which keep returns true.
func (tx *Txn) pruneFlows(m *Mapping, keep func(tuple.Tuple) bool) int {
	if !tx.owns(m) {
		return 0
	}

	before := len(m.flows)
	m.flows = slices.DeleteFunc(m.flows, func(f tuple.Tuple) bool { return !keep(f) })
	removed := before - len(m.flows)
	if removed > 0 {
		tx.t.observer.RecordFlowDelta(-removed)
	}
	return removed
}

// LookupByExternal returns the mapping bound to port on ifindex, or nil.
func (tx *Txn) LookupByExternal(port uint16, ifindex int) *Mapping {
	id, ok := tx.t.byExternal[ExternalKey{Port: port, IfIndex: ifindex}]
	if !ok {
		return nil
	}
	return tx.t.mappings[id]
}

// LookupByInternal returns the mapping of an internal endpoint, or nil.
func (tx *Txn) LookupByInternal(internal netip.AddrPort) *Mapping {
	id, ok := tx.t.byInternal[internal]
	if !ok {
		return nil
	}
	return tx.t.mappings[id]
}

// Remove deletes m and all of its flow records from the table. Removing a
// mapping that is not in the table is a no-op and returns false.
func (tx *Txn) Remove(m *Mapping, reason Reason) bool {
	t := tx.t
	if !tx.owns(m) {
		return false
	}

	delete(t.mappings, m.id)
	delete(t.byExternal, m.External())
	delete(t.byInternal, m.internal)

	if n := len(m.flows); n > 0 {
		t.observer.RecordFlowDelta(-n)
	}
	m.flows = nil
	m.removed = true

	t.observer.RecordMappingRemoved(string(reason))
	t.logger.Debug("mapping removed",
		logging.KeyInternal, m.internal.String(),
		logging.KeyExtPort, m.port,
		logging.KeyIfIndex, m.ifindex,
		logging.KeyReason, string(reason))

	return true
}

// Len returns the number of mappings.
func (tx *Txn) Len() int {
	return len(tx.t.mappings)
}

// owns reports whether m is the live record stored under its ID.
func (tx *Txn) owns(m *Mapping) bool {
	if m == nil || m.removed {
		return false
	}
	cur, ok := tx.t.mappings[m.id]
	return ok && cur == m
}
