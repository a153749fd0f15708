package nat

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/postalsys/conenat/internal/conntrack"
	"github.com/postalsys/conenat/internal/ifaddr"
	"github.com/postalsys/conenat/internal/logging"
	"github.com/postalsys/conenat/internal/mapping"
	"github.com/postalsys/conenat/internal/portalloc"
	"github.com/postalsys/conenat/internal/tuple"
)

var (
	// ErrCommitFailed wraps errors returned by the Committer.
	ErrCommitFailed = errors.New("translation commit failed")

	// ErrNoAddress is returned when neither a static address is configured
	// nor the egress interface has one.
	ErrNoAddress = errors.New("no external address for interface")
)

// Hook is the pipeline attachment point a packet was seen at.
type Hook uint8

const (
	// HookPrerouting sees inbound packets before routing.
	HookPrerouting Hook = iota
	// HookPostrouting sees outbound packets after routing.
	HookPostrouting
)

// String returns the direction label used in logs and metrics.
func (h Hook) String() string {
	if h == HookPrerouting {
		return "inbound"
	}
	return "outbound"
}

// Spec is the translation rule configuration.
type Spec struct {
	Range portalloc.Range

	// StaticAddr, when valid, is used as the external address instead of
	// the egress interface's address.
	StaticAddr netip.Addr
}

// Packet is what the hook layer knows about a packet.
type Packet struct {
	Tuple   tuple.Tuple
	IfIndex int
}

// Committer applies a translation to a flow and reports the reply tuple it
// recorded. The reply may carry a different port than requested.
type Committer interface {
	Commit(original tuple.Tuple, spec conntrack.NATSpec) (reply tuple.Tuple, err error)
}

// Action is the outcome of a decision.
type Action uint8

const (
	// ActionAccept lets the packet through untranslated.
	ActionAccept Action = iota
	// ActionTranslate means a translation was committed.
	ActionTranslate
)

// Result describes a decision.
type Result struct {
	Action Action
	NAT    conntrack.NATSpec
	Reply  tuple.Tuple

	// Reused is set when an existing mapping served the packet.
	Reused bool

	// Tracked is set when the flow was recorded on a mapping.
	Tracked bool
}

// Translation results reported to the Observer.
const (
	ResultTranslated  = "translated"
	ResultPassthrough = "passthrough"
	ResultFailed      = "failed"
)

// Observer receives decision outcomes.
type Observer interface {
	RecordTranslation(direction, result string)
}

type nopObserver struct{}

func (nopObserver) RecordTranslation(string, string) {}

// Coordinator serves one rule.
type Coordinator struct {
	name     string
	spec     Spec
	table    *mapping.Table
	registry mapping.FlowRegistry
	alloc    *portalloc.Allocator
	resolver ifaddr.Resolver
	observer Observer
	logger   *slog.Logger

	mu     sync.Mutex
	handle *conntrack.Handle
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithName labels the coordinator in logs.
func WithName(name string) Option {
	return func(c *Coordinator) { c.name = name }
}

// WithObserver sets the decision observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a coordinator. resolver may be nil when the rule has a
// static address and inbound interface remapping is not wanted.
func New(table *mapping.Table, registry mapping.FlowRegistry, alloc *portalloc.Allocator, resolver ifaddr.Resolver, spec Spec, opts ...Option) *Coordinator {
	c := &Coordinator{
		name:     "default",
		spec:     spec,
		table:    table,
		registry: registry,
		alloc:    alloc,
		resolver: resolver,
		observer: nopObserver{},
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Component(c.logger, "nat").With(slog.String(logging.KeyRule, c.name))
	return c
}

// Name returns the rule name.
func (c *Coordinator) Name() string {
	return c.name
}

// Attach takes a share of the destroy event subscription. Failure leaves
// the coordinator working with lazy validity checks only.
func (c *Coordinator) Attach(hub *conntrack.Hub) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil {
		return nil
	}
	h, err := hub.Acquire()
	if err != nil {
		return err
	}
	c.handle = h
	return nil
}

// Close releases the subscription share taken by Attach.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handle.Release()
	c.handle = nil
}

// Handle dispatches a packet by hook.
func (c *Coordinator) Handle(hook Hook, pkt Packet, committer Committer) (Result, error) {
	if hook == HookPrerouting {
		return c.Inbound(pkt, committer)
	}
	return c.Outbound(pkt, committer)
}

// Inbound forwards a packet addressed to a mapped external port to the
// mapping's internal endpoint. Unmapped ports and stale mappings pass
// through untouched.
func (c *Coordinator) Inbound(pkt Packet, committer Committer) (Result, error) {
	if !translatable(pkt.Tuple) {
		return c.done(HookPrerouting, Result{}, nil)
	}

	ifindex := pkt.IfIndex
	if c.resolver != nil {
		if idx, ok := c.resolver.IndexByAddr(pkt.Tuple.Dst.Addr()); ok {
			ifindex = idx
		}
	}

	var (
		res Result
		err error
	)
	c.table.Do(func(tx *mapping.Txn) {
		if tx.Closed() {
			return
		}
		m := tx.LookupByExternal(pkt.Tuple.Dst.Port(), ifindex)
		if m == nil || !tx.Check(m, c.registry) {
			return
		}

		spec := conntrack.NATSpec{
			Manip: conntrack.ManipDst,
			Addr:  m.Internal().Addr(),
			Port:  m.Internal().Port(),
		}
		reply, cerr := committer.Commit(pkt.Tuple, spec)
		if cerr != nil {
			err = fmt.Errorf("%w: %w", ErrCommitFailed, cerr)
			return
		}

		res = Result{
			Action:  ActionTranslate,
			NAT:     spec,
			Reply:   reply,
			Reused:  true,
			Tracked: tx.AddFlow(m, pkt.Tuple),
		}
	})

	if res.Action == ActionTranslate {
		c.logger.Debug("inbound translated",
			logging.KeyTuple, pkt.Tuple.String(),
			logging.KeyInternal, res.NAT.Target().String())
	}
	return c.done(HookPrerouting, res, err)
}

// Outbound translates the source of a packet leaving through pkt.IfIndex.
// The internal endpoint keeps its external port for as long as its mapping
// has live flows.
func (c *Coordinator) Outbound(pkt Packet, committer Committer) (Result, error) {
	if !translatable(pkt.Tuple) {
		return c.done(HookPostrouting, Result{}, nil)
	}

	addr := c.spec.StaticAddr
	if !addr.IsValid() {
		var ok bool
		if c.resolver != nil {
			addr, ok = c.resolver.AddrOf(pkt.IfIndex)
		}
		if !ok {
			return c.done(HookPostrouting, Result{}, fmt.Errorf("%w %d", ErrNoAddress, pkt.IfIndex))
		}
	}

	src := pkt.Tuple.Src
	var (
		res Result
		err error
	)
	c.table.Do(func(tx *mapping.Txn) {
		if tx.Closed() {
			return
		}
		m := tx.LookupByInternal(src)
		reuse := m != nil && tx.Check(m, c.registry)

		var port uint16
		if reuse {
			port = m.Port()
		} else {
			port = c.alloc.FindPort(tx, src.Port(), pkt.IfIndex, c.spec.Range)
		}

		spec := conntrack.NATSpec{Manip: conntrack.ManipSrc, Addr: addr, Port: port}
		reply, cerr := committer.Commit(pkt.Tuple, spec)
		if cerr != nil {
			err = fmt.Errorf("%w: %w", ErrCommitFailed, cerr)
			return
		}
		res = Result{Action: ActionTranslate, NAT: spec, Reply: reply}

		// The mapping may have lost its last flow while committing.
		if reuse && tx.Check(m, c.registry) {
			res.Reused = true
			res.Tracked = tx.AddFlow(m, pkt.Tuple)
			return
		}

		extPort := reply.Dst.Port()
		nm, aerr := tx.Allocate(src, extPort, pkt.IfIndex)
		if aerr != nil {
			c.logger.Warn("mapping not recorded",
				logging.KeyInternal, src.String(),
				logging.KeyExtPort, extPort,
				logging.KeyError, aerr)
			return
		}
		if !tx.AddFlow(nm, pkt.Tuple) {
			tx.Remove(nm, mapping.ReasonIdle)
			return
		}
		res.Tracked = true
	})

	if res.Action == ActionTranslate {
		c.logger.Debug("outbound translated",
			logging.KeyTuple, pkt.Tuple.String(),
			logging.KeyExtAddr, netip.AddrPortFrom(addr, res.Reply.Dst.Port()).String(),
			"reused", res.Reused)
	}
	return c.done(HookPostrouting, res, err)
}

// translatable reports whether t is a UDP flow with both ports set.
// Fragments and truncated datagrams decode with zero ports.
func translatable(t tuple.Tuple) bool {
	return t.IsUDP() && t.Src.Port() != 0 && t.Dst.Port() != 0
}

func (c *Coordinator) done(hook Hook, res Result, err error) (Result, error) {
	switch {
	case err != nil:
		c.observer.RecordTranslation(hook.String(), ResultFailed)
		c.logger.Debug("translation failed",
			logging.KeyDirection, hook.String(),
			logging.KeyError, err)
	case res.Action == ActionTranslate:
		c.observer.RecordTranslation(hook.String(), ResultTranslated)
	default:
		c.observer.RecordTranslation(hook.String(), ResultPassthrough)
	}
	return res, err
}
