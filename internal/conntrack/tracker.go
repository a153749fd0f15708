package conntrack

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/postalsys/conenat/internal/logging"
	"github.com/postalsys/conenat/internal/tuple"
)

// TrackerConfig configures the in-memory tracker.
type TrackerConfig struct {
	// UDPTimeout is how long a flow may stay idle before it is destroyed.
	UDPTimeout time.Duration

	// SweepInterval is how often idle flows are looked for. Zero means half
	// of UDPTimeout.
	SweepInterval time.Duration

	// PortMin and PortMax bound the search for an alternative source port
	// when a requested one clashes.
	PortMin uint16
	PortMax uint16
}

// DefaultTrackerConfig returns the defaults, matching the kernel's
// unreplied UDP timeout.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		UDPTimeout: 30 * time.Second,
		PortMin:    1024,
		PortMax:    65535,
	}
}

// Direction tells which way a packet travels along a tracked flow.
type Direction uint8

const (
	// DirOriginal is the direction of the flow's first packet.
	DirOriginal Direction = iota
	// DirReply is the opposite direction.
	DirReply
)

// String returns "original" or "reply".
func (d Direction) String() string {
	if d == DirReply {
		return "reply"
	}
	return "original"
}

// Flow is a committed entry.
type Flow struct {
	Original tuple.Tuple
	Reply    tuple.Tuple
	LastSeen time.Time
}

// Tracker is an in-memory connection tracker. It confirms flows when
// translations are committed, answers liveness queries, expires idle flows
// and publishes destroy events.
type Tracker struct {
	cfg    TrackerConfig
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	byOrig  map[tuple.Tuple]*Flow
	byReply map[tuple.Tuple]*Flow
	closed  bool

	subs *subscribers
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerClock sets the clock used for idle accounting.
func WithTrackerClock(c clock.Clock) TrackerOption {
	return func(t *Tracker) { t.clock = c }
}

// WithTrackerLogger sets the logger.
func WithTrackerLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTracker creates an empty tracker.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	def := DefaultTrackerConfig()
	if cfg.UDPTimeout <= 0 {
		cfg.UDPTimeout = def.UDPTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.UDPTimeout / 2
	}
	if cfg.PortMin == 0 || cfg.PortMax < cfg.PortMin {
		cfg.PortMin, cfg.PortMax = def.PortMin, def.PortMax
	}

	t := &Tracker{
		cfg:     cfg,
		clock:   clock.New(),
		logger:  logging.NopLogger(),
		byOrig:  make(map[tuple.Tuple]*Flow),
		byReply: make(map[tuple.Tuple]*Flow),
		subs:    newSubscribers(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.Component(t.logger, "tracker")
	return t
}

// Commit confirms original with the given translation and returns the reply
// tuple actually recorded. A source translation whose reply tuple is already
// in use moves to the next free port. Committing an already tracked flow
// returns its existing reply.
func (t *Tracker) Commit(original tuple.Tuple, spec NATSpec) (tuple.Tuple, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return tuple.Tuple{}, ErrClosed
	}
	if f, ok := t.byOrig[original]; ok {
		f.LastSeen = t.clock.Now()
		return f.Reply, nil
	}

	reply := replyFor(original, spec)
	if _, taken := t.byReply[reply]; taken {
		if spec.Manip != ManipSrc {
			return tuple.Tuple{}, ErrClash
		}
		var ok bool
		if reply, ok = t.reselect(original, spec); !ok {
			return tuple.Tuple{}, ErrClash
		}
		t.logger.Debug("source port clash, moved",
			logging.KeyTuple, original.String(),
			"requested", spec.Port,
			logging.KeyExtPort, reply.Dst.Port())
	}

	f := &Flow{Original: original, Reply: reply, LastSeen: t.clock.Now()}
	t.byOrig[original] = f
	t.byReply[reply] = f
	return reply, nil
}

// reselect walks the port space after spec.Port for a reply tuple nobody
// holds. Called with t.mu held.
func (t *Tracker) reselect(original tuple.Tuple, spec NATSpec) (tuple.Tuple, bool) {
	lo, hi := int(t.cfg.PortMin), int(t.cfg.PortMax)
	size := hi - lo + 1
	start := int(spec.Port) - lo
	if start < 0 || start >= size {
		start = 0
	}
	for i := 1; i <= size; i++ {
		port := uint16(lo + (start+i)%size)
		reply := tuple.New(original.Dst, netip.AddrPortFrom(spec.Addr, port), original.Proto)
		if _, taken := t.byReply[reply]; !taken {
			return reply, true
		}
	}
	return tuple.Tuple{}, false
}

// FlowExists implements Registry.
func (t *Tracker) FlowExists(original tuple.Tuple) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.byOrig[original]
	return ok
}

// Lookup finds the flow a packet with tuple pt belongs to and the direction
// it travels.
func (t *Tracker) Lookup(pt tuple.Tuple) (Flow, Direction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.byOrig[pt]; ok {
		return *f, DirOriginal, true
	}
	if f, ok := t.byReply[pt]; ok {
		return *f, DirReply, true
	}
	return Flow{}, DirOriginal, false
}

// Touch refreshes the idle timer of the flow with the given original tuple.
func (t *Tracker) Touch(original tuple.Tuple) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.byOrig[original]; ok {
		f.LastSeen = t.clock.Now()
	}
}

// Destroy removes a flow and publishes its destroy event. It reports whether
// the flow was tracked.
func (t *Tracker) Destroy(original tuple.Tuple) bool {
	t.mu.Lock()
	f, ok := t.byOrig[original]
	if ok {
		t.unlink(f)
	}
	t.mu.Unlock()

	if ok {
		t.subs.publish(Event{Original: f.Original, Reply: f.Reply})
	}
	return ok
}

// Forget removes a flow without publishing an event, the way unconfirmed
// kernel entries vanish.
func (t *Tracker) Forget(original tuple.Tuple) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.byOrig[original]
	if ok {
		t.unlink(f)
	}
	return ok
}

// Expire destroys every flow idle for longer than the UDP timeout and
// returns how many were destroyed.
func (t *Tracker) Expire() int {
	now := t.clock.Now()

	t.mu.Lock()
	var dead []Event
	for _, f := range t.byOrig {
		if now.Sub(f.LastSeen) >= t.cfg.UDPTimeout {
			dead = append(dead, Event{Original: f.Original, Reply: f.Reply})
		}
	}
	for _, ev := range dead {
		t.unlink(t.byOrig[ev.Original])
	}
	t.mu.Unlock()

	t.subs.publish(dead...)
	if len(dead) > 0 {
		t.logger.Debug("expired idle flows", logging.KeyCount, len(dead))
	}
	return len(dead)
}

// Run expires idle flows every sweep interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := t.clock.Ticker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Expire()
		}
	}
}

// Subscribe implements Source.
func (t *Tracker) Subscribe(proto uint8, h Handler) (func(), error) {
	return t.subs.add(proto, h)
}

// Len returns the number of tracked flows.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byOrig)
}

// Flows returns a copy of every tracked flow.
func (t *Tracker) Flows() []Flow {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Flow, 0, len(t.byOrig))
	for _, f := range t.byOrig {
		out = append(out, *f)
	}
	return out
}

// Close drops all flows and subscribers without publishing events.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	clear(t.byOrig)
	clear(t.byReply)
	t.subs.close()
	return nil
}

func (t *Tracker) unlink(f *Flow) {
	delete(t.byOrig, f.Original)
	delete(t.byReply, f.Reply)
}
