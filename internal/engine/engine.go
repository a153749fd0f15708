package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/postalsys/conenat/internal/collector"
	"github.com/postalsys/conenat/internal/conntrack"
	"github.com/postalsys/conenat/internal/ifaddr"
	"github.com/postalsys/conenat/internal/logging"
	"github.com/postalsys/conenat/internal/mapping"
	"github.com/postalsys/conenat/internal/metrics"
	"github.com/postalsys/conenat/internal/nat"
	"github.com/postalsys/conenat/internal/packet"
	"github.com/postalsys/conenat/internal/portalloc"
	"github.com/postalsys/conenat/internal/recovery"
)

var (
	// ErrRunning is returned by Start on a running engine.
	ErrRunning = errors.New("engine already running")

	// ErrStopped is returned by Start, Translate and Process after Stop.
	ErrStopped = errors.New("engine stopped")

	// ErrNoDataplane is returned by Process when the backend cannot rewrite
	// packets itself.
	ErrNoDataplane = errors.New("backend has no userspace dataplane")

	// ErrNoRules is returned by New when no rule is configured.
	ErrNoRules = errors.New("no translation rules")
)

// Rule binds a translation spec to an egress interface.
type Rule struct {
	Name string

	// IfIndex is the egress interface. 0 matches every interface.
	IfIndex int

	Spec nat.Spec
}

// Config configures an Engine.
type Config struct {
	Rules           []Rule
	Table           mapping.Config
	Collector       collector.Config
	EvictionLogRate float64
}

// DefaultConfig returns a Config with default limits and no rules.
func DefaultConfig() Config {
	return Config{
		Table:           mapping.DefaultConfig(),
		Collector:       collector.DefaultConfig(),
		EvictionLogRate: 1,
	}
}

// Engine is a running NAT instance.
type Engine struct {
	cfg         Config
	backend     conntrack.Backend
	backendName string
	tracker     *conntrack.Tracker
	resolver    ifaddr.Resolver
	clock       clock.Clock
	metrics     *metrics.Metrics
	logger      *slog.Logger

	table     *mapping.Table
	alloc     *portalloc.Allocator
	collector *collector.Collector
	hub       *conntrack.Hub
	coords    []*nat.Coordinator
	byIf      map[int]*nat.Coordinator

	running  atomic.Bool
	stopped  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	runMu  sync.Mutex
	runErr error
}

// Option configures an Engine.
type Option func(*Engine)

// WithBackend sets the conntrack backend. The default is an in-memory
// Tracker.
func WithBackend(name string, b conntrack.Backend) Option {
	return func(e *Engine) {
		e.backend = b
		e.backendName = name
	}
}

// WithResolver sets the interface metadata resolver.
func WithResolver(r ifaddr.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithClock sets the clock shared by the table, the collector and the
// default tracker.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics records engine activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New builds an engine. Nothing runs until Start.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if len(cfg.Rules) == 0 {
		return nil, ErrNoRules
	}

	e := &Engine{
		cfg:    cfg,
		clock:  clock.New(),
		logger: logging.NopLogger(),
		byIf:   make(map[int]*nat.Coordinator),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.backend == nil {
		e.tracker = conntrack.NewTracker(conntrack.DefaultTrackerConfig(),
			conntrack.WithTrackerClock(e.clock),
			conntrack.WithTrackerLogger(e.logger))
		e.backend = e.tracker
		e.backendName = "memory"
	} else if t, ok := e.backend.(*conntrack.Tracker); ok {
		e.tracker = t
	}
	if e.resolver == nil {
		e.resolver = ifaddr.NewStatic()
	}

	tableOpts := []mapping.Option{mapping.WithClock(e.clock), mapping.WithLogger(e.logger)}
	allocOpts := []portalloc.Option{portalloc.WithLogger(e.logger), portalloc.WithEvictionLogRate(cfg.EvictionLogRate)}
	colOpts := []collector.Option{collector.WithClock(e.clock), collector.WithLogger(e.logger)}
	natOpts := []nat.Option{nat.WithLogger(e.logger)}
	if e.metrics != nil {
		tableOpts = append(tableOpts, mapping.WithObserver(e.metrics))
		allocOpts = append(allocOpts, portalloc.WithObserver(e.metrics))
		colOpts = append(colOpts, collector.WithObserver(e.metrics))
		natOpts = append(natOpts, nat.WithObserver(e.metrics))
	}

	e.table = mapping.New(cfg.Table, tableOpts...)
	e.alloc = portalloc.New(e.backend, allocOpts...)
	e.collector = collector.New(e.table, cfg.Collector, colOpts...)
	e.hub = conntrack.NewHub(e.backend, e.collector.HandleDestroy, e.logger)

	for _, r := range cfg.Rules {
		if _, dup := e.byIf[r.IfIndex]; dup {
			return nil, fmt.Errorf("rule %q: interface %d already has a rule", r.Name, r.IfIndex)
		}
		c := nat.New(e.table, e.backend, e.alloc, e.resolver, r.Spec,
			append(natOpts, nat.WithName(r.Name))...)
		e.coords = append(e.coords, c)
		e.byIf[r.IfIndex] = c
	}

	e.logger = logging.Component(e.logger, "engine")
	return e, nil
}

// Start subscribes to destroy events and starts the backend poller if it
// has one. A failed subscription is logged and the engine keeps running on
// lazy validity checks alone.
func (e *Engine) Start(ctx context.Context) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}

	ctx, e.cancel = context.WithCancel(ctx)

	for _, c := range e.coords {
		if err := c.Attach(e.hub); err != nil {
			e.logger.Warn("destroy events unavailable, relying on lazy checks",
				logging.KeyRule, c.Name(),
				logging.KeyError, err)
		}
	}

	if r, ok := e.backend.(interface{ Run(context.Context) error }); ok {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer recovery.RecoverWithLog(e.logger, "conntrack.Run")

			if err := r.Run(ctx); err != nil {
				e.logger.Error("conntrack backend stopped", logging.KeyError, err)
				e.runMu.Lock()
				e.runErr = err
				e.runMu.Unlock()
			}
		}()
	}

	e.logger.Info("engine started",
		logging.KeyCount, len(e.coords),
		logging.KeyBackend, e.backendName,
		"subscribed", e.hub.Refs() > 0)
	return nil
}

// Stop releases the subscription, runs a final drain of queued destroy
// events, removes every mapping and closes the backend. It is safe to call
// more than once and without Start.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		e.running.Store(false)

		for _, c := range e.coords {
			c.Close()
		}
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()

		e.collector.Stop()
		removed := e.table.Teardown()

		e.runMu.Lock()
		err = multierr.Combine(e.runErr, e.backend.Close())
		e.runMu.Unlock()

		e.logger.Info("engine stopped", logging.KeyCount, removed)
	})
	return err
}

// StopWithContext stops with a deadline.
func (e *Engine) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- e.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the engine is between Start and Stop.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Coordinator returns the coordinator serving packets on ifindex, falling
// back to the wildcard rule.
func (e *Engine) Coordinator(ifindex int) (*nat.Coordinator, bool) {
	if c, ok := e.byIf[ifindex]; ok {
		return c, true
	}
	c, ok := e.byIf[0]
	return c, ok
}

// Translate runs the translation decision for a new flow. Packets on
// interfaces without a rule pass through. A translation racing with Stop
// either lands before the table teardown or passes through.
func (e *Engine) Translate(hook nat.Hook, pkt nat.Packet, committer nat.Committer) (nat.Result, error) {
	if e.stopped.Load() {
		return nat.Result{}, ErrStopped
	}
	ifindex := pkt.IfIndex
	if hook == nat.HookPrerouting {
		if idx, ok := e.resolver.IndexByAddr(pkt.Tuple.Dst.Addr()); ok {
			ifindex = idx
		}
	}
	c, ok := e.Coordinator(ifindex)
	if !ok {
		return nat.Result{}, nil
	}
	return c.Handle(hook, pkt, committer)
}

// Process translates one raw IPv4 packet seen at hook on ifindex and
// returns the bytes to forward. Packets of tracked flows are rewritten from
// the recorded tuples; only the first packet of a flow reaches the
// coordinator. Untranslated packets are returned unchanged. Fragments are
// rejected with packet.ErrFragment and leave no state behind.
func (e *Engine) Process(hook nat.Hook, ifindex int, raw []byte) ([]byte, nat.Result, error) {
	if e.tracker == nil {
		return nil, nat.Result{}, ErrNoDataplane
	}
	if e.stopped.Load() {
		return nil, nat.Result{}, ErrStopped
	}

	p, err := packet.Decode(raw)
	if err != nil {
		return nil, nat.Result{}, err
	}

	if f, dir, ok := e.tracker.Lookup(p.Tuple); ok {
		e.tracker.Touch(f.Original)
		src, dst := f.Reply.Dst, f.Reply.Src
		if dir == conntrack.DirReply {
			src, dst = f.Original.Dst, f.Original.Src
		}
		res := nat.Result{Reply: f.Reply, Reused: true, Tracked: true}
		if src == p.Tuple.Src && dst == p.Tuple.Dst {
			return raw, res, nil
		}
		res.Action = nat.ActionTranslate
		out, err := p.Rewrite(src, dst)
		return out, res, err
	}

	res, err := e.Translate(hook, nat.Packet{Tuple: p.Tuple, IfIndex: ifindex}, e.tracker)
	if err != nil {
		return nil, res, err
	}
	if res.Action != nat.ActionTranslate {
		return raw, res, nil
	}
	out, err := p.Rewrite(res.Reply.Dst, res.Reply.Src)
	return out, res, err
}
