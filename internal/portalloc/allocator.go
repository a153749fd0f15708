package portalloc

import (
	"log/slog"
	"math/rand"

	"golang.org/x/time/rate"

	"github.com/postalsys/conenat/internal/logging"
	"github.com/postalsys/conenat/internal/mapping"
)

// Allocation outcomes reported to the Observer.
const (
	ResultPreserved = "preserved"
	ResultScanned   = "scanned"
	ResultEvicted   = "evicted"
)

// Observer receives allocation outcomes.
type Observer interface {
	RecordPortAllocation(result string)
}

type nopObserver struct{}

func (nopObserver) RecordPortAllocation(string) {}

// Allocator picks external ports. It holds no table state of its own and is
// safe for concurrent use; all table access goes through the caller's Txn.
type Allocator struct {
	registry mapping.FlowRegistry
	intn     func(n int) int
	observer Observer
	logger   *slog.Logger
	evictLog *rate.Limiter
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithRand replaces the source of random scan offsets. intn must return a
// value in [0, n).
func WithRand(intn func(n int) int) Option {
	return func(a *Allocator) {
		if intn != nil {
			a.intn = intn
		}
	}
}

// WithObserver sets the allocation observer.
func WithObserver(o Observer) Option {
	return func(a *Allocator) {
		if o != nil {
			a.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithEvictionLogRate limits eviction warnings to perSecond with a burst of
// one. Zero or negative disables the limit.
func WithEvictionLogRate(perSecond float64) Option {
	return func(a *Allocator) {
		if perSecond <= 0 {
			a.evictLog = rate.NewLimiter(rate.Inf, 0)
			return
		}
		a.evictLog = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// New creates an allocator that validates occupied ports against reg.
func New(reg mapping.FlowRegistry, opts ...Option) *Allocator {
	a := &Allocator{
		registry: reg,
		intn:     rand.Intn,
		observer: nopObserver{},
		logger:   logging.NopLogger(),
		evictLog: rate.NewLimiter(rate.Limit(1), 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.Component(a.logger, "portalloc")
	return a
}

// FindPort returns an external port for a flow whose internal source port is
// originalPort, leaving ifindex. It must be called inside Table.Do.
//
// Without randomization the original port is returned when it is free or
// its mapping no longer validates. Otherwise the resolved range is scanned
// from the start offset, wrapping around, and the first free port wins. If
// every port holds a valid mapping the mapping at the start offset is evicted
// and its port returned.
func (a *Allocator) FindPort(tx *mapping.Txn, originalPort uint16, ifindex int, r Range) uint16 {
	lo, _ := r.Bounds()
	size := r.Size()

	start := 0
	if r.Flags.Random() {
		start = a.intn(size)
	} else if r.Contains(originalPort) || !r.Flags.Has(FlagRangeSpecified) {
		if a.free(tx, originalPort, ifindex) {
			a.observer.RecordPortAllocation(ResultPreserved)
			return originalPort
		}
	}

	for i := 0; i < size; i++ {
		port := lo + uint16((start+i)%size)
		if a.free(tx, port, ifindex) {
			a.observer.RecordPortAllocation(ResultScanned)
			return port
		}
	}

	port := lo + uint16(start)
	if victim := tx.LookupByExternal(port, ifindex); victim != nil {
		if a.evictLog.Allow() {
			a.logger.Warn("port range exhausted, evicting mapping",
				logging.KeyExtPort, port,
				logging.KeyIfIndex, ifindex,
				logging.KeyInternal, victim.Internal().String(),
				logging.KeyCount, victim.Count(),
				"range", r.String())
		}
		tx.Remove(victim, mapping.ReasonEvicted)
	}
	a.observer.RecordPortAllocation(ResultEvicted)
	return port
}

// free reports whether port on ifindex has no usable mapping. A stale
// mapping found there is released by the validity check.
func (a *Allocator) free(tx *mapping.Txn, port uint16, ifindex int) bool {
	m := tx.LookupByExternal(port, ifindex)
	if m == nil {
		return true
	}
	return !tx.Check(m, a.registry)
}
