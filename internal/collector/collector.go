// Package collector releases flow records of destroyed flows.
//
// Destroy events are queued under a lock of their own and applied to the
// mapping table by a deferred drain. Events arriving while a drain is
// pending ride along with it, so a burst of destroys costs one table pass.
package collector

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/postalsys/conenat/internal/conntrack"
	"github.com/postalsys/conenat/internal/logging"
	"github.com/postalsys/conenat/internal/mapping"
	"github.com/postalsys/conenat/internal/recovery"
)

// Config holds collector settings.
type Config struct {
	// Delay is the debounce window between the first queued event and the
	// drain that processes it.
	Delay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Delay: 100 * time.Millisecond,
	}
}

// Observer receives collector statistics.
type Observer interface {
	RecordDestroyEvent()
	RecordGCDrain(seconds float64)
	SetPendingDestroy(n int)
}

type nopObserver struct{}

func (nopObserver) RecordDestroyEvent()   {}
func (nopObserver) RecordGCDrain(float64) {}
func (nopObserver) SetPendingDestroy(int) {}

// Collector queues destroy events and drains them against a table.
type Collector struct {
	table    *mapping.Table
	cfg      Config
	clock    clock.Clock
	observer Observer
	logger   *slog.Logger

	mu      sync.Mutex
	queue   []conntrack.Event
	timer   *clock.Timer
	stopped bool

	drainMu sync.Mutex
	wg      sync.WaitGroup
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock sets the clock used for the debounce timer.
func WithClock(c clock.Clock) Option {
	return func(col *Collector) { col.clock = c }
}

// WithObserver sets the statistics observer.
func WithObserver(o Observer) Option {
	return func(col *Collector) {
		if o != nil {
			col.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(col *Collector) {
		if l != nil {
			col.logger = l
		}
	}
}

// New creates a collector for table.
func New(table *mapping.Table, cfg Config, opts ...Option) *Collector {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultConfig().Delay
	}
	c := &Collector{
		table:    table,
		cfg:      cfg,
		clock:    clock.New(),
		observer: nopObserver{},
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Component(c.logger, "collector")
	return c
}

// HandleDestroy queues a destroyed UDP flow and makes sure a drain is
// scheduled. It never touches the table and is safe to call from any
// goroutine. Events arriving after Stop are dropped.
func (c *Collector) HandleDestroy(ev conntrack.Event) {
	if !ev.Original.IsUDP() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.queue = append(c.queue, ev)
	c.observer.RecordDestroyEvent()
	c.observer.SetPendingDestroy(len(c.queue))

	if c.timer == nil {
		c.wg.Add(1)
		c.timer = c.clock.AfterFunc(c.cfg.Delay, c.run)
	}
}

// Pending returns the number of queued events.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Collector) run() {
	defer c.wg.Done()
	defer recovery.RecoverWithLog(c.logger, "collector.drain")

	c.mu.Lock()
	c.timer = nil
	c.mu.Unlock()

	c.Drain()
}

// Drain processes every event queued so far and returns how many were
// processed. Drains never overlap.
func (c *Collector) Drain() int {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()

	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	c.observer.SetPendingDestroy(0)
	c.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	start := c.clock.Now()
	released, removed := 0, 0
	c.table.Do(func(tx *mapping.Txn) {
		for _, ev := range batch {
			m := tx.LookupByInternal(ev.Original.Src)
			if m == nil {
				m = tx.LookupByInternal(ev.Reply.Src)
			}
			if m == nil {
				continue
			}
			released += tx.RemoveFlow(m, ev.Original)
			if m.Count() <= 0 && tx.Remove(m, mapping.ReasonGC) {
				removed++
			}
		}
	})
	elapsed := c.clock.Since(start)
	c.observer.RecordGCDrain(elapsed.Seconds())

	c.logger.Debug("destroy queue drained",
		logging.KeyCount, len(batch),
		"released", released,
		"removed", removed,
		logging.KeyDuration, elapsed)
	return len(batch)
}

// Stop cancels a pending drain, waits for a running one and drains what is
// left synchronously. The queue is empty when Stop returns.
func (c *Collector) Stop() {
	c.mu.Lock()
	c.stopped = true
	if c.timer != nil {
		if c.timer.Stop() {
			c.wg.Done()
		}
		c.timer = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.Drain()
}
