package collector

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/postalsys/conenat/internal/conntrack"
	"github.com/postalsys/conenat/internal/mapping"
	"github.com/postalsys/conenat/internal/tuple"
)

var (
	internalA = netip.MustParseAddrPort("192.168.1.10:5000")
	internalB = netip.MustParseAddrPort("192.168.1.11:5000")
	extAddr   = netip.MustParseAddr("203.0.113.1")
)

type countingObserver struct {
	mu      sync.Mutex
	events  int
	drains  int
	pending int
}

func (o *countingObserver) RecordDestroyEvent() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events++
}

func (o *countingObserver) RecordGCDrain(float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drains++
}

func (o *countingObserver) SetPendingDestroy(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = n
}

func (o *countingObserver) pendingGauge() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

func (o *countingObserver) drainCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drains
}

// outbound returns the destroy event of an outbound flow from internal to
// peer translated to extPort.
func outbound(internal netip.AddrPort, peer string, extPort uint16) conntrack.Event {
	orig := tuple.UDP(internal, netip.MustParseAddrPort(peer))
	return conntrack.Event{
		Original: orig,
		Reply:    tuple.UDP(orig.Dst, netip.AddrPortFrom(extAddr, extPort)),
	}
}

// inbound returns the destroy event of an inbound flow from peer to
// extPort, translated to internal.
func inbound(internal netip.AddrPort, peer string, extPort uint16) conntrack.Event {
	orig := tuple.UDP(netip.MustParseAddrPort(peer), netip.AddrPortFrom(extAddr, extPort))
	return conntrack.Event{
		Original: orig,
		Reply:    tuple.UDP(internal, orig.Src),
	}
}

func seed(t *testing.T, table *mapping.Table, internal netip.AddrPort, port uint16, flows ...tuple.Tuple) {
	t.Helper()
	table.Do(func(tx *mapping.Txn) {
		m, err := tx.Allocate(internal, port, 2)
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		for _, f := range flows {
			tx.AddFlow(m, f)
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCollector_GCConvergence(t *testing.T) {
	mock := clock.NewMock()
	table := mapping.New(mapping.DefaultConfig())
	ev := outbound(internalA, "8.8.8.8:53", 5000)
	seed(t, table, internalA, 5000, ev.Original)

	c := New(table, DefaultConfig(), WithClock(mock))
	c.HandleDestroy(ev)

	if table.Len() != 1 {
		t.Fatal("mapping must survive until the drain runs")
	}

	mock.Add(100 * time.Millisecond)
	waitFor(t, "drain", func() bool { return table.Len() == 0 })

	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
	if err := table.Verify(); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestCollector_DrainResolvesByReplySource(t *testing.T) {
	table := mapping.New(mapping.DefaultConfig())
	out := outbound(internalA, "8.8.8.8:53", 5000)
	in := inbound(internalA, "9.9.9.9:7000", 5000)
	seed(t, table, internalA, 5000, out.Original, in.Original)

	c := New(table, DefaultConfig())
	c.HandleDestroy(in)
	if n := c.Drain(); n != 1 {
		t.Fatalf("Drain() = %d, want 1", n)
	}

	table.Do(func(tx *mapping.Txn) {
		m := tx.LookupByInternal(internalA)
		if m == nil {
			t.Fatal("mapping with a remaining flow must survive")
		}
		if m.Count() != 1 || m.Flows()[0] != out.Original {
			t.Errorf("Flows() = %v, want [%v]", m.Flows(), out.Original)
		}
	})
	c.Stop()
}

func TestCollector_UnknownFlowIsDiscarded(t *testing.T) {
	table := mapping.New(mapping.DefaultConfig())
	seed(t, table, internalA, 5000, outbound(internalA, "8.8.8.8:53", 5000).Original)

	c := New(table, DefaultConfig())
	c.HandleDestroy(outbound(internalB, "8.8.8.8:53", 6000))
	c.HandleDestroy(outbound(internalA, "1.1.1.1:53", 5000))

	if n := c.Drain(); n != 2 {
		t.Errorf("Drain() = %d, want 2", n)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
	if table.Len() != 1 || table.FlowCount() != 1 {
		t.Errorf("table = %d mappings / %d flows, want 1 / 1", table.Len(), table.FlowCount())
	}
	c.Stop()
}

func TestCollector_IgnoresNonUDP(t *testing.T) {
	table := mapping.New(mapping.DefaultConfig())
	c := New(table, DefaultConfig())

	ev := outbound(internalA, "8.8.8.8:53", 5000)
	ev.Original.Proto = tuple.ProtoTCP
	c.HandleDestroy(ev)

	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 for TCP", c.Pending())
	}
}

func TestCollector_Debounce(t *testing.T) {
	mock := clock.NewMock()
	obs := &countingObserver{}
	table := mapping.New(mapping.DefaultConfig())

	var events []conntrack.Event
	for i := 0; i < 5; i++ {
		ev := outbound(internalA, "8.8.8."+string(rune('1'+i))+":53", 5000)
		events = append(events, ev)
	}
	seed(t, table, internalA, 5000, events[0].Original, events[1].Original, events[2].Original, events[3].Original, events[4].Original)

	c := New(table, DefaultConfig(), WithClock(mock), WithObserver(obs))
	for _, ev := range events {
		c.HandleDestroy(ev)
		mock.Add(10 * time.Millisecond)
	}

	mock.Add(100 * time.Millisecond)
	waitFor(t, "drain", func() bool { return obs.drainCount() == 1 && table.Len() == 0 })

	// Nothing else is scheduled.
	mock.Add(time.Second)
	time.Sleep(10 * time.Millisecond)
	if got := obs.drainCount(); got != 1 {
		t.Errorf("drains = %d, want 1", got)
	}
	if obs.events != 5 {
		t.Errorf("events = %d, want 5", obs.events)
	}
}

func TestCollector_StopDrainsPending(t *testing.T) {
	mock := clock.NewMock()
	table := mapping.New(mapping.DefaultConfig())
	a := outbound(internalA, "8.8.8.8:53", 5000)
	b := outbound(internalB, "8.8.8.8:53", 6000)
	seed(t, table, internalA, 5000, a.Original)
	seed(t, table, internalB, 6000, b.Original)

	c := New(table, DefaultConfig(), WithClock(mock))
	c.HandleDestroy(a)
	c.HandleDestroy(b)

	// The timer never fires; Stop cancels it and drains synchronously.
	c.Stop()

	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after Stop, want 0", c.Pending())
	}
	if table.Len() != 0 {
		t.Errorf("Len() = %d after Stop, want 0", table.Len())
	}

	c.HandleDestroy(a)
	if c.Pending() != 0 {
		t.Error("events after Stop must be dropped")
	}

	// A late tick must not run a drain on a stopped collector.
	mock.Add(time.Second)
}

func TestCollector_ConcurrentIngestion(t *testing.T) {
	table := mapping.New(mapping.DefaultConfig())
	c := New(table, Config{Delay: time.Millisecond})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.HandleDestroy(outbound(internalA, "8.8.8.8:53", uint16(5000+i)))
			}
		}(i)
	}
	wg.Wait()

	c.Stop()
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

func TestCollector_PendingGaugeTracksQueue(t *testing.T) {
	mock := clock.NewMock()
	obs := &countingObserver{}
	table := mapping.New(mapping.DefaultConfig())
	c := New(table, DefaultConfig(), WithClock(mock), WithObserver(obs))

	// Drains race with ingestion; the debounce timer never fires.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.HandleDestroy(outbound(internalA, "8.8.8.8:53", uint16(5000+i)))
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 200; j++ {
			c.Drain()
		}
	}()
	wg.Wait()

	if got, want := obs.pendingGauge(), c.Pending(); got != want {
		t.Errorf("pending gauge = %d, queue length = %d", got, want)
	}

	c.HandleDestroy(outbound(internalB, "8.8.8.8:53", 6000))
	want := c.Pending()
	if got := obs.pendingGauge(); got != want {
		t.Errorf("pending gauge after enqueue = %d, want %d", got, want)
	}

	c.Drain()
	if got := obs.pendingGauge(); got != 0 {
		t.Errorf("pending gauge after drain = %d, want 0", got)
	}
	c.Stop()
}
