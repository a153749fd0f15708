// Package replay feeds captured IPv4 traffic through a NAT engine and
// optionally writes the translated packets to a new capture.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"golang.org/x/sync/errgroup"

	"github.com/postalsys/conenat/internal/logging"
	"github.com/postalsys/conenat/internal/nat"
	"github.com/postalsys/conenat/internal/packet"
)

// Processor translates one raw IPv4 packet.
type Processor interface {
	Process(hook nat.Hook, ifindex int, raw []byte) ([]byte, nat.Result, error)
}

// Config configures a replay run.
type Config struct {
	// IfIndex is the interface every packet is attributed to.
	IfIndex int

	// Workers is the number of concurrent translators. Packets are sharded
	// by their inside-facing port, so ordering holds per port.
	Workers int

	// IsInternal classifies source addresses. Packets from internal
	// addresses are replayed outbound, all others inbound.
	IsInternal func(netip.Addr) bool
}

// DefaultConfig returns a single-worker config that treats private
// addresses as internal.
func DefaultConfig() Config {
	return Config{
		Workers:    1,
		IsInternal: netip.Addr.IsPrivate,
	}
}

// Summary counts replay outcomes.
type Summary struct {
	Packets     int `json:"packets"`
	Translated  int `json:"translated"`
	Passthrough int `json:"passthrough"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
}

type counters struct {
	packets, translated, passthrough, failed, skipped atomic.Int64
}

func (c *counters) summary() Summary {
	return Summary{
		Packets:     int(c.packets.Load()),
		Translated:  int(c.translated.Load()),
		Passthrough: int(c.passthrough.Load()),
		Failed:      int(c.failed.Load()),
		Skipped:     int(c.skipped.Load()),
	}
}

type item struct {
	hook nat.Hook
	data []byte
	ci   gopacket.CaptureInfo
}

// Replayer runs captures through a Processor.
type Replayer struct {
	proc   Processor
	cfg    Config
	logger *slog.Logger

	outMu sync.Mutex
	out   *pcapgo.Writer
}

// Option configures a Replayer.
type Option func(*Replayer)

// WithOutput writes translated packets to w as a raw IPv4 pcap.
func WithOutput(w io.Writer) Option {
	return func(r *Replayer) { r.out = pcapgo.NewWriter(w) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Replayer) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a replayer.
func New(proc Processor, cfg Config, opts ...Option) *Replayer {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.IsInternal == nil {
		cfg.IsInternal = def.IsInternal
	}

	r := &Replayer{
		proc:   proc,
		cfg:    cfg,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Component(r.logger, "replay")
	return r
}

// Run reads a pcap from in until EOF and translates every IPv4 packet.
// Translation failures are counted, not returned; Run only fails on
// unreadable input, output errors or cancellation.
func (r *Replayer) Run(ctx context.Context, in io.Reader) (Summary, error) {
	var c counters

	rd, err := pcapgo.NewReader(in)
	if err != nil {
		return Summary{}, fmt.Errorf("read pcap header: %w", err)
	}
	if r.out != nil {
		if err := r.out.WriteFileHeader(rd.Snaplen(), layers.LinkTypeRaw); err != nil {
			return Summary{}, fmt.Errorf("write pcap header: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	queues := make([]chan item, r.cfg.Workers)
	for i := range queues {
		q := make(chan item, 64)
		queues[i] = q
		g.Go(func() error {
			for it := range q {
				if err := r.handle(it, &c); err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()

		for {
			data, ci, err := rd.ReadPacketData()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read packet: %w", err)
			}
			c.packets.Add(1)

			raw, ok := ipv4Bytes(data, rd.LinkType())
			if !ok {
				c.skipped.Add(1)
				continue
			}
			p, err := packet.Decode(raw)
			if err != nil {
				c.skipped.Add(1)
				continue
			}

			it := item{hook: nat.HookPrerouting, data: raw, ci: ci}
			port := p.Tuple.Dst.Port()
			if r.cfg.IsInternal(p.Tuple.Src.Addr()) {
				it.hook = nat.HookPostrouting
				port = p.Tuple.Src.Port()
			}

			select {
			case queues[int(port)%len(queues)] <- it:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	err = g.Wait()
	s := c.summary()
	r.logger.Debug("replay finished",
		logging.KeyCount, s.Packets,
		"translated", s.Translated,
		"failed", s.Failed)
	return s, err
}

func (r *Replayer) handle(it item, c *counters) error {
	out, res, err := r.proc.Process(it.hook, r.cfg.IfIndex, it.data)
	switch {
	case err != nil:
		c.failed.Add(1)
		r.logger.Debug("packet not translated",
			logging.KeyDirection, it.hook.String(),
			logging.KeyError, err)
		return nil
	case res.Action == nat.ActionTranslate:
		c.translated.Add(1)
	default:
		c.passthrough.Add(1)
	}

	if r.out == nil {
		return nil
	}
	ci := it.ci
	ci.CaptureLength = len(out)
	ci.Length = len(out)

	r.outMu.Lock()
	defer r.outMu.Unlock()
	if err := r.out.WritePacket(ci, out); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

// ipv4Bytes strips the link layer and returns the IPv4 datagram.
func ipv4Bytes(data []byte, lt layers.LinkType) ([]byte, bool) {
	pkt := gopacket.NewPacket(data, lt, gopacket.Lazy)
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, false
	}
	raw := make([]byte, 0, len(ip.Contents)+len(ip.Payload))
	raw = append(raw, ip.Contents...)
	raw = append(raw, ip.Payload...)
	return raw, true
}
