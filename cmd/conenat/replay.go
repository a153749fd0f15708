package main

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/postalsys/conenat/internal/config"
	"github.com/postalsys/conenat/internal/engine"
	"github.com/postalsys/conenat/internal/logging"
	"github.com/postalsys/conenat/internal/metrics"
	"github.com/postalsys/conenat/internal/replay"
)

type replayOptions struct {
	configPath  string
	outputPath  string
	iface       string
	internal    []string
	workers     int
	dumpMetrics bool
}

func replayCmd() *cobra.Command {
	var opts replayOptions

	cmd := &cobra.Command{
		Use:   "replay <capture.pcap>",
		Short: "Translate a packet capture offline",
		Long: `Replay a pcap through the NAT engine using the in-memory tracker.

Packets from internal addresses are translated outbound and all others
inbound. The translated packets can be written to a new capture.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&opts.outputPath, "output", "o", "", "Write translated packets to this pcap")
	cmd.Flags().StringVarP(&opts.iface, "interface", "i", "", "Interface the capture was taken on (default: first rule's)")
	cmd.Flags().StringSliceVar(&opts.internal, "internal", nil, "Internal prefixes (default: private address space)")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 1, "Concurrent translators")
	cmd.Flags().BoolVar(&opts.dumpMetrics, "metrics", false, "Print engine metrics after the run")

	return cmd
}

func runReplay(ctx context.Context, inputPath string, opts replayOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// Offline runs never touch the kernel.
	cfg.Conntrack.Backend = "memory"

	rcfg := replay.DefaultConfig()
	rcfg.Workers = opts.workers
	if len(opts.internal) > 0 {
		rcfg.IsInternal, err = prefixMatcher(opts.internal)
		if err != nil {
			return err
		}
	}

	resolver, err := engine.NewResolver(cfg)
	if err != nil {
		return err
	}
	iface := opts.iface
	if iface == "" {
		iface = cfg.NAT.Rules[0].Interface
	}
	if iface != engine.AnyInterface {
		if rcfg.IfIndex, err = resolver.IndexByName(iface); err != nil {
			return fmt.Errorf("interface %s: %w", iface, err)
		}
	}

	reg := prometheus.NewRegistry()
	logger := logging.NewLoggerWithWriter(cfg.Agent.LogLevel, cfg.Agent.LogFormat, os.Stderr)
	eng, err := engine.FromConfig(cfg, logger, metrics.NewMetricsWithRegistry(reg),
		engine.WithResolver(resolver))
	if err != nil {
		return err
	}
	defer eng.Stop()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	in, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	var ropts []replay.Option
	ropts = append(ropts, replay.WithLogger(logger))
	if opts.outputPath != "" {
		out, err := os.Create(opts.outputPath)
		if err != nil {
			return err
		}
		defer out.Close()
		ropts = append(ropts, replay.WithOutput(out))
	}

	sum, err := replay.New(eng, rcfg, ropts...).Run(ctx, in)
	if err != nil {
		return err
	}

	fmt.Printf("Packets:     %s\n", humanize.Comma(int64(sum.Packets)))
	fmt.Printf("Translated:  %s\n", humanize.Comma(int64(sum.Translated)))
	fmt.Printf("Passthrough: %s\n", humanize.Comma(int64(sum.Passthrough)))
	fmt.Printf("Failed:      %s\n", humanize.Comma(int64(sum.Failed)))
	fmt.Printf("Skipped:     %s\n", humanize.Comma(int64(sum.Skipped)))
	fmt.Printf("Mappings:    %s\n", humanize.Comma(int64(eng.Stats().Mappings)))

	if opts.dumpMetrics {
		return writeMetrics(os.Stdout, reg)
	}
	return nil
}

func prefixMatcher(cidrs []string) (func(netip.Addr) bool, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, s := range cidrs {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid internal prefix: %w", err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return func(a netip.Addr) bool {
		for _, p := range prefixes {
			if p.Contains(a) {
				return true
			}
		}
		return false
	}, nil
}

// writeMetrics renders every gathered family in the Prometheus text format.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
