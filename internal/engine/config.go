package engine

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/benbjohnson/clock"

	"github.com/postalsys/conenat/internal/collector"
	"github.com/postalsys/conenat/internal/config"
	"github.com/postalsys/conenat/internal/conntrack"
	"github.com/postalsys/conenat/internal/ifaddr"
	"github.com/postalsys/conenat/internal/mapping"
	"github.com/postalsys/conenat/internal/metrics"
	"github.com/postalsys/conenat/internal/nat"
)

// AnyInterface is the rule interface name matching every interface.
const AnyInterface = "any"

// FromConfig builds an engine, its conntrack backend and its interface
// resolver from a daemon configuration.
func FromConfig(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, opts ...Option) (*Engine, error) {
	resolver, err := NewResolver(cfg)
	if err != nil {
		return nil, err
	}

	rules := make([]Rule, 0, len(cfg.NAT.Rules))
	for _, rc := range cfg.NAT.Rules {
		r, err := ruleFromConfig(rc, resolver)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}

	backend, err := NewBackend(cfg.Conntrack, logger)
	if err != nil {
		return nil, err
	}

	ecfg := Config{
		Rules: rules,
		Table: mapping.Config{
			MaxMappings:        cfg.NAT.MaxMappings,
			MaxFlowsPerMapping: cfg.NAT.MaxFlowsPerMapping,
		},
		Collector:       collector.Config{Delay: cfg.NAT.GCDelay},
		EvictionLogRate: cfg.NAT.EvictionLogRate,
	}

	base := []Option{
		WithBackend(cfg.Conntrack.Backend, backend),
		WithResolver(resolver),
		WithLogger(logger),
		WithMetrics(m),
	}
	e, err := New(ecfg, append(base, opts...)...)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return e, nil
}

// NewBackend opens the conntrack backend named in cfg.
func NewBackend(cfg config.ConntrackConfig, logger *slog.Logger) (conntrack.Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		tcfg := conntrack.DefaultTrackerConfig()
		if cfg.UDPTimeout > 0 {
			tcfg.UDPTimeout = cfg.UDPTimeout
		}
		return conntrack.NewTracker(tcfg, conntrack.WithTrackerLogger(logger)), nil
	case "netlink":
		ncfg := conntrack.DefaultNetlinkConfig()
		if cfg.PollInterval > 0 {
			ncfg.PollInterval = cfg.PollInterval
		}
		if cfg.RefreshRate > 0 {
			ncfg.RefreshRate = cfg.RefreshRate
		}
		n, err := conntrack.OpenNetlink(ncfg, clock.New(), logger)
		if err != nil {
			return nil, fmt.Errorf("open netlink conntrack: %w", err)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unknown conntrack backend %q", cfg.Backend)
	}
}

// NewResolver returns a static resolver when interfaces are listed in cfg
// and the system resolver otherwise, wrapped in a TTL cache.
func NewResolver(cfg *config.Config) (ifaddr.Resolver, error) {
	if len(cfg.Interfaces) == 0 {
		return ifaddr.NewCached(ifaddr.NewNetlink(), cfg.IfaddrCacheTTL), nil
	}

	ifaces := make([]ifaddr.Interface, 0, len(cfg.Interfaces))
	for _, ic := range cfg.Interfaces {
		iface := ifaddr.Interface{Name: ic.Name, Index: ic.Index}
		if ic.Address != "" {
			addr, err := netip.ParseAddr(ic.Address)
			if err != nil {
				return nil, fmt.Errorf("interface %s: %w", ic.Name, err)
			}
			iface.Address = addr
		}
		ifaces = append(ifaces, iface)
	}
	return ifaddr.NewStatic(ifaces...), nil
}

func ruleFromConfig(rc config.RuleConfig, resolver ifaddr.Resolver) (Rule, error) {
	pr, err := rc.PortRange()
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", rc.Name, err)
	}
	addr, err := rc.StaticAddr()
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", rc.Name, err)
	}

	r := Rule{
		Name: rc.Name,
		Spec: nat.Spec{Range: pr, StaticAddr: addr},
	}
	if rc.Interface != AnyInterface {
		idx, err := resolver.IndexByName(rc.Interface)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %s: interface %s: %w", rc.Name, rc.Interface, err)
		}
		r.IfIndex = idx
	}
	return r, nil
}
