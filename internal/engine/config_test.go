package engine

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/conenat/internal/config"
	"github.com/postalsys/conenat/internal/logging"
	"github.com/postalsys/conenat/internal/metrics"
	"github.com/postalsys/conenat/internal/nat"
)

func staticConfig() *config.Config {
	cfg := config.Default()
	cfg.Interfaces = []config.InterfaceConfig{
		{Name: "wan0", Index: wanIndex, Address: wanAddr.String()},
		{Name: "lan0", Index: lanIndex, Address: "192.168.1.1"},
	}
	cfg.NAT.Rules = []config.RuleConfig{
		{Name: "wan", Interface: "wan0", Ports: "20000-20099", Random: true},
	}
	return cfg
}

func TestFromConfig(t *testing.T) {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	e, err := FromConfig(staticConfig(), logging.NopLogger(), m)
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	defer e.Stop()

	rules := e.Rules()
	if len(rules) != 1 {
		t.Fatalf("Rules() len = %d, want 1", len(rules))
	}
	r := rules[0]
	if r.IfIndex != wanIndex || r.Ports != "20000-20099" || r.Flags != "range|random" {
		t.Errorf("rule = %+v", r)
	}
	if e.Stats().Backend != "memory" {
		t.Errorf("Backend = %q, want memory", e.Stats().Backend)
	}

	out, _, err := e.Process(nat.HookPostrouting, wanIndex, build(t, internal, remote))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	port := decode(t, out).Src.Port()
	if port < 20000 || port > 20099 {
		t.Errorf("external port = %d, want inside 20000-20099", port)
	}
}

func TestFromConfig_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "unknown interface",
			mutate: func(c *config.Config) { c.NAT.Rules[0].Interface = "ppp0" },
			want:   "ppp0",
		},
		{
			name:   "bad interface address",
			mutate: func(c *config.Config) { c.Interfaces[0].Address = "not-an-ip" },
			want:   "wan0",
		},
		{
			name:   "unknown backend",
			mutate: func(c *config.Config) { c.Conntrack.Backend = "pf" },
			want:   "pf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := staticConfig()
			tt.mutate(cfg)
			_, err := FromConfig(cfg, nil, nil)
			if err == nil {
				t.Fatal("FromConfig() should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestFromConfig_AnyInterface(t *testing.T) {
	cfg := staticConfig()
	cfg.NAT.Rules[0].Interface = AnyInterface

	e, err := FromConfig(cfg, nil, nil)
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	defer e.Stop()

	if _, ok := e.Coordinator(lanIndex); !ok {
		t.Error("wildcard rule should serve every interface")
	}
}
