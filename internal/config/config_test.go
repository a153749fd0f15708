package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/conenat/internal/portalloc"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Check essential defaults
	if cfg.Agent.DataDir != "./data" {
		t.Errorf("Agent.DataDir = %s, want ./data", cfg.Agent.DataDir)
	}
	if cfg.Agent.LogLevel != "info" {
		t.Errorf("Agent.LogLevel = %s, want info", cfg.Agent.LogLevel)
	}
	if cfg.NAT.GCDelay != 100*time.Millisecond {
		t.Errorf("NAT.GCDelay = %v, want 100ms", cfg.NAT.GCDelay)
	}
	if cfg.Conntrack.Backend != "memory" {
		t.Errorf("Conntrack.Backend = %s, want memory", cfg.Conntrack.Backend)
	}
	if len(cfg.NAT.Rules) != 1 {
		t.Errorf("len(NAT.Rules) = %d, want 1", len(cfg.NAT.Rules))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
agent:
  data_dir: "/var/lib/conenat"
  log_level: "debug"
  log_format: "json"

nat:
  gc_delay: 250ms
  max_mappings: 1000
  max_flows_per_mapping: 64
  eviction_log_rate: 0.5
  rules:
    - name: wan
      interface: eth0
      ports: "40000-40999"
      random: true
    - name: backup
      interface: ppp0
      static_address: "198.51.100.7"

conntrack:
  backend: netlink
  poll_interval: 2s

interfaces:
  - name: eth0
    index: 2
    address: "203.0.113.1"

ifaddr_cache_ttl: 30s

health:
  enabled: true
  address: "127.0.0.1:9100"

control:
  enabled: true
  socket_path: "/run/conenat.sock"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Agent.LogFormat != "json" {
		t.Errorf("Agent.LogFormat = %s, want json", cfg.Agent.LogFormat)
	}
	if cfg.NAT.GCDelay != 250*time.Millisecond {
		t.Errorf("NAT.GCDelay = %v, want 250ms", cfg.NAT.GCDelay)
	}
	if cfg.NAT.MaxMappings != 1000 || cfg.NAT.MaxFlowsPerMapping != 64 {
		t.Errorf("limits = %d/%d, want 1000/64", cfg.NAT.MaxMappings, cfg.NAT.MaxFlowsPerMapping)
	}
	if len(cfg.NAT.Rules) != 2 {
		t.Fatalf("len(NAT.Rules) = %d, want 2", len(cfg.NAT.Rules))
	}

	r, err := cfg.NAT.Rules[0].PortRange()
	if err != nil {
		t.Fatalf("PortRange() error = %v", err)
	}
	want := portalloc.Range{Min: 40000, Max: 40999, Flags: portalloc.FlagRangeSpecified | portalloc.FlagRandom}
	if r != want {
		t.Errorf("PortRange() = %+v, want %+v", r, want)
	}

	addr, err := cfg.NAT.Rules[1].StaticAddr()
	if err != nil || addr != netip.MustParseAddr("198.51.100.7") {
		t.Errorf("StaticAddr() = %s, %v", addr, err)
	}

	if cfg.Conntrack.Backend != "netlink" || cfg.Conntrack.PollInterval != 2*time.Second {
		t.Errorf("Conntrack = %+v", cfg.Conntrack)
	}
	if len(cfg.Interfaces) != 1 || cfg.Interfaces[0].Index != 2 {
		t.Errorf("Interfaces = %+v", cfg.Interfaces)
	}
	if cfg.IfaddrCacheTTL != 30*time.Second {
		t.Errorf("IfaddrCacheTTL = %v, want 30s", cfg.IfaddrCacheTTL)
	}
	if !cfg.Health.Enabled || cfg.Health.Address != "127.0.0.1:9100" {
		t.Errorf("Health = %+v", cfg.Health)
	}
	if cfg.Control.SocketPath != "/run/conenat.sock" {
		t.Errorf("Control.SocketPath = %s", cfg.Control.SocketPath)
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	yamlConfig := `
agent:
  data_dir: "./data"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Should have defaults
	if cfg.Agent.LogLevel != "info" {
		t.Errorf("Agent.LogLevel = %s, want info", cfg.Agent.LogLevel)
	}
	if cfg.NAT.Rules[0].Interface != "eth0" {
		t.Errorf("default rule interface = %s, want eth0", cfg.NAT.Rules[0].Interface)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	yamlConfig := `
agent:
  data_dir: [invalid
`

	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		config    string
		wantError string
	}{
		{
			name: "invalid log level",
			config: `
agent:
  log_level: "verbose"
`,
			wantError: "invalid log_level",
		},
		{
			name: "invalid log format",
			config: `
agent:
  log_format: "xml"
`,
			wantError: "invalid log_format",
		},
		{
			name: "no rules",
			config: `
nat:
  rules: []
`,
			wantError: "at least one rule",
		},
		{
			name: "rule without interface",
			config: `
nat:
  rules:
    - name: wan
`,
			wantError: "interface is required",
		},
		{
			name: "rule without name",
			config: `
nat:
  rules:
    - interface: eth0
`,
			wantError: "name is required",
		},
		{
			name: "duplicate rule",
			config: `
nat:
  rules:
    - name: wan
      interface: eth0
    - name: wan
      interface: eth1
`,
			wantError: "duplicate name",
		},
		{
			name: "inverted port range",
			config: `
nat:
  rules:
    - name: wan
      interface: eth0
      ports: "3000-2000"
`,
			wantError: "inverted",
		},
		{
			name: "IPv6 static address",
			config: `
nat:
  rules:
    - name: wan
      interface: eth0
      static_address: "2001:db8::1"
`,
			wantError: "invalid static_address",
		},
		{
			name: "zero gc delay",
			config: `
nat:
  gc_delay: 0s
`,
			wantError: "nat.gc_delay must be positive",
		},
		{
			name: "unknown backend",
			config: `
conntrack:
  backend: "pf"
`,
			wantError: "invalid conntrack.backend",
		},
		{
			name: "interface without index",
			config: `
interfaces:
  - name: eth0
    address: "203.0.113.1"
`,
			wantError: "index must be positive",
		},
		{
			name: "interface bad address",
			config: `
interfaces:
  - name: eth0
    index: 2
    address: "not-an-ip"
`,
			wantError: "invalid address",
		},
		{
			name: "control without socket",
			config: `
control:
  enabled: true
  socket_path: ""
`,
			wantError: "control.socket_path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.config))
			if err == nil {
				t.Error("Parse() should fail")
				return
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	os.Setenv("TEST_DATA_DIR", "/custom/data")
	os.Setenv("TEST_WAN_IF", "enp3s0")
	defer func() {
		os.Unsetenv("TEST_DATA_DIR")
		os.Unsetenv("TEST_WAN_IF")
	}()

	yamlConfig := `
agent:
  data_dir: "${TEST_DATA_DIR}"

nat:
  rules:
    - name: wan
      interface: "$TEST_WAN_IF"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Agent.DataDir != "/custom/data" {
		t.Errorf("Agent.DataDir = %s, want /custom/data", cfg.Agent.DataDir)
	}
	if cfg.NAT.Rules[0].Interface != "enp3s0" {
		t.Errorf("Rules[0].Interface = %s, want enp3s0", cfg.NAT.Rules[0].Interface)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	// Ensure the variable is NOT set
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
agent:
  data_dir: "${NONEXISTENT_VAR:-/default/path}"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Agent.DataDir != "/default/path" {
		t.Errorf("Agent.DataDir = %s, want /default/path", cfg.Agent.DataDir)
	}
}

func TestParse_EnvVarNotFound(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
agent:
  data_dir: "${NONEXISTENT_VAR}"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Should keep the original placeholder if not found
	if cfg.Agent.DataDir != "${NONEXISTENT_VAR}" {
		t.Errorf("Agent.DataDir = %s, want ${NONEXISTENT_VAR}", cfg.Agent.DataDir)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should fail for nonexistent file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	tmpDir := t.TempDir()

	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
agent:
  data_dir: "./data"
  log_level: "debug"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agent.LogLevel != "debug" {
		t.Errorf("Agent.LogLevel = %s, want debug", cfg.Agent.LogLevel)
	}
}

func TestRuleConfig_PortRange(t *testing.T) {
	tests := []struct {
		name string
		rule RuleConfig
		want portalloc.Range
	}{
		{"default", RuleConfig{}, portalloc.Range{}},
		{"random fully", RuleConfig{RandomFully: true}, portalloc.Range{Flags: portalloc.FlagRandomFully}},
		{"explicit", RuleConfig{Ports: "2000-2002"}, portalloc.Range{Min: 2000, Max: 2002, Flags: portalloc.FlagRangeSpecified}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.rule.PortRange()
			if err != nil {
				t.Fatalf("PortRange() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("PortRange() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := Default()
	s := cfg.String()

	// Should contain key fields
	if !strings.Contains(s, "agent") {
		t.Error("String() should contain 'agent'")
	}
	if !strings.Contains(s, "gc_delay") {
		t.Error("String() should contain 'gc_delay'")
	}
}

func TestDurationParsing(t *testing.T) {
	yamlConfig := `
nat:
  gc_delay: 1s
conntrack:
  poll_interval: 1m30s
  udp_timeout: 180s
ifaddr_cache_ttl: 2m
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.NAT.GCDelay != time.Second {
		t.Errorf("GCDelay = %v, want 1s", cfg.NAT.GCDelay)
	}
	if cfg.Conntrack.PollInterval != 90*time.Second {
		t.Errorf("PollInterval = %v, want 1m30s", cfg.Conntrack.PollInterval)
	}
	if cfg.Conntrack.UDPTimeout != 3*time.Minute {
		t.Errorf("UDPTimeout = %v, want 3m", cfg.Conntrack.UDPTimeout)
	}
	if cfg.IfaddrCacheTTL != 2*time.Minute {
		t.Errorf("IfaddrCacheTTL = %v, want 2m", cfg.IfaddrCacheTTL)
	}
}
