// Package config provides configuration parsing and validation for the NAT
// engine.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/conenat/internal/logging"
	"github.com/postalsys/conenat/internal/portalloc"
)

// Config represents the complete engine configuration.
type Config struct {
	Agent          AgentConfig       `yaml:"agent"`
	NAT            NATConfig         `yaml:"nat"`
	Conntrack      ConntrackConfig   `yaml:"conntrack"`
	Interfaces     []InterfaceConfig `yaml:"interfaces"`
	IfaddrCacheTTL time.Duration     `yaml:"ifaddr_cache_ttl"`
	Health         HealthConfig      `yaml:"health"`
	Control        ControlConfig     `yaml:"control"`
}

// AgentConfig contains process-wide settings.
type AgentConfig struct {
	DataDir   string `yaml:"data_dir"`   // Directory for the control socket and captures
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// NATConfig holds the translation rules and table limits.
type NATConfig struct {
	Rules              []RuleConfig  `yaml:"rules"`
	GCDelay            time.Duration `yaml:"gc_delay"`
	MaxMappings        int           `yaml:"max_mappings"`
	MaxFlowsPerMapping int           `yaml:"max_flows_per_mapping"`
	EvictionLogRate    float64       `yaml:"eviction_log_rate"` // warnings per second
}

// RuleConfig defines one full-cone translation rule.
type RuleConfig struct {
	Name          string `yaml:"name"`
	Interface     string `yaml:"interface"`      // egress interface name, "any" for all
	Ports         string `yaml:"ports"`          // "min-max", empty for 1024-65535
	Random        bool   `yaml:"random"`         // randomize the scan start
	RandomFully   bool   `yaml:"random_fully"`   // same as random for full-cone
	StaticAddress string `yaml:"static_address"` // fixed external address
}

// PortRange returns the allocator range the rule describes.
func (r RuleConfig) PortRange() (portalloc.Range, error) {
	pr, err := portalloc.ParseRange(r.Ports)
	if err != nil {
		return portalloc.Range{}, err
	}
	if r.Random {
		pr.Flags |= portalloc.FlagRandom
	}
	if r.RandomFully {
		pr.Flags |= portalloc.FlagRandomFully
	}
	return pr, nil
}

// StaticAddr returns the parsed static address, or the zero Addr when the
// rule uses the interface address.
func (r RuleConfig) StaticAddr() (netip.Addr, error) {
	if r.StaticAddress == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(r.StaticAddress)
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", r.StaticAddress)
	}
	return addr, nil
}

// ConntrackConfig selects the live-flow registry backend.
type ConntrackConfig struct {
	Backend      string        `yaml:"backend"`       // memory, netlink
	PollInterval time.Duration `yaml:"poll_interval"` // netlink dump interval
	RefreshRate  float64       `yaml:"refresh_rate"`  // on-demand netlink dumps per second
	UDPTimeout   time.Duration `yaml:"udp_timeout"`   // memory backend idle timeout
}

// InterfaceConfig describes a statically known interface.
type InterfaceConfig struct {
	Name    string `yaml:"name"`
	Index   int    `yaml:"index"`
	Address string `yaml:"address"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		NAT: NATConfig{
			Rules: []RuleConfig{
				{Name: "wan", Interface: "eth0"},
			},
			GCDelay:            100 * time.Millisecond,
			MaxMappings:        65536,
			MaxFlowsPerMapping: 4096,
			EvictionLogRate:    1,
		},
		Conntrack: ConntrackConfig{
			Backend:      "memory",
			PollInterval: time.Second,
			RefreshRate:  4,
			UDPTimeout:   30 * time.Second,
		},
		Interfaces:     []InterfaceConfig{},
		IfaddrCacheTTL: 5 * time.Second,
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "./data/control.sock",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Validate agent config
	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	// Validate rules
	if len(c.NAT.Rules) == 0 {
		errs = append(errs, "nat.rules must contain at least one rule")
	}
	seen := make(map[string]bool)
	for i, r := range c.NAT.Rules {
		if err := validateRule(r); err != nil {
			errs = append(errs, fmt.Sprintf("nat.rules[%d]: %v", i, err))
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Sprintf("nat.rules[%d]: duplicate name %q", i, r.Name))
		}
		seen[r.Name] = true
	}

	// Validate limits
	if c.NAT.GCDelay <= 0 {
		errs = append(errs, "nat.gc_delay must be positive")
	}
	if c.NAT.MaxMappings < 0 {
		errs = append(errs, "nat.max_mappings must not be negative")
	}
	if c.NAT.MaxFlowsPerMapping < 0 {
		errs = append(errs, "nat.max_flows_per_mapping must not be negative")
	}

	// Validate conntrack
	if !isValidBackend(c.Conntrack.Backend) {
		errs = append(errs, fmt.Sprintf("invalid conntrack.backend: %s (must be memory or netlink)", c.Conntrack.Backend))
	}
	if c.Conntrack.Backend == "netlink" && c.Conntrack.PollInterval <= 0 {
		errs = append(errs, "conntrack.poll_interval must be positive for the netlink backend")
	}
	if c.Conntrack.Backend == "memory" && c.Conntrack.UDPTimeout <= 0 {
		errs = append(errs, "conntrack.udp_timeout must be positive for the memory backend")
	}

	// Validate interfaces
	for i, iface := range c.Interfaces {
		if err := validateInterface(iface); err != nil {
			errs = append(errs, fmt.Sprintf("interfaces[%d]: %v", i, err))
		}
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	_, err := logging.ParseLevel(level)
	return err == nil
}

func isValidLogFormat(format string) bool {
	_, err := logging.ParseFormat(format)
	return err == nil
}

func isValidBackend(backend string) bool {
	switch backend {
	case "memory", "netlink":
		return true
	default:
		return false
	}
}

func validateRule(r RuleConfig) error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.Interface == "" {
		return fmt.Errorf("interface is required")
	}
	if _, err := r.PortRange(); err != nil {
		return err
	}
	if _, err := r.StaticAddr(); err != nil {
		return fmt.Errorf("invalid static_address: %v", err)
	}
	return nil
}

func validateInterface(iface InterfaceConfig) error {
	if iface.Name == "" {
		return fmt.Errorf("name is required")
	}
	if iface.Index <= 0 {
		return fmt.Errorf("index must be positive")
	}
	if iface.Address != "" {
		if _, err := netip.ParseAddr(iface.Address); err != nil {
			return fmt.Errorf("invalid address: %s", iface.Address)
		}
	}
	return nil
}

// String returns the config as YAML (for debugging).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
