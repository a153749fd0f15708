// Package wizard provides an interactive setup wizard for the NAT daemon.
package wizard

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/conenat/internal/config"
	"github.com/postalsys/conenat/internal/portalloc"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	DataDir    string
}

// answers collects everything the forms ask for.
type answers struct {
	dataDir    string
	configPath string

	ruleName      string
	iface         string
	ports         string
	portMode      string // preserve, random, random-fully
	staticAddress string

	backend string

	logLevel       string
	healthEnabled  bool
	controlEnabled bool
}

func defaultAnswers() answers {
	return answers{
		dataDir:        "./data",
		configPath:     "./config.yaml",
		ruleName:       "wan",
		iface:          "eth0",
		portMode:       "preserve",
		backend:        "netlink",
		logLevel:       "info",
		healthEnabled:  true,
		controlEnabled: true,
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := defaultAnswers()

	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}
	if err := w.askRule(&a); err != nil {
		return nil, err
	}
	if err := w.askBackend(&a); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg := buildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := writeConfig(cfg, a.configPath); err != nil {
		return nil, err
	}

	w.printSummary(a.configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.configPath,
		DataDir:    a.dataDir,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
   ___ ___  _ __   ___ _ __   __ _| |_
  / __/ _ \| '_ \ / _ \ '_ \ / _' | __|
 | (_| (_) | | | |  __/ | | | (_| | |_
  \___\___/|_| |_|\___|_| |_|\__,_|\__|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Full-cone UDP NAT - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the essential paths for the daemon."),

			huh.NewInput().
				Title("Data Directory").
				Description("Where to keep the control socket").
				Placeholder("./data").
				Value(&a.dataDir).
				Validate(required("data directory")),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&a.configPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askRule(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Translation Rule").
				Description("Outbound UDP through this interface is translated.\nInbound packets to a mapped port reach the internal host from any sender."),

			huh.NewInput().
				Title("Rule Name").
				Value(&a.ruleName).
				Validate(required("rule name")),

			huh.NewInput().
				Title("Egress Interface").
				Description(`Interface name, or "any" for every interface`).
				Placeholder("eth0").
				Value(&a.iface).
				Validate(required("interface")),

			huh.NewInput().
				Title("Port Range").
				Description("min-max, leave empty for 1024-65535").
				Value(&a.ports).
				Validate(validatePorts),

			huh.NewSelect[string]().
				Title("Port Selection").
				Options(
					huh.NewOption("Preserve the internal port when free (recommended)", "preserve"),
					huh.NewOption("Random start inside the range", "random"),
					huh.NewOption("Fully random start inside the range", "random-fully"),
				).
				Value(&a.portMode),

			huh.NewInput().
				Title("Static External Address").
				Description("Leave empty to use the interface address").
				Value(&a.staticAddress).
				Validate(validateStaticAddress),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askBackend(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Connection Tracking").
				Description("Where flow liveness and destroy events come from."),

			huh.NewSelect[string]().
				Title("Backend").
				Options(
					huh.NewOption("Kernel conntrack via netlink", "netlink"),
					huh.NewOption("In-memory tracker (userspace dataplane, replay)", "memory"),
				).
				Value(&a.backend),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.logLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/healthz, /metrics, /mappings)").
				Value(&a.healthEnabled),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for CLI commands (status, mappings)").
				Value(&a.controlEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func buildConfig(a answers) *config.Config {
	cfg := config.Default()

	cfg.Agent.DataDir = a.dataDir
	cfg.Agent.LogLevel = a.logLevel
	cfg.Agent.LogFormat = "text"

	rule := config.RuleConfig{
		Name:          a.ruleName,
		Interface:     a.iface,
		Ports:         strings.TrimSpace(a.ports),
		StaticAddress: strings.TrimSpace(a.staticAddress),
	}
	switch a.portMode {
	case "random":
		rule.Random = true
	case "random-fully":
		rule.RandomFully = true
	}
	cfg.NAT.Rules = []config.RuleConfig{rule}

	cfg.Conntrack.Backend = a.backend

	cfg.Health.Enabled = a.healthEnabled
	if a.healthEnabled {
		cfg.Health.Address = ":8080"
	}

	cfg.Control.Enabled = a.controlEnabled
	if a.controlEnabled {
		cfg.Control.SocketPath = filepath.Join(a.dataDir, "control.sock")
	}

	return cfg
}

func writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# conenat configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Backend:      %s\n", cfg.Conntrack.Backend)
	for _, r := range cfg.NAT.Rules {
		pr, _ := r.PortRange()
		fmt.Printf("  Rule %s:     %s ports %s\n", r.Name, r.Interface, pr)
	}

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/healthz\n", cfg.Health.Address)
	}
	if cfg.Control.Enabled {
		fmt.Printf("  Control:      %s\n", cfg.Control.SocketPath)
	}

	fmt.Println()
	fmt.Println("  To start the daemon:")
	fmt.Printf("    conenat run -c %s\n", configPath)
	fmt.Println()
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validatePorts(s string) error {
	pr, err := portalloc.ParseRange(s)
	if err != nil {
		return err
	}
	return pr.Validate()
}

func validateStaticAddress(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if !addr.Is4() {
		return fmt.Errorf("only IPv4 addresses are supported")
	}
	return nil
}
