// Package service installs the NAT daemon as a systemd unit.
package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultUnitDir is where system units are installed.
const DefaultUnitDir = "/etc/systemd/system"

var (
	// ErrNotRoot is returned when installing or removing without root.
	ErrNotRoot = errors.New("must run as root to manage the service")

	// ErrUnsupported is returned on platforms without systemd support.
	ErrUnsupported = errors.New("service management is only supported on Linux")
)

// ServiceConfig holds configuration for installing the service.
type ServiceConfig struct {
	// Name is the unit name without the .service suffix
	Name string

	Description string

	// ConfigPath is the absolute path to the config file
	ConfigPath string

	// WorkingDir is the working directory for the service
	WorkingDir string

	// UnitDir overrides DefaultUnitDir.
	UnitDir string
}

// DefaultConfig returns a default service configuration.
func DefaultConfig(configPath string) ServiceConfig {
	absPath, _ := filepath.Abs(configPath)

	return ServiceConfig{
		Name:        "conenat",
		Description: "Full-cone UDP NAT daemon",
		ConfigPath:  absPath,
		WorkingDir:  filepath.Dir(absPath),
		UnitDir:     DefaultUnitDir,
	}
}

func (c ServiceConfig) unitPath() string {
	dir := c.UnitDir
	if dir == "" {
		dir = DefaultUnitDir
	}
	return filepath.Join(dir, c.Name+".service")
}

// runner executes a command and returns its combined output.
type runner func(name string, args ...string) (string, error)

func runCommand(name string, args ...string) (string, error) {
	output, err := exec.Command(name, args...).CombinedOutput()
	return string(output), err
}

// Install writes the unit file, enables it and starts it.
func Install(cfg ServiceConfig) error {
	if err := checkPlatform(); err != nil {
		return err
	}
	if !IsRoot() {
		return ErrNotRoot
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	return install(cfg, execPath, runCommand)
}

func install(cfg ServiceConfig, execPath string, run runner) error {
	unitPath := cfg.unitPath()
	if _, err := os.Stat(unitPath); err == nil {
		return fmt.Errorf("service %s is already installed at %s", cfg.Name, unitPath)
	}

	if err := os.WriteFile(unitPath, []byte(generateUnit(cfg, execPath)), 0644); err != nil {
		return fmt.Errorf("failed to write systemd unit file: %w", err)
	}

	if output, err := run("systemctl", "daemon-reload"); err != nil {
		os.Remove(unitPath)
		return fmt.Errorf("failed to reload systemd: %s: %w", strings.TrimSpace(output), err)
	}
	if output, err := run("systemctl", "enable", "--now", cfg.Name); err != nil {
		return fmt.Errorf("failed to enable service: %s: %w", strings.TrimSpace(output), err)
	}
	return nil
}

// Uninstall stops and disables the unit and removes its file.
func Uninstall(cfg ServiceConfig) error {
	if err := checkPlatform(); err != nil {
		return err
	}
	if !IsRoot() {
		return ErrNotRoot
	}
	return uninstall(cfg, runCommand)
}

func uninstall(cfg ServiceConfig, run runner) error {
	unitPath := cfg.unitPath()
	if _, err := os.Stat(unitPath); os.IsNotExist(err) {
		return fmt.Errorf("service %s is not installed", cfg.Name)
	}

	// Stopping a unit that is not running is not an error here.
	run("systemctl", "disable", "--now", cfg.Name)

	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("failed to remove systemd unit file: %w", err)
	}
	run("systemctl", "daemon-reload")
	run("systemctl", "reset-failed", cfg.Name)
	return nil
}

// Status returns the systemd activity state of the unit.
func Status(cfg ServiceConfig) (string, error) {
	if err := checkPlatform(); err != nil {
		return "", err
	}
	return status(cfg, runCommand)
}

func status(cfg ServiceConfig, run runner) (string, error) {
	output, err := run("systemctl", "is-active", cfg.Name)
	state := strings.TrimSpace(output)
	if err != nil {
		// is-active exits non-zero for every state but active
		switch state {
		case "inactive", "failed", "unknown", "activating", "deactivating":
			return state, nil
		}
		return "", fmt.Errorf("failed to get service status: %w", err)
	}
	return state, nil
}

// IsInstalled reports whether the unit file exists.
func IsInstalled(cfg ServiceConfig) bool {
	_, err := os.Stat(cfg.unitPath())
	return err == nil
}

// generateUnit renders the systemd unit. The daemon needs CAP_NET_ADMIN for
// conntrack netlink access and nothing else.
func generateUnit(cfg ServiceConfig, execPath string) string {
	return fmt.Sprintf(`[Unit]
Description=%s
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s run -c %s
WorkingDirectory=%s
Restart=on-failure
RestartSec=5
TimeoutStopSec=30

AmbientCapabilities=CAP_NET_ADMIN
CapabilityBoundingSet=CAP_NET_ADMIN
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
PrivateTmp=true
ReadWritePaths=%s

StandardOutput=journal
StandardError=journal
SyslogIdentifier=%s

[Install]
WantedBy=multi-user.target
`, cfg.Description, execPath, cfg.ConfigPath, cfg.WorkingDir, cfg.WorkingDir, cfg.Name)
}
