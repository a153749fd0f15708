// Package main provides the CLI entry point for the conenat daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/conenat/internal/agent"
	"github.com/postalsys/conenat/internal/config"
	"github.com/postalsys/conenat/internal/service"
	"github.com/postalsys/conenat/internal/sysinfo"
	"github.com/postalsys/conenat/internal/wizard"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conenat",
		Short: "conenat - Full-cone UDP NAT daemon",
		Long: `conenat translates outbound UDP so that once an internal endpoint has
a mapped external port, any remote host can reach it through that port.

Mappings live as long as at least one connection-tracking flow uses them.
Destroy events from conntrack release them shortly after the last flow
ends; a lazy validity check covers missed events.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(mappingsCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(drainCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		Long:  "Run the setup wizard and write a configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := wizard.New().Run(); err != nil {
				return fmt.Errorf("setup failed: %w", err)
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the NAT daemon",
		Long: "Start the NAT engine and its health, metrics and control servers. The\n" +
			"engine mirrors kernel conntrack for flow liveness; packets are translated\n" +
			"only by a hook layer calling Engine.Translate or Engine.Process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a, err := agent.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.Start(ctx); err != nil {
				return fmt.Errorf("failed to start agent: %w", err)
			}

			stats := a.Engine().Stats()
			fmt.Printf("conenat %s running (backend: %s, rules: %d, destroy events: %v)\n",
				sysinfo.Version, stats.Backend, stats.Rules, stats.Subscribed)
			if addr := a.HealthServerAddress(); addr != nil {
				fmt.Printf("HTTP server: %s\n", addr)
			}

			<-ctx.Done()
			fmt.Println("\nShutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := a.StopWithContext(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("shutdown: %w", err)
			}

			fmt.Println("Stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the systemd unit",
	}

	var configPath string
	install := &cobra.Command{
		Use:   "install",
		Short: "Install, enable and start the systemd unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return fmt.Errorf("refusing to install with a broken config: %w", err)
			}
			scfg := service.DefaultConfig(configPath)
			if err := service.Install(scfg); err != nil {
				return err
			}
			fmt.Printf("Installed and started %s\n", scfg.Name)
			return nil
		},
	}
	install.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the systemd unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			scfg := service.DefaultConfig("")
			if err := service.Uninstall(scfg); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", scfg.Name)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the systemd unit state",
		RunE: func(cmd *cobra.Command, args []string) error {
			scfg := service.DefaultConfig("")
			if !service.IsInstalled(scfg) {
				fmt.Println("not installed")
				return nil
			}
			state, err := service.Status(scfg)
			if err != nil {
				return err
			}
			fmt.Println(state)
			return nil
		},
	}

	cmd.AddCommand(install, uninstall, status)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := sysinfo.Collect()
			fmt.Printf("conenat %s", info.Version)
			if info.Commit != "" {
				fmt.Printf(" (%s)", info.Commit)
			}
			fmt.Printf(" %s %s/%s\n", info.GoVersion, info.OS, info.Arch)
		},
	}
}
