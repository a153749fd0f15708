package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/conenat/internal/config"
	"github.com/postalsys/conenat/internal/control"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// socketFlag registers the flags selecting the control socket and returns
// a resolver for the final path.
func socketFlag(cmd *cobra.Command) func() string {
	var socketPath, configPath string
	cmd.Flags().StringVarP(&socketPath, "socket", "s", "", "Control socket path")
	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Read the socket path from this configuration")

	return func() string {
		if socketPath != "" {
			return socketPath
		}
		if cfg, err := config.Load(configPath); err == nil {
			return cfg.Control.SocketPath
		}
		return config.Default().Control.SocketPath
	}
}

func withClient(path func() string, fn func(ctx context.Context, c *control.Client) error) error {
	c := control.NewClient(path())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, c)
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		Long:  "Display the status of a running daemon via its control socket.",
	}
	path := socketFlag(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withClient(path, func(ctx context.Context, c *control.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return fmt.Errorf("query status: %w", err)
			}

			state := okStyle.Render("running")
			if !st.Running {
				state = errStyle.Render("stopped")
			}
			events := okStyle.Render("subscribed")
			if !st.Subscribed {
				events = warnStyle.Render("unavailable (lazy checks only)")
			}

			fmt.Println(headerStyle.Render("conenat"))
			fmt.Printf("  State:           %s\n", state)
			fmt.Printf("  Backend:         %s\n", st.Backend)
			fmt.Printf("  Destroy events:  %s\n", events)
			fmt.Printf("  Rules:           %d\n", st.Rules)
			fmt.Printf("  Mappings:        %s\n", humanize.Comma(int64(st.Mappings)))
			fmt.Printf("  Flows:           %s\n", humanize.Comma(int64(st.Flows)))
			fmt.Printf("  Pending destroy: %s\n", humanize.Comma(int64(st.PendingDestroy)))
			if st.TrackedFlows > 0 {
				fmt.Printf("  Tracked flows:   %s\n", humanize.Comma(int64(st.TrackedFlows)))
			}
			return nil
		})
	}
	return cmd
}

func mappingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "List active mappings",
	}
	path := socketFlag(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withClient(path, func(ctx context.Context, c *control.Client) error {
			resp, err := c.Mappings(ctx)
			if err != nil {
				return fmt.Errorf("query mappings: %w", err)
			}
			if len(resp.Mappings) == 0 {
				fmt.Println("No active mappings.")
				return nil
			}

			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("PORT", "IFINDEX", "INTERNAL", "FLOWS", "CREATED")
			for _, m := range resp.Mappings {
				t.Row(
					strconv.Itoa(int(m.Port)),
					strconv.Itoa(m.IfIndex),
					m.Internal,
					humanize.Comma(int64(m.Flows)),
					humanize.Time(m.CreatedAt),
				)
			}
			fmt.Println(t)
			fmt.Printf("%s mappings\n", humanize.Comma(int64(len(resp.Mappings))))
			return nil
		})
	}
	return cmd
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List translation rules",
	}
	path := socketFlag(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withClient(path, func(ctx context.Context, c *control.Client) error {
			resp, err := c.Rules(ctx)
			if err != nil {
				return fmt.Errorf("query rules: %w", err)
			}

			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("NAME", "IFINDEX", "PORTS", "FLAGS", "ADDRESS")
			for _, r := range resp.Rules {
				iface := strconv.Itoa(r.IfIndex)
				if r.IfIndex == 0 {
					iface = "any"
				}
				addr := r.StaticAddr
				if addr == "" {
					addr = "interface"
				}
				t.Row(r.Name, iface, r.Ports, r.Flags, addr)
			}
			fmt.Println(t)
			return nil
		})
	}
	return cmd
}

func drainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Release mappings of destroyed flows now",
	}
	path := socketFlag(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withClient(path, func(ctx context.Context, c *control.Client) error {
			resp, err := c.Drain(ctx)
			if err != nil {
				return fmt.Errorf("drain: %w", err)
			}
			fmt.Printf("Processed %s destroy events, %s mappings remain\n",
				humanize.Comma(int64(resp.Processed)), humanize.Comma(int64(resp.Mappings)))
			return nil
		})
	}
	return cmd
}
