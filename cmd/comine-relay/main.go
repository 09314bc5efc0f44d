// Package main provides the CLI entry point for the comine relay host.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/comine-app/comine-relay/internal/config"
	"github.com/comine-app/comine-relay/internal/control"
	"github.com/comine-app/comine-relay/internal/host"
	"github.com/comine-app/comine-relay/internal/registry"
	"github.com/comine-app/comine-relay/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	var socketPath string

	rootCmd := &cobra.Command{
		Use:   "comine-relay",
		Short: "Comine relay host - remote browser extension bridge",
		Long: `comine-relay keeps this machine reachable by paired browser
extensions through a relay server.

Browsers pair once with a short code shown here. Afterwards their
download and cancel commands arrive end-to-end encrypted and are
handed to the download engine.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "./data/control.sock", "Path to the daemon control socket")

	client := func() *control.Client { return control.NewClient(socketPath) }

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd(client))
	rootCmd.AddCommand(devicesCmd(client))
	rootCmd.AddCommand(pairCmd(client))
	rootCmd.AddCommand(acceptCmd(client))
	rootCmd.AddCommand(rejectCmd(client))
	rootCmd.AddCommand(removeCmd(client))
	rootCmd.AddCommand(enableCmd(client))
	rootCmd.AddCommand(disableCmd(client))
	rootCmd.AddCommand(setServerCmd(client))
	rootCmd.AddCommand(resetHostIDCmd(client))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Run the interactive setup wizard",
		Long:  "Create a configuration file and the relay identity for this host.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !wizard.Interactive() {
				return errors.New("init needs an interactive terminal")
			}
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay host",
		Long:  "Start the relay host daemon with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			h, err := host.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create host: %w", err)
			}

			if err := h.Start(); err != nil {
				return fmt.Errorf("failed to start host: %w", err)
			}

			st := h.Status()
			fmt.Printf("Host ID: %s\n", st.HostID)
			fmt.Printf("Relay: %s (enabled: %t)\n", st.ServerURL, st.Enabled)
			fmt.Printf("Paired devices: %d\n", st.DeviceCount)
			if cfg.Control.Enabled {
				fmt.Printf("Control socket: %s\n", cfg.Control.SocketPath)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := h.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Host stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func statusCmd(client func() *control.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show relay status",
		Long:  "Display the current relay status of the running host.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			defer c.Close()

			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func devicesCmd(client func() *control.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List paired devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			defer c.Close()

			devices, err := c.Devices(cmd.Context())
			if err != nil {
				return err
			}
			printDevices(cmd.OutOrStdout(), devices, time.Now())
			return nil
		},
	}
}

func pairCmd(client func() *control.Client) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair a browser extension",
		Long: `Show a pairing code and wait for browsers to request pairing with it.
Each request is confirmed interactively. Pairing stops when a device has
been accepted, on timeout or on Ctrl-C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			defer c.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			code, err := c.StartPairing(ctx)
			if err != nil {
				return err
			}
			defer func() {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer stopCancel()
				c.StopPairing(stopCtx)
			}()

			wizard.ShowPairingCode(code)
			fmt.Println("Waiting for a pairing request... (Ctrl-C to stop)")

			return awaitPairing(ctx, c, wizard.Interactive())
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for a pairing request")

	return cmd
}

// awaitPairing polls pending requests until one is accepted or ctx ends.
func awaitPairing(ctx context.Context, c *control.Client, interactive bool) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				fmt.Println("No device paired before the timeout.")
			}
			return nil
		case <-ticker.C:
		}

		pending, err := c.PendingPairings(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		for _, p := range pending {
			if seen[p.DeviceID] {
				continue
			}
			seen[p.DeviceID] = true

			if !interactive {
				fmt.Printf("Pairing request from %s\n", wizard.DescribePending(p))
				fmt.Printf("  comine-relay accept %s\n", p.DeviceID)
				continue
			}

			ok, err := wizard.ConfirmPairing(p)
			if err != nil {
				return err
			}
			if !ok {
				if _, err := c.RejectPairing(ctx, p.DeviceID); err != nil {
					return err
				}
				fmt.Printf("Rejected %s\n", p.DeviceName)
				continue
			}
			if _, err := c.AcceptPairing(ctx, p.DeviceID); err != nil {
				return err
			}
			fmt.Printf("Paired %s\n", wizard.DescribePending(p))
			return nil
		}
	}
}

func deviceCmd(use, short string, client func() *control.Client, fn func(*control.Client, context.Context, string) (*control.StatusResponse, error), done string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <device_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			defer c.Close()

			if _, err := fn(c, cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", done, args[0])
			return nil
		},
	}
}

func acceptCmd(client func() *control.Client) *cobra.Command {
	return deviceCmd("accept", "Accept a pending pairing request", client,
		(*control.Client).AcceptPairing, "Paired")
}

func rejectCmd(client func() *control.Client) *cobra.Command {
	return deviceCmd("reject", "Reject a pending pairing request", client,
		(*control.Client).RejectPairing, "Rejected")
}

func removeCmd(client func() *control.Client) *cobra.Command {
	return deviceCmd("remove", "Unpair a device", client,
		(*control.Client).RemoveDevice, "Removed")
}

func statusAction(use, short string, client func() *control.Client, fn func(*control.Client, context.Context) (*control.StatusResponse, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			defer c.Close()

			st, err := fn(c, cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func enableCmd(client func() *control.Client) *cobra.Command {
	return statusAction("enable", "Connect to the relay server", client, (*control.Client).EnableRelay)
}

func disableCmd(client func() *control.Client) *cobra.Command {
	return statusAction("disable", "Disconnect from the relay server", client, (*control.Client).DisableRelay)
}

func resetHostIDCmd(client func() *control.Client) *cobra.Command {
	return statusAction("reset-host-id", "Assign a new host id", client, (*control.Client).ResetHostID)
}

func setServerCmd(client func() *control.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "set-server <url>",
		Short: "Change the relay server URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			defer c.Close()

			st, err := c.SetServerURL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printStatus(w io.Writer, st *control.StatusResponse) {
	connected := "no"
	if st.Connected {
		connected = "yes"
	}

	fmt.Fprintf(w, "Host ID:        %s\n", st.HostID)
	fmt.Fprintf(w, "Relay server:   %s\n", st.ServerURL)
	fmt.Fprintf(w, "Enabled:        %t\n", st.Enabled)
	fmt.Fprintf(w, "Connected:      %s\n", connected)
	fmt.Fprintf(w, "Paired devices: %d\n", st.DeviceCount)
	if st.PairingCode != "" {
		fmt.Fprintf(w, "Pairing code:   %s\n", wizard.FormatPairingCode(st.PairingCode))
	}
}

func printDevices(w io.Writer, devices []registry.PairedDevice, now time.Time) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No paired devices.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE ID\tNAME\tBROWSER\tPAIRED\tLAST SEEN\tCOMMANDS")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.DeviceID,
			d.DeviceName,
			d.Browser,
			relativeTime(d.PairedAt, now),
			relativeTime(d.LastSeen, now),
			humanize.Comma(int64(d.CommandCount)))
	}
	tw.Flush()
}

func relativeTime(unix int64, now time.Time) string {
	if unix <= 0 {
		return "never"
	}
	return humanize.RelTime(time.Unix(unix, 0), now, "ago", "from now")
}
