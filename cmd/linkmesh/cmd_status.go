package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/linkmesh/internal/config"
	"github.com/kuuji/linkmesh/internal/controladmin"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection status",
	Long:  `Query the running linkmesh agent and display its peers and their endpoints.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadPublicConfig(resolvedConfigPath())
	addr := controladmin.DefaultAddr
	if err == nil && cfg.Device.ListenAddr != "" {
		addr = cfg.Device.ListenAddr
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	status, err := controladmin.FetchStatus(ctx, addr)
	if err != nil {
		return fmt.Errorf("is linkmesh running? %w", err)
	}

	fmt.Fprintf(os.Stdout, "Hostname:  %s\n", status.Hostname)
	fmt.Fprintf(os.Stdout, "Address:   %s\n", status.Address)
	fmt.Fprintf(os.Stdout, "Server:    %s\n", status.Server)
	fmt.Fprintf(os.Stdout, "Uptime:    %s\n", formatDuration(time.Duration(status.UptimeSeconds*float64(time.Second))))
	fmt.Fprintf(os.Stdout, "Peers:     %d\n\n", len(status.Peers))

	if len(status.Peers) == 0 {
		fmt.Println("No peers.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tADDRESS\tONLINE\tHANDSHAKE\tENDPOINT\tPROTOCOL")
	for _, p := range status.Peers {
		fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%s\t%s\n",
			p.PublicKey, p.IP, p.Online, p.HandshakeAlive, p.Endpoint, p.Protocol)
	}
	w.Flush()

	return nil
}

// formatDuration formats a duration into a human-readable string like
// "2h15m0s", "15m30s" or "45s".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	if d < time.Hour {
		return d.Round(time.Second).String()
	}
	return d.Round(time.Minute).String()
}
