// Command linkmesh-headlink is the mesh network's coordination server: it
// assigns addresses, tracks tokens and peer records, and brokers the
// control-plane protocol every peer connects over.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	globalDBPath string
	globalLogger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "linkmesh-headlink",
	Short: "Mesh VPN coordination server",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalDBPath, "db-schema", "/var/lib/linkmesh-headlink/headlink.db", "sqlite database path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(networkCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
