// Command linkmesh is the peer-side agent for a linkmesh network: it
// brings up a local WireGuard-style TUN device, connects to a headlink
// server over the control-plane protocol, and maintains sessions with
// whatever peers that server announces.
package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kuuji/linkmesh/internal/config"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "linkmesh",
	Short: "Mesh VPN peer agent",
	Long: `linkmesh connects this device to a mesh VPN network: a WireGuard-style
encrypted tunnel to every other peer the headlink server introduces it
to, punched through NAT directly where possible and relayed otherwise.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config-dir", "", "config directory (default: /etc/linkmesh)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(genkeyCmd)
	rootCmd.AddCommand(qrCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the linkmesh version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolvedConfigDir returns the config directory, using the global flag if
// set, otherwise internal/config's system default.
func resolvedConfigDir() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	return config.DefaultConfigDir
}

// resolvedConfigPath is the config.toml path within resolvedConfigDir.
func resolvedConfigPath() string {
	return filepath.Join(resolvedConfigDir(), "config.toml")
}
