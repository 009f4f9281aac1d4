package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuuji/linkmesh/internal/config"
	"github.com/kuuji/linkmesh/internal/headlink"
	"github.com/kuuji/linkmesh/internal/wgcrypto"
)

var serveListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the headlink coordination server",
	Long: `Listens for peer control-plane connections, assigns addresses from
each network's CIDR, and brokers handshakes, forwards, and extra-endpoint
announcements between peers.

On first run, generates and persists the server's own long-term key pair
to the database.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "0.0.0.0:9797", "listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	repo, err := config.OpenSQLiteRepository(globalDBPath)
	if err != nil {
		return fmt.Errorf("opening database %s: %w", globalDBPath, err)
	}
	defer repo.Close()

	secrets := config.NewSQLiteSecretStore(repo)
	local, err := loadOrGenerateServerSecret(secrets)
	if err != nil {
		return fmt.Errorf("loading server key: %w", err)
	}

	srv := headlink.NewServer(local, repo, globalLogger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	globalLogger.Info("starting linkmesh-headlink", "listen", serveListenAddr, "public_key", local.Public.String())

	if err := srv.Serve(ctx, serveListenAddr); err != nil {
		if ctx.Err() != nil {
			globalLogger.Info("linkmesh-headlink stopped")
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// loadOrGenerateServerSecret loads the server's persisted static key,
// generating and saving a fresh one the first time the database is used.
func loadOrGenerateServerSecret(secrets *config.SQLiteSecretStore) (wgcrypto.LocalSecret, error) {
	key, err := secrets.Load()
	if err == nil {
		return wgcrypto.NewLocalSecret(key), nil
	}

	key, err = wgcrypto.GenerateKey()
	if err != nil {
		return wgcrypto.LocalSecret{}, fmt.Errorf("generating server key: %w", err)
	}
	if err := secrets.Save(key); err != nil {
		return wgcrypto.LocalSecret{}, fmt.Errorf("persisting server key: %w", err)
	}
	return wgcrypto.NewLocalSecret(key), nil
}
