package main

import (
	"fmt"
	"os"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/kuuji/linkmesh/internal/config"
)

var qrCmd = &cobra.Command{
	Use:   "qr",
	Short: "Display a QR code for this device's public key",
	Long: `Displays a QR code encoding this device's public key, so it can be
shared with a headlink operator without re-typing it.

Requires an existing configuration (run 'linkmesh init' first).`,
	RunE: runQR,
}

func runQR(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(resolvedConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w (run 'linkmesh init' first)", err)
	}

	pubKey, err := cfg.PublicKey()
	if err != nil {
		return err
	}

	qr, err := qrcode.New(pubKey.String(), qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generating QR code: %w", err)
	}

	fmt.Fprintln(os.Stderr, qr.ToSmallString(false))
	fmt.Fprintf(os.Stderr, "Public key: %s\n", pubKey.String())
	return nil
}
