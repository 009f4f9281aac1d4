package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kuuji/linkmesh/internal/wgcrypto"
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a new Curve25519 private key",
	Long: `Generate a new private key suitable for a device's long-term static
key. The private key is printed to stdout as base64; the corresponding
public key is printed to stderr.

Example:
  linkmesh genkey                    # print private key
  linkmesh genkey 2>/dev/null        # private key only (pipe-friendly)`,
	RunE: runGenkey,
}

func runGenkey(cmd *cobra.Command, args []string) error {
	privKey, err := wgcrypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	pubKey := wgcrypto.PublicKey(privKey)

	fmt.Fprintln(cmd.OutOrStdout(), privKey.String())
	fmt.Fprintf(cmd.ErrOrStderr(), "public key: %s\n", pubKey.String())
	return nil
}
