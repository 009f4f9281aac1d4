package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/kuuji/linkmesh/internal/config"
	"github.com/kuuji/linkmesh/internal/wgcrypto"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a new configuration file",
	Long: `Interactive setup wizard: generates this device's long-term key pair
and writes a config file with the network and device settings linkmesh
needs to connect.

If a config file already exists at the target path, you will be
prompted before overwriting it.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()

	if _, err := os.Stat(cfgPath); err == nil {
		var overwrite bool
		confirmForm := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Config already exists at %s", cfgPath)).
					Description("Overwrite it with a new configuration?").
					Affirmative("Overwrite").
					Negative("Cancel").
					Value(&overwrite),
			),
		)
		if err := confirmForm.Run(); err != nil {
			return fmt.Errorf("cancelled: %w", err)
		}
		if !overwrite {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()

	hostname, _ := os.Hostname()
	var (
		deviceHostname = hostname
		serverAddr     string
		joinToken      string
	)

	wizard := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Device hostname").
				Value(&deviceHostname),
			huh.NewInput().
				Title("Headlink server (host:port)").
				Description("The linkmesh-headlink server this device joins.").
				Value(&serverAddr).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("server address is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Join token").
				Description("Leave blank if this device's public key is already registered.").
				Value(&joinToken),
		),
	)
	if err := wizard.Run(); err != nil {
		return fmt.Errorf("cancelled: %w", err)
	}

	cfg.Device.Hostname = deviceHostname
	cfg.Network.Server = serverAddr
	cfg.Network.Token = joinToken

	privKey, err := wgcrypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}
	cfg.Device.PrivateKey = privKey
	pubKey := wgcrypto.PublicKey(privKey)

	if err := config.SaveConfig(cfgPath, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Fprintf(os.Stderr, "\nConfig written to: %s\n", cfgPath)
	fmt.Fprintf(os.Stderr, "Public key:        %s\n", pubKey.String())

	qr, err := qrcode.New(pubKey.String(), qrcode.Medium)
	if err == nil {
		fmt.Fprintln(os.Stderr, "\nScan to share this device's public key:")
		fmt.Fprintln(os.Stderr, qr.ToSmallString(false))
	}

	fmt.Fprintln(os.Stderr, "\nRegister this public key with the headlink operator, then run 'linkmesh up'.")
	return nil
}
