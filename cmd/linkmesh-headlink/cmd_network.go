package main

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"github.com/kuuji/linkmesh/internal/config"
)

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Manage networks",
}

var networkCreateCmd = &cobra.Command{
	Use:   "create <cidr>",
	Short: "Create a new network with the given address pool",
	Args:  cobra.ExactArgs(1),
	RunE:  runNetworkCreate,
}

func init() {
	networkCmd.AddCommand(networkCreateCmd)
}

func runNetworkCreate(cmd *cobra.Command, args []string) error {
	cidr, err := netip.ParsePrefix(args[0])
	if err != nil {
		return fmt.Errorf("parsing CIDR %q: %w", args[0], err)
	}

	repo, err := config.OpenSQLiteRepository(globalDBPath)
	if err != nil {
		return fmt.Errorf("opening database %s: %w", globalDBPath, err)
	}
	defer repo.Close()

	gen := config.NewSnowflakeGenerator()
	id, err := repo.CreateNetwork(context.Background(), gen.Next(), cidr)
	if err != nil {
		return fmt.Errorf("creating network: %w", err)
	}

	cmd.Printf("Network created: id=%d cidr=%s\n", id, cidr)
	return nil
}
