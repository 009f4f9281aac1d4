package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kuuji/linkmesh/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage join tokens",
}

var tokenAddCmd = &cobra.Command{
	Use:   "add <network-id>",
	Short: "Generate a join token for a network",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenAdd,
}

func init() {
	tokenCmd.AddCommand(tokenAddCmd)
}

func runTokenAdd(cmd *cobra.Command, args []string) error {
	networkID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("parsing network id %q: %w", args[0], err)
	}

	token, err := randomToken()
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	repo, err := config.OpenSQLiteRepository(globalDBPath)
	if err != nil {
		return fmt.Errorf("opening database %s: %w", globalDBPath, err)
	}
	defer repo.Close()

	if err := repo.AddToken(context.Background(), token, networkID); err != nil {
		return fmt.Errorf("adding token: %w", err)
	}

	cmd.Printf("Token created for network %d: %s\n", networkID, token)
	return nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
