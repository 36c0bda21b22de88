package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/waypoint/internal/auth"
	"github.com/hyperengineering/waypoint/internal/config"
	"github.com/spf13/cobra"
)

var (
	tokenUser string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for a user",
	Long: `Mint a bearer token signed with WAYPOINT_JWT_SECRET.

Intended for development and tests; production deployments issue tokens
from their own identity provider using the same secret.`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User ID to put in the token subject (required)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default: auth.token_ttl from config)")
}

func runToken(cmd *cobra.Command, args []string) error {
	if tokenUser == "" {
		return errors.New("--user is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("WAYPOINT_JWT_SECRET is required to sign tokens")
	}

	ttl := tokenTTL
	if ttl == 0 {
		ttl = time.Duration(cfg.Auth.TokenTTL)
	}

	token, err := auth.IssueToken(tokenUser, []byte(cfg.Auth.JWTSecret), ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
