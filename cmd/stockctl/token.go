package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stockwatch/internal/api/auth"
	"stockwatch/internal/model"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the HTTP API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetUint("user")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Security.JWTSecret == "" {
			return fmt.Errorf("security.jwt_secret is empty")
		}

		tok, err := auth.IssueToken(cfg.Security.JWTSecret, userID, role, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Uint("user", 0, "user ID the token is issued for")
	tokenCmd.Flags().String("role", model.RoleUser, "role claim: user or admin")
	tokenCmd.Flags().Duration("ttl", auth.DefaultTTL, "token lifetime")
}
