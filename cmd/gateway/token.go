package main

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"llm_fanout/internal/auth"
)

func tokenCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an owner token signed with JWT_SECRET",
		Long: `Issue an owner token signed with JWT_SECRET.

Useful for local development and smoke tests; production tokens are
expected to come from the identity provider sharing the same secret.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return errors.New("--owner is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			token, exp, err := auth.IssueToken(owner, cfg.JWT)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"owner":     owner,
				"token":     token,
				"expiresAt": time.Unix(exp, 0).UTC().Format(time.RFC3339),
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner id placed in the token subject")
	return cmd
}
