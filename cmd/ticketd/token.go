package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spec-kit/ticketflow/internal/auth"
	"github.com/spec-kit/ticketflow/internal/domain"
)

// newTokenCommand mints bearer tokens for local use; identity is issued upstream in production.
func newTokenCommand() *cobra.Command {
	var actorID, tenantID, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadBase()
			if err != nil {
				return err
			}
			tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
			token, expires, err := tokens.GenerateToken(actorID, tenantID, domain.Role(role))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires %s\n", token, expires.Format("2006-01-02T15:04:05Z07:00"))
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "Actor id (token subject)")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleAgent), "Role: admin, agent, requester or viewer")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
