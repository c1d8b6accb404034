package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"quorum/internal/election/store"
	jwttoken "quorum/internal/jwt_token"
	"quorum/internal/platform/postgres"
	id "quorum/pkg/domain"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := mustConfig(cmd)
			log := commonRun(cfg)
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("postgres.url is required to migrate")
			}
			db, err := postgres.Open(cmd.Context(), cfg.Postgres)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := postgres.Migrate(cmd.Context(), db, store.Schema); err != nil {
				return err
			}
			log.Info("schema applied")
			return nil
		},
	}
}

// advanceCommand runs one scheduler pass, for cron-driven deployments.
func advanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "advance",
		Short: "Advance every election whose phase window has passed, once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := mustConfig(cmd)
			log := commonRun(cfg)
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.close()
			res, err := a.scheduler.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			log.Info("scheduler pass complete", "checked", res.Checked, "advanced", res.Advanced)
			return nil
		},
	}
}

// tokenCommand mints a bearer token for a member. Intended for development
// and operators; production members authenticate through the identity provider.
func tokenCommand() *cobra.Command {
	var (
		name string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <member-id>",
		Short: "Issue a signed actor token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mustConfig(cmd)
			memberID, err := id.ParseMemberID(args[0])
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Server.TokenTTL
			}
			svc := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer, cfg.Server.JWTAudience)
			token, err := svc.GenerateActorToken(memberID, name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to server.tokenTTL)")
	return cmd
}
