package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pix-service/pix_service/internal/api/handlers/common"
	"github.com/pix-service/pix_service/internal/api/middleware"
	"github.com/pix-service/pix_service/internal/domain/entities"
	"github.com/pix-service/pix_service/internal/infrastructure/database"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			db, err := database.NewConnection(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			if err := database.RunMigrations(db, log.Zap()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep over stale transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			result, err := env.container.Poller.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			return printJSON(cmd, result)
		},
	}
}

func resolveCmd() *cobra.Command {
	var operator, note string

	cmd := &cobra.Command{
		Use:   "resolve <transaction-id> <status>",
		Short: "Resolve a transaction held in manual review",
		Example: `  pixctl resolve 3f1c... paid --operator 9a2b... --note "confirmed with bank"
  pixctl resolve 3f1c... failed --operator 9a2b...`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid transaction id: %w", err)
			}
			operatorID, err := uuid.Parse(operator)
			if err != nil {
				return fmt.Errorf("invalid --operator: %w", err)
			}
			target := entities.TransactionStatus(strings.ToLower(args[1]))

			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			tx, err := env.container.TransactionService.Resolve(cmd.Context(), operatorID, id, target, note)
			if err != nil {
				return err
			}
			return printJSON(cmd, tx)
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator user id recorded in the history")
	cmd.Flags().StringVar(&note, "note", "", "resolution note")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Publish one batch of pending outbox intents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			if env.container.Relay == nil {
				return fmt.Errorf("intent relay is disabled: set kafka.brokers and outbox.enabled")
			}
			n, err := env.container.Relay.RelayOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d intents\n", n)
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	var from, to string

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain over a time range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			end := time.Now().UTC()
			start := end.Add(-24 * time.Hour)
			var err error
			if from != "" {
				if start, err = common.ParseDate(from); err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
			}
			if to != "" {
				if end, err = common.ParseDate(to); err != nil {
					return fmt.Errorf("invalid --to: %w", err)
				}
			}

			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			result, err := env.container.AuditService.VerifyIntegrity(cmd.Context(), start, end)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, result); err != nil {
				return err
			}
			if result.TamperedLogs > 0 || result.BrokenLinks > 0 {
				return fmt.Errorf("audit chain integrity check failed")
			}
			return nil
		},
	}
	verify.Flags().StringVar(&from, "from", "", "range start (RFC3339 or YYYY-MM-DD), defaults to 24h ago")
	verify.Flags().StringVar(&to, "to", "", "range end (RFC3339 or YYYY-MM-DD), defaults to now")

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail tooling",
	}
	cmd.AddCommand(verify)
	return cmd
}

func tokenCmd() *cobra.Command {
	var role string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign a bearer token with the configured JWT secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" {
				return fmt.Errorf("jwt.secret is not configured")
			}

			now := time.Now()
			token, err := middleware.IssueToken(middleware.JWTConfig{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer}, userID, role, jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "user", "role claim (user, admin, super_admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
