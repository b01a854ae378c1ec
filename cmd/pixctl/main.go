// Command pixctl is the operator CLI for the PIX service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pix-service/pix_service/internal/infrastructure/config"
	"github.com/pix-service/pix_service/internal/infrastructure/database"
	"github.com/pix-service/pix_service/internal/infrastructure/di"
	"github.com/pix-service/pix_service/pkg/logger"
)

var Version = "dev"

func main() {
	rootCmd := newRootCmd()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pixctl",
		Short:         "Operator tooling for the PIX reconciliation service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(tokenCmd())
	return rootCmd
}

// environment is the config, logger and service graph a command runs against
type environment struct {
	cfg       *config.Config
	log       *logger.Logger
	container *di.Container
}

func (e *environment) Close() {
	_ = e.container.Close()
	_ = e.container.DB.Close()
	_ = e.log.Sync()
}

func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, logger.New(cfg.LogLevel, cfg.Environment), nil
}

func setup(ctx context.Context) (*environment, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := database.NewConnection(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	container, err := di.NewContainer(ctx, cfg, db, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create DI container: %w", err)
	}
	return &environment{cfg: cfg, log: log, container: container}, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
