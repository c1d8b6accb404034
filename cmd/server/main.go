package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"quorum/internal/platform/config"
	"quorum/internal/platform/logger"
)

const programName = "quorum"

var configFile string

// commonRun builds the process logger from the loaded configuration and
// sizes GOMAXPROCS to the container quota.
func commonRun(cfg *config.Config) *slog.Logger {
	log := logger.New(cfg.Log)
	slog.SetDefault(log)
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, v ...any) {
		log.Info(fmt.Sprintf(format, v...), "component", "maxprocs")
	})); err != nil {
		log.Error("failed to set GOMAXPROCS", "error", err)
	}
	return log
}

func mustConfig(cmd *cobra.Command) *config.Config {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		slog.Error("no config found in context")
		os.Exit(1)
	}
	return cfg
}

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Election nomination, voting and tallying service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveRun(cmd, mustConfig(cmd))
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(migrateCommand())
	rootCmd.AddCommand(advanceCommand())
	rootCmd.AddCommand(tokenCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		os.Exit(1)
	}
}
