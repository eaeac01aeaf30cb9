package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"skillhub/internal/app"
)

func newServeCmd() *cobra.Command {
	var (
		dbPath   string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the skill platform and serve MCP tools over stdio",
		Long: `Starts the platform: opens the store, restores registered adapters,
and exposes skill_install, skill_uninstall, skill_list, and skill_execute
as MCP tools on stdin/stdout. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.DatabasePath = dbPath
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}

			application, err := app.New(cfg, rootCmd.Version)
			if err != nil {
				return fmt.Errorf("initializing application: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return application.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Override the database path")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")
	return cmd
}
