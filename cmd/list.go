package cmd

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"skillhub/internal/api"
	"skillhub/internal/app"
)

func newListCmd() *cobra.Command {
	var (
		userID string
		skip   int
		limit  int
		dbPath string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's installed skills",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(configPath)
			if err != nil {
				return err
			}
			cfg.LogLevel = "error"
			if dbPath != "" {
				cfg.DatabasePath = dbPath
			}

			application, err := app.New(cfg, rootCmd.Version)
			if err != nil {
				return fmt.Errorf("initializing application: %w", err)
			}
			defer application.Stop(cmd.Context())

			items, total, err := application.Installer().ListInstallations(cmd.Context(), userID, skip, limit)
			if err != nil {
				return fmt.Errorf("listing installations: %w", err)
			}
			renderInstallations(cmd.OutOrStdout(), items, total)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User whose installations to list")
	cmd.Flags().IntVar(&skip, "skip", 0, "Records to skip")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum records to show")
	cmd.Flags().StringVar(&dbPath, "db", "", "Override the database path")
	cmd.MarkFlagRequired("user")
	return cmd
}

func renderInstallations(w io.Writer, items []*api.SkillInstallation, total int) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No installations found")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"PACKAGE", "STATUS", "WORKFLOW", "ADAPTER", "INSTALLED AT"})
	for _, item := range items {
		installedAt := ""
		if item.InstalledAt != nil {
			installedAt = item.InstalledAt.Format("2006-01-02 15:04:05")
		}
		t.AppendRow(table.Row{
			item.PackageID,
			string(item.InstallationStatus),
			item.WorkflowID,
			item.AdapterID,
			installedAt,
		})
	}
	t.Render()
	fmt.Fprintf(w, "%d of %d installation(s)\n", len(items), total)
}
