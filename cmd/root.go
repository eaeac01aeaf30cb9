package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the entry point when skillhub is called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "skillhub",
	Short: "Run and manage pluggable skill packages",
	Long: `skillhub is a skill execution platform: declarative skill packages are
installed as workflows bound to adapters and invoked through MCP tools.`,
	SilenceUsage: true,
}

// configPath points at the YAML configuration file shared by all commands.
var configPath string

// SetVersion injects the build version from the main package.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command. Called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "skillhub version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the configuration file")
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newVersionCmd())
}
