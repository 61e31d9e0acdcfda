// Package cmd holds the service's command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mentorium/billing/internal/config"
)

var configPath string

var rootCommand = &cobra.Command{
	Use:   "billing",
	Short: "Mentorium billing service",
}

func init() {
	rootCommand.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a yaml config file, env-only when empty")

	rootCommand.AddCommand(serveWebCommand)
	rootCommand.AddCommand(migrateCommand)
	rootCommand.AddCommand(plansCommand)
	rootCommand.AddCommand(envCommand)
}

// Execute dispatches the selected subcommand.
func Execute() {
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfig loads configuration or exits. Subcommands call it instead of
// carrying their own error handling.
func resolveConfig() *config.Config {
	cfg, err := config.New(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "unable to load config:", err)
		os.Exit(1)
	}

	return cfg
}

var envCommand = &cobra.Command{
	Use:   "env",
	Short: "List supported environment variables",
	Run: func(_ *cobra.Command, _ []string) {
		description, err := config.Description()
		if err != nil {
			fmt.Fprintln(os.Stderr, "unable to describe config:", err)
			os.Exit(1)
		}

		fmt.Println(description)
	},
}
