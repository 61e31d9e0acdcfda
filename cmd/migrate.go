package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mentorium/billing/internal/config"
	"github.com/mentorium/billing/internal/db"
)

var migrateCommand = &cobra.Command{
	Use:       "migrate [up|down|status]",
	Short:     "Manage database schema migrations",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "status"},
	Run: func(_ *cobra.Command, args []string) {
		cfg := resolveConfig()
		performMigration(cfg, args[0], true)
	},
}

func performMigration(cfg *config.Config, direction string, exitOnError bool) {
	dataSource := cfg.Billing.Postgres.DataSource

	fail := func(err error) {
		fmt.Fprintln(os.Stderr, "migration failed:", err)
		if exitOnError {
			os.Exit(1)
		}
	}

	switch direction {
	case "up":
		n, err := db.MigrateUp(dataSource)
		if err != nil {
			fail(err)
			return
		}
		fmt.Printf("applied %d migration(s)\n", n)
	case "down":
		n, err := db.MigrateDown(dataSource)
		if err != nil {
			fail(err)
			return
		}
		fmt.Printf("rolled back %d migration(s)\n", n)
	case "status":
		statuses, err := db.Status(dataSource)
		if err != nil {
			fail(err)
			return
		}
		printMigrationStatus(statuses)
	}
}

func printMigrationStatus(statuses []db.MigrationStatus) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Migration", "Applied", "Applied At"})

	for _, status := range statuses {
		appliedAt := "-"
		if status.Applied {
			appliedAt = status.AppliedAt.Format("2006-01-02 15:04:05")
		}

		table.Append([]string{
			status.ID,
			fmt.Sprintf("%t", status.Applied),
			appliedAt,
		})
	}

	table.Render()
}
