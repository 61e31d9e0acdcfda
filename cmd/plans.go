package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mentorium/billing/internal/service/plan"
)

var plansCommand = &cobra.Command{
	Use:   "plans",
	Short: "Print the plan catalog",
	Run:   printPlans,
}

func printPlans(_ *cobra.Command, _ []string) {
	logger := zerolog.Nop()
	catalog := plan.New(&logger)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Name", "Monthly USD", "Yearly USD", "Projects", "AI Min/Mo", "Storage MB", "Capabilities"})

	for _, p := range catalog.List() {
		table.Append([]string{
			p.ID,
			p.Name,
			priceColumn(p, plan.CycleMonthly),
			priceColumn(p, plan.CycleYearly),
			limitColumn(p.Entitlements.MaxProjects),
			limitColumn(p.Entitlements.AIMinutesPerMonth),
			limitColumn(p.Entitlements.StorageMB),
			strings.Join(p.Entitlements.CapabilityKeys(), ", "),
		})
	}

	table.Render()
}

func priceColumn(p *plan.Plan, cycle plan.BillingCycle) string {
	price, err := p.Price(cycle, "USD")
	if err != nil {
		return "-"
	}

	return price.Amount.StringFixed(2)
}

func limitColumn(limit int) string {
	if limit < 0 {
		return "unlimited"
	}

	return fmt.Sprintf("%d", limit)
}
