package cmd

import (
	"context"
	"errors"

	"github.com/mentorium/billing/internal/app"
	"github.com/mentorium/billing/internal/config"
	"github.com/mentorium/billing/pkg/graceful"
	"github.com/spf13/cobra"
)

var serveWebCommand = &cobra.Command{
	Use:   "serve-web",
	Short: "Start Mentorium Billing Server",
	Run:   serveWeb,
}

func serveWeb(_ *cobra.Command, _ []string) {
	ctx := context.Background()
	cfg := resolveConfig()

	service := app.New(ctx, cfg)

	setupOnBeforeRun(service, cfg)

	service.RunServer()
	service.RunScheduler()
	if err := graceful.WaitShutdown(); err != nil {
		service.Logger().Error().Err(err).Msg("unable to shutdown service gracefully")
		return
	}

	service.Logger().Info().Msg("shutdown complete")
}

func setupOnBeforeRun(service *app.App, cfg *config.Config) {
	service.OnBeforeRun(func(ctx context.Context, a *app.App) error {
		if cfg.Billing.Postgres.MigrateOnStart {
			a.Logger().Info().Msg("Enabled migration on start")
			performMigration(cfg, "up", true)
		}

		return nil
	})

	service.OnBeforeRun(func(_ context.Context, _ *app.App) error {
		stripe := cfg.Billing.Stripe
		if stripe.SecretKey != "" && (stripe.SuccessURL == "" || stripe.CancelURL == "") {
			return errors.New("unable to run server: stripe success and cancel urls are required for checkout")
		}

		return nil
	})
}
