// Package app wires configuration, storage, services and transports into a
// runnable billing process.
package app

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mentorium/billing/internal/bus"
	"github.com/mentorium/billing/internal/config"
	"github.com/mentorium/billing/internal/db"
	"github.com/mentorium/billing/internal/log"
	stripeprovider "github.com/mentorium/billing/internal/provider/stripe"
	"github.com/mentorium/billing/internal/scheduler"
	httpserver "github.com/mentorium/billing/internal/server/http"
	"github.com/mentorium/billing/internal/server/http/billingapi"
	"github.com/mentorium/billing/internal/server/http/emailapi"
	"github.com/mentorium/billing/internal/server/http/internalapi"
	"github.com/mentorium/billing/internal/server/http/webhookapi"
	"github.com/mentorium/billing/internal/service/account"
	"github.com/mentorium/billing/internal/service/email"
	"github.com/mentorium/billing/internal/service/entitlement"
	"github.com/mentorium/billing/internal/service/plan"
	"github.com/mentorium/billing/internal/service/reconciliation"
	"github.com/mentorium/billing/internal/service/revenue"
	"github.com/mentorium/billing/internal/service/subscription"
	"github.com/mentorium/billing/pkg/graceful"
)

const serviceName = "mentorium-billing"

// Version is stamped by the build.
var Version = "dev"

// BeforeRunHook runs once before the first Run* call starts anything.
type BeforeRunHook func(ctx context.Context, app *App) error

type App struct {
	ctx    context.Context
	cfg    *config.Config
	logger zerolog.Logger

	onBeforeRun []BeforeRunHook
	hooksRan    bool

	db       *pgxpool.Pool
	eventBus *bus.Bus
	journal  *reconciliation.Journal
	stripe   *stripeprovider.Provider

	plans           *plan.Service
	subscriptions   *subscription.Service
	reconciliations *reconciliation.Service
	entitlements    *entitlement.Service
	revenue         *revenue.Service
	accounts        *account.Service
	emails          *email.Service

	scheduler *scheduler.Scheduler
	server    *httpserver.Server
}

// New builds the full service graph. Construction failures are fatal: a
// billing process without its store or journal has nothing useful to do.
func New(ctx context.Context, cfg *config.Config) *App {
	logger := log.New(cfg.Logger, serviceName, Version)

	app := &App{
		ctx:    ctx,
		cfg:    cfg,
		logger: logger,
	}

	app.setupInfrastructure()
	app.setupServices()
	app.setupScheduler()
	app.setupServer()

	return app
}

func (a *App) setupInfrastructure() {
	pool, err := db.Connect(a.ctx, a.cfg.Billing.Postgres.DataSource)
	if err != nil {
		a.logger.Fatal().Err(err).Msg("unable to connect to postgres")
	}

	a.db = pool
	graceful.AddCallback(func(_ context.Context) error {
		pool.Close()
		return nil
	})

	journal, err := reconciliation.OpenJournal(a.cfg.Billing.Journal.Path, &a.logger)
	if err != nil {
		a.logger.Fatal().Err(err).Str("path", a.cfg.Billing.Journal.Path).Msg("unable to open event journal")
	}

	a.journal = journal
	graceful.AddCallback(func(_ context.Context) error {
		return journal.Close()
	})

	a.eventBus = bus.New(&a.logger)
	graceful.AddCallback(func(_ context.Context) error {
		a.eventBus.Shutdown()
		return nil
	})
}

func (a *App) setupServices() {
	a.plans = plan.New(&a.logger)

	store := subscription.NewPostgres(a.db, &a.logger)

	gateway := a.setupGateway()
	a.subscriptions = subscription.New(store, a.plans, gateway, &a.logger)

	accountMirror, entitlementMirror := a.setupMirror()

	a.reconciliations = reconciliation.New(store, a.plans, entitlementMirror, a.eventBus, a.journal, &a.logger)
	a.entitlements = entitlement.New(a.subscriptions, a.plans, &a.logger)

	a.revenue = revenue.New(store, &a.logger)
	if err := a.revenue.BindInvalidation(a.eventBus); err != nil {
		a.logger.Fatal().Err(err).Msg("unable to bind revenue invalidation")
	}

	a.accounts = account.New(a.subscriptions, a.plans, accountMirror, &a.logger)

	a.emails = email.New(a.db, a.plans, a.subscriptions, &a.logger)
	a.setupEmail()
}

// setupGateway selects the payment processor. Without credentials the service
// runs on the in-memory mock, which is enough for local development but never
// reaches a real checkout page.
func (a *App) setupGateway() subscription.ProcessorGateway {
	stripeCfg := a.cfg.Billing.Stripe

	if stripeCfg.SecretKey == "" {
		a.logger.Warn().Msg("no stripe credentials configured, running on the mock gateway")
		return subscription.NewMockGateway()
	}

	a.stripe = stripeprovider.New(stripeprovider.Config{
		SecretKey:     stripeCfg.SecretKey,
		WebhookSecret: stripeCfg.WebhookSecret,
		SuccessURL:    stripeCfg.SuccessURL,
		CancelURL:     stripeCfg.CancelURL,
	}, &a.logger)

	return a.stripe
}

// setupMirror picks the entitlement summary mirror. Redis when configured,
// otherwise a per-process map.
func (a *App) setupMirror() (account.Mirror, reconciliation.EntitlementMirror) {
	redisCfg := a.cfg.Billing.Redis

	if redisCfg.Address == "" {
		mirror := account.NewMemoryMirror()
		return mirror, mirror
	}

	client := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Address,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		a.logger.Fatal().Err(err).Str("address", redisCfg.Address).Msg("unable to connect to redis")
	}

	graceful.AddCallback(func(_ context.Context) error {
		return client.Close()
	})

	mirror := account.NewRedisMirror(client, &a.logger)

	return mirror, mirror
}

func (a *App) setupEmail() {
	emailCfg := a.cfg.Billing.Email

	if emailCfg.Host != "" {
		err := a.emails.EnsureSettings(a.ctx, email.Settings{
			SMTPHost:  emailCfg.Host,
			SMTPPort:  emailCfg.Port,
			SMTPUser:  emailCfg.Username,
			SMTPPass:  emailCfg.Password,
			FromName:  "Mentorium",
			FromEmail: emailCfg.From,
			IsActive:  emailCfg.Enabled,
		})
		if err != nil {
			a.logger.Warn().Err(err).Msg("unable to seed email settings")
		}
	}

	if emailCfg.Enabled {
		if err := a.emails.BindSubscriptions(a.eventBus); err != nil {
			a.logger.Fatal().Err(err).Msg("unable to bind billing notices")
		}
	}
}

func (a *App) setupScheduler() {
	jobLogger := log.NewJobLogger(a.db, &a.logger)
	handler := scheduler.New(
		a.reconciliations,
		a.subscriptions,
		a.revenue,
		jobLogger,
		a.cfg.Billing.Journal.Retention,
	)

	a.scheduler = scheduler.NewScheduler(handler, jobLogger, &a.logger)
}

func (a *App) setupServer() {
	webCfg := a.cfg.Billing.Web

	billingHandler := billingapi.New(
		a.plans,
		a.subscriptions,
		a.entitlements,
		a.accounts,
		a.emails,
		&a.logger,
	)

	serverCfg := httpserver.Config{
		Address:        webCfg.Address,
		AllowedOrigins: webCfg.AllowedOrigins,
		BodyLimit:      webCfg.BodyLimit,
	}

	opts := []httpserver.Opt{
		httpserver.WithBillingAPI(serverCfg, billingHandler),
	}

	switch {
	case a.stripe != nil && a.cfg.Billing.Stripe.WebhookSecret != "":
		webhookHandler := webhookapi.New(a.stripe, a.reconciliations, &a.logger)
		opts = append(opts, httpserver.WithWebhookAPI(webhookHandler))
	case a.stripe != nil:
		a.logger.Warn().Msg("stripe webhook secret missing, webhook endpoint not mounted")
	}

	if a.cfg.Billing.Internal.Enabled {
		if a.cfg.Billing.Internal.Token == "" {
			a.logger.Warn().Msg("internal api enabled without a token, all internal requests will be rejected")
		}

		internalHandler := internalapi.New(a.revenue, a.reconciliations, a.subscriptions, a.scheduler, &a.logger)
		emailHandler := emailapi.New(a.emails, &a.logger)
		opts = append(opts, httpserver.WithInternalAPI(a.cfg.Billing.Internal.Token, internalHandler, emailHandler))
	}

	a.server = httpserver.New(serverCfg, &a.logger, opts...)
}

// OnBeforeRun registers a hook to run before the first Run* call.
func (a *App) OnBeforeRun(hook BeforeRunHook) {
	a.onBeforeRun = append(a.onBeforeRun, hook)
}

func (a *App) runHooks() {
	if a.hooksRan {
		return
	}
	a.hooksRan = true

	for _, hook := range a.onBeforeRun {
		if err := hook(a.ctx, a); err != nil {
			a.logger.Fatal().Err(err).Msg("before-run hook failed")
		}
	}
}

// RunServer starts the HTTP server in the background and registers its
// shutdown with the graceful callbacks.
func (a *App) RunServer() {
	a.runHooks()

	graceful.AddCallback(a.server.Shutdown)

	go func() {
		if err := a.server.Run(); err != nil {
			a.logger.Fatal().Err(err).Msg("unable to run http server")
		}
	}()
}

// RunScheduler starts the background jobs unless disabled by configuration.
func (a *App) RunScheduler() {
	if !a.cfg.Billing.Scheduler.Enabled {
		a.logger.Info().Msg("scheduler disabled by configuration")
		return
	}

	a.runHooks()

	if err := a.scheduler.Start(); err != nil {
		a.logger.Fatal().Err(err).Msg("unable to start scheduler")
	}

	graceful.AddCallback(a.scheduler.Stop)
}

func (a *App) Logger() *zerolog.Logger {
	return &a.logger
}
