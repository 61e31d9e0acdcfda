package http

import (
	mw "github.com/labstack/echo/v4/middleware"

	"github.com/mentorium/billing/internal/server/http/billingapi"
	"github.com/mentorium/billing/internal/server/http/emailapi"
	v1 "github.com/mentorium/billing/internal/server/http/internalapi"
	"github.com/mentorium/billing/internal/server/http/middleware"
	"github.com/mentorium/billing/internal/server/http/webhookapi"
)

// WithBillingAPI mounts the platform-facing billing routes.
func WithBillingAPI(cfg Config, handler *billingapi.Handler) Opt {
	return func(s *Server) {
		billingAPI := s.echo.Group(
			"/api/billing/v1",
			middleware.CORS(cfg.AllowedOrigins),
		)

		billingAPI.GET("/plans", handler.ListPlans)

		// Accounts
		accountGroup := billingAPI.Group(
			"/account/:accountId",
			middleware.ResolvesAccount(),
		)

		accountGroup.GET("/summary", handler.GetAccountSummary)

		// Subscription lifecycle (checkout rate limited)
		checkoutRL := mw.NewRateLimiterMemoryStore(10)
		accountGroup.GET("/subscription", handler.GetSubscription)
		accountGroup.POST("/subscription/checkout", handler.StartCheckout, mw.RateLimiter(checkoutRL))
		accountGroup.POST("/subscription/cancel", handler.CancelSubscription)
		accountGroup.POST("/subscription/resume", handler.ResumeSubscription)

		// Entitlements and metering
		accountGroup.GET("/entitlements", handler.GetEntitlements)
		accountGroup.GET("/entitlements/:capability", handler.CheckEntitlement)
		accountGroup.POST("/usage", handler.RecordUsage)
	}
}

// WithWebhookAPI mounts the payment processor callback route.
func WithWebhookAPI(handler *webhookapi.Handler) Opt {
	return func(s *Server) {
		webhookAPI := s.echo.Group("/api/webhook/v1")
		webhookAPI.POST("/stripe", handler.ReceiveStripe)
	}
}

// WithInternalAPI mounts operator routes guarded by the shared bearer token.
func WithInternalAPI(token string, handler *v1.Handler, emailHandler *emailapi.Handler) Opt {
	return func(s *Server) {
		internal := s.echo.Group("/internal/v1", middleware.GuardsInternal(token))

		internal.GET("/revenue", handler.GetRevenueSnapshot)
		internal.GET("/revenue/churn", handler.GetChurnRate)

		internal.GET("/reconciliation/stats", handler.GetReconciliationStats)

		internal.GET("/subscription", handler.ListSubscriptions)

		internal.POST("/job", handler.RunSchedulerJob)

		emailGroup := internal.Group("/email")
		emailGroup.GET("/settings", emailHandler.GetSettings)
		emailGroup.PUT("/settings", emailHandler.UpdateSettings)
		emailGroup.POST("/test", emailHandler.TestEmail)
		emailGroup.GET("/logs", emailHandler.GetLogs)
	}
}
