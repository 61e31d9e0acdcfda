package billingapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/mentorium/billing/internal/processor"
	"github.com/mentorium/billing/internal/server/http/common"
	"github.com/mentorium/billing/internal/server/http/middleware"
	"github.com/mentorium/billing/internal/service/account"
	"github.com/mentorium/billing/internal/service/entitlement"
	"github.com/mentorium/billing/internal/service/plan"
	"github.com/mentorium/billing/internal/service/subscription"
	"github.com/mentorium/billing/pkg/api-billing/v1/model"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ContactBook records the billing email an account gave us at checkout.
type ContactBook interface {
	UpsertContact(ctx context.Context, accountID uuid.UUID, email, name string) error
}

type Handler struct {
	planService         *plan.Service
	subscriptionService *subscription.Service
	entitlementService  *entitlement.Service
	accountService      *account.Service
	contacts            ContactBook
	logger              *zerolog.Logger
}

func New(
	planService *plan.Service,
	subscriptionService *subscription.Service,
	entitlementService *entitlement.Service,
	accountService *account.Service,
	contacts ContactBook,
	logger *zerolog.Logger,
) *Handler {
	log := logger.With().Str("channel", "billing_api").Logger()

	return &Handler{
		planService:         planService,
		subscriptionService: subscriptionService,
		entitlementService:  entitlementService,
		accountService:      accountService,
		contacts:            contacts,
		logger:              &log,
	}
}

// Response structures

type PriceResponse struct {
	BillingCycle string          `json:"billing_cycle"`
	Currency     string          `json:"currency"`
	Amount       decimal.Decimal `json:"amount"`
}

type PlanResponse struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Prices       []PriceResponse   `json:"prices"`
	Entitlements plan.Entitlements `json:"entitlements"`
	Purchasable  bool              `json:"purchasable"`
}

type UsageResponse struct {
	ProjectsCreated    int64  `json:"projects_created"`
	AIMinutesUsed      int64  `json:"ai_minutes_used"`
	CodeExecutionsUsed int64  `json:"code_executions_used"`
	StorageMBUsed      int64  `json:"storage_mb_used"`
	LastResetAt        string `json:"last_reset_at"`
}

type SubscriptionResponse struct {
	PlanID             string          `json:"plan_id"`
	Status             string          `json:"status"`
	Entitled           bool            `json:"entitled"`
	BillingCycle       string          `json:"billing_cycle"`
	Currency           string          `json:"currency"`
	Amount             decimal.Decimal `json:"amount"`
	CurrentPeriodStart string          `json:"current_period_start"`
	CurrentPeriodEnd   string          `json:"current_period_end"`
	TrialEnd           string          `json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool            `json:"cancel_at_period_end"`
	Usage              UsageResponse   `json:"usage"`
}

type CheckoutResponse struct {
	SessionID    string          `json:"session_id"`
	URL          string          `json:"url"`
	PlanID       string          `json:"plan_id"`
	BillingCycle string          `json:"billing_cycle"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
}

// Helper functions

func planToResponse(p *plan.Plan) *PlanResponse {
	if p == nil {
		return nil
	}

	prices := make([]PriceResponse, 0, len(p.Prices))
	for _, cycle := range []plan.BillingCycle{plan.CycleMonthly, plan.CycleYearly} {
		for _, price := range p.Prices[cycle] {
			prices = append(prices, PriceResponse{
				BillingCycle: string(cycle),
				Currency:     price.Currency,
				Amount:       price.Amount,
			})
		}
	}

	return &PlanResponse{
		ID:           p.ID,
		Name:         p.Name,
		Description:  p.Description,
		Prices:       prices,
		Entitlements: p.Entitlements,
		Purchasable:  p.Purchasable,
	}
}

func subscriptionToResponse(sub *subscription.Subscription) *SubscriptionResponse {
	if sub == nil {
		return nil
	}

	response := &SubscriptionResponse{
		PlanID:             sub.PlanID,
		Status:             string(sub.Status),
		Entitled:           sub.Entitled(),
		BillingCycle:       string(sub.BillingCycle),
		Currency:           sub.Currency,
		Amount:             sub.Amount,
		CurrentPeriodStart: sub.CurrentPeriodStart.Format(time.RFC3339),
		CurrentPeriodEnd:   sub.CurrentPeriodEnd.Format(time.RFC3339),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		Usage: UsageResponse{
			ProjectsCreated:    sub.Usage.ProjectsCreated,
			AIMinutesUsed:      sub.Usage.AIMinutesUsed,
			CodeExecutionsUsed: sub.Usage.CodeExecutionsUsed,
			StorageMBUsed:      sub.Usage.StorageMBUsed,
			LastResetAt:        sub.Usage.LastResetAt.Format(time.RFC3339),
		},
	}

	if sub.TrialEnd.Valid {
		response.TrialEnd = sub.TrialEnd.Time.Format(time.RFC3339)
	}

	return response
}

func resolveAccount(c echo.Context) (uuid.UUID, error) {
	accountID := middleware.ResolveAccountID(c)
	if accountID == uuid.Nil {
		return uuid.Nil, c.JSON(http.StatusBadRequest, &model.ErrorResponse{Message: "account not found", Status: "not_found"})
	}

	return accountID, nil
}

// Handlers

// ListPlans returns the plan catalog with prices and entitlements
// GET /api/billing/v1/plans
func (h *Handler) ListPlans(c echo.Context) error {
	plans := h.planService.List()

	response := make([]*PlanResponse, len(plans))
	for i, p := range plans {
		response[i] = planToResponse(p)
	}

	return c.JSON(200, response)
}

// GetAccountSummary returns the compact billing state for an account
// GET /api/billing/v1/account/:accountId/summary
func (h *Handler) GetAccountSummary(c echo.Context) error {
	ctx := c.Request().Context()

	accountID, err := resolveAccount(c)
	if err != nil {
		return err
	}

	summary, err := h.accountService.Summary(ctx, accountID)
	if err != nil {
		h.logger.Error().Err(err).Str("account_id", accountID.String()).Msg("unable to build account summary")
		return c.JSON(http.StatusInternalServerError, &model.ErrorResponse{Message: "unable to get account summary", Status: "internal_error"})
	}

	return c.JSON(200, summary)
}

// GetSubscription returns the account's current subscription. Accounts with
// no paid record get the free tier view.
// GET /api/billing/v1/account/:accountId/subscription
func (h *Handler) GetSubscription(c echo.Context) error {
	ctx := c.Request().Context()

	accountID, err := resolveAccount(c)
	if err != nil {
		return err
	}

	sub, err := h.subscriptionService.GetCurrent(ctx, accountID)
	if err != nil {
		h.logger.Error().Err(err).Str("account_id", accountID.String()).Msg("unable to get subscription")
		return c.JSON(http.StatusInternalServerError, &model.ErrorResponse{Message: "unable to get subscription", Status: "internal_error"})
	}

	return c.JSON(200, subscriptionToResponse(sub))
}

// StartCheckout opens a hosted checkout session for a paid plan
// POST /api/billing/v1/account/:accountId/subscription/checkout
func (h *Handler) StartCheckout(c echo.Context) error {
	ctx := c.Request().Context()

	accountID, err := resolveAccount(c)
	if err != nil {
		return err
	}

	var req model.CheckoutRequest
	if err := c.Bind(&req); err != nil {
		return common.ValidationErrorResponse(c, "invalid request body")
	}
	if err := req.Validate(strfmt.Default); err != nil {
		return common.ValidationFailedResponse(c, err)
	}

	cycle := plan.BillingCycle(req.BillingCycle)
	if req.BillingCycle == "" {
		cycle = plan.CycleMonthly
	}

	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	result, err := h.subscriptionService.StartCheckout(ctx, subscription.CheckoutRequest{
		AccountID: accountID,
		PlanID:    req.PlanID,
		Cycle:     cycle,
		Currency:  currency,
		Email:     req.Email.String(),
	})

	switch {
	case errors.Is(err, plan.ErrNotFound):
		return common.NotFoundResponse(c, "plan not found")
	case errors.Is(err, plan.ErrNotPurchasable):
		return common.ValidationErrorResponse(c, "plan is not purchasable")
	case errors.Is(err, plan.ErrPriceNotFound):
		return common.ValidationErrorResponse(c, "no price for requested billing cycle and currency")
	case errors.Is(err, processor.ErrUnavailable):
		h.logger.Error().Err(err).Str("account_id", accountID.String()).Msg("payment processor unavailable")
		return c.JSON(http.StatusInternalServerError, &model.ErrorResponse{Message: "payment processor unavailable", Status: "internal_error"})
	case err != nil:
		h.logger.Error().Err(err).Str("account_id", accountID.String()).Str("plan_id", req.PlanID).Msg("unable to start checkout")
		return c.JSON(http.StatusInternalServerError, &model.ErrorResponse{Message: "unable to start checkout", Status: "internal_error"})
	}

	// The address outlives the session; dunning and receipts go to it later.
	if req.Email != "" {
		if err := h.contacts.UpsertContact(ctx, accountID, req.Email.String(), ""); err != nil {
			h.logger.Warn().Err(err).Str("account_id", accountID.String()).Msg("unable to store billing contact")
		}
	}

	return c.JSON(200, CheckoutResponse{
		SessionID:    result.SessionID,
		URL:          result.URL,
		PlanID:       result.PlanID,
		BillingCycle: string(result.Cycle),
		Amount:       result.Amount,
		Currency:     result.Currency,
	})
}

// CancelSubscription schedules cancellation at the end of the paid period
// POST /api/billing/v1/account/:accountId/subscription/cancel
func (h *Handler) CancelSubscription(c echo.Context) error {
	ctx := c.Request().Context()

	accountID, err := resolveAccount(c)
	if err != nil {
		return err
	}

	sub, err := h.subscriptionService.Cancel(ctx, accountID)
	if err != nil {
		if errors.Is(err, subscription.ErrSubscriptionNotFound) {
			return common.NotFoundResponse(c, "no active subscription")
		}
		h.logger.Error().Err(err).Str("account_id", accountID.String()).Msg("unable to cancel subscription")
		return c.JSON(http.StatusInternalServerError, &model.ErrorResponse{Message: "unable to cancel subscription", Status: "internal_error"})
	}

	return c.JSON(200, subscriptionToResponse(sub))
}

// ResumeSubscription reverts a pending cancellation
// POST /api/billing/v1/account/:accountId/subscription/resume
func (h *Handler) ResumeSubscription(c echo.Context) error {
	ctx := c.Request().Context()

	accountID, err := resolveAccount(c)
	if err != nil {
		return err
	}

	sub, err := h.subscriptionService.ResumeAutoRenew(ctx, accountID)
	if err != nil {
		if errors.Is(err, subscription.ErrSubscriptionNotFound) {
			return common.NotFoundResponse(c, "no renewable subscription")
		}
		h.logger.Error().Err(err).Str("account_id", accountID.String()).Msg("unable to resume subscription")
		return c.JSON(http.StatusInternalServerError, &model.ErrorResponse{Message: "unable to resume subscription", Status: "internal_error"})
	}

	return c.JSON(200, subscriptionToResponse(sub))
}

// GetEntitlements returns every capability with its limit and consumption
// GET /api/billing/v1/account/:accountId/entitlements
func (h *Handler) GetEntitlements(c echo.Context) error {
	ctx := c.Request().Context()

	accountID, err := resolveAccount(c)
	if err != nil {
		return err
	}

	overview, err := h.entitlementService.Overview(ctx, accountID)
	if err != nil {
		h.logger.Error().Err(err).Str("account_id", accountID.String()).Msg("unable to get entitlements")
		return c.JSON(http.StatusInternalServerError, &model.ErrorResponse{Message: "unable to get entitlements", Status: "internal_error"})
	}

	return c.JSON(200, overview)
}

// CheckEntitlement answers whether the account may use one capability right now
// GET /api/billing/v1/account/:accountId/entitlements/:capability
func (h *Handler) CheckEntitlement(c echo.Context) error {
	ctx := c.Request().Context()

	accountID, err := resolveAccount(c)
	if err != nil {
		return err
	}

	capability := c.Param("capability")
	if capability == "" {
		return common.ValidationErrorResponse(c, "capability is required")
	}

	decision, err := h.entitlementService.CanUse(ctx, accountID, capability)
	if err != nil {
		h.logger.Error().Err(err).Str("account_id", accountID.String()).Str("capability", capability).Msg("unable to check entitlement")
		return c.JSON(http.StatusInternalServerError, &model.ErrorResponse{Message: "unable to check entitlement", Status: "internal_error"})
	}

	return c.JSON(200, decision)
}

// RecordUsage adds consumption against a metered capability
// POST /api/billing/v1/account/:accountId/usage
func (h *Handler) RecordUsage(c echo.Context) error {
	ctx := c.Request().Context()

	accountID, err := resolveAccount(c)
	if err != nil {
		return err
	}

	var req model.RecordUsageRequest
	if err := c.Bind(&req); err != nil {
		return common.ValidationErrorResponse(c, "invalid request body")
	}
	if err := req.Validate(strfmt.Default); err != nil {
		return common.ValidationFailedResponse(c, err)
	}

	delta := req.Delta
	if delta == 0 {
		delta = 1
	}

	err = h.entitlementService.RecordUsage(ctx, accountID, req.Capability, delta)
	if err != nil {
		if errors.Is(err, entitlement.ErrNotMetered) {
			return common.ValidationErrorResponse(c, "capability is not metered")
		}
		h.logger.Error().Err(err).Str("account_id", accountID.String()).Str("capability", req.Capability).Msg("unable to record usage")
		return c.JSON(http.StatusInternalServerError, &model.ErrorResponse{Message: "unable to record usage", Status: "internal_error"})
	}

	return c.NoContent(http.StatusNoContent)
}
