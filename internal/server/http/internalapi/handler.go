// Package internalapi carries the operator endpoints: revenue reporting,
// reconciliation counters, subscription listings and manual job runs. The
// routes sit behind the internal bearer token and never face end users.
package internalapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mentorium/billing/internal/scheduler"
	"github.com/mentorium/billing/internal/server/http/common"
	"github.com/mentorium/billing/internal/service/reconciliation"
	"github.com/mentorium/billing/internal/service/revenue"
	"github.com/mentorium/billing/internal/service/subscription"
	"github.com/mentorium/billing/pkg/api-billing/v1/model"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxChurnWindow   = 24
)

type RevenueReporter interface {
	Snapshot(ctx context.Context) (*revenue.Snapshot, error)
	ChurnRate(ctx context.Context, windowMonths int) (float64, error)
}

type ReconciliationReporter interface {
	Stats() reconciliation.Stats
}

type SubscriptionLister interface {
	ListCurrent(ctx context.Context, limit, offset int) ([]*subscription.Subscription, error)
}

type JobRunner interface {
	RunJob(ctx context.Context, name string) error
	JobNames() []string
}

type Handler struct {
	revenue        RevenueReporter
	reconciliation ReconciliationReporter
	subscriptions  SubscriptionLister
	jobs           JobRunner
	logger         *zerolog.Logger
}

func New(
	revenueService RevenueReporter,
	reconciliationService ReconciliationReporter,
	subscriptionService SubscriptionLister,
	jobRunner JobRunner,
	logger *zerolog.Logger,
) *Handler {
	log := logger.With().Str("channel", "internal_api").Logger()

	return &Handler{
		revenue:        revenueService,
		reconciliation: reconciliationService,
		subscriptions:  subscriptionService,
		jobs:           jobRunner,
		logger:         &log,
	}
}

// Response structures

type ChurnResponse struct {
	WindowMonths int     `json:"window_months"`
	ChurnRate    float64 `json:"churn_rate"`
}

type SubscriptionRow struct {
	AccountID               string          `json:"account_id"`
	PlanID                  string          `json:"plan_id"`
	Status                  string          `json:"status"`
	BillingCycle            string          `json:"billing_cycle"`
	Currency                string          `json:"currency"`
	Amount                  decimal.Decimal `json:"amount"`
	ProcessorCustomerID     string          `json:"processor_customer_id"`
	ProcessorSubscriptionID string          `json:"processor_subscription_id"`
	CurrentPeriodEnd        string          `json:"current_period_end"`
	CancelAtPeriodEnd       bool            `json:"cancel_at_period_end"`
	Version                 int64           `json:"version"`
}

type SubscriptionListResponse struct {
	Results []SubscriptionRow `json:"results"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

type RunJobRequest struct {
	Name string `json:"name"`
}

type RunJobResponse struct {
	Job    string `json:"job"`
	Status string `json:"status"`
}

// Helper functions

func subscriptionToRow(sub *subscription.Subscription) SubscriptionRow {
	return SubscriptionRow{
		AccountID:               sub.AccountID.String(),
		PlanID:                  sub.PlanID,
		Status:                  string(sub.Status),
		BillingCycle:            string(sub.BillingCycle),
		Currency:                sub.Currency,
		Amount:                  sub.Amount,
		ProcessorCustomerID:     sub.ProcessorCustomerID,
		ProcessorSubscriptionID: sub.ProcessorSubscriptionID,
		CurrentPeriodEnd:        sub.CurrentPeriodEnd.Format(time.RFC3339),
		CancelAtPeriodEnd:       sub.CancelAtPeriodEnd,
		Version:                 sub.Version,
	}
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}

	return value
}

// Handlers

// GetRevenueSnapshot returns the current MRR/ARR picture
// GET /internal/v1/revenue
func (h *Handler) GetRevenueSnapshot(c echo.Context) error {
	ctx := c.Request().Context()

	snapshot, err := h.revenue.Snapshot(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("unable to build revenue snapshot")
		return c.JSON(http.StatusInternalServerError, &model.ErrorResponse{Message: "unable to build revenue snapshot", Status: "internal_error"})
	}

	return c.JSON(200, snapshot)
}

// GetChurnRate returns the churn percentage over a trailing window
// GET /internal/v1/revenue/churn?months=3
func (h *Handler) GetChurnRate(c echo.Context) error {
	ctx := c.Request().Context()

	months := queryInt(c, "months", 1)
	if months < 1 {
		months = 1
	}
	if months > maxChurnWindow {
		months = maxChurnWindow
	}

	rate, err := h.revenue.ChurnRate(ctx, months)
	if err != nil {
		h.logger.Error().Err(err).Int("months", months).Msg("unable to compute churn rate")
		return c.JSON(http.StatusInternalServerError, &model.ErrorResponse{Message: "unable to compute churn rate", Status: "internal_error"})
	}

	return c.JSON(200, ChurnResponse{WindowMonths: months, ChurnRate: rate})
}

// GetReconciliationStats returns the webhook outcome counters since start
// GET /internal/v1/reconciliation/stats
func (h *Handler) GetReconciliationStats(c echo.Context) error {
	return c.JSON(200, h.reconciliation.Stats())
}

// ListSubscriptions pages through live subscription records
// GET /internal/v1/subscription?limit=50&offset=0
func (h *Handler) ListSubscriptions(c echo.Context) error {
	ctx := c.Request().Context()

	limit := queryInt(c, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}

	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	subs, err := h.subscriptions.ListCurrent(ctx, limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Msg("unable to list subscriptions")
		return c.JSON(http.StatusInternalServerError, &model.ErrorResponse{Message: "unable to list subscriptions", Status: "internal_error"})
	}

	results := make([]SubscriptionRow, len(subs))
	for i, sub := range subs {
		results[i] = subscriptionToRow(sub)
	}

	return c.JSON(200, SubscriptionListResponse{Results: results, Limit: limit, Offset: offset})
}

// RunSchedulerJob triggers one maintenance job outside its schedule
// POST /internal/v1/job
func (h *Handler) RunSchedulerJob(c echo.Context) error {
	ctx := c.Request().Context()

	var req RunJobRequest
	if err := c.Bind(&req); err != nil {
		return common.ValidationErrorResponse(c, "invalid request body")
	}

	if req.Name == "" {
		return common.ValidationErrorResponse(c, "name is required")
	}

	h.logger.Info().Str("job", req.Name).Msg("manual job run requested")

	if err := h.jobs.RunJob(ctx, req.Name); err != nil {
		if errors.Is(err, scheduler.ErrUnknownJob) {
			return common.NotFoundResponse(c, "unknown job, expected one of: "+strings.Join(h.jobs.JobNames(), ", "))
		}

		h.logger.Error().Err(err).Str("job", req.Name).Msg("manual job run failed")
		return c.JSON(http.StatusInternalServerError, &model.ErrorResponse{Message: "job failed", Status: "internal_error"})
	}

	return c.JSON(200, RunJobResponse{Job: req.Name, Status: "completed"})
}
