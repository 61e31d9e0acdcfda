package subscription

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/mentorium/billing/internal/processor"
	"github.com/mentorium/billing/internal/service/plan"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ProcessorGateway is the payment processor surface the service needs.
// Implemented by the stripe provider and by mocks in tests.
type ProcessorGateway interface {
	CreateCustomer(ctx context.Context, params processor.CustomerParams) (string, error)
	CreateCheckoutSession(ctx context.Context, params processor.CheckoutParams) (*processor.CheckoutSession, error)
	SetCancelAtPeriodEnd(ctx context.Context, processorSubscriptionID string, cancel bool) error
}

type Service struct {
	store   Store
	plans   *plan.Service
	gateway ProcessorGateway
	logger  *zerolog.Logger
}

func New(store Store, plans *plan.Service, gateway ProcessorGateway, logger *zerolog.Logger) *Service {
	log := logger.With().Str("channel", "subscription_service").Logger()

	return &Service{
		store:   store,
		plans:   plans,
		gateway: gateway,
		logger:  &log,
	}
}

func (s *Service) Store() Store {
	return s.store
}

// CheckoutRequest describes an upgrade intent for an account.
type CheckoutRequest struct {
	AccountID uuid.UUID
	PlanID    string
	Cycle     plan.BillingCycle
	Currency  string
	Email     string
}

type CheckoutResult struct {
	SessionID string
	URL       string
	PlanID    string
	Cycle     plan.BillingCycle
	Amount    decimal.Decimal
	Currency  string
}

// StartCheckout validates the purchase and opens a hosted checkout session.
// No local record is written here; the subscription is born when the
// processor confirms payment through the checkout webhook.
func (s *Service) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	selected, price, err := s.plans.ResolvePurchase(req.PlanID, req.Cycle, req.Currency)
	if err != nil {
		return nil, err
	}

	customerID, err := s.resolveCustomerID(ctx, req.AccountID, req.Email)
	if err != nil {
		return nil, err
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, processor.CheckoutParams{
		AccountID:    req.AccountID,
		CustomerID:   customerID,
		PlanID:       selected.ID,
		PlanName:     selected.Name,
		BillingCycle: req.Cycle,
		Currency:     price.Currency,
		Amount:       price.Amount,
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to create checkout session")
	}

	s.logger.Info().
		Str("account_id", req.AccountID.String()).
		Str("plan_id", selected.ID).
		Str("session_id", session.ID).
		Msg("checkout session created")

	return &CheckoutResult{
		SessionID: session.ID,
		URL:       session.URL,
		PlanID:    selected.ID,
		Cycle:     req.Cycle,
		Amount:    price.Amount,
		Currency:  price.Currency,
	}, nil
}

// resolveCustomerID reuses the processor customer already linked to the
// account, or registers a new one.
func (s *Service) resolveCustomerID(ctx context.Context, accountID uuid.UUID, email string) (string, error) {
	current, err := s.store.GetCurrentByAccount(ctx, accountID)

	switch {
	case err == nil && current.ProcessorCustomerID != "":
		return current.ProcessorCustomerID, nil
	case err != nil && !errors.Is(err, ErrSubscriptionNotFound):
		return "", errors.Wrap(err, "unable to look up current subscription")
	}

	customerID, err := s.gateway.CreateCustomer(ctx, processor.CustomerParams{
		AccountID: accountID,
		Email:     email,
	})
	if err != nil {
		return "", errors.Wrap(err, "unable to create processor customer")
	}

	return customerID, nil
}

// GetCurrent returns the account's current subscription. Accounts without a
// record receive a synthesized free-tier view (ID is zero, nothing persisted).
func (s *Service) GetCurrent(ctx context.Context, accountID uuid.UUID) (*Subscription, error) {
	sub, err := s.store.GetCurrentByAccount(ctx, accountID)

	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		return s.freeTierView(accountID), nil
	case err != nil:
		return nil, errors.Wrap(err, "unable to get current subscription")
	}

	return sub, nil
}

// Cancel requests cancellation at period end. The record stays entitled until
// the period runs out; the processor confirms through a later webhook.
func (s *Service) Cancel(ctx context.Context, accountID uuid.UUID) (*Subscription, error) {
	sub, err := s.store.GetCurrentByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if sub.CancelAtPeriodEnd {
		// Idempotent: canceling twice is a no-op.
		return sub, nil
	}

	if sub.ProcessorSubscriptionID != "" {
		if err := s.gateway.SetCancelAtPeriodEnd(ctx, sub.ProcessorSubscriptionID, true); err != nil {
			return nil, errors.Wrap(err, "unable to cancel processor subscription")
		}
	}

	sub.CancelAtPeriodEnd = true
	sub.CanceledAt.Valid = true
	sub.CanceledAt.Time = time.Now().UTC()

	updated, err := s.store.UpdateVersioned(ctx, sub)
	if err != nil {
		return nil, errors.Wrap(err, "unable to persist cancellation")
	}

	s.logger.Info().
		Str("account_id", accountID.String()).
		Str("plan_id", updated.PlanID).
		Time("period_end", updated.CurrentPeriodEnd).
		Msg("subscription cancellation requested")

	return updated, nil
}

// ResumeAutoRenew reverts a pending cancellation before the period runs out.
func (s *Service) ResumeAutoRenew(ctx context.Context, accountID uuid.UUID) (*Subscription, error) {
	sub, err := s.store.GetCurrentByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if !sub.CancelAtPeriodEnd {
		return sub, nil
	}

	if !sub.Entitled() {
		return nil, errors.Wrap(ErrSubscriptionNotFound, "no renewable subscription")
	}

	if sub.ProcessorSubscriptionID != "" {
		if err := s.gateway.SetCancelAtPeriodEnd(ctx, sub.ProcessorSubscriptionID, false); err != nil {
			return nil, errors.Wrap(err, "unable to resume processor subscription")
		}
	}

	sub.CancelAtPeriodEnd = false
	sub.CanceledAt = sql.NullTime{}

	updated, err := s.store.UpdateVersioned(ctx, sub)
	if err != nil {
		return nil, errors.Wrap(err, "unable to persist renewal")
	}

	s.logger.Info().
		Str("account_id", accountID.String()).
		Str("plan_id", updated.PlanID).
		Msg("subscription auto-renew resumed")

	return updated, nil
}

// EnsureFreeTier returns the account's current record, creating a free-tier
// one when none exists yet. Free records meter usage on a calendar month.
func (s *Service) EnsureFreeTier(ctx context.Context, accountID uuid.UUID) (*Subscription, error) {
	sub, err := s.store.GetCurrentByAccount(ctx, accountID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, errors.Wrap(err, "unable to get current subscription")
	}

	free := s.plans.FreeTier()
	start := monthStart(time.Now().UTC())

	created, err := s.store.Create(ctx, CreateParams{
		AccountID:          accountID,
		PlanID:             free.ID,
		Status:             StatusActive,
		BillingCycle:       plan.CycleMonthly,
		Currency:           "USD",
		Amount:             decimal.Zero,
		Entitlements:       free.Entitlements,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   start.AddDate(0, 1, 0).Add(-time.Second),
	})

	// Lost the creation race: another request inserted the record first.
	if errors.Is(err, ErrAlreadyExists) {
		return s.store.GetCurrentByAccount(ctx, accountID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to create free tier record")
	}

	return created, nil
}

func (s *Service) IncrementUsage(ctx context.Context, accountID uuid.UUID, counter Counter, delta int64) error {
	return s.store.IncrementUsage(ctx, accountID, counter, delta)
}

func (s *Service) ResetUsage(ctx context.Context, accountID uuid.UUID, at time.Time) error {
	return s.store.ResetUsage(ctx, accountID, at)
}

func (s *Service) ListCurrent(ctx context.Context, limit, offset int) ([]*Subscription, error) {
	return s.store.ListCurrent(ctx, limit, offset)
}

// ResetDueFreeUsage zeroes the monthly counters of free tier records whose
// last reset predates the current calendar month. Returns how many records
// were reset.
func (s *Service) ResetDueFreeUsage(ctx context.Context, now time.Time) (int, error) {
	const batch = 500

	start := monthStart(now.UTC())

	due, err := s.store.ListFreeUsageResetDue(ctx, start, batch)
	if err != nil {
		return 0, errors.Wrap(err, "unable to list free records due for reset")
	}

	reset := 0
	for _, sub := range due {
		if err := s.store.ResetUsage(ctx, sub.AccountID, start); err != nil {
			s.logger.Warn().Err(err).
				Str("account_id", sub.AccountID.String()).
				Msg("unable to reset free tier usage")

			continue
		}

		reset++
	}

	return reset, nil
}

func (s *Service) freeTierView(accountID uuid.UUID) *Subscription {
	free := s.plans.FreeTier()
	now := time.Now().UTC()
	start := monthStart(now)

	return &Subscription{
		AccountID:          accountID,
		PlanID:             free.ID,
		Status:             StatusActive,
		BillingCycle:       plan.CycleMonthly,
		Currency:           "USD",
		Amount:             decimal.Zero,
		Entitlements:       free.Entitlements,
		Usage:              Usage{LastResetAt: start},
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   start.AddDate(0, 1, 0).Add(-time.Second),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func monthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
