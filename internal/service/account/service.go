package account

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mentorium/billing/internal/service/plan"
	"github.com/mentorium/billing/internal/service/subscription"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// SubscriptionView is the read slice of the subscription service.
type SubscriptionView interface {
	GetCurrent(ctx context.Context, accountID uuid.UUID) (*subscription.Subscription, error)
}

type Service struct {
	subs   SubscriptionView
	plans  *plan.Service
	mirror Mirror
	logger *zerolog.Logger
}

func New(subs SubscriptionView, plans *plan.Service, mirror Mirror, logger *zerolog.Logger) *Service {
	log := logger.With().Str("channel", "account_service").Logger()

	return &Service{
		subs:   subs,
		plans:  plans,
		mirror: mirror,
		logger: &log,
	}
}

// Summary is the account's billing card: the plan it sits on, whether paid
// entitlements apply and the capability keyset in effect.
type Summary struct {
	AccountID          uuid.UUID `json:"account_id"`
	PlanID             string    `json:"plan_id"`
	PlanName           string    `json:"plan_name"`
	Status             string    `json:"status"`
	Entitled           bool      `json:"entitled"`
	BillingCycle       string    `json:"billing_cycle"`
	CancelAtPeriodEnd  bool      `json:"cancel_at_period_end"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	TrialDaysRemaining int       `json:"trial_days_remaining"`
	CapabilityKeys     []string  `json:"capability_keys"`
}

func (s *Service) Summary(ctx context.Context, accountID uuid.UUID) (*Summary, error) {
	sub, err := s.subs.GetCurrent(ctx, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load subscription for summary")
	}

	planName := sub.PlanID
	if p, err := s.plans.GetByID(sub.PlanID); err == nil {
		planName = p.Name
	}

	keys, err := s.CapabilityKeys(ctx, accountID)
	if err != nil {
		return nil, err
	}

	return &Summary{
		AccountID:          accountID,
		PlanID:             sub.PlanID,
		PlanName:           planName,
		Status:             string(sub.Status),
		Entitled:           sub.Entitled(),
		BillingCycle:       string(sub.BillingCycle),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		TrialDaysRemaining: sub.TrialDaysRemainingAt(time.Now().UTC()),
		CapabilityKeys:     keys,
	}, nil
}

// CapabilityKeys reads the mirrored keyset, recomputing and backfilling the
// mirror on a miss.
func (s *Service) CapabilityKeys(ctx context.Context, accountID uuid.UUID) ([]string, error) {
	keys, err := s.mirror.Get(ctx, accountID)
	if err == nil {
		return keys, nil
	}
	if !errors.Is(err, ErrMirrorMiss) {
		s.logger.Warn().
			Err(err).
			Str("account_id", accountID.String()).
			Msg("entitlement mirror read failed, falling back to store")
	}

	sub, err := s.subs.GetCurrent(ctx, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load subscription for capability keys")
	}

	ent := s.plans.FreeTier().Entitlements
	if sub.Entitled() {
		ent = sub.Entitlements
	}
	keys = ent.CapabilityKeys()

	if err := s.mirror.Put(ctx, accountID, keys); err != nil {
		s.logger.Warn().
			Err(err).
			Str("account_id", accountID.String()).
			Msg("unable to backfill entitlement mirror")
	}

	return keys, nil
}
