// Package entitlement answers the platform's gating questions: may an
// account use a capability right now, and record that it just did.
package entitlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mentorium/billing/internal/service/plan"
	"github.com/mentorium/billing/internal/service/subscription"
	"github.com/mentorium/billing/internal/util"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrNotMetered marks usage reports against capabilities that have no
// counter, such as feature flags or names billing does not know.
var ErrNotMetered = errors.New("capability is not metered")

// SubscriptionSource is the slice of the subscription service the gate needs.
type SubscriptionSource interface {
	GetCurrent(ctx context.Context, accountID uuid.UUID) (*subscription.Subscription, error)
	EnsureFreeTier(ctx context.Context, accountID uuid.UUID) (*subscription.Subscription, error)
	IncrementUsage(ctx context.Context, accountID uuid.UUID, counter subscription.Counter, delta int64) error
}

type Service struct {
	subs   SubscriptionSource
	plans  *plan.Service
	flags  map[string]struct{}
	logger *zerolog.Logger
}

func New(subs SubscriptionSource, plans *plan.Service, logger *zerolog.Logger) *Service {
	log := logger.With().Str("channel", "entitlement_service").Logger()

	// Flags that exist anywhere in the catalog. Anything outside this set is
	// a capability billing does not govern.
	flags := make(map[string]struct{})
	for _, p := range plans.List() {
		for name := range p.Entitlements.Flags {
			flags[name] = struct{}{}
		}
	}

	return &Service{
		subs:   subs,
		plans:  plans,
		flags:  flags,
		logger: &log,
	}
}

// Decision is a gate answer. Limit and Remaining are -1 for unlimited and for
// flag capabilities.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Capability string `json:"capability"`
	PlanID     string `json:"plan_id"`
	Limit      int64  `json:"limit"`
	Used       int64  `json:"used"`
	Remaining  int64  `json:"remaining"`
	Reason     string `json:"reason,omitempty"`
}

// CapabilityUsage is one metered capability inside an account overview.
type CapabilityUsage struct {
	Capability string `json:"capability"`
	Limit      int64  `json:"limit"`
	Used       int64  `json:"used"`
	Remaining  int64  `json:"remaining"`
}

// Overview aggregates everything the platform shows on a usage page.
type Overview struct {
	PlanID           string            `json:"plan_id"`
	Status           string            `json:"status"`
	Entitled         bool              `json:"entitled"`
	MaxCollaborators int64             `json:"max_collaborators"`
	Capabilities     []CapabilityUsage `json:"capabilities"`
	Flags            map[string]bool   `json:"flags"`
	PeriodEnd        time.Time         `json:"period_end"`
}

var meteredCapabilities = []string{
	plan.CapProjects,
	plan.CapAIMinutes,
	plan.CapCodeExecutions,
	plan.CapStorageMB,
}

// CanUse decides whether the account may consume one more unit of the
// capability. Records that are not entitled gate against the free tier while
// keeping their accrued usage. Capabilities billing does not know fail open;
// blocking the whole platform on a catalog gap is worse than overserving.
func (s *Service) CanUse(ctx context.Context, accountID uuid.UUID, capability string) (Decision, error) {
	sub, err := s.subs.GetCurrent(ctx, accountID)
	if err != nil {
		return Decision{}, errors.Wrap(err, "unable to load subscription for gating")
	}

	ent, planID := s.effective(sub)

	decision := Decision{
		Capability: capability,
		PlanID:     planID,
		Limit:      -1,
		Remaining:  -1,
	}

	if _, metered := subscription.CounterForCapability(capability); !metered {
		switch {
		case ent.FlagEnabled(capability):
			decision.Allowed = true
		case s.knownFlag(capability):
			decision.Reason = "plan does not include capability"
		default:
			s.logger.Warn().
				Str("capability", capability).
				Msg("gating unknown capability, allowing")
			decision.Allowed = true
			decision.Reason = "capability not governed by billing"
		}

		return decision, nil
	}

	limit, _ := ent.LimitFor(capability)
	used, _ := sub.Usage.For(capability)

	decision.Limit = limit
	decision.Used = used

	if limit < 0 {
		decision.Allowed = true

		return decision, nil
	}

	decision.Remaining = limit - used
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	decision.Allowed = used < limit
	if !decision.Allowed {
		decision.Reason = "limit reached"
	}

	return decision, nil
}

// RecordUsage adds delta to a metered capability. Accounts without a record
// get their free tier row created on first use. Negative deltas release usage
// and clamp at zero.
func (s *Service) RecordUsage(ctx context.Context, accountID uuid.UUID, capability string, delta int64) error {
	counter, ok := subscription.CounterForCapability(capability)
	if !ok {
		return errors.Wrapf(ErrNotMetered, "capability %q", capability)
	}

	err := s.subs.IncrementUsage(ctx, accountID, counter, delta)
	if !errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return err
	}

	if _, err := s.subs.EnsureFreeTier(ctx, accountID); err != nil {
		return errors.Wrap(err, "unable to create free tier record")
	}

	return s.subs.IncrementUsage(ctx, accountID, counter, delta)
}

// Overview reports the account's effective limits, usage and flags.
func (s *Service) Overview(ctx context.Context, accountID uuid.UUID) (*Overview, error) {
	sub, err := s.subs.GetCurrent(ctx, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load subscription for overview")
	}

	ent, planID := s.effective(sub)

	capabilities := util.MapSlice(meteredCapabilities, func(capability string) CapabilityUsage {
		limit, _ := ent.LimitFor(capability)
		used, _ := sub.Usage.For(capability)

		remaining := int64(-1)
		if limit >= 0 {
			remaining = limit - used
			if remaining < 0 {
				remaining = 0
			}
		}

		return CapabilityUsage{
			Capability: capability,
			Limit:      limit,
			Used:       used,
			Remaining:  remaining,
		}
	})

	flags := make(map[string]bool, len(s.flags))
	for name := range s.flags {
		flags[name] = ent.FlagEnabled(name)
	}

	return &Overview{
		PlanID:           planID,
		Status:           string(sub.Status),
		Entitled:         sub.Entitled(),
		MaxCollaborators: int64(ent.MaxCollaborators),
		Capabilities:     capabilities,
		Flags:            flags,
		PeriodEnd:        sub.CurrentPeriodEnd,
	}, nil
}

// effective picks the entitlements that actually gate the account: the
// record's own snapshot while entitled, the free tier otherwise.
func (s *Service) effective(sub *subscription.Subscription) (plan.Entitlements, string) {
	if sub.Entitled() {
		return sub.Entitlements, sub.PlanID
	}

	free := s.plans.FreeTier()

	return free.Entitlements, free.ID
}

func (s *Service) knownFlag(capability string) bool {
	_, ok := s.flags[capability]

	return ok
}
