// Package reconciliation applies verified processor events to local
// subscription records. Application is serialized per account, idempotent
// under redelivery and safe against out-of-order arrival.
package reconciliation

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/mentorium/billing/internal/bus"
	"github.com/mentorium/billing/internal/processor"
	"github.com/mentorium/billing/internal/service/plan"
	"github.com/mentorium/billing/internal/service/subscription"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.uber.org/atomic"
)

// maxApplyAttempts bounds optimistic-lock retries for a single event.
const maxApplyAttempts = 3

// Outcome classifies what applying an event did. Every outcome except failed
// is terminal: the event is journaled and redeliveries are absorbed.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeOrphaned  Outcome = "orphaned"
	OutcomeFailed    Outcome = "failed"
)

// EntitlementMirror caches the capability keyset that other platform services
// read on their hot paths. Mirror failures never fail reconciliation; readers
// fall back to the store.
type EntitlementMirror interface {
	Put(ctx context.Context, accountID uuid.UUID, keys []string) error
	Invalidate(ctx context.Context, accountID uuid.UUID) error
}

type Service struct {
	store   subscription.Store
	plans   *plan.Service
	mirror  EntitlementMirror
	bus     *bus.Bus
	journal *Journal
	keys    *keyLock
	logger  *zerolog.Logger

	applied    atomic.Int64
	duplicates atomic.Int64
	stale      atomic.Int64
	orphaned   atomic.Int64
	failed     atomic.Int64
}

// Stats is a snapshot of outcome counters since process start.
type Stats struct {
	Applied    int64 `json:"applied"`
	Duplicates int64 `json:"duplicates"`
	Stale      int64 `json:"stale"`
	Orphaned   int64 `json:"orphaned"`
	Failed     int64 `json:"failed"`
}

func New(
	store subscription.Store,
	plans *plan.Service,
	mirror EntitlementMirror,
	eventBus *bus.Bus,
	journal *Journal,
	logger *zerolog.Logger,
) *Service {
	log := logger.With().Str("channel", "reconciliation").Logger()

	return &Service{
		store:   store,
		plans:   plans,
		mirror:  mirror,
		bus:     eventBus,
		journal: journal,
		keys:    newKeyLock(),
		logger:  &log,
	}
}

// Apply reconciles one processor event against the local store. A non-nil
// error means the event must be redelivered; every other outcome is final.
func (s *Service) Apply(ctx context.Context, evt *processor.Event) (Outcome, error) {
	started := time.Now()

	release := s.keys.lock(lockKey(evt))
	defer release()

	seen, err := s.journal.Seen(evt.ID)
	if err != nil {
		// Reapplying is always safe, the journal only saves work.
		s.logger.Warn().Err(err).Str("event_id", evt.ID).Msg("journal read failed")
	}
	if seen {
		s.duplicates.Inc()
		eventsTotal.WithLabelValues(string(evt.Kind), string(OutcomeDuplicate)).Inc()
		s.logger.Debug().Str("event_id", evt.ID).Msg("event already journaled")

		return OutcomeDuplicate, nil
	}

	outcome, err := s.applyWithRetry(ctx, evt)

	eventsTotal.WithLabelValues(string(evt.Kind), string(outcome)).Inc()
	applyDuration.WithLabelValues(string(evt.Kind)).Observe(time.Since(started).Seconds())
	s.count(outcome)

	if err != nil {
		s.logger.Error().
			Err(err).
			Str("event_id", evt.ID).
			Str("kind", string(evt.Kind)).
			Msg("event application failed")

		return outcome, err
	}

	if err := s.journal.Record(evt.ID, evt.OccurredAt); err != nil {
		s.logger.Warn().Err(err).Str("event_id", evt.ID).Msg("unable to journal event")
	}

	s.logger.Info().
		Str("event_id", evt.ID).
		Str("kind", string(evt.Kind)).
		Str("outcome", string(outcome)).
		Msg("event reconciled")

	return outcome, nil
}

func (s *Service) applyWithRetry(ctx context.Context, evt *processor.Event) (Outcome, error) {
	for attempt := 1; ; attempt++ {
		outcome, err := s.applyEvent(ctx, evt)
		if err == nil || !errors.Is(err, subscription.ErrVersionConflict) || attempt == maxApplyAttempts {
			return outcome, err
		}

		s.logger.Debug().
			Str("event_id", evt.ID).
			Int("attempt", attempt).
			Msg("version conflict, reapplying event")
	}
}

func (s *Service) applyEvent(ctx context.Context, evt *processor.Event) (Outcome, error) {
	switch evt.Kind {
	case processor.EventCheckoutCompleted:
		return s.applyCheckout(ctx, evt)
	case processor.EventSubscriptionUpdated:
		return s.applyUpdate(ctx, evt)
	case processor.EventSubscriptionDeleted:
		return s.applyDeletion(ctx, evt)
	case processor.EventInvoicePaid:
		return s.applyInvoicePaid(ctx, evt)
	case processor.EventPaymentFailed:
		return s.applyPaymentFailure(ctx, evt)
	}

	return OutcomeFailed, errors.Errorf("unknown event kind %q", evt.Kind)
}

// applyCheckout creates the subscription record confirmed by a completed
// checkout. Any previous current record, free tier included, moves to history.
func (s *Service) applyCheckout(ctx context.Context, evt *processor.Event) (Outcome, error) {
	if evt.AccountID == uuid.Nil || evt.Subscription == nil || evt.SubscriptionID == "" {
		s.logger.Warn().Str("event_id", evt.ID).Msg("checkout event lacks account or subscription reference")

		return OutcomeOrphaned, nil
	}

	pl, err := s.plans.GetByID(evt.Subscription.PlanID)
	if err != nil {
		// An unknown plan must not grant entitlements.
		s.logger.Warn().
			Str("event_id", evt.ID).
			Str("plan_id", evt.Subscription.PlanID).
			Msg("checkout references unknown plan")

		return OutcomeOrphaned, nil
	}

	if _, err := s.store.GetByProcessorSubscriptionID(ctx, evt.SubscriptionID); err == nil {
		return OutcomeDuplicate, nil
	} else if !errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return OutcomeFailed, err
	}

	if err := s.store.SupersedeCurrent(ctx, evt.AccountID, evt.OccurredAt); err != nil &&
		!errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return OutcomeFailed, err
	}

	cycle := evt.Subscription.BillingCycle
	if !cycle.Valid() {
		cycle = plan.CycleMonthly
	}

	amount := decimal.Zero
	if price, priceErr := pl.Price(cycle, evt.Subscription.Currency); priceErr == nil {
		amount = price.Amount
	} else {
		s.logger.Warn().
			Str("plan_id", pl.ID).
			Str("currency", evt.Subscription.Currency).
			Msg("no catalog price for checkout, amount recorded as zero")
	}

	created, err := s.store.Create(ctx, subscription.CreateParams{
		AccountID:               evt.AccountID,
		PlanID:                  pl.ID,
		Status:                  subscription.StatusFromProcessor(evt.Subscription.Status),
		BillingCycle:            cycle,
		Currency:                evt.Subscription.Currency,
		Amount:                  amount,
		Entitlements:            pl.Entitlements,
		ProcessorCustomerID:     evt.CustomerID,
		ProcessorSubscriptionID: evt.SubscriptionID,
		CurrentPeriodStart:      evt.Subscription.CurrentPeriodStart,
		CurrentPeriodEnd:        evt.Subscription.CurrentPeriodEnd,
		TrialEnd:                evt.Subscription.TrialEnd,
		CancelAtPeriodEnd:       evt.Subscription.CancelAtPeriodEnd,
	})
	if err != nil {
		if errors.Is(err, subscription.ErrAlreadyExists) {
			return OutcomeDuplicate, nil
		}

		return OutcomeFailed, errors.Wrap(err, "unable to create subscription from checkout")
	}

	s.syncMirror(ctx, evt.AccountID, created)
	s.bus.Publish(bus.TopicSubscriptionActivated, bus.SubscriptionEvent{
		AccountID:  evt.AccountID,
		PlanID:     created.PlanID,
		Status:     string(created.Status),
		PeriodEnd:  created.CurrentPeriodEnd,
		OccurredAt: evt.OccurredAt,
	})

	return OutcomeApplied, nil
}

// applyUpdate folds a subscription state change into the stored record:
// status moves, plan switches, cancel-at-period-end flips and renewals.
func (s *Service) applyUpdate(ctx context.Context, evt *processor.Event) (Outcome, error) {
	if evt.Subscription == nil || evt.SubscriptionID == "" {
		return OutcomeOrphaned, nil
	}

	stored, err := s.store.GetByProcessorSubscriptionID(ctx, evt.SubscriptionID)
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		s.logger.Warn().
			Str("event_id", evt.ID).
			Str("processor_subscription_id", evt.SubscriptionID).
			Msg("update for unknown subscription discarded")

		return OutcomeOrphaned, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}

	if stored.SupersededAt.Valid {
		// A newer record replaced this one; historical records never change.
		return OutcomeStale, nil
	}

	if isStale(evt.Subscription, stored) {
		s.logger.Debug().
			Str("event_id", evt.ID).
			Time("event_period_end", evt.Subscription.CurrentPeriodEnd).
			Time("stored_period_end", stored.CurrentPeriodEnd).
			Msg("event carries an older billing window")

		return OutcomeStale, nil
	}

	// A new window opening at or after the stored period end is a renewal,
	// which resets metered usage. The reset runs before the record update so
	// an interrupted apply redoes both on redelivery.
	renewed := !evt.Subscription.CurrentPeriodStart.IsZero() &&
		!stored.CurrentPeriodEnd.IsZero() &&
		!evt.Subscription.CurrentPeriodStart.Before(stored.CurrentPeriodEnd)
	if renewed {
		if err := s.store.ResetUsage(ctx, stored.AccountID, evt.Subscription.CurrentPeriodStart); err != nil {
			return OutcomeFailed, errors.Wrap(err, "unable to reset usage on renewal")
		}
	}

	updated := stored.Clone()
	updated.Status = subscription.StatusFromProcessor(evt.Subscription.Status)

	planChanged := s.applyPlanChange(updated, evt)

	if cycle := evt.Subscription.BillingCycle; cycle.Valid() && cycle != updated.BillingCycle {
		updated.BillingCycle = cycle
		planChanged = true
	}
	if currency := evt.Subscription.Currency; currency != "" && currency != updated.Currency {
		updated.Currency = currency
		planChanged = true
	}
	if planChanged {
		s.repriceFromCatalog(updated)
	}

	if !evt.Subscription.CurrentPeriodStart.IsZero() {
		updated.CurrentPeriodStart = evt.Subscription.CurrentPeriodStart
	}
	if !evt.Subscription.CurrentPeriodEnd.IsZero() {
		updated.CurrentPeriodEnd = evt.Subscription.CurrentPeriodEnd
	}
	if !evt.Subscription.TrialEnd.IsZero() {
		updated.TrialEnd = nullTime(evt.Subscription.TrialEnd)
	}
	updated.CancelAtPeriodEnd = evt.Subscription.CancelAtPeriodEnd
	updated.CanceledAt = nullTime(evt.Subscription.CanceledAt)

	persisted, err := s.store.UpdateVersioned(ctx, updated)
	if err != nil {
		return OutcomeFailed, err
	}

	s.syncMirror(ctx, stored.AccountID, persisted)

	topic := bus.TopicSubscriptionUpdated
	switch {
	case persisted.Status == subscription.StatusPastDue && stored.Status != subscription.StatusPastDue:
		topic = bus.TopicSubscriptionPastDue
	case persisted.Status == subscription.StatusCanceled && stored.Status != subscription.StatusCanceled:
		topic = bus.TopicSubscriptionCanceled
	}
	s.bus.Publish(topic, bus.SubscriptionEvent{
		AccountID:  stored.AccountID,
		PlanID:     persisted.PlanID,
		Status:     string(persisted.Status),
		PeriodEnd:  persisted.CurrentPeriodEnd,
		OccurredAt: evt.OccurredAt,
	})

	return OutcomeApplied, nil
}

// applyPlanChange swaps the record onto the plan named by the event metadata.
// Entitlements are re-snapshotted from the catalog; an unknown plan keeps the
// current one.
func (s *Service) applyPlanChange(updated *subscription.Subscription, evt *processor.Event) bool {
	planID := evt.Subscription.PlanID
	if planID == "" || planID == updated.PlanID {
		return false
	}

	pl, err := s.plans.GetByID(planID)
	if err != nil {
		s.logger.Warn().
			Str("event_id", evt.ID).
			Str("plan_id", planID).
			Msg("update references unknown plan, keeping current plan")

		return false
	}

	updated.PlanID = pl.ID
	updated.Entitlements = pl.Entitlements

	return true
}

func (s *Service) repriceFromCatalog(updated *subscription.Subscription) {
	pl, err := s.plans.GetByID(updated.PlanID)
	if err != nil {
		return
	}

	price, err := pl.Price(updated.BillingCycle, updated.Currency)
	if err != nil {
		s.logger.Warn().
			Str("plan_id", updated.PlanID).
			Str("currency", updated.Currency).
			Msg("no catalog price after plan change, amount left unchanged")

		return
	}

	updated.Amount = price.Amount
}

// applyDeletion marks the record canceled and moves it to history. The
// account drops back to the free tier, recreated lazily on first metered use.
func (s *Service) applyDeletion(ctx context.Context, evt *processor.Event) (Outcome, error) {
	stored, err := s.store.GetByProcessorSubscriptionID(ctx, evt.SubscriptionID)
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		s.logger.Warn().
			Str("event_id", evt.ID).
			Str("processor_subscription_id", evt.SubscriptionID).
			Msg("deletion for unknown subscription discarded")

		return OutcomeOrphaned, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}

	if stored.Status == subscription.StatusCanceled && stored.SupersededAt.Valid {
		return OutcomeDuplicate, nil
	}

	canceledAt := evt.OccurredAt
	if evt.Subscription != nil && !evt.Subscription.CanceledAt.IsZero() {
		canceledAt = evt.Subscription.CanceledAt
	}

	if stored.Status != subscription.StatusCanceled {
		updated := stored.Clone()
		updated.Status = subscription.StatusCanceled
		updated.CanceledAt = nullTime(canceledAt)

		if _, err := s.store.UpdateVersioned(ctx, updated); err != nil {
			return OutcomeFailed, err
		}
	}

	// Supersede only while this record is still the account's current one; a
	// later checkout may already have replaced it.
	current, err := s.store.GetCurrentByAccount(ctx, stored.AccountID)
	switch {
	case err == nil && current.ID == stored.ID:
		if err := s.store.SupersedeCurrent(ctx, stored.AccountID, evt.OccurredAt); err != nil &&
			!errors.Is(err, subscription.ErrSubscriptionNotFound) {
			return OutcomeFailed, err
		}
		s.syncMirror(ctx, stored.AccountID, nil)
	case err != nil && !errors.Is(err, subscription.ErrSubscriptionNotFound):
		return OutcomeFailed, err
	}

	s.bus.Publish(bus.TopicSubscriptionCanceled, bus.SubscriptionEvent{
		AccountID:  stored.AccountID,
		PlanID:     stored.PlanID,
		Status:     string(subscription.StatusCanceled),
		PeriodEnd:  stored.CurrentPeriodEnd,
		OccurredAt: evt.OccurredAt,
	})

	return OutcomeApplied, nil
}

func (s *Service) applyInvoicePaid(ctx context.Context, evt *processor.Event) (Outcome, error) {
	stored, outcome, err := s.lookupByProcessorRefs(ctx, evt)
	if stored == nil {
		return outcome, err
	}

	s.bus.Publish(bus.TopicInvoicePaid, bus.InvoiceEvent{
		AccountID:      stored.AccountID,
		CustomerID:     evt.CustomerID,
		SubscriptionID: evt.SubscriptionID,
		OccurredAt:     evt.OccurredAt,
	})

	return OutcomeApplied, nil
}

// applyPaymentFailure moves the current record to past_due. Paid entitlements
// are withheld until a later update restores the subscription.
func (s *Service) applyPaymentFailure(ctx context.Context, evt *processor.Event) (Outcome, error) {
	stored, outcome, err := s.lookupByProcessorRefs(ctx, evt)
	if stored == nil {
		return outcome, err
	}

	if stored.SupersededAt.Valid {
		return OutcomeStale, nil
	}
	if stored.Status == subscription.StatusPastDue {
		return OutcomeDuplicate, nil
	}

	updated := stored.Clone()
	updated.Status = subscription.StatusPastDue

	persisted, err := s.store.UpdateVersioned(ctx, updated)
	if err != nil {
		return OutcomeFailed, err
	}

	s.syncMirror(ctx, stored.AccountID, persisted)
	s.bus.Publish(bus.TopicSubscriptionPastDue, bus.SubscriptionEvent{
		AccountID:  stored.AccountID,
		PlanID:     persisted.PlanID,
		Status:     string(persisted.Status),
		PeriodEnd:  persisted.CurrentPeriodEnd,
		OccurredAt: evt.OccurredAt,
	})

	return OutcomeApplied, nil
}

// lookupByProcessorRefs resolves the record an invoice-level event belongs
// to, trying the subscription reference first and the customer second. A nil
// record means the returned outcome and error are final.
func (s *Service) lookupByProcessorRefs(ctx context.Context, evt *processor.Event) (*subscription.Subscription, Outcome, error) {
	if evt.SubscriptionID != "" {
		stored, err := s.store.GetByProcessorSubscriptionID(ctx, evt.SubscriptionID)
		if err == nil {
			return stored, OutcomeApplied, nil
		}
		if !errors.Is(err, subscription.ErrSubscriptionNotFound) {
			return nil, OutcomeFailed, err
		}
	}

	if evt.CustomerID != "" {
		stored, err := s.store.GetCurrentByProcessorCustomerID(ctx, evt.CustomerID)
		if err == nil {
			return stored, OutcomeApplied, nil
		}
		if !errors.Is(err, subscription.ErrSubscriptionNotFound) {
			return nil, OutcomeFailed, err
		}
	}

	s.logger.Warn().
		Str("event_id", evt.ID).
		Str("customer_id", evt.CustomerID).
		Str("processor_subscription_id", evt.SubscriptionID).
		Msg("event matches no local subscription")

	return nil, OutcomeOrphaned, nil
}

// syncMirror pushes the account's effective capability keyset. Records that
// are not entitled expose the free tier.
func (s *Service) syncMirror(ctx context.Context, accountID uuid.UUID, sub *subscription.Subscription) {
	keys := s.plans.FreeTier().Entitlements.CapabilityKeys()
	if sub != nil && sub.Entitled() {
		keys = sub.Entitlements.CapabilityKeys()
	}

	if err := s.mirror.Put(ctx, accountID, keys); err != nil {
		s.logger.Warn().
			Err(err).
			Str("account_id", accountID.String()).
			Msg("unable to refresh entitlement mirror")
	}
}

func (s *Service) Stats() Stats {
	return Stats{
		Applied:    s.applied.Load(),
		Duplicates: s.duplicates.Load(),
		Stale:      s.stale.Load(),
		Orphaned:   s.orphaned.Load(),
		Failed:     s.failed.Load(),
	}
}

// CompactJournal drops journal entries older than the cutoff.
func (s *Service) CompactJournal(olderThan time.Time) (int, error) {
	return s.journal.Compact(olderThan)
}

func (s *Service) count(outcome Outcome) {
	switch outcome {
	case OutcomeApplied:
		s.applied.Inc()
	case OutcomeDuplicate:
		s.duplicates.Inc()
	case OutcomeStale:
		s.stale.Inc()
	case OutcomeOrphaned:
		s.orphaned.Inc()
	case OutcomeFailed:
		s.failed.Inc()
	}
}

// lockKey scopes serialization to the account when the event names one and to
// the processor references otherwise.
func lockKey(evt *processor.Event) string {
	switch {
	case evt.AccountID != uuid.Nil:
		return "account:" + evt.AccountID.String()
	case evt.SubscriptionID != "":
		return "subscription:" + evt.SubscriptionID
	case evt.CustomerID != "":
		return "customer:" + evt.CustomerID
	}

	return "event:" + evt.ID
}

// isStale reports whether the event's billing window is strictly older than
// the stored one. Equal windows still apply: same-period status changes, like
// a past_due flip, must land.
func isStale(state *processor.SubscriptionState, stored *subscription.Subscription) bool {
	if state.CurrentPeriodEnd.IsZero() || stored.CurrentPeriodEnd.IsZero() {
		return false
	}

	return state.CurrentPeriodEnd.Before(stored.CurrentPeriodEnd)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t.UTC(), Valid: true}
}
