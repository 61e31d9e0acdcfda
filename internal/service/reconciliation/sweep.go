package reconciliation

import (
	"context"
	"time"

	"github.com/mentorium/billing/internal/bus"
	"github.com/mentorium/billing/internal/service/subscription"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const (
	sweepBatchSize   = 500
	sweepConcurrency = 4
)

// SweepLapsed downgrades entitled records whose paid period ended without a
// renewal event reaching us. Records flagged cancel-at-period-end expire to
// the free tier; everything else enters past_due until the processor settles
// the renewal. Returns how many records were downgraded.
func (s *Service) SweepLapsed(ctx context.Context, now time.Time) (int, error) {
	lapsed, err := s.store.ListLapsed(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "unable to list lapsed subscriptions")
	}

	var processed atomic.Int64

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(sweepConcurrency)

	for _, record := range lapsed {
		record := record
		group.Go(func() error {
			if err := s.expireRecord(groupCtx, record, now); err != nil {
				s.logger.Warn().
					Err(err).
					Str("account_id", record.AccountID.String()).
					Msg("unable to downgrade lapsed subscription")

				return nil
			}

			processed.Inc()

			return nil
		})
	}

	_ = group.Wait()

	if n := processed.Load(); n > 0 {
		s.logger.Info().Int64("downgraded", n).Msg("lapse sweep finished")
	}

	return int(processed.Load()), nil
}

func (s *Service) expireRecord(ctx context.Context, record *subscription.Subscription, now time.Time) error {
	release := s.keys.lock("account:" + record.AccountID.String())
	defer release()

	// Re-read under the lock; a webhook may have renewed or replaced the
	// record since the listing.
	stored, err := s.store.GetCurrentByAccount(ctx, record.AccountID)
	if err != nil {
		if errors.Is(err, subscription.ErrSubscriptionNotFound) {
			return nil
		}

		return err
	}
	if stored.ID != record.ID || !stored.LapsedAt(now) {
		return nil
	}

	status := subscription.StatusPastDue
	if stored.CancelAtPeriodEnd {
		status = subscription.StatusExpired
	}

	updated := stored.Clone()
	updated.Status = status

	persisted, err := s.store.UpdateVersioned(ctx, updated)
	if err != nil {
		return err
	}

	if status == subscription.StatusExpired {
		if err := s.store.SupersedeCurrent(ctx, record.AccountID, now); err != nil &&
			!errors.Is(err, subscription.ErrSubscriptionNotFound) {
			return err
		}
	}

	s.syncMirror(ctx, record.AccountID, persisted)
	lapsedTotal.WithLabelValues(string(status)).Inc()

	topic := bus.TopicSubscriptionPastDue
	if status == subscription.StatusExpired {
		topic = bus.TopicSubscriptionCanceled
	}
	s.bus.Publish(topic, bus.SubscriptionEvent{
		AccountID:  record.AccountID,
		PlanID:     persisted.PlanID,
		Status:     string(persisted.Status),
		PeriodEnd:  persisted.CurrentPeriodEnd,
		OccurredAt: now,
	})

	return nil
}
