// Package revenue aggregates subscription records into the metrics the
// business reads: MRR, ARR, subscriber counts and churn.
package revenue

import (
	"context"
	"sync"
	"time"

	"github.com/mentorium/billing/internal/bus"
	"github.com/mentorium/billing/internal/service/plan"
	"github.com/mentorium/billing/internal/service/subscription"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const snapshotTTL = 30 * time.Second

// Source is the single consistent read the aggregations run over.
type Source interface {
	ListForRevenue(ctx context.Context) ([]*subscription.Subscription, error)
}

type Service struct {
	source Source
	logger *zerolog.Logger

	group    singleflight.Group
	mu       sync.Mutex
	cached   *Snapshot
	cachedAt time.Time
}

// PlanRevenue is one paid plan's slice of the snapshot.
type PlanRevenue struct {
	Subscribers int             `json:"subscribers"`
	MRR         decimal.Decimal `json:"mrr"`
}

// Snapshot is a point-in-time revenue picture. Amounts are summed nominally
// across currencies; the per-currency map shows the composition.
type Snapshot struct {
	MRR                 decimal.Decimal            `json:"mrr"`
	ARR                 decimal.Decimal            `json:"arr"`
	ActiveSubscribers   int                        `json:"active_subscribers"`
	TrialingSubscribers int                        `json:"trialing_subscribers"`
	PastDueSubscribers  int                        `json:"past_due_subscribers"`
	Plans               map[string]PlanRevenue     `json:"plans"`
	Currencies          map[string]decimal.Decimal `json:"currencies"`
	GeneratedAt         time.Time                  `json:"generated_at"`
}

func New(source Source, logger *zerolog.Logger) *Service {
	log := logger.With().Str("channel", "revenue_service").Logger()

	return &Service{
		source: source,
		logger: &log,
	}
}

// BindInvalidation drops the cached snapshot whenever reconciliation changes
// subscription state.
func (s *Service) BindInvalidation(eventBus *bus.Bus) error {
	onSubscription := func(bus.SubscriptionEvent) { s.Invalidate() }
	for _, topic := range []bus.Topic{
		bus.TopicSubscriptionActivated,
		bus.TopicSubscriptionUpdated,
		bus.TopicSubscriptionCanceled,
		bus.TopicSubscriptionPastDue,
	} {
		if err := eventBus.Subscribe(topic, onSubscription); err != nil {
			return err
		}
	}

	return eventBus.Subscribe(bus.TopicInvoicePaid, func(bus.InvoiceEvent) { s.Invalidate() })
}

// Snapshot returns the current revenue picture, served from a short-lived
// cache. Concurrent misses share one computation.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	if s.cached != nil && time.Since(s.cachedAt) < snapshotTTL {
		cached := s.cached
		s.mu.Unlock()

		return cached, nil
	}
	s.mu.Unlock()

	result, err, _ := s.group.Do("snapshot", func() (any, error) {
		snapshot, err := s.compute(ctx)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.cached = snapshot
		s.cachedAt = time.Now()
		s.mu.Unlock()

		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}

	return result.(*Snapshot), nil
}

func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

func (s *Service) compute(ctx context.Context) (*Snapshot, error) {
	records, err := s.source.ListForRevenue(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to list revenue records")
	}

	current := lo.Filter(records, func(r *subscription.Subscription, _ int) bool {
		return !r.SupersededAt.Valid
	})
	paying := lo.Filter(current, func(r *subscription.Subscription, _ int) bool {
		return r.Paying()
	})

	mrr := lo.Reduce(paying, func(acc decimal.Decimal, r *subscription.Subscription, _ int) decimal.Decimal {
		return acc.Add(r.MonthlyRevenue())
	}, decimal.Zero)

	plans := make(map[string]PlanRevenue)
	for planID, group := range lo.GroupBy(paying, func(r *subscription.Subscription) string { return r.PlanID }) {
		plans[planID] = PlanRevenue{
			Subscribers: len(group),
			MRR: lo.Reduce(group, func(acc decimal.Decimal, r *subscription.Subscription, _ int) decimal.Decimal {
				return acc.Add(r.MonthlyRevenue())
			}, decimal.Zero),
		}
	}

	currencies := make(map[string]decimal.Decimal)
	for currency, group := range lo.GroupBy(paying, func(r *subscription.Subscription) string { return r.Currency }) {
		currencies[currency] = lo.Reduce(group, func(acc decimal.Decimal, r *subscription.Subscription, _ int) decimal.Decimal {
			return acc.Add(r.MonthlyRevenue())
		}, decimal.Zero)
	}

	return &Snapshot{
		MRR:               mrr,
		ARR:               mrr.Mul(decimal.NewFromInt(12)),
		ActiveSubscribers: len(paying),
		TrialingSubscribers: lo.CountBy(current, func(r *subscription.Subscription) bool {
			return r.Status == subscription.StatusTrialing
		}),
		PastDueSubscribers: lo.CountBy(current, func(r *subscription.Subscription) bool {
			return r.Status == subscription.StatusPastDue
		}),
		Plans:       plans,
		Currencies:  currencies,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

// ChurnRate returns the percentage of paid subscriptions lost over the
// trailing window: ended / (still live + ended). Without any paid history the
// rate is zero.
func (s *Service) ChurnRate(ctx context.Context, windowMonths int) (float64, error) {
	if windowMonths <= 0 {
		windowMonths = 1
	}

	records, err := s.source.ListForRevenue(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "unable to list revenue records")
	}

	from := time.Now().UTC().AddDate(0, -windowMonths, 0)

	churned := lo.CountBy(records, func(r *subscription.Subscription) bool {
		endedAt, ended := subscriptionEndedAt(r)

		return ended && !endedAt.Before(from)
	})
	live := lo.CountBy(records, func(r *subscription.Subscription) bool {
		_, ended := subscriptionEndedAt(r)

		return !ended && !r.SupersededAt.Valid && r.PlanID != plan.FreeTierID
	})

	denominator := live + churned
	if denominator == 0 {
		return 0, nil
	}

	rate := float64(churned) / float64(denominator) * 100
	if rate > 100 {
		rate = 100
	}

	return rate, nil
}

// PublishMetrics refreshes the exported gauges from a fresh snapshot.
func (s *Service) PublishMetrics(ctx context.Context) error {
	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}

	mrr, _ := snapshot.MRR.Float64()
	mrrGauge.Set(mrr)
	activeSubscribersGauge.Set(float64(snapshot.ActiveSubscribers))

	churn, err := s.ChurnRate(ctx, 1)
	if err != nil {
		return err
	}
	churnGauge.Set(churn)

	s.logger.Debug().
		Float64("mrr", mrr).
		Int("active_subscribers", snapshot.ActiveSubscribers).
		Float64("churn_percent", churn).
		Msg("revenue metrics published")

	return nil
}

// subscriptionEndedAt reports when a paid record stopped generating revenue.
// Records superseded by an upgrade did not churn and report false.
func subscriptionEndedAt(r *subscription.Subscription) (time.Time, bool) {
	if r.PlanID == plan.FreeTierID {
		return time.Time{}, false
	}

	if r.Status != subscription.StatusCanceled && r.Status != subscription.StatusExpired {
		return time.Time{}, false
	}

	if r.CanceledAt.Valid {
		return r.CanceledAt.Time, true
	}
	if r.SupersededAt.Valid {
		return r.SupersededAt.Time, true
	}

	return time.Time{}, false
}
