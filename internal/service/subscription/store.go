package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mentorium/billing/internal/service/plan"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrVersionConflict      = errors.New("subscription was modified concurrently")
	ErrAlreadyExists        = errors.New("account already has a current subscription")
)

// Store persists subscription records. Each account has at most one current
// record (superseded_at is null); superseded records are retained for history
// and revenue metrics but never consulted for entitlements.
type Store interface {
	GetCurrentByAccount(ctx context.Context, accountID uuid.UUID) (*Subscription, error)
	GetByProcessorSubscriptionID(ctx context.Context, processorID string) (*Subscription, error)
	GetCurrentByProcessorCustomerID(ctx context.Context, customerID string) (*Subscription, error)

	Create(ctx context.Context, params CreateParams) (*Subscription, error)

	// UpdateVersioned persists mutable fields guarded by optimistic locking on
	// Version. Usage counters are excluded; they belong to IncrementUsage and
	// ResetUsage so concurrent metering never loses quota updates.
	UpdateVersioned(ctx context.Context, sub *Subscription) (*Subscription, error)

	SupersedeCurrent(ctx context.Context, accountID uuid.UUID, at time.Time) error

	IncrementUsage(ctx context.Context, accountID uuid.UUID, counter Counter, delta int64) error
	ResetUsage(ctx context.Context, accountID uuid.UUID, at time.Time) error

	ListCurrent(ctx context.Context, limit, offset int) ([]*Subscription, error)
	ListLapsed(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)
	ListFreeUsageResetDue(ctx context.Context, monthStart time.Time, limit int) ([]*Subscription, error)

	// ListForRevenue returns every paid-plan record, current and superseded,
	// in a single consistent read.
	ListForRevenue(ctx context.Context) ([]*Subscription, error)
}

type CreateParams struct {
	AccountID               uuid.UUID
	PlanID                  string
	Status                  Status
	BillingCycle            plan.BillingCycle
	Currency                string
	Amount                  decimal.Decimal
	Entitlements            plan.Entitlements
	ProcessorCustomerID     string
	ProcessorSubscriptionID string
	CurrentPeriodStart      time.Time
	CurrentPeriodEnd        time.Time
	TrialEnd                time.Time
	CancelAtPeriodEnd       bool
}
