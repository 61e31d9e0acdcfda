package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/mentorium/billing/internal/util"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const pgUniqueViolation = "23505"

const subscriptionColumns = `id, uuid, account_id, plan_id, status, billing_cycle, currency, amount, entitlements,
	projects_created, ai_minutes_used, code_executions_used, storage_mb_used, usage_reset_at,
	processor_customer_id, processor_subscription_id, current_period_start, current_period_end,
	trial_end, cancel_at_period_end, canceled_at, superseded_at, version, created_at, updated_at`

// Postgres implements Store on top of a pgx connection pool.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zerolog.Logger
}

func NewPostgres(db *pgxpool.Pool, logger *zerolog.Logger) *Postgres {
	log := logger.With().Str("channel", "subscription_store").Logger()

	return &Postgres{
		db:     db,
		logger: &log,
	}
}

func (p *Postgres) GetCurrentByAccount(ctx context.Context, accountID uuid.UUID) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
	          FROM subscriptions
	          WHERE account_id = $1 AND superseded_at IS NULL
	          LIMIT 1`

	sub, err := scanSubscription(p.db.QueryRow(ctx, query, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get current subscription")
	}

	return sub, nil
}

func (p *Postgres) GetByProcessorSubscriptionID(ctx context.Context, processorID string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
	          FROM subscriptions
	          WHERE processor_subscription_id = $1
	          ORDER BY id DESC LIMIT 1`

	sub, err := scanSubscription(p.db.QueryRow(ctx, query, processorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get subscription by processor id")
	}

	return sub, nil
}

func (p *Postgres) GetCurrentByProcessorCustomerID(ctx context.Context, customerID string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
	          FROM subscriptions
	          WHERE processor_customer_id = $1 AND superseded_at IS NULL
	          ORDER BY id DESC LIMIT 1`

	sub, err := scanSubscription(p.db.QueryRow(ctx, query, customerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get subscription by customer id")
	}

	return sub, nil
}

func (p *Postgres) Create(ctx context.Context, params CreateParams) (*Subscription, error) {
	entitlements, err := json.Marshal(params.Entitlements)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal entitlements")
	}

	query := `INSERT INTO subscriptions
	          (uuid, account_id, plan_id, status, billing_cycle, currency, amount, entitlements,
	           usage_reset_at, processor_customer_id, processor_subscription_id,
	           current_period_start, current_period_end, trial_end, cancel_at_period_end,
	           version, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1, $16, $16)
	          RETURNING ` + subscriptionColumns

	now := time.Now().UTC()
	sub, err := scanSubscription(p.db.QueryRow(ctx, query,
		uuid.New(),
		params.AccountID,
		params.PlanID,
		params.Status,
		params.BillingCycle,
		params.Currency,
		params.Amount,
		entitlements,
		params.CurrentPeriodStart,
		util.Strings.Nullable(params.ProcessorCustomerID),
		util.Strings.Nullable(params.ProcessorSubscriptionID),
		params.CurrentPeriodStart,
		params.CurrentPeriodEnd,
		util.Times.Nullable(params.TrialEnd),
		params.CancelAtPeriodEnd,
		now,
	))

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create subscription")
	}

	return sub, nil
}

func (p *Postgres) UpdateVersioned(ctx context.Context, sub *Subscription) (*Subscription, error) {
	query := `UPDATE subscriptions
	          SET plan_id = $3, status = $4, billing_cycle = $5, currency = $6, amount = $7,
	              entitlements = $8, processor_customer_id = $9, processor_subscription_id = $10,
	              current_period_start = $11, current_period_end = $12, trial_end = $13,
	              cancel_at_period_end = $14, canceled_at = $15,
	              version = version + 1, updated_at = $16
	          WHERE id = $1 AND version = $2
	          RETURNING ` + subscriptionColumns

	entitlements, err := json.Marshal(sub.Entitlements)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal entitlements")
	}

	var canceledAt *time.Time
	if sub.CanceledAt.Valid {
		canceledAt = &sub.CanceledAt.Time
	}
	var trialEnd *time.Time
	if sub.TrialEnd.Valid {
		trialEnd = &sub.TrialEnd.Time
	}

	updated, err := scanSubscription(p.db.QueryRow(ctx, query,
		sub.ID,
		sub.Version,
		sub.PlanID,
		sub.Status,
		sub.BillingCycle,
		sub.Currency,
		sub.Amount,
		entitlements,
		util.Strings.Nullable(sub.ProcessorCustomerID),
		util.Strings.Nullable(sub.ProcessorSubscriptionID),
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		trialEnd,
		sub.CancelAtPeriodEnd,
		canceledAt,
		time.Now().UTC(),
	))

	// Version mismatch and deleted rows both surface as no rows here. Callers
	// re-fetch on conflict, so a stale id resolves to not found on retry.
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to update subscription")
	}

	return updated, nil
}

func (p *Postgres) SupersedeCurrent(ctx context.Context, accountID uuid.UUID, at time.Time) error {
	query := `UPDATE subscriptions
	          SET superseded_at = $2, updated_at = $2
	          WHERE account_id = $1 AND superseded_at IS NULL`

	tag, err := p.db.Exec(ctx, query, accountID, at.UTC())
	if err != nil {
		return errors.Wrap(err, "failed to supersede subscription")
	}

	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}

	return nil
}

func (p *Postgres) IncrementUsage(ctx context.Context, accountID uuid.UUID, counter Counter, delta int64) error {
	if !counter.Valid() {
		return errors.Errorf("unknown usage counter %q", counter)
	}

	// The counter name is restricted to a fixed column set, so it is safe to
	// inline. GREATEST keeps counters from going below zero on corrections.
	query := fmt.Sprintf(
		`UPDATE subscriptions
		 SET %s = GREATEST(%s + $2, 0), updated_at = $3
		 WHERE account_id = $1 AND superseded_at IS NULL`,
		counter, counter,
	)

	tag, err := p.db.Exec(ctx, query, accountID, delta, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "failed to increment usage")
	}

	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}

	return nil
}

func (p *Postgres) ResetUsage(ctx context.Context, accountID uuid.UUID, at time.Time) error {
	query := `UPDATE subscriptions
	          SET projects_created = 0, ai_minutes_used = 0, code_executions_used = 0,
	              storage_mb_used = 0, usage_reset_at = $2, updated_at = $2
	          WHERE account_id = $1 AND superseded_at IS NULL`

	tag, err := p.db.Exec(ctx, query, accountID, at.UTC())
	if err != nil {
		return errors.Wrap(err, "failed to reset usage")
	}

	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}

	return nil
}

func (p *Postgres) ListCurrent(ctx context.Context, limit, offset int) ([]*Subscription, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + subscriptionColumns + `
	          FROM subscriptions
	          WHERE superseded_at IS NULL
	          ORDER BY id DESC
	          LIMIT $1 OFFSET $2`

	return p.list(ctx, query, limit, offset)
}

func (p *Postgres) ListLapsed(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT ` + subscriptionColumns + `
	          FROM subscriptions
	          WHERE superseded_at IS NULL
	            AND status IN ('active', 'trialing')
	            AND current_period_end < $1
	            AND plan_id <> 'free'
	          ORDER BY current_period_end ASC
	          LIMIT $2`

	return p.list(ctx, query, now.UTC(), limit)
}

func (p *Postgres) ListFreeUsageResetDue(ctx context.Context, monthStart time.Time, limit int) ([]*Subscription, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT ` + subscriptionColumns + `
	          FROM subscriptions
	          WHERE superseded_at IS NULL
	            AND plan_id = 'free'
	            AND usage_reset_at < $1
	          ORDER BY usage_reset_at ASC
	          LIMIT $2`

	return p.list(ctx, query, monthStart.UTC(), limit)
}

func (p *Postgres) ListForRevenue(ctx context.Context) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
	          FROM subscriptions
	          WHERE plan_id <> 'free'
	          ORDER BY id ASC`

	return p.list(ctx, query)
}

func (p *Postgres) list(ctx context.Context, query string, args ...any) ([]*Subscription, error) {
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list subscriptions")
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan subscription")
		}
		subs = append(subs, sub)
	}

	return subs, nil
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var (
		sub          Subscription
		entitlements json.RawMessage
		customerID   *string
		processorID  *string
	)

	err := row.Scan(
		&sub.ID, &sub.UUID, &sub.AccountID, &sub.PlanID, &sub.Status, &sub.BillingCycle,
		&sub.Currency, &sub.Amount, &entitlements,
		&sub.Usage.ProjectsCreated, &sub.Usage.AIMinutesUsed, &sub.Usage.CodeExecutionsUsed,
		&sub.Usage.StorageMBUsed, &sub.Usage.LastResetAt,
		&customerID, &processorID,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.TrialEnd, &sub.CancelAtPeriodEnd, &sub.CanceledAt, &sub.SupersededAt,
		&sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(entitlements, &sub.Entitlements); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal entitlements")
	}

	if customerID != nil {
		sub.ProcessorCustomerID = *customerID
	}
	if processorID != nil {
		sub.ProcessorSubscriptionID = *processorID
	}

	return &sub, nil
}
