package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mentorium/billing/internal/service/plan"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createParams(accountID uuid.UUID, planID string, periodEnd time.Time) CreateParams {
	return CreateParams{
		AccountID:               accountID,
		PlanID:                  planID,
		Status:                  StatusActive,
		BillingCycle:            plan.CycleMonthly,
		Currency:                "USD",
		Amount:                  decimal.NewFromInt(49),
		Entitlements:            plan.Entitlements{MaxProjects: 50},
		ProcessorCustomerID:     "cus_" + accountID.String()[:8],
		ProcessorSubscriptionID: "sub_" + accountID.String()[:8],
		CurrentPeriodStart:      periodEnd.AddDate(0, -1, 0),
		CurrentPeriodEnd:        periodEnd,
	}
}

func TestMemoryStore_VersionConflict(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	accountID := uuid.New()

	_, err := store.Create(ctx, createParams(accountID, "pro", time.Now().AddDate(0, 1, 0)))
	require.NoError(t, err)

	first, err := store.GetCurrentByAccount(ctx, accountID)
	require.NoError(t, err)

	second, err := store.GetCurrentByAccount(ctx, accountID)
	require.NoError(t, err)

	first.Status = StatusPastDue
	updated, err := store.UpdateVersioned(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first.Version+1, updated.Version)

	// The second copy still holds the old version.
	second.Status = StatusCanceled
	_, err = store.UpdateVersioned(ctx, second)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// State reflects the first writer only.
	current, err := store.GetCurrentByAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, StatusPastDue, current.Status)
}

func TestMemoryStore_DuplicateCurrentRejected(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	accountID := uuid.New()

	_, err := store.Create(ctx, createParams(accountID, "pro", time.Now().AddDate(0, 1, 0)))
	require.NoError(t, err)

	_, err = store.Create(ctx, createParams(accountID, "starter", time.Now().AddDate(0, 1, 0)))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryStore_SupersedeThenCreate(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	accountID := uuid.New()

	old, err := store.Create(ctx, createParams(accountID, "starter", time.Now().AddDate(0, 1, 0)))
	require.NoError(t, err)

	require.NoError(t, store.SupersedeCurrent(ctx, accountID, time.Now()))

	params := createParams(accountID, "pro", time.Now().AddDate(0, 1, 0))
	params.ProcessorSubscriptionID = "sub_replacement"
	replacement, err := store.Create(ctx, params)
	require.NoError(t, err)

	current, err := store.GetCurrentByAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, current.ID)
	assert.Equal(t, "pro", current.PlanID)

	// The superseded record is still reachable by its processor id.
	history, err := store.GetByProcessorSubscriptionID(ctx, old.ProcessorSubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, old.ID, history.ID)
	assert.True(t, history.SupersededAt.Valid)
}

func TestMemoryStore_IncrementUsage(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	accountID := uuid.New()

	_, err := store.Create(ctx, createParams(accountID, "pro", time.Now().AddDate(0, 1, 0)))
	require.NoError(t, err)

	require.NoError(t, store.IncrementUsage(ctx, accountID, CounterCodeExecutions, 3))
	require.NoError(t, store.IncrementUsage(ctx, accountID, CounterCodeExecutions, 2))

	sub, err := store.GetCurrentByAccount(ctx, accountID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, sub.Usage.CodeExecutionsUsed)

	// Corrections never push a counter below zero.
	require.NoError(t, store.IncrementUsage(ctx, accountID, CounterCodeExecutions, -10))

	sub, err = store.GetCurrentByAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Zero(t, sub.Usage.CodeExecutionsUsed)
}

func TestMemoryStore_IncrementUsage_NoRecord(t *testing.T) {
	store := NewMemory()

	err := store.IncrementUsage(context.Background(), uuid.New(), CounterProjects, 1)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestMemoryStore_ResetUsage(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	accountID := uuid.New()

	_, err := store.Create(ctx, createParams(accountID, "pro", time.Now().AddDate(0, 1, 0)))
	require.NoError(t, err)

	require.NoError(t, store.IncrementUsage(ctx, accountID, CounterAIMinutes, 42))

	resetAt := time.Now().UTC()
	require.NoError(t, store.ResetUsage(ctx, accountID, resetAt))

	sub, err := store.GetCurrentByAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Zero(t, sub.Usage.AIMinutesUsed)
	assert.Equal(t, resetAt, sub.Usage.LastResetAt)
}

func TestMemoryStore_ListLapsed(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	// Lapsed: entitled but period already over.
	lapsed := createParams(uuid.New(), "pro", now.AddDate(0, 0, -1))
	_, err := store.Create(ctx, lapsed)
	require.NoError(t, err)

	// Still running.
	_, err = store.Create(ctx, createParams(uuid.New(), "pro", now.AddDate(0, 1, 0)))
	require.NoError(t, err)

	// Canceled records do not lapse again.
	canceledParams := createParams(uuid.New(), "starter", now.AddDate(0, 0, -2))
	canceledParams.Status = StatusCanceled
	_, err = store.Create(ctx, canceledParams)
	require.NoError(t, err)

	// Free records roll over monthly instead of lapsing.
	freeParams := createParams(uuid.New(), "free", now.AddDate(0, 0, -3))
	freeParams.Amount = decimal.Zero
	_, err = store.Create(ctx, freeParams)
	require.NoError(t, err)

	list, err := store.ListLapsed(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, lapsed.AccountID, list[0].AccountID)
}

func TestMemoryStore_ListForRevenue_IncludesSuperseded(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	accountID := uuid.New()

	_, err := store.Create(ctx, createParams(accountID, "starter", time.Now().AddDate(0, 1, 0)))
	require.NoError(t, err)
	require.NoError(t, store.SupersedeCurrent(ctx, accountID, time.Now()))

	params := createParams(accountID, "pro", time.Now().AddDate(0, 1, 0))
	params.ProcessorSubscriptionID = "sub_second"
	_, err = store.Create(ctx, params)
	require.NoError(t, err)

	records, err := store.ListForRevenue(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
