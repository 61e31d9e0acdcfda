package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mentorium/billing/internal/service/plan"
	"github.com/mentorium/billing/internal/service/subscription"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupGate(t *testing.T) (*Service, *subscription.Memory) {
	t.Helper()

	logger := zerolog.Nop()
	store := subscription.NewMemory()
	plans := plan.New(&logger)
	subs := subscription.New(store, plans, subscription.NewMockGateway(), &logger)

	return New(subs, plans, &logger), store
}

func seedPaid(t *testing.T, store *subscription.Memory, accountID uuid.UUID, planID string, status subscription.Status) {
	t.Helper()

	logger := zerolog.Nop()
	selected, err := plan.New(&logger).GetByID(planID)
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = store.Create(context.Background(), subscription.CreateParams{
		AccountID:               accountID,
		PlanID:                  selected.ID,
		Status:                  status,
		BillingCycle:            plan.CycleMonthly,
		Currency:                "USD",
		Amount:                  decimal.NewFromInt(49),
		Entitlements:            selected.Entitlements,
		ProcessorCustomerID:     "cus_gate",
		ProcessorSubscriptionID: "sub_gate_" + accountID.String()[:8],
		CurrentPeriodStart:      now.AddDate(0, 0, -5),
		CurrentPeriodEnd:        now.AddDate(0, 0, 25),
	})
	require.NoError(t, err)
}

func TestCanUse_FreeTierDefaults(t *testing.T) {
	gate, _ := setupGate(t)
	ctx := context.Background()
	accountID := uuid.New()

	t.Run("metered capability within free limits", func(t *testing.T) {
		decision, err := gate.CanUse(ctx, accountID, plan.CapProjects)
		require.NoError(t, err)

		assert.True(t, decision.Allowed)
		assert.Equal(t, "free", decision.PlanID)
		assert.EqualValues(t, 3, decision.Limit)
		assert.Zero(t, decision.Used)
		assert.EqualValues(t, 3, decision.Remaining)
	})

	t.Run("paid flag is denied", func(t *testing.T) {
		decision, err := gate.CanUse(ctx, accountID, "private_projects")
		require.NoError(t, err)

		assert.False(t, decision.Allowed)
		assert.Equal(t, "plan does not include capability", decision.Reason)
	})

	t.Run("unknown capability fails open", func(t *testing.T) {
		decision, err := gate.CanUse(ctx, accountID, "quantum_sync")
		require.NoError(t, err)

		assert.True(t, decision.Allowed)
		assert.Equal(t, "capability not governed by billing", decision.Reason)
	})
}

func TestCanUse_LimitBoundary(t *testing.T) {
	gate, store := setupGate(t)
	ctx := context.Background()
	accountID := uuid.New()

	seedPaid(t, store, accountID, "pro", subscription.StatusActive)
	require.NoError(t, store.IncrementUsage(ctx, accountID, subscription.CounterCodeExecutions, 499))

	decision, err := gate.CanUse(ctx, accountID, plan.CapCodeExecutions)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.EqualValues(t, 500, decision.Limit)
	assert.EqualValues(t, 499, decision.Used)
	assert.EqualValues(t, 1, decision.Remaining)

	// The unit that reaches the limit is the last one allowed.
	require.NoError(t, store.IncrementUsage(ctx, accountID, subscription.CounterCodeExecutions, 1))

	decision, err = gate.CanUse(ctx, accountID, plan.CapCodeExecutions)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Zero(t, decision.Remaining)
	assert.Equal(t, "limit reached", decision.Reason)
}

func TestCanUse_UnlimitedCapability(t *testing.T) {
	gate, store := setupGate(t)
	ctx := context.Background()
	accountID := uuid.New()

	seedPaid(t, store, accountID, "enterprise", subscription.StatusActive)
	require.NoError(t, store.IncrementUsage(ctx, accountID, subscription.CounterProjects, 10_000))

	decision, err := gate.CanUse(ctx, accountID, plan.CapProjects)
	require.NoError(t, err)

	assert.True(t, decision.Allowed)
	assert.EqualValues(t, -1, decision.Limit)
	assert.EqualValues(t, -1, decision.Remaining)
	assert.EqualValues(t, 10_000, decision.Used)
}

func TestCanUse_PastDueGatesAgainstFreeTier(t *testing.T) {
	gate, store := setupGate(t)
	ctx := context.Background()
	accountID := uuid.New()

	seedPaid(t, store, accountID, "pro", subscription.StatusPastDue)
	require.NoError(t, store.IncrementUsage(ctx, accountID, subscription.CounterProjects, 5))

	decision, err := gate.CanUse(ctx, accountID, plan.CapProjects)
	require.NoError(t, err)

	// Accrued usage stays, only the limits shrink to the free tier.
	assert.False(t, decision.Allowed)
	assert.Equal(t, "free", decision.PlanID)
	assert.EqualValues(t, 3, decision.Limit)
	assert.EqualValues(t, 5, decision.Used)
	assert.Zero(t, decision.Remaining)

	t.Run("paid flags are withheld too", func(t *testing.T) {
		decision, err := gate.CanUse(ctx, accountID, "usage_analytics")
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
	})
}

func TestCanUse_EntitledFlag(t *testing.T) {
	gate, store := setupGate(t)
	ctx := context.Background()
	accountID := uuid.New()

	seedPaid(t, store, accountID, "starter", subscription.StatusActive)

	decision, err := gate.CanUse(ctx, accountID, "private_projects")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, "starter", decision.PlanID)
}

func TestRecordUsage_CreatesFreeTierLazily(t *testing.T) {
	gate, store := setupGate(t)
	ctx := context.Background()
	accountID := uuid.New()

	require.NoError(t, gate.RecordUsage(ctx, accountID, plan.CapProjects, 1))

	created, err := store.GetCurrentByAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, "free", created.PlanID)
	assert.EqualValues(t, 1, created.Usage.ProjectsCreated)

	require.NoError(t, gate.RecordUsage(ctx, accountID, plan.CapProjects, 1))

	again, err := store.GetCurrentByAccount(ctx, accountID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, again.Usage.ProjectsCreated)
	assert.Equal(t, created.ID, again.ID, "the free record is created once")
}

func TestRecordUsage_ReleaseClampsAtZero(t *testing.T) {
	gate, store := setupGate(t)
	ctx := context.Background()
	accountID := uuid.New()

	seedPaid(t, store, accountID, "pro", subscription.StatusActive)
	require.NoError(t, gate.RecordUsage(ctx, accountID, plan.CapStorageMB, 100))
	require.NoError(t, gate.RecordUsage(ctx, accountID, plan.CapStorageMB, -500))

	current, err := store.GetCurrentByAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Zero(t, current.Usage.StorageMBUsed)
}

func TestRecordUsage_RejectsUnmeteredCapability(t *testing.T) {
	gate, _ := setupGate(t)

	err := gate.RecordUsage(context.Background(), uuid.New(), "private_projects", 1)
	assert.ErrorIs(t, err, ErrNotMetered)
}

func TestOverview(t *testing.T) {
	gate, store := setupGate(t)
	ctx := context.Background()
	accountID := uuid.New()

	seedPaid(t, store, accountID, "starter", subscription.StatusActive)
	require.NoError(t, store.IncrementUsage(ctx, accountID, subscription.CounterAIMinutes, 30))

	overview, err := gate.Overview(ctx, accountID)
	require.NoError(t, err)

	assert.Equal(t, "starter", overview.PlanID)
	assert.True(t, overview.Entitled)
	assert.EqualValues(t, 3, overview.MaxCollaborators)
	require.Len(t, overview.Capabilities, 4)

	byName := make(map[string]CapabilityUsage, len(overview.Capabilities))
	for _, usage := range overview.Capabilities {
		byName[usage.Capability] = usage
	}

	minutes := byName[plan.CapAIMinutes]
	assert.EqualValues(t, 120, minutes.Limit)
	assert.EqualValues(t, 30, minutes.Used)
	assert.EqualValues(t, 90, minutes.Remaining)

	assert.True(t, overview.Flags["private_projects"])
	assert.False(t, overview.Flags["usage_analytics"])
	assert.False(t, overview.Flags["priority_support"])
}
