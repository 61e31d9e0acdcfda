package plan

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCatalog(t *testing.T) *Service {
	t.Helper()

	logger := zerolog.Nop()

	return New(&logger)
}

func TestCatalog_FreeTier(t *testing.T) {
	service := setupCatalog(t)

	free := service.FreeTier()
	assert.Equal(t, FreeTierID, free.ID)
	assert.False(t, free.Purchasable)
	assert.Equal(t, 3, free.Entitlements.MaxProjects)
	assert.Equal(t, 100, free.Entitlements.CodeExecutionsPerMonth)
	assert.Empty(t, free.Prices)
}

func TestResolvePurchase(t *testing.T) {
	testCases := []struct {
		name      string
		planID    string
		cycle     BillingCycle
		currency  string
		amount    string
		expectErr error
	}{
		{name: "pro monthly usd", planID: "pro", cycle: CycleMonthly, currency: "USD", amount: "49"},
		{name: "pro yearly usd", planID: "pro", cycle: CycleYearly, currency: "USD", amount: "490"},
		{name: "currency is case insensitive", planID: "starter", cycle: CycleMonthly, currency: "usd", amount: "19"},
		{name: "enterprise usd only", planID: "enterprise", cycle: CycleMonthly, currency: "EUR", expectErr: ErrPriceNotFound},
		{name: "free not purchasable", planID: "free", cycle: CycleMonthly, currency: "USD", expectErr: ErrNotPurchasable},
		{name: "unknown plan", planID: "ultimate", cycle: CycleMonthly, currency: "USD", expectErr: ErrNotFound},
	}

	service := setupCatalog(t)

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, price, err := service.ResolvePurchase(tc.planID, tc.cycle, tc.currency)

			if tc.expectErr != nil {
				assert.ErrorIs(t, err, tc.expectErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.planID, p.ID)
			assert.Equal(t, tc.amount, price.Amount.String())
		})
	}
}

func TestResolvePurchase_InvalidCycle(t *testing.T) {
	service := setupCatalog(t)

	_, _, err := service.ResolvePurchase("pro", "weekly", "USD")
	assert.Error(t, err)
}

func TestCatalogReturnsCopies(t *testing.T) {
	service := setupCatalog(t)

	p, err := service.GetByID("pro")
	require.NoError(t, err)

	// Mutations on the returned copy must not leak into the catalog.
	p.Entitlements.Flags["usage_analytics"] = false
	p.Entitlements.MaxProjects = 1
	p.Prices[CycleMonthly][0].Amount = p.Prices[CycleMonthly][0].Amount.Neg()

	fresh, err := service.GetByID("pro")
	require.NoError(t, err)
	assert.True(t, fresh.Entitlements.Flags["usage_analytics"])
	assert.Equal(t, 50, fresh.Entitlements.MaxProjects)
	assert.Equal(t, "49", fresh.Prices[CycleMonthly][0].Amount.String())
}

func TestEntitlements_LimitFor(t *testing.T) {
	e := Entitlements{
		MaxProjects:            50,
		AIMinutesPerMonth:      600,
		CodeExecutionsPerMonth: -1,
		StorageMB:              20480,
	}

	limit, ok := e.LimitFor(CapProjects)
	assert.True(t, ok)
	assert.EqualValues(t, 50, limit)

	limit, ok = e.LimitFor(CapCodeExecutions)
	assert.True(t, ok)
	assert.EqualValues(t, -1, limit)

	_, ok = e.LimitFor("teleportation")
	assert.False(t, ok)
}

func TestEntitlements_CapabilityKeys(t *testing.T) {
	service := setupCatalog(t)

	pro, err := service.GetByID("pro")
	require.NoError(t, err)

	keys := pro.Entitlements.CapabilityKeys()
	assert.Equal(t, []string{
		CapAIMinutes,
		CapCodeExecutions,
		"private_projects",
		CapProjects,
		CapStorageMB,
		"usage_analytics",
	}, keys)
}

func TestMonthlyRevenueNormalization(t *testing.T) {
	service := setupCatalog(t)

	starter, err := service.GetByID("starter")
	require.NoError(t, err)

	yearly, err := starter.Price(CycleYearly, "USD")
	require.NoError(t, err)
	assert.Equal(t, "15.83", MonthlyRevenue(yearly.Amount, CycleYearly).String())

	monthly, err := starter.Price(CycleMonthly, "USD")
	require.NoError(t, err)
	assert.Equal(t, "19", MonthlyRevenue(monthly.Amount, CycleMonthly).String())
}
