package subscription

import (
	"database/sql"
	"testing"
	"time"

	"github.com/mentorium/billing/internal/service/plan"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestStatusFromProcessor(t *testing.T) {
	testCases := []struct {
		raw      string
		expected Status
	}{
		{raw: "active", expected: StatusActive},
		{raw: "trialing", expected: StatusTrialing},
		{raw: "past_due", expected: StatusPastDue},
		{raw: "unpaid", expected: StatusPastDue},
		{raw: "incomplete", expected: StatusPastDue},
		{raw: "incomplete_expired", expected: StatusExpired},
		{raw: "canceled", expected: StatusCanceled},
		{raw: "paused", expected: StatusPaused},

		// Anything the processor invents later degrades to past_due.
		{raw: "galactic", expected: StatusPastDue},
		{raw: "", expected: StatusPastDue},
	}

	for _, tc := range testCases {
		t.Run("status_"+tc.raw, func(t *testing.T) {
			assert.Equal(t, tc.expected, StatusFromProcessor(tc.raw))
		})
	}
}

func TestMonthlyRevenue(t *testing.T) {
	monthly := &Subscription{
		Status:       StatusActive,
		PlanID:       "pro",
		BillingCycle: plan.CycleMonthly,
		Amount:       decimal.NewFromInt(49),
	}
	assert.Equal(t, "49", monthly.MonthlyRevenue().String())

	yearly := &Subscription{
		Status:       StatusActive,
		PlanID:       "pro",
		BillingCycle: plan.CycleYearly,
		Amount:       decimal.NewFromInt(490),
	}
	assert.Equal(t, "40.83", yearly.MonthlyRevenue().String())
}

func TestPaying(t *testing.T) {
	sub := &Subscription{
		Status:       StatusActive,
		PlanID:       "pro",
		BillingCycle: plan.CycleMonthly,
		Amount:       decimal.NewFromInt(49),
	}
	assert.True(t, sub.Paying())

	pastDue := *sub
	pastDue.Status = StatusPastDue
	assert.False(t, pastDue.Paying())

	trialing := *sub
	trialing.Status = StatusTrialing
	assert.False(t, trialing.Paying(), "trials do not contribute revenue yet")

	free := *sub
	free.PlanID = plan.FreeTierID
	free.Amount = decimal.Zero
	assert.False(t, free.Paying())
}

func TestLapsedAt(t *testing.T) {
	now := time.Now().UTC()

	sub := &Subscription{Status: StatusActive, CurrentPeriodEnd: now.Add(-time.Hour)}
	assert.True(t, sub.LapsedAt(now))

	sub.CurrentPeriodEnd = now.Add(time.Hour)
	assert.False(t, sub.LapsedAt(now))

	sub.Status = StatusCanceled
	sub.CurrentPeriodEnd = now.Add(-time.Hour)
	assert.False(t, sub.LapsedAt(now), "only entitled records lapse")
}

func TestTrialDaysRemainingAt(t *testing.T) {
	now := time.Now().UTC()

	sub := &Subscription{Status: StatusTrialing}
	assert.Zero(t, sub.TrialDaysRemainingAt(now))

	sub.TrialEnd = sql.NullTime{Valid: true, Time: now.AddDate(0, 0, 7)}
	assert.Equal(t, 7, sub.TrialDaysRemainingAt(now))

	sub.TrialEnd = sql.NullTime{Valid: true, Time: now.Add(-time.Hour)}
	assert.Zero(t, sub.TrialDaysRemainingAt(now))
}
