package subscription

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/mentorium/billing/internal/service/plan"
	"github.com/shopspring/decimal"
)

type Status string

// Status constants. A subscription is "current" while superseded_at is unset;
// historical records keep their last status forever.
const (
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
	StatusPaused   Status = "paused"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCanceled, StatusExpired, StatusPaused:
		return true
	}

	return false
}

// Entitled reports whether the status grants the plan's paid entitlements.
// Every other status falls back to the free tier.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// StatusFromProcessor maps a processor-reported status to a local one.
// Unknown statuses degrade to past_due instead of failing the event.
func StatusFromProcessor(raw string) Status {
	switch raw {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid", "incomplete":
		return StatusPastDue
	case "canceled":
		return StatusCanceled
	case "incomplete_expired":
		return StatusExpired
	case "paused":
		return StatusPaused
	}

	return StatusPastDue
}

// Usage tracks consumed quota within the current billing period.
type Usage struct {
	ProjectsCreated    int64     `json:"projects_created"`
	AIMinutesUsed      int64     `json:"ai_minutes_used"`
	CodeExecutionsUsed int64     `json:"code_executions_used"`
	StorageMBUsed      int64     `json:"storage_mb_used"`
	LastResetAt        time.Time `json:"last_reset_at"`
}

// For resolves a capability name to its consumed amount.
func (u Usage) For(capability string) (int64, bool) {
	switch capability {
	case plan.CapProjects:
		return u.ProjectsCreated, true
	case plan.CapAIMinutes:
		return u.AIMinutesUsed, true
	case plan.CapCodeExecutions:
		return u.CodeExecutionsUsed, true
	case plan.CapStorageMB:
		return u.StorageMBUsed, true
	}

	return 0, false
}

// Subscription represents an account's billing record. Entitlements are a
// value snapshot taken at purchase time; later catalog edits never change them.
type Subscription struct {
	ID                      int64             `json:"id"`
	UUID                    uuid.UUID         `json:"uuid"`
	AccountID               uuid.UUID         `json:"account_id"`
	PlanID                  string            `json:"plan_id"`
	Status                  Status            `json:"status"`
	BillingCycle            plan.BillingCycle `json:"billing_cycle"`
	Currency                string            `json:"currency"`
	Amount                  decimal.Decimal   `json:"amount"`
	Entitlements            plan.Entitlements `json:"entitlements"`
	Usage                   Usage             `json:"usage"`
	ProcessorCustomerID     string            `json:"processor_customer_id"`
	ProcessorSubscriptionID string            `json:"processor_subscription_id"`
	CurrentPeriodStart      time.Time         `json:"current_period_start"`
	CurrentPeriodEnd        time.Time         `json:"current_period_end"`
	TrialEnd                sql.NullTime      `json:"trial_end"`
	CancelAtPeriodEnd       bool              `json:"cancel_at_period_end"`
	CanceledAt              sql.NullTime      `json:"canceled_at"`
	SupersededAt            sql.NullTime      `json:"superseded_at"`
	Version                 int64             `json:"version"`
	CreatedAt               time.Time         `json:"created_at"`
	UpdatedAt               time.Time         `json:"updated_at"`
}

func (s *Subscription) Entitled() bool {
	return s.Status.Entitled()
}

// LapsedAt reports whether an entitled record's paid period is already over.
func (s *Subscription) LapsedAt(now time.Time) bool {
	return s.Status.Entitled() && s.CurrentPeriodEnd.Before(now)
}

// Paying reports whether the record contributes to revenue metrics.
func (s *Subscription) Paying() bool {
	return s.Status == StatusActive && s.PlanID != plan.FreeTierID && s.Amount.GreaterThan(decimal.Zero)
}

// MonthlyRevenue normalizes the subscription amount to its monthly contribution.
func (s *Subscription) MonthlyRevenue() decimal.Decimal {
	return plan.MonthlyRevenue(s.Amount, s.BillingCycle)
}

// TrialDaysRemainingAt returns full days of trial left, zero once the trial
// ended or when there is no trial at all.
func (s *Subscription) TrialDaysRemainingAt(now time.Time) int {
	if !s.TrialEnd.Valid || !now.Before(s.TrialEnd.Time) {
		return 0
	}

	return int(s.TrialEnd.Time.Sub(now).Hours() / 24)
}

// Clone returns a deep copy, detached from any store internals.
func (s *Subscription) Clone() *Subscription {
	clone := *s
	clone.Entitlements = s.Entitlements.Clone()

	return &clone
}

// Counter identifies a usage column that can be atomically incremented.
type Counter string

const (
	CounterProjects       Counter = "projects_created"
	CounterAIMinutes      Counter = "ai_minutes_used"
	CounterCodeExecutions Counter = "code_executions_used"
	CounterStorageMB      Counter = "storage_mb_used"
)

func (c Counter) Valid() bool {
	switch c {
	case CounterProjects, CounterAIMinutes, CounterCodeExecutions, CounterStorageMB:
		return true
	}

	return false
}

// CounterForCapability maps a gate capability to its usage counter.
func CounterForCapability(capability string) (Counter, bool) {
	switch capability {
	case plan.CapProjects:
		return CounterProjects, true
	case plan.CapAIMinutes:
		return CounterAIMinutes, true
	case plan.CapCodeExecutions:
		return CounterCodeExecutions, true
	case plan.CapStorageMB:
		return CounterStorageMB, true
	}

	return "", false
}
