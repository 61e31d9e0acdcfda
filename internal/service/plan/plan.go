package plan

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("plan not found")
	ErrNotPurchasable = errors.New("plan is not purchasable")
	ErrPriceNotFound  = errors.New("plan has no price for this cycle and currency")
)

type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// Capability names understood by the entitlement gate. Flags are addressed
// by their own names (see Entitlements.Flags).
const (
	CapProjects       = "projects"
	CapAIMinutes      = "ai_minutes"
	CapCodeExecutions = "code_executions"
	CapStorageMB      = "storage_mb"
)

// Entitlements is a value snapshot of what a plan grants. Counter limits use
// -1 for "unlimited"; 0 means the capability is absent from the plan.
type Entitlements struct {
	MaxProjects            int             `json:"max_projects"`
	MaxCollaborators       int             `json:"max_collaborators"`
	AIMinutesPerMonth      int             `json:"ai_minutes_per_month"`
	CodeExecutionsPerMonth int             `json:"code_executions_per_month"`
	StorageMB              int             `json:"storage_mb"`
	Flags                  map[string]bool `json:"flags,omitempty"`
}

// Clone returns a deep copy. Stored subscriptions keep their own snapshot, so
// edits to the catalog never leak into existing records.
func (e Entitlements) Clone() Entitlements {
	clone := e
	if e.Flags != nil {
		clone.Flags = make(map[string]bool, len(e.Flags))
		for k, v := range e.Flags {
			clone.Flags[k] = v
		}
	}

	return clone
}

// LimitFor resolves a counter capability to its limit. The second return is
// false for unknown capability names.
func (e Entitlements) LimitFor(capability string) (int64, bool) {
	switch capability {
	case CapProjects:
		return int64(e.MaxProjects), true
	case CapAIMinutes:
		return int64(e.AIMinutesPerMonth), true
	case CapCodeExecutions:
		return int64(e.CodeExecutionsPerMonth), true
	case CapStorageMB:
		return int64(e.StorageMB), true
	}

	return 0, false
}

func (e Entitlements) FlagEnabled(name string) bool {
	return e.Flags[name]
}

// CapabilityKeys lists the keys mirrored into the account summary: counter
// capabilities with a non-zero limit plus enabled flags, sorted for stable output.
func (e Entitlements) CapabilityKeys() []string {
	keys := make([]string, 0, 4+len(e.Flags))

	for _, capability := range []string{CapProjects, CapAIMinutes, CapCodeExecutions, CapStorageMB} {
		if limit, _ := e.LimitFor(capability); limit != 0 {
			keys = append(keys, capability)
		}
	}

	for name, enabled := range e.Flags {
		if enabled {
			keys = append(keys, name)
		}
	}

	sort.Strings(keys)

	return keys
}

type Price struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// Plan describes a purchasable tier. Prices are keyed by billing cycle; a
// missing cycle or currency combination means the plan cannot be bought that way.
type Plan struct {
	ID           string                   `json:"id"`
	Name         string                   `json:"name"`
	Description  string                   `json:"description"`
	Prices       map[BillingCycle][]Price `json:"prices"`
	Entitlements Entitlements             `json:"entitlements"`
	Purchasable  bool                     `json:"purchasable"`
}

// Price resolves the amount for a cycle and currency.
func (p *Plan) Price(cycle BillingCycle, currency string) (Price, error) {
	for _, price := range p.Prices[cycle] {
		if price.Currency == currency {
			return price, nil
		}
	}

	return Price{}, errors.Wrapf(ErrPriceNotFound, "plan %q, cycle %q, currency %q", p.ID, cycle, currency)
}

// MonthlyRevenue normalizes a price to its monthly contribution. Yearly
// amounts are divided by 12 and rounded to cents.
func MonthlyRevenue(amount decimal.Decimal, cycle BillingCycle) decimal.Decimal {
	if cycle == CycleYearly {
		return amount.Div(decimal.NewFromInt(12)).Round(2)
	}

	return amount
}
