package plan

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// FreeTierID is the implicit plan of accounts without a subscription record.
const FreeTierID = "free"

// Service exposes the plan catalog. The catalog is static and versioned with
// the code; callers always receive copies, never the backing slice.
type Service struct {
	plans  []Plan
	logger *zerolog.Logger
}

func New(logger *zerolog.Logger) *Service {
	log := logger.With().Str("channel", "plan_service").Logger()

	return &Service{
		plans:  catalog(),
		logger: &log,
	}
}

func (s *Service) List() []*Plan {
	plans := make([]*Plan, len(s.plans))
	for i := range s.plans {
		plans[i] = s.plans[i].Clone()
	}

	return plans
}

func (s *Service) GetByID(id string) (*Plan, error) {
	for i := range s.plans {
		if s.plans[i].ID == id {
			return s.plans[i].Clone(), nil
		}
	}

	return nil, errors.Wrapf(ErrNotFound, "id %q", id)
}

func (s *Service) FreeTier() *Plan {
	free, err := s.GetByID(FreeTierID)
	if err != nil {
		// the catalog always contains the free tier
		panic(err)
	}

	return free
}

// ResolvePurchase validates that a plan can be bought for the given cycle and
// currency and returns the plan together with the resolved price.
func (s *Service) ResolvePurchase(id string, cycle BillingCycle, currency string) (*Plan, Price, error) {
	p, err := s.GetByID(id)
	if err != nil {
		return nil, Price{}, err
	}

	if !p.Purchasable {
		return nil, Price{}, errors.Wrapf(ErrNotPurchasable, "id %q", id)
	}

	if !cycle.Valid() {
		return nil, Price{}, errors.Errorf("invalid billing cycle %q", cycle)
	}

	price, err := p.Price(cycle, strings.ToUpper(currency))
	if err != nil {
		return nil, Price{}, err
	}

	return p, price, nil
}

func (p *Plan) Clone() *Plan {
	clone := *p
	clone.Entitlements = p.Entitlements.Clone()

	if p.Prices != nil {
		clone.Prices = make(map[BillingCycle][]Price, len(p.Prices))
		for cycle, prices := range p.Prices {
			clone.Prices[cycle] = append([]Price(nil), prices...)
		}
	}

	return &clone
}

func catalog() []Plan {
	return []Plan{
		{
			ID:          FreeTierID,
			Name:        "Free",
			Description: "Personal projects and evaluation",
			Purchasable: false,
			Entitlements: Entitlements{
				MaxProjects:            3,
				MaxCollaborators:       1,
				AIMinutesPerMonth:      30,
				CodeExecutionsPerMonth: 100,
				StorageMB:              500,
			},
		},
		{
			ID:          "starter",
			Name:        "Starter",
			Description: "Small teams getting started",
			Purchasable: true,
			Prices: map[BillingCycle][]Price{
				CycleMonthly: {
					{Currency: "USD", Amount: decimal.NewFromInt(19)},
					{Currency: "EUR", Amount: decimal.NewFromInt(18)},
				},
				CycleYearly: {
					{Currency: "USD", Amount: decimal.NewFromInt(190)},
					{Currency: "EUR", Amount: decimal.NewFromInt(180)},
				},
			},
			Entitlements: Entitlements{
				MaxProjects:            10,
				MaxCollaborators:       3,
				AIMinutesPerMonth:      120,
				CodeExecutionsPerMonth: 250,
				StorageMB:              5120,
				Flags: map[string]bool{
					"private_projects": true,
				},
			},
		},
		{
			ID:          "pro",
			Name:        "Pro",
			Description: "Professional teams shipping to production",
			Purchasable: true,
			Prices: map[BillingCycle][]Price{
				CycleMonthly: {
					{Currency: "USD", Amount: decimal.NewFromInt(49)},
					{Currency: "EUR", Amount: decimal.NewFromInt(45)},
				},
				CycleYearly: {
					{Currency: "USD", Amount: decimal.NewFromInt(490)},
					{Currency: "EUR", Amount: decimal.NewFromInt(450)},
				},
			},
			Entitlements: Entitlements{
				MaxProjects:            50,
				MaxCollaborators:       10,
				AIMinutesPerMonth:      600,
				CodeExecutionsPerMonth: 500,
				StorageMB:              20480,
				Flags: map[string]bool{
					"private_projects": true,
					"usage_analytics":  true,
				},
			},
		},
		{
			// Enterprise is sold in USD only.
			ID:          "enterprise",
			Name:        "Enterprise",
			Description: "Large organizations with custom needs",
			Purchasable: true,
			Prices: map[BillingCycle][]Price{
				CycleMonthly: {
					{Currency: "USD", Amount: decimal.NewFromInt(199)},
				},
				CycleYearly: {
					{Currency: "USD", Amount: decimal.NewFromInt(1990)},
				},
			},
			Entitlements: Entitlements{
				MaxProjects:            -1,
				MaxCollaborators:       -1,
				AIMinutesPerMonth:      3000,
				CodeExecutionsPerMonth: -1,
				StorageMB:              102400,
				Flags: map[string]bool{
					"private_projects": true,
					"usage_analytics":  true,
					"priority_support": true,
				},
			},
		},
	}
}
