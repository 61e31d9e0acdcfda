// Package stripe adapts the Stripe API to the processor surface used by the
// billing services: customers, hosted checkout and webhook normalization.
package stripe

import (
	"context"
	"strings"
	"time"

	"github.com/labstack/gommon/random"
	"github.com/mentorium/billing/internal/processor"
	"github.com/mentorium/billing/internal/service/plan"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	sub "github.com/stripe/stripe-go/v82/subscription"
	"github.com/tidwall/gjson"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Timeout       time.Duration
}

// Provider talks to Stripe. Webhook payloads are verified against
// WebhookSecret before any field is trusted.
type Provider struct {
	config Config
	logger *zerolog.Logger

	// fetchState resolves a subscription while normalizing checkout webhooks.
	// Tests substitute it to avoid network calls.
	fetchState func(ctx context.Context, processorSubscriptionID string) (*processor.SubscriptionState, error)
}

func New(config Config, logger *zerolog.Logger) *Provider {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	// The stripe client key is process global.
	stripeapi.Key = config.SecretKey

	log := logger.With().Str("channel", "stripe_provider").Logger()

	p := &Provider{
		config: config,
		logger: &log,
	}
	p.fetchState = p.RetrieveSubscription

	return p
}

func (p *Provider) CreateCustomer(ctx context.Context, params processor.CustomerParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	customerParams := &stripeapi.CustomerParams{
		Params: stripeapi.Params{Context: ctx},
	}
	if params.Email != "" {
		customerParams.Email = stripeapi.String(params.Email)
	}
	if params.Name != "" {
		customerParams.Name = stripeapi.String(params.Name)
	}
	customerParams.AddMetadata(metaAccountID, params.AccountID.String())

	created, err := customer.New(customerParams)
	if err != nil {
		return "", p.mapError(err, "create customer")
	}

	p.logger.Info().
		Str("account_id", params.AccountID.String()).
		Str("customer_id", created.ID).
		Msg("stripe customer created")

	return created.ID, nil
}

func (p *Provider) CreateCheckoutSession(ctx context.Context, params processor.CheckoutParams) (*processor.CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	metadata := map[string]string{
		metaAccountID:    params.AccountID.String(),
		metaPlanID:       params.PlanID,
		metaBillingCycle: string(params.BillingCycle),
	}

	sessionParams := &stripeapi.CheckoutSessionParams{
		Params:            stripeapi.Params{Context: ctx},
		Mode:              stripeapi.String(string(stripeapi.CheckoutSessionModeSubscription)),
		Customer:          stripeapi.String(params.CustomerID),
		SuccessURL:        stripeapi.String(p.config.SuccessURL),
		CancelURL:         stripeapi.String(p.config.CancelURL),
		ClientReferenceID: stripeapi.String(params.AccountID.String()),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{
				Quantity: stripeapi.Int64(1),
				PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripeapi.String(strings.ToLower(params.Currency)),
					UnitAmount: stripeapi.Int64(minorUnits(params.Amount)),
					Recurring: &stripeapi.CheckoutSessionLineItemPriceDataRecurringParams{
						Interval: stripeapi.String(cycleToInterval(params.BillingCycle)),
					},
					ProductData: &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripeapi.String(params.PlanName),
					},
				},
			},
		},
		SubscriptionData: &stripeapi.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}

	for key, value := range metadata {
		sessionParams.AddMetadata(key, value)
	}

	// Retried requests must not open duplicate sessions.
	sessionParams.IdempotencyKey = stripeapi.String(random.String(32))

	created, err := session.New(sessionParams)
	if err != nil {
		return nil, p.mapError(err, "create checkout session")
	}

	p.logger.Info().
		Str("account_id", params.AccountID.String()).
		Str("plan_id", params.PlanID).
		Str("session_id", created.ID).
		Msg("stripe checkout session created")

	return &processor.CheckoutSession{
		ID:  created.ID,
		URL: created.URL,
	}, nil
}

// RetrieveSubscription fetches the processor's authoritative subscription
// state, including the current billing window.
func (p *Provider) RetrieveSubscription(ctx context.Context, processorSubscriptionID string) (*processor.SubscriptionState, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	fetched, err := sub.Get(processorSubscriptionID, &stripeapi.SubscriptionParams{
		Params: stripeapi.Params{Context: ctx},
	})
	if err != nil {
		return nil, p.mapError(err, "retrieve subscription")
	}

	return p.mapSubscription(fetched), nil
}

func (p *Provider) SetCancelAtPeriodEnd(ctx context.Context, processorSubscriptionID string, cancel bool) error {
	ctx, cancelFn := context.WithTimeout(ctx, p.config.Timeout)
	defer cancelFn()

	_, err := sub.Update(processorSubscriptionID, &stripeapi.SubscriptionParams{
		Params:            stripeapi.Params{Context: ctx},
		CancelAtPeriodEnd: stripeapi.Bool(cancel),
	})
	if err != nil {
		return p.mapError(err, "update subscription auto renew")
	}

	return nil
}

// mapSubscription converts a fetched subscription. Billing periods moved
// between API versions (subscription level, then item level), so they are
// read from the raw response with both locations as candidates.
func (p *Provider) mapSubscription(s *stripeapi.Subscription) *processor.SubscriptionState {
	state := &processor.SubscriptionState{
		ID:                s.ID,
		Status:            string(s.Status),
		PlanID:            s.Metadata[metaPlanID],
		BillingCycle:      plan.BillingCycle(s.Metadata[metaBillingCycle]),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}

	if s.Customer != nil {
		state.CustomerID = s.Customer.ID
	}
	if s.TrialEnd > 0 {
		state.TrialEnd = time.Unix(s.TrialEnd, 0).UTC()
	}
	if s.CanceledAt > 0 {
		state.CanceledAt = time.Unix(s.CanceledAt, 0).UTC()
	}

	if s.Items != nil && len(s.Items.Data) > 0 {
		if price := s.Items.Data[0].Price; price != nil {
			state.Currency = strings.ToUpper(string(price.Currency))
			if state.BillingCycle == "" && price.Recurring != nil {
				state.BillingCycle = intervalToCycle(string(price.Recurring.Interval))
			}
		}
	}

	if s.LastResponse != nil {
		state.CurrentPeriodStart, state.CurrentPeriodEnd = billingPeriod(gjson.ParseBytes(s.LastResponse.RawJSON))
	}

	return state
}

func (p *Provider) mapError(err error, op string) error {
	var stripeErr *stripeapi.Error
	if errors.As(err, &stripeErr) {
		p.logger.Warn().
			Str("op", op).
			Str("code", string(stripeErr.Code)).
			Int("http_status", stripeErr.HTTPStatusCode).
			Msg("stripe call failed")

		switch {
		case stripeErr.Code == stripeapi.ErrorCodeResourceMissing:
			return errors.Wrapf(processor.ErrNotFound, "%s: %s", op, stripeErr.Code)
		case stripeErr.HTTPStatusCode >= 500 || stripeErr.Type == stripeapi.ErrorTypeAPI:
			return errors.Wrapf(processor.ErrUnavailable, "%s: %s", op, stripeErr.Msg)
		}

		return errors.Wrapf(err, "stripe %s failed", op)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(processor.ErrUnavailable, "%s: %v", op, err)
	}

	// Network level failures have no stripe error attached.
	return errors.Wrapf(processor.ErrUnavailable, "%s: %v", op, err)
}

// minorUnits converts a decimal major-unit amount to processor minor units.
// Supported catalog currencies all use two decimal places.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).IntPart()
}

func cycleToInterval(cycle plan.BillingCycle) string {
	if cycle == plan.CycleYearly {
		return "year"
	}

	return "month"
}

func intervalToCycle(interval string) plan.BillingCycle {
	if interval == "year" {
		return plan.CycleYearly
	}

	return plan.CycleMonthly
}
