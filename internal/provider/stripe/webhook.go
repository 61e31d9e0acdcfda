package stripe

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mentorium/billing/internal/processor"
	"github.com/mentorium/billing/internal/service/plan"
	"github.com/pkg/errors"
	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/tidwall/gjson"
)

// Metadata keys attached to checkout sessions and subscriptions. They carry
// the account reference back through every later webhook.
const (
	metaAccountID    = "account_id"
	metaPlanID       = "plan_id"
	metaBillingCycle = "billing_cycle"
)

const (
	eventCheckoutCompleted    = "checkout.session.completed"
	eventSubscriptionUpdated  = "customer.subscription.updated"
	eventSubscriptionDeleted  = "customer.subscription.deleted"
	eventInvoicePaid          = "invoice.paid"
	eventInvoicePaymentFailed = "invoice.payment_failed"
)

// VerifyWebhook authenticates a webhook payload and normalizes it into a
// processor event. No payload field is trusted before the signature check
// passes.
func (p *Provider) VerifyWebhook(ctx context.Context, payload []byte, signature string) (*processor.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.config.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, errors.Wrap(processor.ErrSignatureVerification, err.Error())
	}

	return p.normalizeEvent(ctx, event)
}

func (p *Provider) normalizeEvent(ctx context.Context, event stripeapi.Event) (*processor.Event, error) {
	data := gjson.ParseBytes(event.Data.Raw)

	evt := &processor.Event{
		ID:         event.ID,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}

	switch string(event.Type) {
	case eventCheckoutCompleted:
		evt.Kind = processor.EventCheckoutCompleted
		evt.AccountID = accountIDFromMetadata(data)
		evt.CustomerID = data.Get("customer").String()
		evt.SubscriptionID = data.Get("subscription").String()

		// The session object carries no billing window, the subscription
		// itself is the authority. Resolve it before handing the event over;
		// transient failures bubble up so the processor redelivers.
		if evt.SubscriptionID != "" {
			state, err := p.fetchState(ctx, evt.SubscriptionID)
			if err != nil {
				return nil, err
			}

			if state.PlanID == "" {
				state.PlanID = data.Get("metadata." + metaPlanID).String()
			}
			if state.BillingCycle == "" {
				state.BillingCycle = plan.BillingCycle(data.Get("metadata." + metaBillingCycle).String())
			}
			if state.Currency == "" {
				state.Currency = strings.ToUpper(data.Get("currency").String())
			}

			evt.Subscription = state
		}

	case eventSubscriptionUpdated:
		evt.Kind = processor.EventSubscriptionUpdated
		evt.AccountID = accountIDFromMetadata(data)
		evt.Subscription = subscriptionFromJSON(data)
		evt.CustomerID = evt.Subscription.CustomerID
		evt.SubscriptionID = evt.Subscription.ID

	case eventSubscriptionDeleted:
		evt.Kind = processor.EventSubscriptionDeleted
		evt.AccountID = accountIDFromMetadata(data)
		evt.Subscription = subscriptionFromJSON(data)
		evt.CustomerID = evt.Subscription.CustomerID
		evt.SubscriptionID = evt.Subscription.ID

	case eventInvoicePaid:
		evt.Kind = processor.EventInvoicePaid
		evt.CustomerID = data.Get("customer").String()
		evt.SubscriptionID = invoiceSubscriptionID(data)

	case eventInvoicePaymentFailed:
		evt.Kind = processor.EventPaymentFailed
		evt.CustomerID = data.Get("customer").String()
		evt.SubscriptionID = invoiceSubscriptionID(data)

	default:
		return nil, errors.Wrapf(processor.ErrUnhandledEvent, "type %q", event.Type)
	}

	p.logger.Debug().
		Str("event_id", evt.ID).
		Str("kind", string(evt.Kind)).
		Msg("webhook event normalized")

	return evt, nil
}

func subscriptionFromJSON(data gjson.Result) *processor.SubscriptionState {
	state := &processor.SubscriptionState{
		ID:                data.Get("id").String(),
		CustomerID:        data.Get("customer").String(),
		Status:            data.Get("status").String(),
		PlanID:            data.Get("metadata." + metaPlanID).String(),
		BillingCycle:      plan.BillingCycle(data.Get("metadata." + metaBillingCycle).String()),
		Currency:          strings.ToUpper(data.Get("currency").String()),
		CancelAtPeriodEnd: data.Get("cancel_at_period_end").Bool(),
	}

	state.CurrentPeriodStart, state.CurrentPeriodEnd = billingPeriod(data)

	if v := data.Get("trial_end").Int(); v > 0 {
		state.TrialEnd = time.Unix(v, 0).UTC()
	}
	if v := data.Get("canceled_at").Int(); v > 0 {
		state.CanceledAt = time.Unix(v, 0).UTC()
	}

	if state.Currency == "" {
		state.Currency = strings.ToUpper(data.Get("items.data.0.price.currency").String())
	}
	if state.BillingCycle == "" {
		state.BillingCycle = intervalToCycle(data.Get("items.data.0.price.recurring.interval").String())
	}

	return state
}

// billingPeriod reads the current window. Newer API versions report it on the
// first subscription item, older ones on the subscription object itself.
func billingPeriod(data gjson.Result) (time.Time, time.Time) {
	var start, end time.Time

	if v := data.Get("current_period_start").Int(); v > 0 {
		start = time.Unix(v, 0).UTC()
	} else if v := data.Get("items.data.0.current_period_start").Int(); v > 0 {
		start = time.Unix(v, 0).UTC()
	}

	if v := data.Get("current_period_end").Int(); v > 0 {
		end = time.Unix(v, 0).UTC()
	} else if v := data.Get("items.data.0.current_period_end").Int(); v > 0 {
		end = time.Unix(v, 0).UTC()
	}

	return start, end
}

func accountIDFromMetadata(data gjson.Result) uuid.UUID {
	raw := data.Get("metadata." + metaAccountID).String()
	if raw == "" {
		return uuid.Nil
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}

	return id
}

// invoiceSubscriptionID supports both the legacy top-level field and the
// parent reference used by newer API versions.
func invoiceSubscriptionID(data gjson.Result) string {
	if id := data.Get("subscription").String(); id != "" {
		return id
	}

	return data.Get("parent.subscription_details.subscription").String()
}
