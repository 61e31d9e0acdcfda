// Package processor defines the provider-agnostic payment processor surface:
// normalized webhook events, checkout primitives and the error taxonomy shared
// by providers and their consumers.
package processor

import (
	"time"

	"github.com/google/uuid"
	"github.com/mentorium/billing/internal/service/plan"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable marks transient processor failures that are worth retrying.
	ErrUnavailable = errors.New("payment processor unavailable")

	// ErrSignatureVerification rejects webhook payloads that fail signature
	// checks. Such payloads must never reach state mutation.
	ErrSignatureVerification = errors.New("webhook signature verification failed")

	// ErrUnhandledEvent marks webhook event types the service does not consume.
	ErrUnhandledEvent = errors.New("unhandled webhook event type")

	ErrNotFound = errors.New("processor record not found")
)

type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout_completed"
	EventSubscriptionUpdated EventKind = "subscription_updated"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventInvoicePaid         EventKind = "invoice_paid"
	EventPaymentFailed       EventKind = "payment_failed"
)

// Event is a normalized webhook notification. The processor's identifiers are
// authoritative; local state converges towards them.
type Event struct {
	ID         string
	Kind       EventKind
	OccurredAt time.Time

	// AccountID is extracted from processor metadata. Zero when the payload
	// carried no account reference.
	AccountID uuid.UUID

	CustomerID     string
	SubscriptionID string

	// Subscription holds the processor's view of the subscription for kinds
	// that embed or resolve one. Nil for invoice-level kinds.
	Subscription *SubscriptionState
}

// SubscriptionState mirrors the processor's subscription object.
type SubscriptionState struct {
	ID                 string
	CustomerID         string
	Status             string
	PlanID             string
	BillingCycle       plan.BillingCycle
	Currency           string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialEnd           time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         time.Time
}

type CustomerParams struct {
	AccountID uuid.UUID
	Email     string
	Name      string
}

type CheckoutParams struct {
	AccountID    uuid.UUID
	CustomerID   string
	PlanID       string
	PlanName     string
	BillingCycle plan.BillingCycle
	Currency     string
	Amount       decimal.Decimal
}

type CheckoutSession struct {
	ID  string
	URL string
}
