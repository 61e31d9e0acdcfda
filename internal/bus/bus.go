package bus

import (
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Topic string

const (
	TopicSubscriptionActivated Topic = "billing.subscription.activated"
	TopicSubscriptionUpdated   Topic = "billing.subscription.updated"
	TopicSubscriptionCanceled  Topic = "billing.subscription.canceled"
	TopicSubscriptionPastDue   Topic = "billing.subscription.past_due"
	TopicInvoicePaid           Topic = "billing.invoice.paid"
)

// SubscriptionEvent is published whenever reconciliation changes the state of
// an account's subscription. Consumers receive a snapshot, not a live record.
type SubscriptionEvent struct {
	AccountID  uuid.UUID
	PlanID     string
	Status     string
	PeriodEnd  time.Time
	OccurredAt time.Time
}

type InvoiceEvent struct {
	AccountID      uuid.UUID
	CustomerID     string
	SubscriptionID string
	OccurredAt     time.Time
}

// Bus is a thin wrapper around an in-process pub/sub bus. Subscribers run
// asynchronously and must not assume ordering across topics.
type Bus struct {
	inner  evbus.Bus
	logger *zerolog.Logger
}

func New(logger *zerolog.Logger) *Bus {
	log := logger.With().Str("channel", "bus").Logger()

	return &Bus{
		inner:  evbus.New(),
		logger: &log,
	}
}

func (b *Bus) Publish(topic Topic, args ...any) {
	b.logger.Debug().Str("topic", string(topic)).Msg("publishing event")
	b.inner.Publish(string(topic), args...)
}

func (b *Bus) Subscribe(topic Topic, fn any) error {
	if err := b.inner.SubscribeAsync(string(topic), fn, false); err != nil {
		return errors.Wrapf(err, "unable to subscribe to %q", topic)
	}

	return nil
}

// Shutdown blocks until in-flight async subscribers finish.
func (b *Bus) Shutdown() {
	b.inner.WaitAsync()
}
