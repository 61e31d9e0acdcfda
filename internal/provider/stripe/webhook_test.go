package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mentorium/billing/internal/processor"
	"github.com/mentorium/billing/internal/service/plan"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test_secret"

func setupProvider(t *testing.T) *Provider {
	t.Helper()

	logger := zerolog.Nop()

	return New(Config{
		SecretKey:     "sk_test_key",
		WebhookSecret: testWebhookSecret,
		SuccessURL:    "https://app.invalid/billing/success",
		CancelURL:     "https://app.invalid/billing/cancel",
	}, &logger)
}

// signPayload builds a Stripe-Signature header: an HMAC-SHA256 over
// "<timestamp>.<payload>" with the webhook secret.
func signPayload(t *testing.T, payload []byte, secret string, at time.Time) string {
	t.Helper()

	mac := hmac.New(sha256.New, []byte(secret))
	_, err := fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	require.NoError(t, err)

	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventEnvelope(id, eventType, object string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"object":"event","api_version":"2025-03-31.basil","created":%d,"type":%q,"data":{"object":%s}}`,
		id, time.Now().Unix(), eventType, object,
	))
}

func TestVerifyWebhook_RejectsBadSignature(t *testing.T) {
	provider := setupProvider(t)
	payload := eventEnvelope("evt_sig", eventInvoicePaid, `{"customer":"cus_1"}`)

	testCases := []struct {
		name      string
		signature string
	}{
		{
			name:      "wrong secret",
			signature: signPayload(t, payload, "whsec_other_secret", time.Now()),
		},
		{
			name:      "garbage header",
			signature: "t=abc,v1=not-a-signature",
		},
		{
			name:      "empty header",
			signature: "",
		},
		{
			name:      "expired timestamp",
			signature: signPayload(t, payload, testWebhookSecret, time.Now().Add(-24*time.Hour)),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			evt, err := provider.VerifyWebhook(context.Background(), payload, tc.signature)

			assert.ErrorIs(t, err, processor.ErrSignatureVerification)
			assert.Nil(t, evt)
		})
	}
}

func TestVerifyWebhook_RejectsTamperedPayload(t *testing.T) {
	provider := setupProvider(t)

	payload := eventEnvelope("evt_tamper", eventInvoicePaid, `{"customer":"cus_1"}`)
	signature := signPayload(t, payload, testWebhookSecret, time.Now())

	tampered := []byte(string(payload[:len(payload)-2]) + ` }`)

	_, err := provider.VerifyWebhook(context.Background(), tampered, signature)
	assert.ErrorIs(t, err, processor.ErrSignatureVerification)
}

func TestVerifyWebhook_SubscriptionUpdated(t *testing.T) {
	provider := setupProvider(t)
	accountID := uuid.New()

	object := fmt.Sprintf(`{
		"id": "sub_123",
		"object": "subscription",
		"customer": "cus_123",
		"status": "active",
		"currency": "usd",
		"cancel_at_period_end": true,
		"current_period_start": 1755000000,
		"current_period_end": 1757678400,
		"metadata": {"account_id": %q, "plan_id": "pro", "billing_cycle": "monthly"}
	}`, accountID)

	payload := eventEnvelope("evt_upd", eventSubscriptionUpdated, object)
	signature := signPayload(t, payload, testWebhookSecret, time.Now())

	evt, err := provider.VerifyWebhook(context.Background(), payload, signature)
	require.NoError(t, err)

	assert.Equal(t, "evt_upd", evt.ID)
	assert.Equal(t, processor.EventSubscriptionUpdated, evt.Kind)
	assert.Equal(t, accountID, evt.AccountID)
	assert.Equal(t, "cus_123", evt.CustomerID)
	assert.Equal(t, "sub_123", evt.SubscriptionID)

	require.NotNil(t, evt.Subscription)
	assert.Equal(t, "active", evt.Subscription.Status)
	assert.Equal(t, "pro", evt.Subscription.PlanID)
	assert.Equal(t, plan.CycleMonthly, evt.Subscription.BillingCycle)
	assert.Equal(t, "USD", evt.Subscription.Currency)
	assert.True(t, evt.Subscription.CancelAtPeriodEnd)
	assert.Equal(t, int64(1757678400), evt.Subscription.CurrentPeriodEnd.Unix())
}

func TestVerifyWebhook_ItemLevelBillingPeriod(t *testing.T) {
	provider := setupProvider(t)

	// Newer API versions report the window on the subscription item.
	object := `{
		"id": "sub_item",
		"customer": "cus_9",
		"status": "active",
		"metadata": {"plan_id": "starter", "billing_cycle": "yearly"},
		"items": {"data": [{
			"current_period_start": 1755000000,
			"current_period_end": 1786536000,
			"price": {"currency": "eur", "recurring": {"interval": "year"}}
		}]}
	}`

	payload := eventEnvelope("evt_item", eventSubscriptionUpdated, object)
	signature := signPayload(t, payload, testWebhookSecret, time.Now())

	evt, err := provider.VerifyWebhook(context.Background(), payload, signature)
	require.NoError(t, err)

	require.NotNil(t, evt.Subscription)
	assert.Equal(t, int64(1755000000), evt.Subscription.CurrentPeriodStart.Unix())
	assert.Equal(t, int64(1786536000), evt.Subscription.CurrentPeriodEnd.Unix())
	assert.Equal(t, "EUR", evt.Subscription.Currency)
	assert.Equal(t, plan.CycleYearly, evt.Subscription.BillingCycle)
}

func TestVerifyWebhook_SubscriptionDeleted(t *testing.T) {
	provider := setupProvider(t)
	accountID := uuid.New()

	object := fmt.Sprintf(`{
		"id": "sub_del",
		"customer": "cus_del",
		"status": "canceled",
		"canceled_at": 1756080000,
		"current_period_end": 1757678400,
		"metadata": {"account_id": %q, "plan_id": "pro", "billing_cycle": "monthly"}
	}`, accountID)

	payload := eventEnvelope("evt_del", eventSubscriptionDeleted, object)
	signature := signPayload(t, payload, testWebhookSecret, time.Now())

	evt, err := provider.VerifyWebhook(context.Background(), payload, signature)
	require.NoError(t, err)

	assert.Equal(t, processor.EventSubscriptionDeleted, evt.Kind)
	assert.Equal(t, "canceled", evt.Subscription.Status)
	assert.Equal(t, int64(1756080000), evt.Subscription.CanceledAt.Unix())
}

func TestVerifyWebhook_CheckoutCompleted(t *testing.T) {
	provider := setupProvider(t)
	accountID := uuid.New()

	// The provider resolves the subscription for checkout events; the stub
	// returns processor state with no plan metadata so the session's own
	// metadata must backfill it.
	provider.fetchState = func(_ context.Context, id string) (*processor.SubscriptionState, error) {
		assert.Equal(t, "sub_new", id)

		return &processor.SubscriptionState{
			ID:                 "sub_new",
			CustomerID:         "cus_new",
			Status:             "active",
			CurrentPeriodStart: time.Unix(1755000000, 0).UTC(),
			CurrentPeriodEnd:   time.Unix(1757678400, 0).UTC(),
		}, nil
	}

	object := fmt.Sprintf(`{
		"id": "cs_test_1",
		"object": "checkout.session",
		"customer": "cus_new",
		"subscription": "sub_new",
		"currency": "usd",
		"metadata": {"account_id": %q, "plan_id": "pro", "billing_cycle": "monthly"}
	}`, accountID)

	payload := eventEnvelope("evt_checkout", eventCheckoutCompleted, object)
	signature := signPayload(t, payload, testWebhookSecret, time.Now())

	evt, err := provider.VerifyWebhook(context.Background(), payload, signature)
	require.NoError(t, err)

	assert.Equal(t, processor.EventCheckoutCompleted, evt.Kind)
	assert.Equal(t, accountID, evt.AccountID)
	assert.Equal(t, "sub_new", evt.SubscriptionID)

	require.NotNil(t, evt.Subscription)
	assert.Equal(t, "pro", evt.Subscription.PlanID)
	assert.Equal(t, plan.CycleMonthly, evt.Subscription.BillingCycle)
	assert.Equal(t, "USD", evt.Subscription.Currency)
	assert.Equal(t, int64(1757678400), evt.Subscription.CurrentPeriodEnd.Unix())
}

func TestVerifyWebhook_CheckoutFetchFailure(t *testing.T) {
	provider := setupProvider(t)
	provider.fetchState = func(_ context.Context, _ string) (*processor.SubscriptionState, error) {
		return nil, processor.ErrUnavailable
	}

	object := `{"id": "cs_test_2", "customer": "cus_x", "subscription": "sub_x"}`
	payload := eventEnvelope("evt_checkout_fail", eventCheckoutCompleted, object)
	signature := signPayload(t, payload, testWebhookSecret, time.Now())

	_, err := provider.VerifyWebhook(context.Background(), payload, signature)
	assert.ErrorIs(t, err, processor.ErrUnavailable)
}

func TestVerifyWebhook_InvoiceEvents(t *testing.T) {
	provider := setupProvider(t)

	t.Run("invoice paid with legacy subscription field", func(t *testing.T) {
		object := `{"id": "in_1", "customer": "cus_inv", "subscription": "sub_inv"}`
		payload := eventEnvelope("evt_inv_paid", eventInvoicePaid, object)

		evt, err := provider.VerifyWebhook(context.Background(), payload, signPayload(t, payload, testWebhookSecret, time.Now()))
		require.NoError(t, err)

		assert.Equal(t, processor.EventInvoicePaid, evt.Kind)
		assert.Equal(t, "cus_inv", evt.CustomerID)
		assert.Equal(t, "sub_inv", evt.SubscriptionID)
		assert.Nil(t, evt.Subscription)
	})

	t.Run("payment failed with parent reference", func(t *testing.T) {
		object := `{
			"id": "in_2",
			"customer": "cus_inv2",
			"parent": {"subscription_details": {"subscription": "sub_inv2"}}
		}`
		payload := eventEnvelope("evt_inv_failed", eventInvoicePaymentFailed, object)

		evt, err := provider.VerifyWebhook(context.Background(), payload, signPayload(t, payload, testWebhookSecret, time.Now()))
		require.NoError(t, err)

		assert.Equal(t, processor.EventPaymentFailed, evt.Kind)
		assert.Equal(t, "sub_inv2", evt.SubscriptionID)
	})
}

func TestVerifyWebhook_UnhandledEventType(t *testing.T) {
	provider := setupProvider(t)

	payload := eventEnvelope("evt_other", "charge.succeeded", `{"id": "ch_1"}`)
	signature := signPayload(t, payload, testWebhookSecret, time.Now())

	_, err := provider.VerifyWebhook(context.Background(), payload, signature)
	assert.ErrorIs(t, err, processor.ErrUnhandledEvent)
}
