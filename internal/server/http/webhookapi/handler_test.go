package webhookapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/mentorium/billing/internal/processor"
	"github.com/mentorium/billing/internal/service/reconciliation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verifierStub struct {
	evt *processor.Event
	err error
}

func (v *verifierStub) VerifyWebhook(_ context.Context, _ []byte, _ string) (*processor.Event, error) {
	return v.evt, v.err
}

type reconcilerStub struct {
	outcome reconciliation.Outcome
	err     error
	applied int
}

func (r *reconcilerStub) Apply(_ context.Context, _ *processor.Event) (reconciliation.Outcome, error) {
	r.applied++

	return r.outcome, r.err
}

func deliver(t *testing.T, verifier *verifierStub, reconciler *reconcilerStub) *httptest.ResponseRecorder {
	t.Helper()

	logger := zerolog.Nop()
	handler := New(verifier, reconciler, &logger)

	e := echo.New()
	e.POST("/api/webhook/v1/stripe", handler.ReceiveStripe)

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/v1/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Stripe-Signature", "t=1,v1=sig")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	return rec
}

func testEvent() *processor.Event {
	return &processor.Event{
		ID:         "evt_1",
		Kind:       processor.EventSubscriptionUpdated,
		OccurredAt: time.Now(),
		AccountID:  uuid.New(),
	}
}

func TestReceiveStripe(t *testing.T) {
	for _, tt := range []struct {
		name        string
		verifier    *verifierStub
		reconciler  *reconcilerStub
		status      int
		wantApplied int
	}{
		{
			name:        "applied event is acknowledged",
			verifier:    &verifierStub{evt: testEvent()},
			reconciler:  &reconcilerStub{outcome: reconciliation.OutcomeApplied},
			status:      http.StatusOK,
			wantApplied: 1,
		},
		{
			name:        "duplicate delivery is absorbed",
			verifier:    &verifierStub{evt: testEvent()},
			reconciler:  &reconcilerStub{outcome: reconciliation.OutcomeDuplicate},
			status:      http.StatusOK,
			wantApplied: 1,
		},
		{
			name:        "stale event is absorbed",
			verifier:    &verifierStub{evt: testEvent()},
			reconciler:  &reconcilerStub{outcome: reconciliation.OutcomeStale},
			status:      http.StatusOK,
			wantApplied: 1,
		},
		{
			name:        "orphaned event is absorbed",
			verifier:    &verifierStub{evt: testEvent()},
			reconciler:  &reconcilerStub{outcome: reconciliation.OutcomeOrphaned},
			status:      http.StatusOK,
			wantApplied: 1,
		},
		{
			name:       "bad signature is rejected before reconciling",
			verifier:   &verifierStub{err: errors.Wrap(processor.ErrSignatureVerification, "stripe")},
			reconciler: &reconcilerStub{},
			status:     http.StatusUnauthorized,
		},
		{
			name:       "unhandled event type is acknowledged without reconciling",
			verifier:   &verifierStub{err: processor.ErrUnhandledEvent},
			reconciler: &reconcilerStub{},
			status:     http.StatusOK,
		},
		{
			name:       "malformed payload is rejected",
			verifier:   &verifierStub{err: errors.New("unexpected end of JSON input")},
			reconciler: &reconcilerStub{},
			status:     http.StatusBadRequest,
		},
		{
			name:        "failed outcome requests redelivery",
			verifier:    &verifierStub{evt: testEvent()},
			reconciler:  &reconcilerStub{outcome: reconciliation.OutcomeFailed},
			status:      http.StatusInternalServerError,
			wantApplied: 1,
		},
		{
			name:        "reconciler error requests redelivery",
			verifier:    &verifierStub{evt: testEvent()},
			reconciler:  &reconcilerStub{outcome: reconciliation.OutcomeFailed, err: errors.New("store unavailable")},
			status:      http.StatusInternalServerError,
			wantApplied: 1,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rec := deliver(t, tt.verifier, tt.reconciler)

			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantApplied, tt.reconciler.applied)
		})
	}
}

func TestReceiveStripe_OutcomeInBody(t *testing.T) {
	rec := deliver(t, &verifierStub{evt: testEvent()}, &reconcilerStub{outcome: reconciliation.OutcomeApplied})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outcome":"applied"`)
	assert.Contains(t, rec.Body.String(), `"received":true`)
}
