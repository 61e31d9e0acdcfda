package webhookapi

import (
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mentorium/billing/internal/processor"
	"github.com/mentorium/billing/internal/server/http/common"
	"github.com/mentorium/billing/internal/service/reconciliation"
	"github.com/mentorium/billing/pkg/api-billing/v1/model"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// WebhookVerifier authenticates a raw processor delivery and parses it into
// the neutral event form.
type WebhookVerifier interface {
	VerifyWebhook(ctx context.Context, payload []byte, signature string) (*processor.Event, error)
}

// Reconciler applies a verified event to the local subscription state.
type Reconciler interface {
	Apply(ctx context.Context, evt *processor.Event) (reconciliation.Outcome, error)
}

type Handler struct {
	verifier   WebhookVerifier
	reconciler Reconciler
	logger     *zerolog.Logger
}

func New(verifier WebhookVerifier, reconciler Reconciler, logger *zerolog.Logger) *Handler {
	log := logger.With().Str("channel", "webhook_api").Logger()

	return &Handler{
		verifier:   verifier,
		reconciler: reconciler,
		logger:     &log,
	}
}

type receiptResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

// ReceiveStripe ingests one Stripe webhook delivery. Anything short of a
// retryable failure answers 2xx; Stripe redelivers on every other status
// and the reconciler absorbs duplicates anyway.
// POST /api/webhook/v1/stripe
func (h *Handler) ReceiveStripe(c echo.Context) error {
	ctx := c.Request().Context()

	payload, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return common.ValidationErrorResponse(c, "unable to read request body")
	}

	signature := c.Request().Header.Get("Stripe-Signature")

	evt, err := h.verifier.VerifyWebhook(ctx, payload, signature)
	switch {
	case errors.Is(err, processor.ErrSignatureVerification):
		h.logger.Warn().Err(err).Msg("webhook signature rejected")
		return common.UnauthorizedResponse(c, "invalid webhook signature")
	case errors.Is(err, processor.ErrUnhandledEvent):
		// Event types outside the subscription lifecycle are acknowledged so
		// the processor stops redelivering them.
		return c.JSON(200, receiptResponse{Received: true})
	case err != nil:
		h.logger.Warn().Err(err).Msg("webhook payload rejected")
		return common.ValidationErrorResponse(c, "malformed webhook payload")
	}

	outcome, err := h.reconciler.Apply(ctx, evt)
	if err != nil || outcome == reconciliation.OutcomeFailed {
		h.logger.Error().Err(err).
			Str("event_id", evt.ID).
			Str("event_kind", string(evt.Kind)).
			Msg("event not applied, requesting redelivery")

		return c.JSON(http.StatusInternalServerError, &model.ErrorResponse{Message: "event not applied", Status: "internal_error"})
	}

	return c.JSON(200, receiptResponse{Received: true, Outcome: string(outcome)})
}
