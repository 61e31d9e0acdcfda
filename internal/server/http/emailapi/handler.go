package emailapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/mentorium/billing/internal/server/http/common"
	"github.com/mentorium/billing/internal/service/email"
	"github.com/mentorium/billing/pkg/api-billing/v1/model"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Handler struct {
	emailService *email.Service
	logger       *zerolog.Logger
}

func New(emailService *email.Service, logger *zerolog.Logger) *Handler {
	log := logger.With().Str("channel", "email_api").Logger()
	return &Handler{emailService: emailService, logger: &log}
}

type SettingsResponse struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`
	IsActive  bool   `json:"is_active"`
}

type UpdateSettingsRequest struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`
	IsActive  bool   `json:"is_active"`
}

func settingsToResponse(settings *email.Settings) *SettingsResponse {
	// The password never leaves the service.
	return &SettingsResponse{
		SMTPHost:  settings.SMTPHost,
		SMTPPort:  settings.SMTPPort,
		SMTPUser:  settings.SMTPUser,
		FromName:  settings.FromName,
		FromEmail: settings.FromEmail,
		IsActive:  settings.IsActive,
	}
}

// GetSettings returns the current SMTP settings (password masked)
// GET /internal/v1/email/settings
func (h *Handler) GetSettings(c echo.Context) error {
	ctx := c.Request().Context()

	settings, err := h.emailService.GetSettings(ctx)
	if err != nil {
		// An unconfigured service renders as an empty form.
		return c.JSON(http.StatusOK, &SettingsResponse{})
	}

	return c.JSON(200, settingsToResponse(settings))
}

// UpdateSettings replaces the SMTP settings
// PUT /internal/v1/email/settings
func (h *Handler) UpdateSettings(c echo.Context) error {
	ctx := c.Request().Context()

	var req UpdateSettingsRequest
	if err := c.Bind(&req); err != nil {
		return common.ValidationErrorResponse(c, "invalid request body")
	}

	if req.IsActive && (req.SMTPHost == "" || req.FromEmail == "") {
		return common.ValidationErrorResponse(c, "smtp_host and from_email are required to activate email")
	}

	// A blank password in the form keeps the stored one.
	if req.SMTPPass == "" {
		if current, err := h.emailService.GetSettings(ctx); err == nil {
			req.SMTPPass = current.SMTPPass
		}
	}

	updated, err := h.emailService.UpdateSettings(ctx, &email.Settings{
		SMTPHost:  req.SMTPHost,
		SMTPPort:  req.SMTPPort,
		SMTPUser:  req.SMTPUser,
		SMTPPass:  req.SMTPPass,
		FromName:  req.FromName,
		FromEmail: req.FromEmail,
		IsActive:  req.IsActive,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("unable to update email settings")
		return c.JSON(http.StatusInternalServerError, &model.ErrorResponse{
			Message: "unable to update email settings",
			Status:  "internal_error",
		})
	}

	return c.JSON(200, settingsToResponse(updated))
}

// TestEmail sends a test message to the configured sender address
// POST /internal/v1/email/test
func (h *Handler) TestEmail(c echo.Context) error {
	ctx := c.Request().Context()

	settings, err := h.emailService.GetSettings(ctx)
	if err != nil {
		return c.JSON(http.StatusBadRequest, &model.ErrorResponse{
			Message: "no email settings configured",
			Status:  "validation_error",
		})
	}

	err = h.emailService.Send(ctx, email.SendParams{
		To:       settings.FromEmail,
		Subject:  "[Mentorium] Test Email",
		Body:     "<h2>Test Email</h2><p>This is a test email from Mentorium Billing. Your SMTP settings are working correctly.</p>",
		Template: "test",
	})

	switch {
	case errors.Is(err, email.ErrDisabled):
		return common.ValidationErrorResponse(c, "email sending is disabled")
	case err != nil:
		h.logger.Error().Err(err).Str("to", settings.FromEmail).Msg("test email failed")
		return c.JSON(http.StatusInternalServerError, &model.ErrorResponse{
			Message: "test email failed: " + err.Error(),
			Status:  "internal_error",
		})
	}

	return c.JSON(200, map[string]string{"message": "Test email sent to " + settings.FromEmail})
}

// GetLogs returns recent email log entries
// GET /internal/v1/email/logs?limit=50&offset=0
func (h *Handler) GetLogs(c echo.Context) error {
	ctx := c.Request().Context()

	limit := 50
	offset := 0
	if l := c.QueryParam("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}
	if o := c.QueryParam("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			offset = v
		}
	}

	logs, total, err := h.emailService.GetLogs(ctx, limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Msg("unable to get email logs")
		return c.JSON(http.StatusInternalServerError, &model.ErrorResponse{
			Message: "unable to get email logs",
			Status:  "internal_error",
		})
	}

	return c.JSON(200, map[string]interface{}{
		"results": logs,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}
