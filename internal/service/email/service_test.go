package email

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMessage(t *testing.T) {
	settings := &Settings{
		FromName:  "Mentorium",
		FromEmail: "billing@mentorium.io",
	}

	msg := string(buildMessage(settings, SendParams{
		To:      "learner@example.com",
		Subject: "Payment receipt",
		Body:    "<p>Thanks!</p>",
	}))

	assert.Contains(t, msg, "From: Mentorium <billing@mentorium.io>\r\n")
	assert.Contains(t, msg, "To: learner@example.com\r\n")
	assert.Contains(t, msg, "Subject: Payment receipt\r\n")
	assert.Contains(t, msg, "Content-Type: text/html; charset=\"UTF-8\"\r\n")

	headers, body, found := strings.Cut(msg, "\r\n\r\n")
	require.True(t, found, "headers and body are separated by a blank line")
	assert.NotEmpty(t, headers)
	assert.Equal(t, "<p>Thanks!</p>", body)
}

func TestRenderPaymentFailedTemplate(t *testing.T) {
	body := renderPaymentFailedTemplate("Ada", "Pro", time.Date(2025, 7, 14, 0, 0, 0, 0, time.UTC))

	assert.Contains(t, body, "Hello <strong>Ada</strong>")
	assert.Contains(t, body, "Pro")
	assert.Contains(t, body, "July 14, 2025")
	assert.Contains(t, body, "Update Payment Method")
}

func TestRenderSubscriptionEndedTemplate(t *testing.T) {
	body := renderSubscriptionEndedTemplate("", "Starter")

	assert.Contains(t, body, "Hello <strong>there</strong>", "missing contact name falls back to a generic greeting")
	assert.Contains(t, body, "Your Starter subscription has ended")
	assert.Contains(t, body, "free tier")
}

func TestRenderReceiptTemplate(t *testing.T) {
	body := renderReceiptTemplate("Ada", "Enterprise", "199.00", "USD", time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))

	assert.Contains(t, body, "199.00 USD")
	assert.Contains(t, body, "Paid through August 1, 2025")
	assert.Contains(t, body, "Enterprise")
}
