// Package email sends transactional billing notices over SMTP and keeps an
// audit log of every delivery attempt.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mentorium/billing/internal/bus"
	"github.com/mentorium/billing/internal/service/plan"
	"github.com/mentorium/billing/internal/service/subscription"
)

var (
	ErrNotConfigured   = errors.New("no email settings configured")
	ErrDisabled        = errors.New("email sending is disabled")
	ErrContactNotFound = errors.New("billing contact not found")
)

const (
	templatePaymentFailed     = "payment_failed"
	templateSubscriptionEnded = "subscription_ended"
	templatePaymentReceipt    = "payment_receipt"

	handlerTimeout = 15 * time.Second
)

// SubscriptionSource resolves the subscription a notice talks about.
type SubscriptionSource interface {
	GetCurrent(ctx context.Context, accountID uuid.UUID) (*subscription.Subscription, error)
}

type Service struct {
	db     *pgxpool.Pool
	plans  *plan.Service
	subs   SubscriptionSource
	logger *zerolog.Logger
}

type Settings struct {
	ID        int64     `json:"id"`
	SMTPHost  string    `json:"smtp_host"`
	SMTPPort  int       `json:"smtp_port"`
	SMTPUser  string    `json:"smtp_user"`
	SMTPPass  string    `json:"smtp_pass"`
	FromName  string    `json:"from_name"`
	FromEmail string    `json:"from_email"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

type LogEntry struct {
	ID           int64     `json:"id"`
	ToEmail      string    `json:"to_email"`
	Subject      string    `json:"subject"`
	Template     string    `json:"template"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}

// Contact is where billing notices for an account go. Written at checkout,
// the only point where the platform hands the billing address over.
type Contact struct {
	AccountID uuid.UUID `json:"account_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SendParams struct {
	To       string
	Subject  string
	Body     string
	Template string
}

func New(db *pgxpool.Pool, plans *plan.Service, subs SubscriptionSource, logger *zerolog.Logger) *Service {
	log := logger.With().Str("channel", "email_service").Logger()

	return &Service{db: db, plans: plans, subs: subs, logger: &log}
}

// BindSubscriptions attaches the notice senders to the event bus. Handlers
// run asynchronously and never block reconciliation.
func (s *Service) BindSubscriptions(eventBus *bus.Bus) error {
	if err := eventBus.Subscribe(bus.TopicSubscriptionPastDue, func(evt bus.SubscriptionEvent) {
		s.onPaymentFailed(evt)
	}); err != nil {
		return err
	}

	if err := eventBus.Subscribe(bus.TopicSubscriptionCanceled, func(evt bus.SubscriptionEvent) {
		s.onSubscriptionEnded(evt)
	}); err != nil {
		return err
	}

	return eventBus.Subscribe(bus.TopicInvoicePaid, func(evt bus.InvoiceEvent) {
		s.onInvoicePaid(evt)
	})
}

// GetSettings returns the current email settings.
func (s *Service) GetSettings(ctx context.Context) (*Settings, error) {
	query := `SELECT id, smtp_host, smtp_port, smtp_user, smtp_pass, from_name, from_email, is_active, updated_at
	          FROM email_settings ORDER BY id LIMIT 1`

	var settings Settings
	err := s.db.QueryRow(ctx, query).Scan(
		&settings.ID, &settings.SMTPHost, &settings.SMTPPort, &settings.SMTPUser,
		&settings.SMTPPass, &settings.FromName, &settings.FromEmail,
		&settings.IsActive, &settings.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get email settings")
	}

	return &settings, nil
}

// UpdateSettings replaces the settings row.
func (s *Service) UpdateSettings(ctx context.Context, settings *Settings) (*Settings, error) {
	query := `INSERT INTO email_settings (id, smtp_host, smtp_port, smtp_user, smtp_pass, from_name, from_email, is_active, updated_at)
	          VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
	          ON CONFLICT (id) DO UPDATE SET
	            smtp_host = $1, smtp_port = $2, smtp_user = $3, smtp_pass = $4,
	            from_name = $5, from_email = $6, is_active = $7, updated_at = $8
	          RETURNING id, smtp_host, smtp_port, smtp_user, smtp_pass, from_name, from_email, is_active, updated_at`

	var updated Settings
	err := s.db.QueryRow(ctx, query,
		settings.SMTPHost, settings.SMTPPort, settings.SMTPUser, settings.SMTPPass,
		settings.FromName, settings.FromEmail, settings.IsActive, time.Now(),
	).Scan(
		&updated.ID, &updated.SMTPHost, &updated.SMTPPort, &updated.SMTPUser,
		&updated.SMTPPass, &updated.FromName, &updated.FromEmail,
		&updated.IsActive, &updated.UpdatedAt,
	)

	if err != nil {
		return nil, errors.Wrap(err, "failed to update email settings")
	}

	return &updated, nil
}

// EnsureSettings seeds the settings row from deployment configuration when
// none exists yet. An operator-edited row always wins.
func (s *Service) EnsureSettings(ctx context.Context, defaults Settings) error {
	query := `INSERT INTO email_settings (id, smtp_host, smtp_port, smtp_user, smtp_pass, from_name, from_email, is_active, updated_at)
	          VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
	          ON CONFLICT (id) DO NOTHING`

	_, err := s.db.Exec(ctx, query,
		defaults.SMTPHost, defaults.SMTPPort, defaults.SMTPUser, defaults.SMTPPass,
		defaults.FromName, defaults.FromEmail, defaults.IsActive, time.Now(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to seed email settings")
	}

	return nil
}

// UpsertContact records where billing notices for an account should go.
func (s *Service) UpsertContact(ctx context.Context, accountID uuid.UUID, address, name string) error {
	query := `INSERT INTO billing_contacts (account_id, email, name, updated_at)
	          VALUES ($1, $2, $3, $4)
	          ON CONFLICT (account_id) DO UPDATE SET email = $2, name = $3, updated_at = $4`

	_, err := s.db.Exec(ctx, query, accountID, address, name, time.Now())
	if err != nil {
		return errors.Wrap(err, "failed to upsert billing contact")
	}

	return nil
}

func (s *Service) GetContact(ctx context.Context, accountID uuid.UUID) (*Contact, error) {
	query := `SELECT account_id, email, name, updated_at FROM billing_contacts WHERE account_id = $1`

	var contact Contact
	err := s.db.QueryRow(ctx, query, accountID).Scan(
		&contact.AccountID, &contact.Email, &contact.Name, &contact.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrContactNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get billing contact")
	}

	return &contact, nil
}

// Send delivers one email using the configured SMTP settings and logs the
// attempt either way.
func (s *Service) Send(ctx context.Context, params SendParams) error {
	settings, err := s.GetSettings(ctx)
	if err != nil {
		return err
	}

	if !settings.IsActive {
		return ErrDisabled
	}

	msg := buildMessage(settings, params)
	addr := fmt.Sprintf("%s:%d", settings.SMTPHost, settings.SMTPPort)
	auth := smtp.PlainAuth("", settings.SMTPUser, settings.SMTPPass, settings.SMTPHost)

	if err := deliver(addr, settings.SMTPHost, auth, settings.FromEmail, params.To, msg); err != nil {
		s.logEmail(ctx, params.To, params.Subject, params.Template, "failed", err.Error())
		return errors.Wrap(err, "failed to send email")
	}

	s.logEmail(ctx, params.To, params.Subject, params.Template, "sent", "")
	s.logger.Info().Str("to", params.To).Str("template", params.Template).Msg("email sent")

	return nil
}

// GetLogs returns delivery attempts, newest first.
func (s *Service) GetLogs(ctx context.Context, limit, offset int) ([]*LogEntry, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM email_log").Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count email logs")
	}

	query := `SELECT id, to_email, subject, template, status, COALESCE(error_message, ''), created_at
	          FROM email_log ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list email logs")
	}
	defer rows.Close()

	var logs []*LogEntry
	for rows.Next() {
		var entry LogEntry
		err := rows.Scan(&entry.ID, &entry.ToEmail, &entry.Subject, &entry.Template, &entry.Status, &entry.ErrorMessage, &entry.CreatedAt)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan email log")
		}
		logs = append(logs, &entry)
	}

	return logs, total, nil
}

func (s *Service) onPaymentFailed(evt bus.SubscriptionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	contact, err := s.GetContact(ctx, evt.AccountID)
	if err != nil {
		s.skipNotice(evt.AccountID, templatePaymentFailed, err)
		return
	}

	// At most one dunning notice per address per calendar month.
	sent, err := s.sentThisMonth(ctx, contact.Email, templatePaymentFailed)
	if err == nil && sent {
		s.logger.Debug().Str("to", contact.Email).Msg("dunning notice already sent this month")
		return
	}

	planName := s.planName(evt.PlanID)
	err = s.Send(ctx, SendParams{
		To:       contact.Email,
		Subject:  fmt.Sprintf("[Mentorium] Payment failed for your %s subscription", planName),
		Body:     renderPaymentFailedTemplate(contact.Name, planName, evt.PeriodEnd),
		Template: templatePaymentFailed,
	})
	if err != nil {
		s.skipNotice(evt.AccountID, templatePaymentFailed, err)
	}
}

func (s *Service) onSubscriptionEnded(evt bus.SubscriptionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	contact, err := s.GetContact(ctx, evt.AccountID)
	if err != nil {
		s.skipNotice(evt.AccountID, templateSubscriptionEnded, err)
		return
	}

	planName := s.planName(evt.PlanID)
	err = s.Send(ctx, SendParams{
		To:       contact.Email,
		Subject:  fmt.Sprintf("[Mentorium] Your %s subscription has ended", planName),
		Body:     renderSubscriptionEndedTemplate(contact.Name, planName),
		Template: templateSubscriptionEnded,
	})
	if err != nil {
		s.skipNotice(evt.AccountID, templateSubscriptionEnded, err)
	}
}

func (s *Service) onInvoicePaid(evt bus.InvoiceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	contact, err := s.GetContact(ctx, evt.AccountID)
	if err != nil {
		s.skipNotice(evt.AccountID, templatePaymentReceipt, err)
		return
	}

	sub, err := s.subs.GetCurrent(ctx, evt.AccountID)
	if err != nil {
		s.logger.Warn().Err(err).Str("account_id", evt.AccountID.String()).Msg("unable to load subscription for receipt")
		return
	}
	if !sub.Paying() {
		return
	}

	planName := s.planName(sub.PlanID)
	err = s.Send(ctx, SendParams{
		To:       contact.Email,
		Subject:  fmt.Sprintf("[Mentorium] Payment receipt for your %s subscription", planName),
		Body:     renderReceiptTemplate(contact.Name, planName, sub.Amount.StringFixed(2), sub.Currency, sub.CurrentPeriodEnd),
		Template: templatePaymentReceipt,
	})
	if err != nil {
		s.skipNotice(evt.AccountID, templatePaymentReceipt, err)
	}
}

func (s *Service) skipNotice(accountID uuid.UUID, tmpl string, err error) {
	switch {
	case errors.Is(err, ErrContactNotFound):
		s.logger.Debug().Str("account_id", accountID.String()).Str("template", tmpl).Msg("no billing contact on file")
	case errors.Is(err, ErrDisabled), errors.Is(err, ErrNotConfigured):
		s.logger.Debug().Str("template", tmpl).Msg("email sending disabled")
	default:
		s.logger.Warn().Err(err).Str("account_id", accountID.String()).Str("template", tmpl).Msg("unable to send billing notice")
	}
}

func (s *Service) sentThisMonth(ctx context.Context, to, tmpl string) (bool, error) {
	query := `SELECT COUNT(*) FROM email_log
	          WHERE to_email = $1 AND template = $2 AND status = 'sent'
	          AND created_at >= date_trunc('month', NOW())`

	var count int
	if err := s.db.QueryRow(ctx, query, to, tmpl).Scan(&count); err != nil {
		return false, errors.Wrap(err, "failed to check email log")
	}

	return count > 0, nil
}

func (s *Service) planName(planID string) string {
	pl, err := s.plans.GetByID(planID)
	if err != nil {
		return planID
	}

	return pl.Name
}

func (s *Service) logEmail(ctx context.Context, to, subject, tmpl, status, errMsg string) {
	query := `INSERT INTO email_log (to_email, subject, template, status, error_message, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.Exec(ctx, query, to, subject, tmpl, status, errMsg, time.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to log email")
	}
}

func buildMessage(settings *Settings, params SendParams) []byte {
	from := fmt.Sprintf("%s <%s>", settings.FromName, settings.FromEmail)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", params.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", params.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(params.Body)

	return []byte(b.String())
}

// deliver connects over implicit TLS first and falls back to the plain
// dialer, which negotiates STARTTLS when the server offers it.
func deliver(addr, host string, auth smtp.Auth, from, to string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return smtp.SendMail(addr, auth, from, []string{to}, msg)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return errors.Wrap(err, "failed to create SMTP client")
	}
	defer client.Close()

	if err := client.Auth(auth); err != nil {
		return errors.Wrap(err, "SMTP auth failed")
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	return client.Quit()
}

func greetName(name string) string {
	if name == "" {
		return "there"
	}

	return name
}

func renderPaymentFailedTemplate(name, planName string, periodEnd time.Time) string {
	tmplStr := `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <div style="background: #0f172a; padding: 24px; border-radius: 8px 8px 0 0;">
    <h1 style="color: #fff; margin: 0; font-size: 20px;">Mentorium</h1>
  </div>
  <div style="border: 1px solid #e2e8f0; border-top: none; padding: 24px; border-radius: 0 0 8px 8px;">
    <h2 style="color: #ff4d4f; margin-top: 0;">Payment Failed</h2>
    <p>Hello <strong>{{.Name}}</strong>, we could not collect payment for your <strong>{{.PlanName}}</strong> subscription.</p>
    <div style="background: #fff1f0; border: 1px solid #ffccc7; padding: 16px; border-radius: 8px; margin: 16px 0;">
      <p style="margin: 4px 0;">Your plan benefits stay available while we retry the charge.</p>
      <p style="margin: 4px 0;"><strong>Paid period ends:</strong> {{.PeriodEnd}}</p>
    </div>
    <p>Please update your payment method to keep your workspace on the {{.PlanName}} plan.</p>
    <a href="https://app.mentorium.io/settings/billing" style="display: inline-block; background: #6366f1; color: #fff; padding: 12px 24px; border-radius: 6px; text-decoration: none; margin-top: 8px;">Update Payment Method</a>
    <hr style="border: none; border-top: 1px solid #e2e8f0; margin: 24px 0;">
    <p style="color: #94a3b8; font-size: 12px;">This is an automated message from Mentorium. Do not reply to this email.</p>
  </div>
</body>
</html>`

	data := struct {
		Name      string
		PlanName  string
		PeriodEnd string
	}{greetName(name), planName, periodEnd.Format("January 2, 2006")}

	tmpl, err := template.New("payment_failed").Parse(tmplStr)
	if err != nil {
		return fmt.Sprintf("<p>Payment for your %s subscription failed. Please update your payment method.</p>", planName)
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Sprintf("<p>Payment for your %s subscription failed. Please update your payment method.</p>", planName)
	}

	return buf.String()
}

func renderSubscriptionEndedTemplate(name, planName string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',sans-serif;max-width:600px;margin:0 auto;padding:20px;">
  <div style="background:#0f172a;padding:24px;border-radius:8px 8px 0 0;">
    <h1 style="color:#fff;margin:0;font-size:20px;">Mentorium</h1>
  </div>
  <div style="border:1px solid #e2e8f0;border-top:none;padding:24px;border-radius:0 0 8px 8px;">
    <h2 style="color:#0f172a;margin-top:0;">Your %s subscription has ended</h2>
    <p>Hello <strong>%s</strong>, your workspace is now on the free tier. Your projects and data are untouched, but paid features are no longer available.</p>
    <p>You can come back any time.</p>
    <a href="https://app.mentorium.io/settings/billing" style="display:inline-block;background:#6366f1;color:#fff;padding:12px 24px;border-radius:6px;text-decoration:none;margin-top:8px;">Choose a Plan</a>
    <hr style="border:none;border-top:1px solid #e2e8f0;margin:24px 0;">
    <p style="color:#94a3b8;font-size:12px;">This is an automated message from Mentorium. Do not reply to this email.</p>
  </div>
</body>
</html>`,
		planName,
		greetName(name),
	)
}

func renderReceiptTemplate(name, planName, amount, currency string, periodEnd time.Time) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',sans-serif;max-width:600px;margin:0 auto;padding:20px;">
  <div style="background:#0f172a;padding:24px;border-radius:8px 8px 0 0;">
    <h1 style="color:#fff;margin:0;font-size:20px;">Mentorium</h1>
  </div>
  <div style="border:1px solid #e2e8f0;border-top:none;padding:24px;border-radius:0 0 8px 8px;">
    <h2 style="color:#10b981;margin-top:0;">Payment Received</h2>
    <p>Hello <strong>%s</strong>, thanks for staying with us. Your <strong>%s</strong> subscription is paid up.</p>
    <div style="background:#f0fdf4;border:1px solid #bbf7d0;padding:16px;border-radius:8px;margin:16px 0;">
      <p style="margin:4px 0;font-size:24px;font-weight:700;color:#059669;">%s %s</p>
      <p style="margin:4px 0;color:#64748b;">Paid through %s</p>
    </div>
    <hr style="border:none;border-top:1px solid #e2e8f0;margin:24px 0;">
    <p style="color:#94a3b8;font-size:12px;">This is an automated notification from Mentorium. Manage your billing settings in your dashboard.</p>
  </div>
</body>
</html>`,
		greetName(name),
		planName,
		amount, currency,
		periodEnd.Format("January 2, 2006"),
	)
}
