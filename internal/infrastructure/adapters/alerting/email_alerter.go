package alerting

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/pix-service/pix_service/internal/domain/entities"
)

// EmailConfig configures the SendGrid alert channel
type EmailConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	To        string
}

type mailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// EmailAlerter emails alerts to the operations inbox through SendGrid
type EmailAlerter struct {
	cfg    EmailConfig
	client mailSender
	logger *zap.Logger
}

// NewEmailAlerter creates a SendGrid alerter
func NewEmailAlerter(cfg EmailConfig, logger *zap.Logger) (*EmailAlerter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("sendgrid api key is required")
	}
	if strings.TrimSpace(cfg.FromEmail) == "" || strings.TrimSpace(cfg.To) == "" {
		return nil, fmt.Errorf("alert from and to addresses are required")
	}
	return &EmailAlerter{
		cfg:    cfg,
		client: sendgrid.NewSendClient(cfg.APIKey),
		logger: logger,
	}, nil
}

// Alert implements Alerter
func (a *EmailAlerter) Alert(ctx context.Context, alert entities.OperatorAlert) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	from := mail.NewEmail(a.cfg.FromName, a.cfg.FromEmail)
	to := mail.NewEmail("", a.cfg.To)
	text := textBody(alert)
	htmlContent := "<pre>" + html.EscapeString(text) + "</pre>"
	message := mail.NewSingleEmail(from, subject(alert), to, text, htmlContent)

	response, err := a.client.SendWithContext(ctx, message)
	if err != nil {
		a.logger.Error("Failed to send alert email",
			zap.String("transaction_id", alert.TransactionID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	if response.StatusCode >= 400 {
		a.logger.Error("Email service returned error",
			zap.String("transaction_id", alert.TransactionID.String()),
			zap.Int("status_code", response.StatusCode),
			zap.String("response_body", response.Body))
		return fmt.Errorf("email service error: status %d, body: %s", response.StatusCode, response.Body)
	}

	a.logger.Info("Alert email sent",
		zap.String("transaction_id", alert.TransactionID.String()),
		zap.String("severity", alert.Severity),
		zap.Int("status_code", response.StatusCode))
	return nil
}
