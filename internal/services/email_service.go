package services

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/fortexa/loginguard/internal/models"
	pkglogger "github.com/fortexa/loginguard/pkg/logger"
)

// EmailService defines the interface for sending emails
type EmailService interface {
	SendVerificationCode(ctx context.Context, email, code string, expiresAt time.Time) error
	SendSecurityAlert(ctx context.Context, to string, event *models.SecurityEvent) error
}

// SESClient is the part of the SES client used here
type SESClient interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// AWSSESEmailService sends emails using AWS SES
type AWSSESEmailService struct {
	sesClient   SESClient
	fromAddress string
	logger      *slog.Logger
}

// NewAWSSESEmailService creates a new AWS SES email service
func NewAWSSESEmailService(region, fromAddress string, logger *slog.Logger) (*AWSSESEmailService, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewSESEmailServiceWithClient(ses.NewFromConfig(cfg), fromAddress, logger), nil
}

// NewSESEmailServiceWithClient wraps an existing client.
func NewSESEmailServiceWithClient(client SESClient, fromAddress string, logger *slog.Logger) *AWSSESEmailService {
	return &AWSSESEmailService{
		sesClient:   client,
		fromAddress: fromAddress,
		logger:      logger,
	}
}

// SendVerificationCode emails the one-time code of an MFA challenge
func (s *AWSSESEmailService) SendVerificationCode(ctx context.Context, email, code string, expiresAt time.Time) error {
	minutes := int(time.Until(expiresAt).Round(time.Minute).Minutes())
	if minutes < 1 {
		minutes = 1
	}

	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .code { font-size: 28px; letter-spacing: 6px; font-weight: bold; padding: 12px 0; }
        .footer { color: #666; font-size: 12px; margin-top: 20px; padding-top: 20px; border-top: 1px solid #eee; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Confirm it's you</h1>
        <p>We noticed a sign-in that needs an extra check. Enter this code to continue:</p>
        <p class="code">%s</p>
        <p>The code expires in %d minutes.</p>
        <p><strong>Wasn't you?</strong> Change your password. The sign-in stays blocked without this code.</p>
        <div class="footer">
            <p>This is an automated message. Please do not reply to this email.</p>
        </div>
    </div>
</body>
</html>
`, code, minutes)

	textBody := fmt.Sprintf(`Confirm it's you

We noticed a sign-in that needs an extra check. Enter this code to continue:

%s

The code expires in %d minutes.

Wasn't you? Change your password. The sign-in stays blocked without this code.
`, code, minutes)

	return s.send(ctx, email, "Your sign-in verification code", htmlBody, textBody, "verification code")
}

// SendSecurityAlert emails a summary of a security event
func (s *AWSSESEmailService) SendSecurityAlert(ctx context.Context, to string, event *models.SecurityEvent) error {
	subject := fmt.Sprintf("[%s] Security alert: %s", event.Severity, humanEventType(event.EventType))

	var details strings.Builder
	fmt.Fprintf(&details, "Event: %s\n", event.EventType)
	fmt.Fprintf(&details, "Severity: %s\n", event.Severity)
	fmt.Fprintf(&details, "Time: %s\n", event.CreatedAt.UTC().Format(time.RFC1123))
	if event.IPAddress != "" {
		fmt.Fprintf(&details, "IP address: %s\n", event.IPAddress)
	}
	if event.Email != "" {
		fmt.Fprintf(&details, "Account: %s\n", pkglogger.SanitizedEmail(event.Email))
	}
	fmt.Fprintf(&details, "\n%s\n", event.Description)

	textBody := details.String()
	htmlBody := "<pre>" + html.EscapeString(textBody) + "</pre>"

	return s.send(ctx, to, subject, htmlBody, textBody, "security alert")
}

func (s *AWSSESEmailService) send(ctx context.Context, to, subject, htmlBody, textBody, kind string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data: aws.String(htmlBody),
				},
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send email via SES",
			slog.String("kind", kind),
			slog.String("email", pkglogger.SanitizedEmail(to)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("email sent",
		slog.String("kind", kind),
		slog.String("email", pkglogger.SanitizedEmail(to)),
		slog.String("message_id", aws.ToString(result.MessageId)))
	return nil
}

// LogEmailService writes emails to the log instead of sending them. Used
// when EMAIL_ENABLED is off.
type LogEmailService struct {
	logger *slog.Logger
}

func NewLogEmailService(logger *slog.Logger) *LogEmailService {
	return &LogEmailService{logger: logger}
}

func (s *LogEmailService) SendVerificationCode(_ context.Context, email, _ string, expiresAt time.Time) error {
	s.logger.Info("verification code not emailed, email disabled",
		slog.String("email", pkglogger.SanitizedEmail(email)),
		slog.Time("expires_at", expiresAt))
	return nil
}

func (s *LogEmailService) SendSecurityAlert(_ context.Context, to string, event *models.SecurityEvent) error {
	s.logger.Info("security alert not emailed, email disabled",
		slog.String("to", pkglogger.SanitizedEmail(to)),
		slog.String("event_type", event.EventType),
		slog.String("severity", string(event.Severity)))
	return nil
}

func humanEventType(t string) string {
	return strings.ToLower(strings.ReplaceAll(t, "_", " "))
}
