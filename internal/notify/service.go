package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cdlib/ezidcore/internal/repository"
)

// Service is the daemon's notification collaborator (spec.md §4.J DoPoll:
// "if the owner's registrar-notification email is non-empty, send an email
// with identifier, status display, and message").
type Service interface {
	// SendRegistrarNotice notifies to (if non-empty) that identifier's
	// registrar submission reached statusDisplay, with message as detail.
	// Delivery failures are logged, not returned — the daemon's write-back
	// of the status into the identifier's metadata already succeeded and
	// must not be undone by a notification hiccup.
	SendRegistrarNotice(ctx context.Context, to, identifier, statusDisplay, message string) error
}

type service struct {
	email   *emailSender
	webhook *webhookSender
	logger  *zap.Logger
}

// Config holds the dependencies required to build a notify Service.
type Config struct {
	SettingsRepo repository.SettingsRepository
	Logger       *zap.Logger
}

// NewService creates a notify Service. Email and webhook senders are wired
// internally, reloading settings on every send.
func NewService(cfg Config) Service {
	return &service{
		email: newEmailSender(func(ctx context.Context) (*SMTPConfig, error) {
			return loadSMTPConfig(ctx, cfg.SettingsRepo)
		}),
		webhook: newWebhookSender(func(ctx context.Context) (*WebhookConfig, error) {
			return loadWebhookConfig(ctx, cfg.SettingsRepo)
		}),
		logger: cfg.Logger.Named("notify"),
	}
}

func (s *service) SendRegistrarNotice(ctx context.Context, to, identifier, statusDisplay, message string) error {
	title := fmt.Sprintf("Registration %s: %s", statusDisplay, identifier)
	body := fmt.Sprintf("Identifier %s registration reached status %q.\n\n%s", identifier, statusDisplay, message)

	var recipients []string
	if to != "" {
		recipients = []string{to}
	}

	if err := s.email.Send(ctx, recipients, title, body); err != nil {
		s.logger.Warn("registrar notice email delivery failed",
			zap.String("identifier", identifier), zap.Error(err))
	}

	payload := map[string]any{
		"identifier": identifier,
		"status":     statusDisplay,
		"message":    message,
	}
	if err := s.webhook.Send(ctx, "registrar_status", title, body, payload); err != nil {
		s.logger.Warn("registrar notice webhook delivery failed",
			zap.String("identifier", identifier), zap.Error(err))
	}

	return nil
}
