// Package notify delivers the registrar-notification emails spec.md §4.J
// DoPoll calls for ("if the owner's registrar-notification email is
// non-empty, send an email with identifier, status display, and message"),
// plus an optional outbound webhook channel for the same events. Settings
// are loaded from the generic settings store and reloaded on every send, so
// an operator can change SMTP/webhook configuration without restarting the
// daemon.
package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cdlib/ezidcore/internal/db"
	"github.com/cdlib/ezidcore/internal/repository"
)

// Setting keys used by the notify service. Namespaced to avoid collisions
// with other configuration.
const (
	KeySMTPHost     = "smtp.host"
	KeySMTPPort     = "smtp.port"
	KeySMTPUsername = "smtp.username"
	KeySMTPPassword = "smtp.password" // stored encrypted via EncryptedString
	KeySMTPFrom     = "smtp.from"
	KeySMTPTLS      = "smtp.tls" // "true" or "false"

	KeyWebhookURL     = "webhook.url"
	KeyWebhookSecret  = "webhook.secret"  // HMAC secret, stored encrypted
	KeyWebhookEnabled = "webhook.enabled" // "true" or "false"
)

// SMTPConfig holds the configuration needed to send emails via SMTP.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool
}

// WebhookConfig holds the configuration for the outbound HTTP webhook channel.
type WebhookConfig struct {
	URL     string
	Secret  string
	Enabled bool
}

func loadSMTPConfig(ctx context.Context, repo repository.SettingsRepository) (*SMTPConfig, error) {
	settings, err := repo.GetMany(ctx, "smtp.")
	if err != nil {
		return nil, fmt.Errorf("notify: failed to load smtp settings: %w", err)
	}
	if len(settings) == 0 {
		return nil, ErrConfigNotFound
	}

	idx := settingsIndex(settings)

	host := idx[KeySMTPHost]
	if host == "" {
		return nil, fmt.Errorf("%w: smtp.host is required", ErrInvalidConfig)
	}

	portStr := idx[KeySMTPPort]
	if portStr == "" {
		return nil, fmt.Errorf("%w: smtp.port is required", ErrInvalidConfig)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: smtp.port must be a valid port number", ErrInvalidConfig)
	}

	from := idx[KeySMTPFrom]
	if from == "" {
		return nil, fmt.Errorf("%w: smtp.from is required", ErrInvalidConfig)
	}

	return &SMTPConfig{
		Host:     host,
		Port:     port,
		Username: idx[KeySMTPUsername],
		Password: idx[KeySMTPPassword],
		From:     from,
		TLS:      idx[KeySMTPTLS] == "true",
	}, nil
}

func loadWebhookConfig(ctx context.Context, repo repository.SettingsRepository) (*WebhookConfig, error) {
	settings, err := repo.GetMany(ctx, "webhook.")
	if err != nil {
		return nil, fmt.Errorf("notify: failed to load webhook settings: %w", err)
	}
	if len(settings) == 0 {
		return nil, ErrConfigNotFound
	}

	idx := settingsIndex(settings)

	url := idx[KeyWebhookURL]
	if url == "" {
		return nil, fmt.Errorf("%w: webhook.url is required", ErrInvalidConfig)
	}

	return &WebhookConfig{
		URL:     url,
		Secret:  idx[KeyWebhookSecret],
		Enabled: idx[KeyWebhookEnabled] == "true",
	}, nil
}

func settingsIndex(settings []db.Setting) map[string]string {
	idx := make(map[string]string, len(settings))
	for _, s := range settings {
		idx[s.Key] = string(s.Value)
	}
	return idx
}
