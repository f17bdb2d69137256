package notify

import (
	"fmt"
	"log/slog"
	"time"

	"syncwake/internal/config"
	"syncwake/internal/domain"
)

// NewInvoker builds the invoker selected by notify.target.
func NewInvoker(cfg config.NotifyConfig, logger *slog.Logger) (domain.Invoker, error) {
	switch cfg.Target {
	case "", "none":
		return NoopInvoker{}, nil
	case "command":
		return NewCommandInvoker(CommandConfig{
			Path:    cfg.Command.Path,
			Args:    cfg.Command.Args,
			Timeout: time.Duration(cfg.Command.TimeoutSeconds) * time.Second,
			Logger:  logger,
		}), nil
	case "webhook":
		return NewWebhookInvoker(WebhookConfig{
			URL:     cfg.Webhook.URL,
			Secret:  cfg.Webhook.Secret,
			Timeout: time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second,
		}), nil
	case "telegram":
		return NewTelegramInvoker(TelegramInvokerConfig{Token: cfg.Telegram.Token})
	case "slack":
		return NewSlackInvoker(SlackInvokerConfig{BotToken: cfg.Slack.BotToken}), nil
	case "discord":
		return NewDiscordInvoker(cfg.Discord.Token)
	default:
		return nil, fmt.Errorf("unknown notify target %q", cfg.Target)
	}
}
