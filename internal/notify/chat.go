package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"syncwake/internal/domain"

	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/slack-go/slack"
)

const (
	telegramMaxMsgLen = 4096
	slackMaxMsgLen    = 4000
	discordMaxMsgLen  = 2000
)

type TelegramInvokerConfig struct {
	Token       string
	APIEndpoint string // tgbotapi endpoint format; empty uses the public Bot API
}

// TelegramInvoker sends the message to the recipient chat id through the
// Bot API.
type TelegramInvoker struct {
	bot *tgbotapi.BotAPI
}

func NewTelegramInvoker(cfg TelegramInvokerConfig) (*TelegramInvoker, error) {
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &TelegramInvoker{bot: bot}, nil
}

func (t *TelegramInvoker) Name() string { return "telegram" }

func (t *TelegramInvoker) Invoke(ctx context.Context, inv domain.Invocation) error {
	chatID, err := strconv.ParseInt(inv.Recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram recipient %q is not a chat id", inv.Recipient)
	}
	for _, chunk := range splitMessage(inv.Message, telegramMaxMsgLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

type SlackInvokerConfig struct {
	BotToken string
	APIURL   string // empty uses slack.com
}

// SlackInvoker posts to the recipient channel with chat.postMessage.
type SlackInvoker struct {
	client *slack.Client
}

func NewSlackInvoker(cfg SlackInvokerConfig) *SlackInvoker {
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &SlackInvoker{client: slack.New(cfg.BotToken, opts...)}
}

func (s *SlackInvoker) Name() string { return "slack" }

func (s *SlackInvoker) Invoke(ctx context.Context, inv domain.Invocation) error {
	for _, chunk := range splitMessage(inv.Message, slackMaxMsgLen) {
		if _, _, err := s.client.PostMessageContext(ctx, inv.Recipient, slack.MsgOptionText(chunk, false)); err != nil {
			return fmt.Errorf("slack post: %w", err)
		}
	}
	return nil
}

// DiscordInvoker sends a channel message over the REST API. No gateway
// connection is opened.
type DiscordInvoker struct {
	session *discordgo.Session
}

func NewDiscordInvoker(token string) (*DiscordInvoker, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordInvoker{session: session}, nil
}

func (d *DiscordInvoker) Name() string { return "discord" }

func (d *DiscordInvoker) Invoke(ctx context.Context, inv domain.Invocation) error {
	for _, chunk := range splitMessage(inv.Message, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(inv.Recipient, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

// splitMessage splits a message into chunks that fit within the max length,
// trying to split on newlines when possible.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
