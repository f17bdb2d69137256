package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"syncwake/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxBuffered = 500

type TelegramConfig struct {
	Token string
	// APIEndpoint overrides the Bot API URL template ("https://api.telegram.org/bot%s/%s").
	APIEndpoint string
	// Timeout bounds every Bot API request; getUpdates ignores contexts.
	Timeout time.Duration
	Logger  *slog.Logger
}

// TelegramAPI implements domain.ChatAPI on top of Bot API getUpdates. The
// Bot API has no history endpoint, so received messages are buffered per
// chat and served from memory.
type TelegramAPI struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger

	poll   chan struct{} // one getUpdates drain at a time; waiters honor ctx
	offset int

	mu    sync.Mutex
	chats map[int64]*telegramChat
}

type telegramChat struct {
	label   string
	isGroup bool
	msgs    []domain.ChatMessage // ascending by id
}

func NewTelegramAPI(cfg TelegramConfig) (*TelegramAPI, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, &http.Client{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	cfg.Logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return &TelegramAPI{
		bot:    bot,
		logger: cfg.Logger.With("platform", domain.PlatformTelegram),
		poll:   make(chan struct{}, 1),
		chats:  make(map[int64]*telegramChat),
	}, nil
}

func (t *TelegramAPI) Platform() string { return domain.PlatformTelegram }

func (t *TelegramAPI) ListEntities(ctx context.Context) ([]domain.EntityDescriptor, error) {
	if err := t.refresh(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.EntityDescriptor, 0, len(t.chats))
	for id, c := range t.chats {
		out = append(out, domain.EntityDescriptor{
			NativeID: strconv.FormatInt(id, 10),
			Label:    c.label,
			IsGroup:  c.isGroup,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NativeID < out[j].NativeID })
	return out, nil
}

func (t *TelegramAPI) FetchSince(ctx context.Context, nativeID string, cursor int64) ([]domain.ChatMessage, error) {
	chatID, err := strconv.ParseInt(nativeID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q: %w", nativeID, err)
	}
	if err := t.refresh(ctx); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chats[chatID]
	if !ok {
		return nil, nil
	}
	i := sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].ID > cursor })
	return append([]domain.ChatMessage(nil), c.msgs[i:]...), nil
}

// refresh drains pending updates into the per-chat buffers.
func (t *TelegramAPI) refresh(ctx context.Context) error {
	select {
	case t.poll <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.poll }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		u := tgbotapi.NewUpdate(t.offset)
		u.Limit = 100
		u.Timeout = 0
		updates, err := t.bot.GetUpdates(u)
		if err != nil {
			return fmt.Errorf("%w: telegram getUpdates: %v", domain.ErrTransientSource, err)
		}
		for _, update := range updates {
			if update.UpdateID >= t.offset {
				t.offset = update.UpdateID + 1
			}
			t.handleUpdate(update)
		}
		if len(updates) < u.Limit {
			return nil
		}
	}
}

func (t *TelegramAPI) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil || msg.Chat == nil {
		return
	}

	cm := domain.ChatMessage{
		ID:        int64(msg.MessageID),
		Timestamp: time.Unix(int64(msg.Date), 0),
		Body:      msg.Text,
		Caption:   msg.Caption,
	}
	switch {
	case msg.From != nil:
		cm.Sender = telegramUserName(msg.From)
		cm.FromSelf = msg.From.ID == t.bot.Self.ID
	case msg.SenderChat != nil:
		cm.Sender = msg.SenderChat.Title
	default:
		cm.Sender = msg.Chat.Title
	}
	cm.AttachmentKind = telegramAttachment(msg)
	if cm.Sender == "" && !cm.FromSelf {
		cm.Malformed = "message without sender"
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chats[msg.Chat.ID]
	if !ok {
		c = &telegramChat{}
		t.chats[msg.Chat.ID] = c
	}
	c.label = telegramChatName(msg.Chat)
	c.isGroup = !msg.Chat.IsPrivate()

	if n := len(c.msgs); n > 0 && c.msgs[n-1].ID >= cm.ID {
		// Out of order or duplicate; keep the buffer sorted and unique.
		i := sort.Search(n, func(i int) bool { return c.msgs[i].ID >= cm.ID })
		if i < n && c.msgs[i].ID == cm.ID {
			return
		}
		c.msgs = append(c.msgs, domain.ChatMessage{})
		copy(c.msgs[i+1:], c.msgs[i:])
		c.msgs[i] = cm
	} else {
		c.msgs = append(c.msgs, cm)
	}
	if len(c.msgs) > telegramMaxBuffered {
		c.msgs = c.msgs[len(c.msgs)-telegramMaxBuffered:]
	}
	t.logger.Debug("telegram message buffered", "chat_id", msg.Chat.ID, "message_id", cm.ID)
}

func telegramUserName(u *tgbotapi.User) string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name != "" {
		return name
	}
	if u.UserName != "" {
		return u.UserName
	}
	return fmt.Sprintf("User_%d", u.ID)
}

func telegramChatName(c *tgbotapi.Chat) string {
	if c.Title != "" {
		return c.Title
	}
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name != "" {
		return name
	}
	if c.UserName != "" {
		return c.UserName
	}
	return fmt.Sprintf("Chat_%d", c.ID)
}

func telegramAttachment(m *tgbotapi.Message) string {
	switch {
	case len(m.Photo) > 0:
		return "photo"
	case m.Video != nil:
		return "video"
	case m.Voice != nil:
		return "voice"
	case m.Audio != nil:
		return "audio"
	case m.Document != nil:
		if m.Document.FileName != "" {
			return "file:" + m.Document.FileName
		}
		return "document"
	case m.Sticker != nil, m.Animation != nil, m.VideoNote != nil:
		return "media"
	}
	return ""
}
