// Package telegram implements the Telegram sender and long-polling
// listener on top of mymmrac/telego.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/metabot/internal/channels"
	"github.com/nextlevelbuilder/metabot/internal/config"
)

// MessageHandler consumes parsed incoming messages. The bridge
// implements it.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg channels.IncomingMessage)
}

// Bot long-polls Telegram updates and feeds them to a handler.
type Bot struct {
	cfg      *config.BotConfig
	bot      *telego.Bot
	handler  MessageHandler
	cancel   context.CancelFunc
	pollDone chan struct{}
}

// NewTelegoBot builds the underlying API client. proxy may be empty.
func NewTelegoBot(token, proxy string) (*telego.Bot, error) {
	var opts []telego.BotOption
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}
	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return bot, nil
}

// NewBot builds the listener for one configured bot.
func NewBot(cfg *config.BotConfig, bot *telego.Bot, handler MessageHandler) *Bot {
	return &Bot{cfg: cfg, bot: bot, handler: handler}
}

// Start long-polls until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.pollDone = make(chan struct{})

	updates, err := b.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	slog.Info("telegram bot connected", "bot", b.cfg.Name, "username", b.bot.Username())

	defer close(b.pollDone)
	for {
		select {
		case <-pollCtx.Done():
			return pollCtx.Err()
		case update, ok := <-updates:
			if !ok {
				slog.Info("telegram updates channel closed", "bot", b.cfg.Name)
				return nil
			}
			if update.Message != nil {
				b.handleUpdate(pollCtx, update.Message)
			}
		}
	}
}

// Stop cancels polling and waits for the update loop to exit so that
// Telegram releases the getUpdates lock before a restart.
func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.pollDone != nil {
		select {
		case <-b.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling did not exit within timeout", "bot", b.cfg.Name)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, message *telego.Message) {
	msg := parseMessage(message, b.bot.Username())
	if msg == nil {
		return
	}
	slog.Debug("telegram message received",
		"bot", b.cfg.Name,
		"chat_id", msg.ChatID,
		"user_id", msg.UserID,
		"has_attachment", msg.HasAttachment(),
	)
	b.handler.HandleMessage(ctx, *msg)
}

// parseMessage converts a Telegram message into the platform-neutral
// shape. Group messages that do not mention the bot return nil.
func parseMessage(message *telego.Message, botUsername string) *channels.IncomingMessage {
	user := message.From
	if user == nil {
		return nil
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	if isGroup && !detectMention(message, botUsername) {
		return nil
	}

	text := message.Text
	if message.Caption != "" {
		if text != "" {
			text += "\n"
		}
		text += message.Caption
	}
	text = stripMention(text, botUsername)

	chatType := "p2p"
	if isGroup {
		chatType = "group"
	}
	msg := &channels.IncomingMessage{
		MessageID: strconv.Itoa(message.MessageID),
		ChatID:    strconv.FormatInt(message.Chat.ID, 10),
		ChatType:  chatType,
		UserID:    strconv.FormatInt(user.ID, 10),
		Text:      text,
	}

	switch {
	case len(message.Photo) > 0:
		// Photo sizes are ordered small to large; take the largest.
		msg.ImageKey = message.Photo[len(message.Photo)-1].FileID
	case message.Document != nil:
		msg.FileKey = message.Document.FileID
		msg.FileName = message.Document.FileName
	default:
		if msg.Text == "" {
			return nil
		}
	}
	return msg
}

// detectMention reports whether the message addresses the bot: an
// @mention in text or caption, a /command@bot, or a reply to the bot.
func detectMention(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	at := "@" + strings.ToLower(botUsername)

	for _, text := range []string{msg.Text, msg.Caption} {
		if text != "" && strings.Contains(strings.ToLower(text), at) {
			return true
		}
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		if strings.EqualFold(msg.ReplyToMessage.From.Username, botUsername) {
			return true
		}
	}
	return false
}

// stripMention removes the bot's @mention from text.
func stripMention(text, botUsername string) string {
	if botUsername == "" {
		return strings.TrimSpace(text)
	}
	at := "@" + botUsername
	if idx := strings.Index(strings.ToLower(text), strings.ToLower(at)); idx >= 0 {
		text = text[:idx] + text[idx+len(at):]
	}
	return strings.TrimSpace(text)
}
