package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/metabot/internal/channels"
	"github.com/nextlevelbuilder/metabot/internal/config"
)

const dedupTTL = 5 * time.Minute

// MessageHandler consumes parsed incoming messages. The bridge
// implements it.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg channels.IncomingMessage)
}

// Bot connects a Feishu app to a message handler over the long
// connection.
type Bot struct {
	cfg       *config.BotConfig
	client    *Client
	ws        *WSClient
	handler   MessageHandler
	botOpenID string
	dedup     sync.Map // message_id -> struct{}
}

// NewBot builds the Feishu listener for one configured bot.
func NewBot(cfg *config.BotConfig, client *Client, handler MessageHandler) *Bot {
	b := &Bot{
		cfg:     cfg,
		client:  client,
		handler: handler,
	}
	b.ws = NewWSClient(cfg.AppID, cfg.AppSecret, resolveDomain(cfg.Domain), b)
	return b
}

// Start probes the bot identity and runs the long connection until ctx
// is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	openID, err := b.client.GetBotInfo(ctx)
	if err != nil {
		slog.Warn("feishu bot probe failed, mention detection disabled",
			"bot", b.cfg.Name, "error", err)
	} else {
		b.botOpenID = openID
		slog.Info("feishu bot connected", "bot", b.cfg.Name, "bot_open_id", openID)
	}
	return b.ws.Run(ctx)
}

// Stop tears down the long connection.
func (b *Bot) Stop() {
	b.ws.Close()
}

// HandleEvent implements EventHandler for the long connection.
func (b *Bot) HandleEvent(ctx context.Context, payload []byte) error {
	var event MessageEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("parse event: %w", err)
	}
	if event.Header.EventType != "im.message.receive_v1" {
		return nil
	}
	b.handleMessageEvent(ctx, &event)
	return nil
}

func (b *Bot) handleMessageEvent(ctx context.Context, event *MessageEvent) {
	messageID := event.Event.Message.MessageID
	if messageID == "" {
		return
	}
	if b.isDuplicate(messageID) {
		slog.Debug("feishu message deduplicated", "message_id", messageID)
		return
	}

	// Group chats only react when the bot is mentioned.
	if event.Event.Message.ChatType == "group" && !mentionsBot(event, b.botOpenID) {
		return
	}

	msg := parseIncoming(event, b.botOpenID)
	if msg == nil {
		slog.Debug("feishu message type ignored",
			"message_id", messageID, "type", event.Event.Message.MessageType)
		return
	}

	slog.Debug("feishu message received",
		"bot", b.cfg.Name,
		"chat_id", msg.ChatID,
		"user_id", msg.UserID,
		"has_attachment", msg.HasAttachment(),
	)
	b.handler.HandleMessage(ctx, *msg)
}

// isDuplicate reports whether messageID was already processed; the
// platform redelivers events that are not acked in time.
func (b *Bot) isDuplicate(messageID string) bool {
	_, loaded := b.dedup.LoadOrStore(messageID, struct{}{})
	if !loaded {
		go func() {
			time.Sleep(dedupTTL)
			b.dedup.Delete(messageID)
		}()
	}
	return loaded
}
