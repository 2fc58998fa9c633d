package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/burrow/internal/bus"
)

// jidPrefix namespaces Telegram chat identifiers: "tg:<chatID>".
const jidPrefix = "tg:"

// TelegramChannel bridges Telegram chats to the orchestrator.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	handler    InboundHandler
	logger     *slog.Logger
	eventBus   *bus.Bus
	bot        *tgbotapi.BotAPI
}

// NewTelegramChannel creates a Telegram channel. allowedIDs lists the user
// IDs permitted to talk to the agent; everyone else is logged and ignored.
// When eventBus is non-nil the channel delivers every message.outbound event
// whose identifier it owns.
func NewTelegramChannel(token string, allowedIDs []int64, handler InboundHandler, logger *slog.Logger, eventBus *bus.Bus) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		handler:    handler,
		logger:     logger,
		eventBus:   eventBus,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// OwnsIdentifier reports whether chatJID is a Telegram identifier.
func (t *TelegramChannel) OwnsIdentifier(chatJID string) bool {
	return strings.HasPrefix(chatJID, jidPrefix)
}

// ChatJID builds the canonical identifier for a Telegram chat ID.
func ChatJID(chatID int64) string {
	return jidPrefix + strconv.FormatInt(chatID, 10)
}

// SendMessage delivers text to a Telegram chat.
func (t *TelegramChannel) SendMessage(chatJID, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram not started")
	}
	id, err := parseJID(chatJID)
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(id, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func parseJID(chatJID string) (int64, error) {
	raw, ok := strings.CutPrefix(chatJID, jidPrefix)
	if !ok {
		return 0, fmt.Errorf("not a telegram identifier: %s", chatJID)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad telegram chat id %q: %w", raw, err)
	}
	return id, nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	if t.eventBus != nil {
		go t.deliverOutbound(ctx)
	}

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or no
// updates arrive within the stall window. The library blocks rather than
// closing the channel when the connection dies, so silence means disconnect.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" || t.handler == nil {
		return
	}
	t.handler(ctx, ChatJID(msg.Chat.ID), content)
}

// deliverOutbound sends agent-authored messages published on the bus.
func (t *TelegramChannel) deliverOutbound(ctx context.Context) {
	sub := t.eventBus.Subscribe(bus.TopicMessageOutbound)
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			msg, ok := ev.Payload.(bus.OutboundMessage)
			if !ok || !t.OwnsIdentifier(msg.ChatJID) {
				continue
			}
			if err := t.SendMessage(msg.ChatJID, msg.Text); err != nil {
				t.logger.Error("telegram outbound failed", "chat_jid", msg.ChatJID, "error", err)
			}
		}
	}
}
