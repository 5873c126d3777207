package channel

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"litchat/internal/domain"
	"litchat/internal/metrics"
	"litchat/internal/moderation"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramOutboxSize     = 64
	// TelegramAuthorPrefix marks the author IDs of messages bridged in
	// from Telegram.
	TelegramAuthorPrefix = "tg:"
)

// telegramSender is the part of the bot API the bridge sends through.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramConfig configures the Telegram bridge.
type TelegramConfig struct {
	Token     string
	ChatID    int64    // the group mirrored into the room
	AllowFrom []string // user IDs allowed to post; empty allows all
	ParseMode string

	Store      domain.MessageStore
	Events     domain.EventSource
	Moderation *moderation.Engine
	Logger     *slog.Logger
}

// Telegram mirrors room messages into a Telegram chat and posts messages
// from that chat into the room.
type Telegram struct {
	token     string
	chatID    int64
	allowFrom []int64
	parseMode string

	store  domain.MessageStore
	events domain.EventSource
	mod    *moderation.Engine
	sender telegramSender
	logger *slog.Logger

	outbox  chan domain.Message
	backoff time.Duration

	mu  sync.Mutex
	own map[string]struct{} // tokens of messages the bridge inserted
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		chatID:    cfg.ChatID,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		store:     cfg.Store,
		events:    cfg.Events,
		mod:       cfg.Moderation,
		logger:    cfg.Logger,
		outbox:    make(chan domain.Message, telegramOutboxSize),
		backoff:   time.Second,
		own:       make(map[string]struct{}),
	}
}

// Start connects to Telegram and bridges until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.sender = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	sub, err := t.events.Subscribe(t.onEvent)
	if err != nil {
		return fmt.Errorf("subscribe to events: %w", err)
	}
	defer sub.Unsubscribe()
	go t.deliver(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started", "chat_id", t.chatID)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram bridge stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// onEvent queues new room messages for the chat. It runs on the publisher's
// goroutine, so it never blocks.
func (t *Telegram) onEvent(ev domain.Event) {
	if ev.Kind != domain.EventInserted || ev.Message == nil {
		return
	}
	if t.takeOwn(ev.Message.Token) {
		return
	}
	select {
	case t.outbox <- *ev.Message:
	default:
		t.logger.Warn("telegram outbox full, message not mirrored", "id", ev.Message.ID)
	}
}

func (t *Telegram) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-t.outbox:
			if t.sendMessage(t.chatID, t.formatRelay(m)) {
				metrics.TelegramRelayed.WithLabelValues("out").Inc()
			}
		}
	}
}

func (t *Telegram) formatRelay(m domain.Message) string {
	if strings.EqualFold(t.parseMode, tgbotapi.ModeHTML) {
		return "<b>" + html.EscapeString(m.Author) + "</b>: " + html.EscapeString(m.Body)
	}
	return m.Author + ": " + m.Body
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}
	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if t.chatID != 0 && chatID != t.chatID {
		t.logger.Debug("telegram message from other chat ignored", "chat_id", chatID)
		return
	}
	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", update.Message.From.UserName,
		)
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}
	if update.Message.IsCommand() {
		t.handleCommand(chatID, update.Message)
		return
	}

	name := update.Message.From.UserName
	if name == "" {
		name = strings.TrimSpace(update.Message.From.FirstName + " " + update.Message.From.LastName)
	}
	if t.mod != nil {
		if err := t.mod.Check(text); err != nil {
			t.sendMessage(chatID, "Message not posted: "+err.Error())
			return
		}
	}

	msg := domain.Message{
		Token:    uuid.NewString(),
		Author:   name,
		AuthorID: TelegramAuthorPrefix + strconv.FormatInt(userID, 10),
		Body:     text,
	}
	t.markOwn(msg.Token)
	if _, err := t.store.Insert(ctx, msg); err != nil {
		t.takeOwn(msg.Token)
		t.logger.Error("telegram message not stored", "user_id", userID, "err", err)
		t.sendMessage(chatID, "Message not posted, please try again.")
		return
	}
	metrics.TelegramRelayed.WithLabelValues("in").Inc()
	t.logger.Info("telegram message bridged",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
	)
}

func (t *Telegram) handleCommand(chatID int64, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start", "help":
		t.sendMessage(chatID, "This chat is bridged to a LitChat room. Plain messages are posted to the room and room messages appear here.")
	case "id":
		t.sendMessage(chatID, fmt.Sprintf("Your ID: %d\nChat ID: %d", msg.From.ID, chatID))
	default:
		t.sendMessage(chatID, "Unknown command. Type /help for available commands.")
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	return len(t.allowFrom) == 0 || slices.Contains(t.allowFrom, userID)
}

func (t *Telegram) markOwn(token string) {
	t.mu.Lock()
	t.own[token] = struct{}{}
	t.mu.Unlock()
}

// takeOwn reports whether token belongs to the bridge and forgets it.
func (t *Telegram) takeOwn(token string) bool {
	if token == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.own[token]; ok {
		delete(t.own, token)
		return true
	}
	return false
}

// sendMessage splits text at Telegram's size limit and reports whether
// every chunk was delivered.
func (t *Telegram) sendMessage(chatID int64, text string) bool {
	ok := true
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if !t.sendChunk(chatID, chunk) {
			ok = false
		}
	}
	return ok
}

func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// sendChunk sends one chunk: formatted first, plain text if Telegram cannot
// parse the entities, with backoff on rate limits and transient errors.
func (t *Telegram) sendChunk(chatID int64, text string) bool {
	const maxRetries = telegramMaxSendRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}

		_, err := t.sender.Send(msg)
		if err == nil {
			return true
		}
		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * t.backoff
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram parse error, retrying as plain text",
				"err", err, "parseMode", t.parseMode,
			)
			if _, err2 := t.sender.Send(tgbotapi.NewMessage(chatID, text)); err2 == nil {
				return true
			}
		}

		if attempt < maxRetries {
			backoff := time.Duration(attempt+1) * t.backoff
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	}
	return false
}
