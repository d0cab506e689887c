// Package telegram adapts the chat transport for the notifier and the
// command handlers. Outbound sends are rate-limited globally; delivery
// rejections are classified so callers can stop messaging dead chats.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

var (
	// ErrBlocked means the user blocked the bot.
	ErrBlocked = errors.New("telegram: bot blocked by user")
	// ErrChatNotFound means the chat id is gone or never existed.
	ErrChatNotFound = errors.New("telegram: chat not found")
)

// Unreachable reports whether the recipient can never be delivered to
// again and should be marked blocked.
func Unreachable(err error) bool {
	return errors.Is(err, ErrBlocked) || errors.Is(err, ErrChatNotFound)
}

type api interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Sender wraps the bot API with a global send interval. Telegram caps
// bots around 30 messages per second; the default interval stays under
// that with margin for the rest of the process.
type Sender struct {
	bot    api
	logger *zap.Logger

	mu       sync.Mutex
	lastSend time.Time
	interval time.Duration
}

func NewSender(bot *tgbotapi.BotAPI, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		bot:      bot,
		logger:   logger,
		interval: 50 * time.Millisecond,
	}
}

func (s *Sender) throttle(ctx context.Context) error {
	s.mu.Lock()
	wait := s.interval - time.Since(s.lastSend)
	s.lastSend = time.Now().Add(wait)
	s.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Send delivers a plain-text message.
func (s *Sender) Send(ctx context.Context, tgID int64, text string) error {
	msg := tgbotapi.NewMessage(tgID, text)
	return s.deliver(ctx, msg)
}

// SendWithMarkup delivers text with an inline keyboard passed through
// untouched.
func (s *Sender) SendWithMarkup(ctx context.Context, tgID int64, text string, markup tgbotapi.InlineKeyboardMarkup) error {
	msg := tgbotapi.NewMessage(tgID, text)
	msg.ReplyMarkup = markup
	return s.deliver(ctx, msg)
}

func (s *Sender) EditMessage(ctx context.Context, tgID int64, messageID int, text string) error {
	if err := s.throttle(ctx); err != nil {
		return err
	}
	_, err := s.bot.Send(tgbotapi.NewEditMessageText(tgID, messageID, text))
	return classify(err)
}

func (s *Sender) DeleteMessage(ctx context.Context, tgID int64, messageID int) error {
	if err := s.throttle(ctx); err != nil {
		return err
	}
	_, err := s.bot.Request(tgbotapi.NewDeleteMessage(tgID, messageID))
	return classify(err)
}

func (s *Sender) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := s.throttle(ctx); err != nil {
		return err
	}
	_, err := s.bot.Request(tgbotapi.NewCallback(callbackID, text))
	return classify(err)
}

func (s *Sender) deliver(ctx context.Context, msg tgbotapi.MessageConfig) error {
	if err := s.throttle(ctx); err != nil {
		return err
	}
	_, err := s.bot.Send(msg)
	if err != nil {
		err = classify(err)
		if Unreachable(err) {
			s.logger.Debug("recipient unreachable",
				zap.Int64("tg_id", msg.ChatID), zap.Error(err))
		}
	}
	return err
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "blocked by the user"), strings.Contains(text, "user is deactivated"):
		return ErrBlocked
	case strings.Contains(text, "chat not found"):
		return ErrChatNotFound
	}
	return err
}
