package notify

import (
	"context"
	"fmt"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pair_bot/internal/modules/config"
	"pair_bot/pkg/logger"
)

// Notifier — канал уведомлений о событиях пары: ликвидация, закрытие цикла,
// фатальные ошибки. Отправка fire-and-forget, ошибка доставки не влияет на цикл.
type Notifier interface {
	Send(ctx context.Context, msg string)
	Sendf(ctx context.Context, format string, args ...any)
}

// New выбирает реализацию: telegram при заданном токене, иначе stdout.
func New(cfg *config.Config) Notifier {
	if cfg.Telegram.Token == "" || cfg.Telegram.ChatID == 0 {
		return NewStdout()
	}

	t, err := NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
	if err != nil {
		logger.Error("notify: telegram init failed, falling back to stdout: %v", err)
		return NewStdout()
	}

	return t
}

// Telegram шлёт сообщения в один чат через Bot API.
type Telegram struct {
	bot    *tgbot.BotAPI
	chatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("NewTelegram: %w", err)
	}

	return &Telegram{bot: b, chatID: chatID}, nil
}

func (t *Telegram) Send(_ context.Context, msg string) {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return
	}
	if _, err := t.bot.Send(tgbot.NewMessage(t.chatID, msg)); err != nil {
		logger.Error("notify: telegram send: %v", err)
	}
}

func (t *Telegram) Sendf(ctx context.Context, format string, args ...any) {
	t.Send(ctx, fmt.Sprintf(format, args...))
}

// Stdout — фолбэк без telegram-конфига, пишет в общий лог.
type Stdout struct{}

func NewStdout() *Stdout { return &Stdout{} }

func (s *Stdout) Send(_ context.Context, msg string) {
	logger.Info("notify: %s", msg)
}

func (s *Stdout) Sendf(ctx context.Context, format string, args ...any) {
	s.Send(ctx, fmt.Sprintf(format, args...))
}
