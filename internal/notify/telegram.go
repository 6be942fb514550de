package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/clawmon/internal/bus"
)

// TelegramChannel implements Channel for Telegram. Alerts go to a fixed
// chat; the bot never polls for updates.
type TelegramChannel struct {
	chatID int64
	logger *slog.Logger
	bot    *tgbotapi.BotAPI
}

// NewTelegramChannel creates a Telegram alert channel. It validates the
// token against the Bot API once at construction.
func NewTelegramChannel(token string, chatID int64, logger *slog.Logger) (*TelegramChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	logger.Info("telegram alert channel ready", "user", bot.Self.UserName)
	return &TelegramChannel{chatID: chatID, logger: logger, bot: bot}, nil
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) AgentOffline(ctx context.Context, agentID string, at time.Time) error {
	text := fmt.Sprintf("⚠️ Agent %s went offline at %s (no events past the staleness threshold).",
		agentID, at.UTC().Format(time.RFC3339))
	return t.send(ctx, text)
}

func (t *TelegramChannel) UsageDigest(ctx context.Context, digest bus.UsageDigest) error {
	if len(digest.Agents) == 0 {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Usage digest %s\n", digest.GeneratedAt.UTC().Format("2006-01-02 15:04"))
	for _, a := range digest.Agents {
		fmt.Fprintf(&b, "%s: %d msgs / %d tools / %d errors (5h), %d msgs (week)\n",
			a.AgentID, a.Msgs5h, a.Tools5h, a.Errors5h, a.MsgsWeek)
	}
	return t.send(ctx, b.String())
}

func (t *TelegramChannel) send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
