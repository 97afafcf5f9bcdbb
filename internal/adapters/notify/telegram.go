package notify

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"reelcast/internal/domain"
	"reelcast/internal/infra/metrics"
)

// Notifier доставляет уведомления движка в операторский чат Telegram.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewNotifier создаёт доставщик уведомлений.
func NewNotifier(token string, chatID int64) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("создание бота: %w", err)
	}
	return &Notifier{bot: bot, chatID: chatID}, nil
}

// Notify отправляет одно уведомление.
func (n *Notifier) Notify(event domain.Event) error {
	msg := tgbotapi.NewMessage(n.chatID, formatEvent(event))
	msg.DisableWebPagePreview = true
	start := time.Now()
	_, err := n.bot.Send(msg)
	metrics.ObserveNetworkRequest("telegram", "send_message", "ops_chat", start, err)
	if err != nil {
		return fmt.Errorf("отправка уведомления: %w", err)
	}
	return nil
}

func formatEvent(event domain.Event) string {
	switch event.Kind {
	case domain.EventUploadSucceeded:
		if event.URL != "" {
			return fmt.Sprintf("✅ %s\n%s", event.Message, event.URL)
		}
		return fmt.Sprintf("✅ %s", event.Message)
	case domain.EventUploadFailed:
		return fmt.Sprintf("❌ Публикация провалена (задача %d): %s", event.EntryID, event.Message)
	case domain.EventNoChannel:
		return fmt.Sprintf("⚠️ Расписание %d: %s", event.ScheduleID, event.Message)
	case domain.EventSchedulePaused:
		return fmt.Sprintf("⏸ Расписание %d остановлено: %s", event.ScheduleID, event.Message)
	case domain.EventSourceDrained:
		return fmt.Sprintf("📭 Расписание %d: %s", event.ScheduleID, event.Message)
	default:
		return event.Message
	}
}
