package domain

import (
	"context"
	"time"
)

// EventKind описывает тип уведомления движка.
type EventKind string

const (
	// EventUploadSucceeded — ролик опубликован.
	EventUploadSucceeded EventKind = "upload_succeeded"
	// EventUploadFailed — публикация окончательно провалилась.
	EventUploadFailed EventKind = "upload_failed"
	// EventNoChannel — для слота не нашлось доступного канала.
	EventNoChannel EventKind = "no_channel_available"
	// EventSchedulePaused — расписание остановлено (истёкшая подписка).
	EventSchedulePaused EventKind = "schedule_paused"
	// EventSourceDrained — у исходного аккаунта закончились новые ролики.
	EventSourceDrained EventKind = "source_drained"
)

// Event описывает уведомление для внешней доставки.
type Event struct {
	ID         string    `json:"event_id,omitempty"`
	Kind       EventKind `json:"kind"`
	OwnerID    int64     `json:"owner_id"`
	ScheduleID int64     `json:"schedule_id,omitempty"`
	ChannelID  int64     `json:"channel_id,omitempty"`
	EntryID    int64     `json:"entry_id,omitempty"`
	Message    string    `json:"message,omitempty"`
	URL        string    `json:"url,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventAckFunc подтверждает обработку или возвращает событие в очередь.
type EventAckFunc func(success bool) error

// EventQueue описывает очередь уведомлений движка.
type EventQueue interface {
	Enqueue(ctx context.Context, event Event) error
	Receive(ctx context.Context) (Event, EventAckFunc, error)
}
