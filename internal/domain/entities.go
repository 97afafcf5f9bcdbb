package domain

import "time"

// AuthStatus описывает состояние авторизации канала назначения.
type AuthStatus string

const (
	AuthStatusPending       AuthStatus = "pending"
	AuthStatusConnected     AuthStatus = "connected"
	AuthStatusTokenRevoked  AuthStatus = "token_revoked"
	AuthStatusAPINotEnabled AuthStatus = "api_not_enabled"
	AuthStatusFailed        AuthStatus = "failed"
)

// Channel описывает канал назначения, принимающий загрузки роликов.
type Channel struct {
	ID         int64
	OwnerID    int64
	ExternalID string
	Title      string
	AuthStatus AuthStatus
	Timezone   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Connected сообщает, может ли канал в принципе принимать загрузки.
func (c Channel) Connected() bool {
	return c.AuthStatus == AuthStatusConnected
}

// Location возвращает часовой пояс канала, UTC при отсутствии или ошибке.
func (c Channel) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RotationStrategy задаёт алгоритм выбора канала внутри пула.
type RotationStrategy string

const (
	StrategyQuotaBased RotationStrategy = "quota_based"
	StrategyRoundRobin RotationStrategy = "round_robin"
	StrategyPriority   RotationStrategy = "priority"
)

// PoolMember хранит членство канала в пуле ротации.
type PoolMember struct {
	PoolID       int64
	ChannelID    int64
	Priority     int
	FallbackOnly bool
	Channel      Channel
}

// ChannelPool описывает группу каналов с общей стратегией ротации.
type ChannelPool struct {
	ID        int64
	OwnerID   int64
	Name      string
	Strategy  RotationStrategy
	Active    bool
	Cursor    int
	Members   []PoolMember
	CreatedAt time.Time
}

// Destination описывает назначение расписания: одиночный канал или пул.
type Destination struct {
	Channel *Channel
	Pool    *ChannelPool
}

// ScheduleStatus описывает состояние расписания.
type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "active"
	SchedulePaused ScheduleStatus = "paused"
)

// Schedule связывает исходный аккаунт с назначением и временами публикации.
type Schedule struct {
	ID            int64
	OwnerID       int64
	SourceAccount string
	ChannelID     *int64
	PoolID        *int64
	Slots         []string
	Timezone      string
	Status        ScheduleStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Location возвращает часовой пояс расписания, UTC при отсутствии или ошибке.
func (s Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DueSlot возвращает канонический момент слота, если текущая минута совпадает
// с одним из времён расписания в его часовом поясе.
func (s Schedule) DueSlot(now time.Time) (time.Time, bool) {
	local := now.In(s.Location())
	current := local.Format("15:04")
	for _, slot := range s.Slots {
		if slot == current {
			return local.Truncate(time.Minute), true
		}
	}
	return time.Time{}, false
}

// NextSlotAfter возвращает ближайшее будущее вхождение одного из слотов slots.
// Пустой список слотов возвращает fallback.
func NextSlotAfter(slots []string, after time.Time, loc *time.Location, fallback time.Time) time.Time {
	local := after.In(loc)
	best := time.Time{}
	for _, slot := range slots {
		parsed, err := time.Parse("15:04", slot)
		if err != nil {
			continue
		}
		candidate := time.Date(local.Year(), local.Month(), local.Day(), parsed.Hour(), parsed.Minute(), 0, 0, loc)
		if !candidate.After(local) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		if best.IsZero() || candidate.Before(best) {
			best = candidate
		}
	}
	if best.IsZero() {
		return fallback
	}
	return best
}

// SourceItem описывает импортируемый ролик из подсистемы скрапинга.
type SourceItem struct {
	ID            int64
	SourceAccount string
	ExternalID    string
	DownloadURL   string
	Title         string
	Published     bool
	DiscoveredAt  time.Time
}

// QueueStatus описывает статус задачи очереди публикаций.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusPublished  QueueStatus = "published"
	QueueStatusFailed     QueueStatus = "failed"
)

// Terminal сообщает, является ли статус конечным.
func (s QueueStatus) Terminal() bool {
	return s == QueueStatusPublished || s == QueueStatusFailed
}

// PublishPhase описывает фазу выполнения публикации.
type PublishPhase string

const (
	PhaseDownloading PublishPhase = "downloading"
	PhaseUploading   PublishPhase = "uploading"
	PhaseFinalizing  PublishPhase = "finalizing"
)

// QueueEntry описывает одну единицу запланированной работы публикации.
type QueueEntry struct {
	ID            int64
	JobID         string
	ScheduleID    int64
	SourceItemID  int64
	ChannelID     int64
	VariantID     *int64
	ScheduledAt   time.Time
	Status        QueueStatus
	Phase         PublishPhase
	Progress      int
	Attempts      int
	NextAttemptAt *time.Time
	PublishedURL  string
	ErrorMessage  string
	ErrorPhase    string
	Item          SourceItem
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RetryDelay возвращает задержку перед повтором после attempts неудачных попыток.
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(1<<attempts) * time.Minute
}
