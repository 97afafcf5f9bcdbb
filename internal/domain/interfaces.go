package domain

import (
	"context"
	"time"
)

// ChannelRepo управляет каналами назначения.
type ChannelRepo interface {
	GetChannel(ctx context.Context, id int64) (Channel, error)
	ListOwnerChannels(ctx context.Context, ownerID int64) ([]Channel, error)
	UpdateAuthStatus(ctx context.Context, channelID int64, status AuthStatus) error
}

// PoolRepo управляет пулами ротации.
type PoolRepo interface {
	GetPool(ctx context.Context, id int64) (ChannelPool, error)
	AddPoolMember(ctx context.Context, member PoolMember) error
	RemovePoolMember(ctx context.Context, poolID, channelID int64) error
	// AdvanceCursor сдвигает курсор round-robin, только если он не изменился
	// с момента чтения. Возвращает false при проигрыше гонки.
	AdvanceCursor(ctx context.Context, poolID int64, from, to int) (bool, error)
}

// ScheduleRepo управляет расписаниями.
type ScheduleRepo interface {
	CreateSchedule(ctx context.Context, schedule Schedule) (Schedule, error)
	GetSchedule(ctx context.Context, id int64) (Schedule, error)
	ListActiveSchedules(ctx context.Context) ([]Schedule, error)
	SetScheduleStatus(ctx context.Context, id int64, status ScheduleStatus) error
	// AcquireSlot регистрирует слот и возвращает true, если запись была создана.
	// При конфликте возвращает false без ошибки.
	AcquireSlot(ctx context.Context, scheduleID int64, slotAt time.Time) (bool, error)
}

// SourceFeed выдаёт следующий неопубликованный ролик исходного аккаунта.
type SourceFeed interface {
	NextUnqueued(ctx context.Context, sourceAccount string) (SourceItem, error)
}

// QueueRepo управляет очередью публикаций.
type QueueRepo interface {
	EnqueueEntry(ctx context.Context, entry QueueEntry) (QueueEntry, error)
	GetEntry(ctx context.Context, id int64) (QueueEntry, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]QueueEntry, error)
	ListOwnerEntries(ctx context.Context, ownerID int64, limit, offset int) ([]QueueEntry, error)
	// ClaimProcessing атомарно переводит queued в processing.
	ClaimProcessing(ctx context.Context, id int64) (QueueEntry, bool, error)
	UpdateProgress(ctx context.Context, id int64, phase PublishPhase, percent int) error
	// MarkPublished завершает задачу успехом. Возвращает false, если задача
	// уже была завершена (повторная обработка — no-op).
	MarkPublished(ctx context.Context, id int64, url string) (bool, error)
	// MarkFailed завершает задачу окончательной неудачей с той же идемпотентностью.
	MarkFailed(ctx context.Context, id int64, attempts int, msg string, phase PublishPhase) (bool, error)
	// ScheduleRetry возвращает задачу в очередь с отложенным временем попытки.
	ScheduleRetry(ctx context.Context, id int64, attempts int, nextAt time.Time, msg string, phase PublishPhase) error
	// RetryEntry возвращает провалившуюся задачу в очередь вручную.
	RetryEntry(ctx context.Context, id int64) error
	CancelQueued(ctx context.Context, ownerID int64) (int64, error)
	ClearStuck(ctx context.Context, olderThan time.Time) (int64, error)
}

// UsageRepo отвечает за дневные счётчики загрузок каналов.
type UsageRepo interface {
	// DailyUploads возвращает число загрузок канала за локальный день day.
	DailyUploads(ctx context.Context, channelID int64, day time.Time) (int, error)
	RecordUpload(ctx context.Context, channelID int64, day time.Time) error
}

// HealthRepo хранит записи здоровья каналов.
type HealthRepo interface {
	// GetHealth возвращает запись канала, для неизвестного канала — пустую.
	GetHealth(ctx context.Context, channelID int64) (HealthRecord, error)
	// MutateHealth применяет fn к записи под блокировкой строки.
	MutateHealth(ctx context.Context, channelID int64, fn func(HealthRecord) HealthRecord) (HealthRecord, error)
	// TryStartProbe атомарно резервирует пробную попытку half_open.
	TryStartProbe(ctx context.Context, channelID int64, now time.Time) (bool, error)
}

// ABTestRepo управляет экспериментами.
type ABTestRepo interface {
	CreateTest(ctx context.Context, test ABTest) (ABTest, error)
	GetTest(ctx context.Context, id int64) (ABTest, error)
	// GetRunningBySchedule возвращает запущенный эксперимент расписания
	// или ErrTestNotFound.
	GetRunningBySchedule(ctx context.Context, scheduleID int64) (ABTest, error)
	RecordAssignment(ctx context.Context, variantID int64) error
	RecordOutcome(ctx context.Context, variantID int64, success bool) error
	SetTestStatus(ctx context.Context, id int64, status ABTestStatus) error
	CompleteTest(ctx context.Context, id int64, winnerID *int64) error
}

// StatsRepo агрегирует исторические исходы публикаций для оценки времени.
type StatsRepo interface {
	HourlyOutcomes(ctx context.Context, channelID int64, since time.Time) ([]HourStats, error)
}

// SubscriptionLookup возвращает подписку владельца из биллинга.
type SubscriptionLookup interface {
	GetSubscription(ctx context.Context, ownerID int64) (Subscription, error)
}

// QuotaTracker считает дневную ёмкость каналов.
type QuotaTracker interface {
	// Remaining возвращает остаток загрузок на локальный день канала.
	// -1 означает отсутствие лимита.
	Remaining(ctx context.Context, channel Channel, at time.Time) (int, error)
	RecordUpload(ctx context.Context, channel Channel, at time.Time) error
}

// HealthGate решает, допускается ли канал к публикации.
type HealthGate interface {
	// Eligible проверяет цепь без резервирования пробной попытки.
	Eligible(ctx context.Context, channelID int64, now time.Time) (bool, error)
	// Admit допускает канал к публикации, резервируя пробу для half_open.
	Admit(ctx context.Context, channelID int64, now time.Time) (bool, error)
}

// HealthReporter фиксирует исходы публикаций в мониторе здоровья.
type HealthReporter interface {
	RecordSuccess(ctx context.Context, channelID int64, now time.Time) error
	RecordFailure(ctx context.Context, channelID int64, perr *PublishError, msg string, now time.Time) (HealthRecord, error)
}

// ChannelSelector выбирает канал назначения для слота публикации.
type ChannelSelector interface {
	Select(ctx context.Context, dest Destination, now time.Time) (Channel, error)
}

// VariantAssigner выдаёт вариант A/B-эксперимента для новой загрузки.
type VariantAssigner interface {
	AssignVariant(ctx context.Context, scheduleID int64) (*ABVariant, error)
}

// OutcomeRecorder фиксирует терминальный исход загрузки в эксперименте.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, variantID *int64, success bool) error
}

// ProgressFunc получает фазу и процент выполнения публикации.
type ProgressFunc func(phase PublishPhase, percent int)

// PublishResult описывает успешную публикацию.
type PublishResult struct {
	URL string
}

// Publisher выполняет внешнюю операцию публикации ролика.
type Publisher interface {
	Publish(ctx context.Context, item SourceItem, channel Channel, onProgress ProgressFunc) (PublishResult, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}
