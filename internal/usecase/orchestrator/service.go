package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"reelcast/internal/domain"
	"reelcast/internal/infra/metrics"
)

// Защита от повторного срабатывания слота при параллельных тиках.
const slotOnceTTL = time.Hour

// Service — оркестратор расписаний: превращает наступившие слоты
// в задачи очереди публикаций.
type Service struct {
	schedules domain.ScheduleRepo
	channels  domain.ChannelRepo
	pools     domain.PoolRepo
	feed      domain.SourceFeed
	queue     domain.QueueRepo
	selector  domain.ChannelSelector
	variants  domain.VariantAssigner
	billing   domain.SubscriptionLookup
	events    domain.EventQueue
	cache     domain.Cache
	logger    zerolog.Logger
}

// NewService создаёт оркестратор.
func NewService(
	schedules domain.ScheduleRepo,
	channels domain.ChannelRepo,
	pools domain.PoolRepo,
	feed domain.SourceFeed,
	queue domain.QueueRepo,
	selector domain.ChannelSelector,
	variants domain.VariantAssigner,
	billing domain.SubscriptionLookup,
	events domain.EventQueue,
	cache domain.Cache,
	logger zerolog.Logger,
) *Service {
	return &Service{
		schedules: schedules,
		channels:  channels,
		pools:     pools,
		feed:      feed,
		queue:     queue,
		selector:  selector,
		variants:  variants,
		billing:   billing,
		events:    events,
		cache:     cache,
		logger:    logger,
	}
}

// Tick обходит активные расписания и ставит задачи для наступивших слотов.
// Ошибка одного расписания не прерывает остальные.
func (s *Service) Tick(ctx context.Context, now time.Time) error {
	schedules, err := s.schedules.ListActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("получение активных расписаний: %w", err)
	}
	for _, sched := range schedules {
		if err := s.processSchedule(ctx, sched, now); err != nil {
			s.logger.Error().Err(err).Int64("schedule_id", sched.ID).Msg("orchestrator: обработка расписания")
		}
	}
	return nil
}

func (s *Service) processSchedule(ctx context.Context, sched domain.Schedule, now time.Time) error {
	slotAt, due := sched.DueSlot(now)
	if !due {
		return nil
	}

	sub, err := s.billing.GetSubscription(ctx, sched.OwnerID)
	if err != nil {
		return fmt.Errorf("получение подписки: %w", err)
	}
	if sub.DailyCeiling() == 0 {
		return s.pauseSchedule(ctx, sched, now)
	}

	key := fmt.Sprintf("slot:%d:%s", sched.ID, slotAt.UTC().Format(time.RFC3339))
	return s.cache.Once(ctx, key, slotOnceTTL, func() error {
		return s.fireSlot(ctx, sched, slotAt, now)
	})
}

// fireSlot ставит одну задачу для слота. Слот регистрируется в хранилище,
// второй оркестратор того же слота выходит без работы.
func (s *Service) fireSlot(ctx context.Context, sched domain.Schedule, slotAt, now time.Time) error {
	acquired, err := s.schedules.AcquireSlot(ctx, sched.ID, slotAt)
	if err != nil {
		return fmt.Errorf("регистрация слота: %w", err)
	}
	if !acquired {
		metrics.IncScheduleSlot("duplicate")
		return nil
	}

	dest, err := s.resolveDestination(ctx, sched)
	if err != nil {
		return err
	}

	channel, err := s.selector.Select(ctx, dest, now)
	if err != nil {
		if errors.Is(err, domain.ErrNoEligibleChannel) {
			metrics.IncScheduleSlot("no_channel")
			s.publishEvent(ctx, domain.Event{
				Kind:       domain.EventNoChannel,
				OwnerID:    sched.OwnerID,
				ScheduleID: sched.ID,
				Message:    "для слота не нашлось доступного канала",
				OccurredAt: now,
			})
			return nil
		}
		return fmt.Errorf("выбор канала: %w", err)
	}

	item, err := s.feed.NextUnqueued(ctx, sched.SourceAccount)
	if err != nil {
		if errors.Is(err, domain.ErrNoSourceItems) {
			metrics.IncScheduleSlot("drained")
			s.publishEvent(ctx, domain.Event{
				Kind:       domain.EventSourceDrained,
				OwnerID:    sched.OwnerID,
				ScheduleID: sched.ID,
				Message:    fmt.Sprintf("у аккаунта %s закончились новые ролики", sched.SourceAccount),
				OccurredAt: now,
			})
			return nil
		}
		return fmt.Errorf("получение ролика: %w", err)
	}

	variant, err := s.variants.AssignVariant(ctx, sched.ID)
	if err != nil {
		return fmt.Errorf("назначение варианта: %w", err)
	}
	scheduledAt := slotAt
	var variantID *int64
	if variant != nil {
		variantID = &variant.ID
		if len(variant.Slots) > 0 {
			scheduledAt = domain.NextSlotAfter(variant.Slots, now, sched.Location(), slotAt)
		}
	}

	entry := domain.QueueEntry{
		JobID:        uuid.NewString(),
		ScheduleID:   sched.ID,
		SourceItemID: item.ID,
		ChannelID:    channel.ID,
		VariantID:    variantID,
		ScheduledAt:  scheduledAt,
		Status:       domain.QueueStatusQueued,
	}
	created, err := s.queue.EnqueueEntry(ctx, entry)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicatePending) {
			metrics.IncScheduleSlot("duplicate")
			return nil
		}
		return fmt.Errorf("постановка задачи: %w", err)
	}
	metrics.IncScheduleSlot("enqueued")
	s.logger.Info().
		Int64("schedule_id", sched.ID).
		Int64("channel_id", channel.ID).
		Int64("entry_id", created.ID).
		Time("scheduled_at", created.ScheduledAt).
		Msg("orchestrator: задача поставлена")
	return nil
}

func (s *Service) resolveDestination(ctx context.Context, sched domain.Schedule) (domain.Destination, error) {
	switch {
	case sched.ChannelID != nil:
		channel, err := s.channels.GetChannel(ctx, *sched.ChannelID)
		if err != nil {
			return domain.Destination{}, fmt.Errorf("получение канала: %w", err)
		}
		return domain.Destination{Channel: &channel}, nil
	case sched.PoolID != nil:
		pool, err := s.pools.GetPool(ctx, *sched.PoolID)
		if err != nil {
			return domain.Destination{}, fmt.Errorf("получение пула: %w", err)
		}
		return domain.Destination{Pool: &pool}, nil
	default:
		return domain.Destination{}, domain.ErrNoEligibleChannel
	}
}

// pauseSchedule останавливает расписание без ёмкости подписки.
func (s *Service) pauseSchedule(ctx context.Context, sched domain.Schedule, now time.Time) error {
	if err := s.schedules.SetScheduleStatus(ctx, sched.ID, domain.SchedulePaused); err != nil {
		return fmt.Errorf("остановка расписания: %w", err)
	}
	metrics.IncScheduleSlot("paused")
	s.logger.Warn().Int64("schedule_id", sched.ID).Msg("orchestrator: расписание остановлено, подписка без ёмкости")
	s.publishEvent(ctx, domain.Event{
		Kind:       domain.EventSchedulePaused,
		OwnerID:    sched.OwnerID,
		ScheduleID: sched.ID,
		Message:    "расписание остановлено: подписка неактивна",
		OccurredAt: now,
	})
	return nil
}

func (s *Service) publishEvent(ctx context.Context, event domain.Event) {
	event.ID = uuid.NewString()
	if err := s.events.Enqueue(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("kind", string(event.Kind)).Msg("orchestrator: отправка уведомления")
	}
}
