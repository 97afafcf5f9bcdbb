package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"reelcast/internal/domain"
	"reelcast/internal/infra/metrics"
)

// Options задают параметры обработки очереди.
type Options struct {
	BatchSize   int
	Parallelism int
	Stagger     time.Duration
	MaxAttempts int
	StuckAfter  time.Duration
}

// DefaultOptions возвращает параметры обработки по умолчанию.
func DefaultOptions() Options {
	return Options{
		BatchSize:   20,
		Parallelism: 3,
		Stagger:     12 * time.Second,
		MaxAttempts: 3,
		StuckAfter:  30 * time.Minute,
	}
}

// Worker выполняет задачи очереди публикаций.
type Worker struct {
	queue     domain.QueueRepo
	channels  domain.ChannelRepo
	publisher domain.Publisher
	quota     domain.QuotaTracker
	health    domain.HealthReporter
	outcomes  domain.OutcomeRecorder
	events    domain.EventQueue
	opts      Options
	logger    zerolog.Logger
}

// NewWorker создаёт обработчик очереди.
func NewWorker(
	queue domain.QueueRepo,
	channels domain.ChannelRepo,
	publisher domain.Publisher,
	quota domain.QuotaTracker,
	health domain.HealthReporter,
	outcomes domain.OutcomeRecorder,
	events domain.EventQueue,
	opts Options,
	logger zerolog.Logger,
) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultOptions().Parallelism
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = DefaultOptions().StuckAfter
	}
	return &Worker{
		queue:     queue,
		channels:  channels,
		publisher: publisher,
		quota:     quota,
		health:    health,
		outcomes:  outcomes,
		events:    events,
		opts:      opts,
		logger:    logger,
	}
}

// Tick забирает пачку наступивших задач и обрабатывает их с ограниченной
// параллельностью. Запуски разнесены по времени, чтобы не бить во внешний
// API одновременно.
func (w *Worker) Tick(ctx context.Context, now time.Time) error {
	due, err := w.queue.ListDue(ctx, now, w.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("получение задач: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	metrics.SetQueueDepth(len(due))

	sem := make(chan struct{}, w.opts.Parallelism)
	var wg sync.WaitGroup
	for i, entry := range due {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && w.opts.Stagger > 0 {
			select {
			case <-time.After(w.opts.Stagger):
			case <-ctx.Done():
			}
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(entry domain.QueueEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, entry, now)
		}(entry)
	}
	wg.Wait()
	return nil
}

// ClearStuck переводит зависшие в processing задачи обратно в очередь.
func (w *Worker) ClearStuck(ctx context.Context, now time.Time) error {
	cleared, err := w.queue.ClearStuck(ctx, now.Add(-w.opts.StuckAfter))
	if err != nil {
		return fmt.Errorf("сброс зависших задач: %w", err)
	}
	if cleared > 0 {
		w.logger.Warn().Int64("count", cleared).Msg("processor: возвращены зависшие задачи")
	}
	return nil
}

func (w *Worker) process(ctx context.Context, entry domain.QueueEntry, now time.Time) {
	claimed, ok, err := w.queue.ClaimProcessing(ctx, entry.ID)
	if err != nil {
		w.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("processor: захват задачи")
		return
	}
	if !ok {
		// Задачу уже забрал другой воркер.
		return
	}
	entry = claimed

	channel, err := w.channels.GetChannel(ctx, entry.ChannelID)
	if err != nil {
		// Внутренняя ошибка до попытки публикации: задача возвращается в
		// очередь, попытка не расходуется, здоровье канала не трогаем.
		w.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("processor: получение канала")
		w.releaseClaim(ctx, entry, now)
		return
	}

	metrics.IncPublishAttempt()
	result, err := w.publisher.Publish(ctx, entry.Item, channel, func(phase domain.PublishPhase, percent int) {
		if err := w.queue.UpdateProgress(ctx, entry.ID, phase, percent); err != nil {
			w.logger.Debug().Err(err).Int64("entry_id", entry.ID).Msg("processor: обновление прогресса")
		}
	})
	if err != nil {
		w.handleFailure(ctx, entry, channel, err, now)
		return
	}
	w.handleSuccess(ctx, entry, channel, result, now)
}

func (w *Worker) handleSuccess(ctx context.Context, entry domain.QueueEntry, channel domain.Channel, result domain.PublishResult, now time.Time) {
	ok, err := w.queue.MarkPublished(ctx, entry.ID, result.URL)
	if err != nil {
		w.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("processor: фиксация успеха")
		return
	}
	if !ok {
		// Задача уже была завершена, побочные эффекты не повторяются.
		return
	}
	metrics.IncPublishOutcome("published")
	if err := w.quota.RecordUpload(ctx, channel, now); err != nil {
		w.logger.Error().Err(err).Int64("channel_id", channel.ID).Msg("processor: запись квоты")
	}
	if err := w.health.RecordSuccess(ctx, channel.ID, now); err != nil {
		w.logger.Error().Err(err).Int64("channel_id", channel.ID).Msg("processor: запись здоровья")
	}
	if err := w.outcomes.RecordOutcome(ctx, entry.VariantID, true); err != nil {
		w.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("processor: запись исхода эксперимента")
	}
	w.publishEvent(ctx, domain.Event{
		Kind:       domain.EventUploadSucceeded,
		OwnerID:    channel.OwnerID,
		ScheduleID: entry.ScheduleID,
		ChannelID:  channel.ID,
		EntryID:    entry.ID,
		URL:        result.URL,
		Message:    fmt.Sprintf("ролик опубликован в %s", channel.Title),
		OccurredAt: now,
	})
	w.logger.Info().Int64("entry_id", entry.ID).Int64("channel_id", channel.ID).Str("url", result.URL).Msg("processor: публикация завершена")
}

// releaseClaim возвращает захваченную задачу в очередь после внутренней
// ошибки воркера: счётчик попыток и запись здоровья канала не меняются.
func (w *Worker) releaseClaim(ctx context.Context, entry domain.QueueEntry, now time.Time) {
	nextAt := now.Add(time.Minute)
	if err := w.queue.ScheduleRetry(ctx, entry.ID, entry.Attempts, nextAt, entry.ErrorMessage, entry.Phase); err != nil {
		w.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("processor: возврат задачи в очередь")
	}
}

// handleFailure классифицирует отказ: ошибки авторизации завершают задачу и
// помечают канал; временные и неклассифицированные уходят в повтор с
// экспоненциальной задержкой; типизированные постоянные (например, битый
// файл) — окончательный провал.
func (w *Worker) handleFailure(ctx context.Context, entry domain.QueueEntry, channel domain.Channel, pubErr error, now time.Time) {
	perr, typed := domain.AsPublishError(pubErr)
	attempts := entry.Attempts + 1
	msg := pubErr.Error()
	phase := entry.Phase
	if typed && perr.Phase != "" {
		phase = perr.Phase
	}

	if _, err := w.health.RecordFailure(ctx, channel.ID, perr, msg, now); err != nil {
		w.logger.Error().Err(err).Int64("channel_id", channel.ID).Msg("processor: запись неудачи")
	}

	if typed && perr.Auth() {
		if err := w.channels.UpdateAuthStatus(ctx, channel.ID, perr.AuthStatusForKind()); err != nil {
			w.logger.Error().Err(err).Int64("channel_id", channel.ID).Msg("processor: обновление статуса авторизации")
		}
		w.failTerminal(ctx, entry, channel, attempts, msg, phase, now)
		return
	}

	retryable := !typed || perr.Transient()
	if retryable && attempts < w.opts.MaxAttempts {
		nextAt := now.Add(domain.RetryDelay(attempts))
		if err := w.queue.ScheduleRetry(ctx, entry.ID, attempts, nextAt, msg, phase); err != nil {
			w.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("processor: откладывание повтора")
			return
		}
		metrics.IncPublishOutcome("retry")
		w.logger.Warn().
			Int64("entry_id", entry.ID).
			Int("attempts", attempts).
			Time("next_attempt_at", nextAt).
			Str("error", msg).
			Msg("processor: публикация отложена на повтор")
		return
	}

	w.failTerminal(ctx, entry, channel, attempts, msg, phase, now)
}

func (w *Worker) failTerminal(ctx context.Context, entry domain.QueueEntry, channel domain.Channel, attempts int, msg string, phase domain.PublishPhase, now time.Time) {
	ok, err := w.queue.MarkFailed(ctx, entry.ID, attempts, msg, phase)
	if err != nil {
		w.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("processor: фиксация провала")
		return
	}
	if !ok {
		return
	}
	metrics.IncPublishOutcome("failed")
	if err := w.outcomes.RecordOutcome(ctx, entry.VariantID, false); err != nil {
		w.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("processor: запись исхода эксперимента")
	}
	w.publishEvent(ctx, domain.Event{
		Kind:       domain.EventUploadFailed,
		OwnerID:    channel.OwnerID,
		ScheduleID: entry.ScheduleID,
		ChannelID:  channel.ID,
		EntryID:    entry.ID,
		Message:    msg,
		OccurredAt: now,
	})
	w.logger.Error().Int64("entry_id", entry.ID).Int("attempts", attempts).Str("error", msg).Msg("processor: публикация провалена")
}

func (w *Worker) publishEvent(ctx context.Context, event domain.Event) {
	event.ID = uuid.NewString()
	if err := w.events.Enqueue(ctx, event); err != nil {
		w.logger.Error().Err(err).Str("kind", string(event.Kind)).Msg("processor: отправка уведомления")
	}
}
