package quota

import (
	"context"
	"fmt"
	"time"

	"reelcast/internal/domain"
)

// Service считает дневную ёмкость каналов по тарифу владельца.
type Service struct {
	usage   domain.UsageRepo
	billing domain.SubscriptionLookup
}

var _ domain.QuotaTracker = (*Service)(nil)

// NewService создаёт трекер квот.
func NewService(usage domain.UsageRepo, billing domain.SubscriptionLookup) *Service {
	return &Service{usage: usage, billing: billing}
}

// Ceiling возвращает дневной потолок загрузок для владельца.
// 0 — ёмкости нет, -1 — лимит отсутствует.
func (s *Service) Ceiling(ctx context.Context, ownerID int64) (int, error) {
	sub, err := s.billing.GetSubscription(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("получение подписки: %w", err)
	}
	return sub.DailyCeiling(), nil
}

// Remaining возвращает остаток загрузок канала на его локальный день.
func (s *Service) Remaining(ctx context.Context, channel domain.Channel, at time.Time) (int, error) {
	ceiling, err := s.Ceiling(ctx, channel.OwnerID)
	if err != nil {
		return 0, err
	}
	if ceiling < 0 {
		return -1, nil
	}
	if ceiling == 0 {
		return 0, nil
	}
	used, err := s.usage.DailyUploads(ctx, channel.ID, localDay(channel, at))
	if err != nil {
		return 0, fmt.Errorf("получение счётчика загрузок: %w", err)
	}
	remaining := ceiling - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// RecordUpload увеличивает счётчик загрузок канала за его локальный день.
func (s *Service) RecordUpload(ctx context.Context, channel domain.Channel, at time.Time) error {
	if err := s.usage.RecordUpload(ctx, channel.ID, localDay(channel, at)); err != nil {
		return fmt.Errorf("запись загрузки: %w", err)
	}
	return nil
}

// localDay возвращает локальную полночь канала: дневная квота обнуляется
// в полночь часового пояса канала, не в UTC.
func localDay(channel domain.Channel, at time.Time) time.Time {
	local := at.In(channel.Location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}
