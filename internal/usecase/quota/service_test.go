package quota

import (
	"context"
	"testing"
	"time"

	"reelcast/internal/domain"
)

type stubUsage struct {
	counts   map[string]int
	recorded []time.Time
}

func usageKey(channelID int64, day time.Time) string {
	return day.Format("2006-01-02")
}

func (s *stubUsage) DailyUploads(_ context.Context, channelID int64, day time.Time) (int, error) {
	return s.counts[usageKey(channelID, day)], nil
}

func (s *stubUsage) RecordUpload(_ context.Context, channelID int64, day time.Time) error {
	s.recorded = append(s.recorded, day)
	return nil
}

type stubBilling struct {
	sub domain.Subscription
}

func (s *stubBilling) GetSubscription(context.Context, int64) (domain.Subscription, error) {
	return s.sub, nil
}

func TestRemainingCountsAgainstCeiling(t *testing.T) {
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	usage := &stubUsage{counts: map[string]int{usageKey(1, day): 3}}
	billing := &stubBilling{sub: domain.Subscription{Tier: domain.PlanStarter, Active: true}}
	service := NewService(usage, billing)

	channel := domain.Channel{ID: 1, OwnerID: 7, Timezone: "UTC"}
	remaining, err := service.Remaining(context.Background(), channel, day.Add(12*time.Hour))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("ожидали остаток 2 при тарифе 5 и 3 загрузках, получили %d", remaining)
	}
}

func TestRemainingUnlimitedSkipsCounter(t *testing.T) {
	billing := &stubBilling{sub: domain.Subscription{Tier: domain.PlanUnlimited, Active: true}}
	service := NewService(&stubUsage{}, billing)

	remaining, err := service.Remaining(context.Background(), domain.Channel{ID: 1}, time.Now())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if remaining != -1 {
		t.Fatalf("безлимитный тариф возвращает -1, получили %d", remaining)
	}
}

func TestRemainingZeroWhenInactive(t *testing.T) {
	billing := &stubBilling{sub: domain.Subscription{Tier: domain.PlanGrowth, Active: false}}
	service := NewService(&stubUsage{}, billing)

	remaining, err := service.Remaining(context.Background(), domain.Channel{ID: 1}, time.Now())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("неактивная подписка не даёт ёмкости, получили %d", remaining)
	}
}

func TestRemainingUsesChannelLocalDay(t *testing.T) {
	// 23:30 UTC 1 июня — это уже 2 июня в Токио.
	tokyoDay := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	usage := &stubUsage{counts: map[string]int{usageKey(1, tokyoDay): 5}}
	billing := &stubBilling{sub: domain.Subscription{Tier: domain.PlanStarter, Active: true}}
	service := NewService(usage, billing)

	channel := domain.Channel{ID: 1, Timezone: "Asia/Tokyo"}
	at := time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
	remaining, err := service.Remaining(context.Background(), channel, at)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("счётчик должен читаться за локальный день канала, получили %d", remaining)
	}
}

func TestRecordUploadWritesLocalDay(t *testing.T) {
	usage := &stubUsage{counts: map[string]int{}}
	service := NewService(usage, &stubBilling{})

	channel := domain.Channel{ID: 1, Timezone: "Asia/Tokyo"}
	at := time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
	if err := service.RecordUpload(context.Background(), channel, at); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(usage.recorded) != 1 {
		t.Fatalf("ожидали одну запись")
	}
	if got := usage.recorded[0].Format("2006-01-02"); got != "2025-06-02" {
		t.Fatalf("ожидали локальный день 2025-06-02, получили %s", got)
	}
}
