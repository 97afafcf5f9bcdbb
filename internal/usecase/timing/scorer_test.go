package timing

import (
	"context"
	"strings"
	"testing"
	"time"

	"reelcast/internal/domain"
)

func TestScoreHourPeakBeatsOffPeak(t *testing.T) {
	peak, _ := ScoreHour(13, domain.DayTypeWeekday, nil)
	off, _ := ScoreHour(10, domain.DayTypeWeekday, nil)
	night, _ := ScoreHour(3, domain.DayTypeWeekday, nil)

	if peak <= off {
		t.Fatalf("пиковый час должен оцениваться выше дневного: %d <= %d", peak, off)
	}
	if off <= night {
		t.Fatalf("дневной час должен оцениваться выше ночного: %d <= %d", off, night)
	}
}

func TestScoreHourHistoryRaisesScore(t *testing.T) {
	good := &domain.HourStats{Hour: 10, Attempts: 10, Successes: 10}
	bad := &domain.HourStats{Hour: 10, Attempts: 10, Successes: 2}

	withGood, reason := ScoreHour(10, domain.DayTypeWeekday, good)
	withBad, _ := ScoreHour(10, domain.DayTypeWeekday, bad)
	if withGood <= withBad {
		t.Fatalf("успешная история должна поднимать оценку: %d <= %d", withGood, withBad)
	}
	if !strings.Contains(reason, "10 из 10") {
		t.Fatalf("обоснование должно ссылаться на историю, получили %q", reason)
	}
}

func TestScoreHourHistoryReasonNeedsSample(t *testing.T) {
	thin := &domain.HourStats{Hour: 13, Attempts: 2, Successes: 2}
	_, reason := ScoreHour(13, domain.DayTypeWeekday, thin)
	if strings.Contains(reason, "из") {
		t.Fatalf("две попытки не дают исторического обоснования, получили %q", reason)
	}
}

func TestScoreHourClamped(t *testing.T) {
	perfect := &domain.HourStats{Hour: 13, Attempts: 20, Successes: 20}
	score, _ := ScoreHour(13, domain.DayTypeWeekend, perfect)
	if score != 100 {
		t.Fatalf("оценка ограничена сверху 100, получили %d", score)
	}
}

type stubStats struct {
	stats []domain.HourStats
}

func (s *stubStats) HourlyOutcomes(context.Context, int64, time.Time) ([]domain.HourStats, error) {
	return s.stats, nil
}

func TestSuggestReturnsTopFive(t *testing.T) {
	scorer := NewScorer(&stubStats{stats: []domain.HourStats{
		{Hour: 20, Weekend: false, Attempts: 10, Successes: 9},
		{Hour: 8, Weekend: true, Attempts: 10, Successes: 1},
	}})

	suggestions, err := scorer.Suggest(context.Background(), 1, time.Now())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(suggestions) != 5 {
		t.Fatalf("ожидали 5 рекомендаций, получили %d", len(suggestions))
	}
	for i := 1; i < len(suggestions); i++ {
		if suggestions[i].Score > suggestions[i-1].Score {
			t.Fatalf("рекомендации должны убывать по оценке")
		}
	}
	best := suggestions[0]
	if best.Hour != 20 || best.DayType != domain.DayTypeWeekday {
		t.Fatalf("лучшим должен быть час с сильной историей, получили %d %s", best.Hour, best.DayType)
	}
	if best.Confidence != domain.ConfidenceHigh {
		t.Fatalf("оценка лучшего часа должна давать высокий уровень уверенности")
	}
}
