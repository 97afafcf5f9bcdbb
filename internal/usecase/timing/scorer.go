package timing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"reelcast/internal/domain"
)

// Глубина истории, по которой оценивается время публикации.
const historyWindow = 90 * 24 * time.Hour

// Число рекомендаций в выдаче.
const topSuggestions = 5

// Минимальная выборка часа, чтобы доверять его доле успеха.
const minHourAttempts = 3

// Scorer оценивает часы публикации по истории исходов канала.
type Scorer struct {
	stats domain.StatsRepo
}

// NewScorer создаёт оценщик времени публикации.
func NewScorer(stats domain.StatsRepo) *Scorer {
	return &Scorer{stats: stats}
}

// ScoreHour возвращает эвристическую оценку часа 0..100 и её обоснование.
// История канала весит сильнее календарных эвристик.
func ScoreHour(hour int, dayType domain.DayType, stats *domain.HourStats) (int, string) {
	score := 50
	reason := "умеренная активность аудитории"

	if stats != nil && stats.Attempts > 0 {
		rate := stats.SuccessRate()
		score += int(rate * 40)
		if stats.Attempts >= minHourAttempts && rate >= 0.8 {
			reason = fmt.Sprintf("высокая доля успешных публикаций: %d из %d", stats.Successes, stats.Attempts)
		}
	}

	peak := (hour >= 12 && hour <= 15) || (hour >= 19 && hour <= 21)
	switch {
	case peak:
		score += 30
		if stats == nil || stats.Attempts < minHourAttempts {
			reason = "пиковые часы вовлечённости"
		}
	case hour >= 9 && hour <= 22:
		score += 15
	}

	if dayType == domain.DayTypeWeekend {
		score += 15
	} else {
		score += 10
	}

	if hour <= 6 {
		score -= 25
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score, reason
}

// Suggest возвращает лучшие часы публикации для канала по типам дня.
// Рекомендации пересчитываются из истории очереди, ничего не персистится.
func (s *Scorer) Suggest(ctx context.Context, channelID int64, now time.Time) ([]domain.TimeSuggestion, error) {
	history, err := s.stats.HourlyOutcomes(ctx, channelID, now.Add(-historyWindow))
	if err != nil {
		return nil, fmt.Errorf("получение истории публикаций: %w", err)
	}

	byHour := map[string]domain.HourStats{}
	for _, h := range history {
		byHour[statsKey(h.Hour, h.Weekend)] = h
	}

	var suggestions []domain.TimeSuggestion
	for _, dayType := range []domain.DayType{domain.DayTypeWeekday, domain.DayTypeWeekend} {
		for hour := 0; hour < 24; hour++ {
			var stats *domain.HourStats
			if h, ok := byHour[statsKey(hour, dayType == domain.DayTypeWeekend)]; ok {
				stats = &h
			}
			score, reason := ScoreHour(hour, dayType, stats)
			suggestions = append(suggestions, domain.TimeSuggestion{
				Hour:       hour,
				DayType:    dayType,
				Score:      score,
				Confidence: domain.TierForScore(score),
				Reason:     reason,
			})
		}
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		if suggestions[i].Score != suggestions[j].Score {
			return suggestions[i].Score > suggestions[j].Score
		}
		return suggestions[i].Hour < suggestions[j].Hour
	})
	if len(suggestions) > topSuggestions {
		suggestions = suggestions[:topSuggestions]
	}
	return suggestions, nil
}

func statsKey(hour int, weekend bool) string {
	if weekend {
		return fmt.Sprintf("we-%02d", hour)
	}
	return fmt.Sprintf("wd-%02d", hour)
}
