package domain

// ConfidenceTier описывает уровень уверенности рекомендации времени.
type ConfidenceTier string

const (
	ConfidenceHigh   ConfidenceTier = "high"
	ConfidenceMedium ConfidenceTier = "medium"
	ConfidenceLow    ConfidenceTier = "low"
)

// TierForScore возвращает уровень уверенности для оценки 0..100.
func TierForScore(score int) ConfidenceTier {
	switch {
	case score >= 80:
		return ConfidenceHigh
	case score >= 60:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// DayType описывает тип дня недели рекомендации.
type DayType string

const (
	DayTypeWeekday DayType = "weekday"
	DayTypeWeekend DayType = "weekend"
)

// TimeSuggestion — производная рекомендация времени публикации.
// Не персистится, пересчитывается по запросу из истории очереди.
type TimeSuggestion struct {
	Hour       int
	DayType    DayType
	Score      int
	Confidence ConfidenceTier
	Reason     string
}

// HourStats агрегирует исторические исходы публикаций за один час.
type HourStats struct {
	Hour      int
	Weekend   bool
	Attempts  int
	Successes int
}

// SuccessRate возвращает долю успешных публикаций в часе.
func (s HourStats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}
