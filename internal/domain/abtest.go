package domain

import (
	"math"
	"time"
)

// ABTestStatus описывает статус эксперимента.
type ABTestStatus string

const (
	ABTestRunning   ABTestStatus = "running"
	ABTestPaused    ABTestStatus = "paused"
	ABTestCompleted ABTestStatus = "completed"
)

// ABMinSample — минимальная суммарная выборка для оценки достоверности.
const ABMinSample = 20

// ABVariant описывает один временной вариант эксперимента.
type ABVariant struct {
	ID        int64
	TestID    int64
	Name      string
	Slots     []string
	Uploads   int
	Successes int
}

// SuccessRate возвращает долю успешных загрузок варианта.
func (v ABVariant) SuccessRate() float64 {
	if v.Uploads == 0 {
		return 0
	}
	return float64(v.Successes) / float64(v.Uploads)
}

// ABTest описывает эксперимент сравнения двух наборов времени публикации.
type ABTest struct {
	ID          int64
	ScheduleID  int64
	Status      ABTestStatus
	VariantA    ABVariant
	VariantB    ABVariant
	WinnerID    *int64
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// SampleSize возвращает суммарное число загрузок по обоим вариантам.
func (t ABTest) SampleSize() int {
	return t.VariantA.Uploads + t.VariantB.Uploads
}

// NextVariant возвращает вариант для следующей загрузки: строгое чередование,
// отстающий вариант получает загрузку первым.
func (t ABTest) NextVariant() ABVariant {
	if t.VariantA.Uploads <= t.VariantB.Uploads {
		return t.VariantA
	}
	return t.VariantB
}

// Confidence возвращает достоверность различия вариантов в диапазоне 0..100,
// nil пока суммарная выборка меньше ABMinSample. Используется упрощённый
// z-критерий двух долей: разница долей делится на стандартную ошибку по
// объединённой доле, результат масштабируется и ограничивается сверху.
// Статистика монотонна и по разнице долей, и по размеру выборки.
func (t ABTest) Confidence() *float64 {
	if t.SampleSize() < ABMinSample {
		return nil
	}
	na := float64(t.VariantA.Uploads)
	nb := float64(t.VariantB.Uploads)
	if na == 0 || nb == 0 {
		zero := 0.0
		return &zero
	}
	diff := math.Abs(t.VariantA.SuccessRate() - t.VariantB.SuccessRate())
	pooled := float64(t.VariantA.Successes+t.VariantB.Successes) / (na + nb)
	se := math.Sqrt(pooled * (1 - pooled) * (1/na + 1/nb))
	if se == 0 {
		value := 0.0
		if diff > 0 {
			value = 100
		}
		return &value
	}
	value := math.Min(100, diff/se*25)
	return &value
}

// Winner возвращает вариант со строго большей долей успеха, nil при равенстве.
func (t ABTest) Winner() *ABVariant {
	switch {
	case t.VariantA.SuccessRate() > t.VariantB.SuccessRate():
		return &t.VariantA
	case t.VariantB.SuccessRate() > t.VariantA.SuccessRate():
		return &t.VariantB
	default:
		return nil
	}
}
