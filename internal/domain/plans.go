package domain

import (
	"strings"
	"time"
)

// PlanTier описывает тариф владельца каналов.
type PlanTier string

const (
	PlanFree      PlanTier = "free"
	PlanStarter   PlanTier = "starter"
	PlanGrowth    PlanTier = "growth"
	PlanUnlimited PlanTier = "unlimited"
)

// Plan описывает ограничения тарифа.
type Plan struct {
	Tier             PlanTier
	Name             string
	DailyUploadLimit int
}

var plans = map[PlanTier]Plan{
	PlanFree: {
		Tier:             PlanFree,
		Name:             "Free",
		DailyUploadLimit: 1,
	},
	PlanStarter: {
		Tier:             PlanStarter,
		Name:             "Starter",
		DailyUploadLimit: 5,
	},
	PlanGrowth: {
		Tier:             PlanGrowth,
		Name:             "Growth",
		DailyUploadLimit: 15,
	},
	PlanUnlimited: {
		Tier:             PlanUnlimited,
		Name:             "Unlimited",
		DailyUploadLimit: 0,
	},
}

// PlanForTier возвращает тариф для уровня подписки.
func PlanForTier(tier PlanTier) Plan {
	if plan, ok := plans[PlanTier(strings.ToLower(string(tier)))]; ok {
		return plan
	}
	return plans[PlanFree]
}

// Subscription описывает состояние подписки владельца из биллинга.
type Subscription struct {
	OwnerID   int64
	Tier      PlanTier
	Active    bool
	ExpiresAt *time.Time
}

// Plan возвращает тариф подписки.
func (s Subscription) Plan() Plan {
	return PlanForTier(s.Tier)
}

// DailyCeiling возвращает дневной потолок загрузок на канал.
// 0 означает отсутствие ёмкости (подписка неактивна), -1 — отсутствие лимита.
func (s Subscription) DailyCeiling() int {
	if !s.Active {
		return 0
	}
	plan := s.Plan()
	if plan.DailyUploadLimit <= 0 {
		return -1
	}
	return plan.DailyUploadLimit
}
