package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"reelcast/internal/domain"
	"reelcast/internal/infra/metrics"
)

// Service — монитор здоровья каналов с циркуит-брейкером.
type Service struct {
	repo   domain.HealthRepo
	cfg    domain.CircuitConfig
	logger zerolog.Logger
}

var (
	_ domain.HealthGate     = (*Service)(nil)
	_ domain.HealthReporter = (*Service)(nil)
)

// NewService создаёт монитор здоровья.
func NewService(repo domain.HealthRepo, cfg domain.CircuitConfig, logger zerolog.Logger) *Service {
	return &Service{repo: repo, cfg: cfg, logger: logger}
}

// Status возвращает актуальную запись здоровья канала с учётом остывания.
func (s *Service) Status(ctx context.Context, channelID int64, now time.Time) (domain.HealthRecord, error) {
	rec, err := s.repo.GetHealth(ctx, channelID)
	if err != nil {
		return domain.HealthRecord{}, fmt.Errorf("получение здоровья канала: %w", err)
	}
	return rec.Refresh(now, s.cfg), nil
}

// Eligible проверяет, допускает ли цепь канала попытку публикации.
// Пробная попытка half_open не резервируется.
func (s *Service) Eligible(ctx context.Context, channelID int64, now time.Time) (bool, error) {
	rec, err := s.Status(ctx, channelID, now)
	if err != nil {
		return false, err
	}
	return rec.CanAttempt(), nil
}

// Admit допускает канал к публикации. Для half_open резервируется
// единственная пробная попытка; проигравший гонку получает false.
func (s *Service) Admit(ctx context.Context, channelID int64, now time.Time) (bool, error) {
	rec, err := s.repo.MutateHealth(ctx, channelID, func(r domain.HealthRecord) domain.HealthRecord {
		return r.Refresh(now, s.cfg)
	})
	if err != nil {
		return false, fmt.Errorf("обновление цепи канала: %w", err)
	}
	switch rec.CircuitState {
	case domain.CircuitClosed:
		return true, nil
	case domain.CircuitHalfOpen:
		claimed, err := s.repo.TryStartProbe(ctx, channelID, now)
		if err != nil {
			return false, fmt.Errorf("резервирование пробы: %w", err)
		}
		if claimed {
			s.logger.Info().Int64("channel_id", channelID).Msg("health: пробная публикация half_open")
		}
		return claimed, nil
	default:
		return false, nil
	}
}

// RecordSuccess фиксирует успешную публикацию: серия неудач сбрасывается,
// открытая или полуоткрытая цепь закрывается.
func (s *Service) RecordSuccess(ctx context.Context, channelID int64, now time.Time) error {
	var before domain.CircuitState
	rec, err := s.repo.MutateHealth(ctx, channelID, func(r domain.HealthRecord) domain.HealthRecord {
		before = r.CircuitState
		return r.ApplySuccess(now)
	})
	if err != nil {
		return fmt.Errorf("запись успеха: %w", err)
	}
	if before != rec.CircuitState {
		metrics.IncCircuitTransition(string(before), string(rec.CircuitState))
		s.logger.Info().
			Int64("channel_id", channelID).
			Str("from", string(before)).
			Str("to", string(rec.CircuitState)).
			Msg("health: цепь закрыта после успеха")
	}
	return nil
}

// RecordFailure фиксирует неудачу публикации. Ошибки авторизации открывают
// цепь немедленно, остальные — по порогу подряд идущих неудач.
func (s *Service) RecordFailure(ctx context.Context, channelID int64, perr *domain.PublishError, msg string, now time.Time) (domain.HealthRecord, error) {
	phase := ""
	if perr != nil {
		phase = string(perr.Phase)
	}
	var before domain.CircuitState
	rec, err := s.repo.MutateHealth(ctx, channelID, func(r domain.HealthRecord) domain.HealthRecord {
		before = r.CircuitState
		if perr != nil && perr.Auth() {
			return r.ForceOpen(msg, phase, now)
		}
		return r.ApplyFailure(msg, phase, now, s.cfg)
	})
	if err != nil {
		return domain.HealthRecord{}, fmt.Errorf("запись неудачи: %w", err)
	}
	if before != rec.CircuitState {
		metrics.IncCircuitTransition(string(before), string(rec.CircuitState))
		s.logger.Warn().
			Int64("channel_id", channelID).
			Str("from", string(before)).
			Str("to", string(rec.CircuitState)).
			Str("error", msg).
			Msg("health: цепь изменила состояние")
	}
	return rec, nil
}
