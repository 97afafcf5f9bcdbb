package abtest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"reelcast/internal/domain"
	"reelcast/internal/infra/metrics"
)

// Service управляет экспериментами сравнения времени публикации.
type Service struct {
	repo   domain.ABTestRepo
	logger zerolog.Logger
}

var (
	_ domain.VariantAssigner = (*Service)(nil)
	_ domain.OutcomeRecorder = (*Service)(nil)
)

// NewService создаёт сервис экспериментов.
func NewService(repo domain.ABTestRepo, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Create запускает эксперимент для расписания.
func (s *Service) Create(ctx context.Context, test domain.ABTest) (domain.ABTest, error) {
	test.Status = domain.ABTestRunning
	created, err := s.repo.CreateTest(ctx, test)
	if err != nil {
		return domain.ABTest{}, fmt.Errorf("создание эксперимента: %w", err)
	}
	s.logger.Info().Int64("test_id", created.ID).Int64("schedule_id", created.ScheduleID).Msg("abtest: эксперимент запущен")
	return created, nil
}

// Get возвращает эксперимент с производными метриками.
func (s *Service) Get(ctx context.Context, id int64) (domain.ABTest, error) {
	test, err := s.repo.GetTest(ctx, id)
	if err != nil {
		return domain.ABTest{}, fmt.Errorf("получение эксперимента: %w", err)
	}
	return test, nil
}

// AssignVariant выдаёт вариант для следующей загрузки расписания.
// Без запущенного эксперимента возвращает nil без ошибки.
// Назначение учитывается сразу, чтобы чередование не разъезжалось
// при параллельных слотах.
func (s *Service) AssignVariant(ctx context.Context, scheduleID int64) (*domain.ABVariant, error) {
	test, err := s.repo.GetRunningBySchedule(ctx, scheduleID)
	if err != nil {
		if errors.Is(err, domain.ErrTestNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("поиск эксперимента расписания: %w", err)
	}
	variant := test.NextVariant()
	if err := s.repo.RecordAssignment(ctx, variant.ID); err != nil {
		return nil, fmt.Errorf("учёт назначения варианта: %w", err)
	}
	metrics.IncVariantAssigned(variant.Name)
	return &variant, nil
}

// RecordOutcome фиксирует терминальный исход загрузки в эксперименте.
// Загрузки вне эксперимента (variantID == nil) игнорируются.
func (s *Service) RecordOutcome(ctx context.Context, variantID *int64, success bool) error {
	if variantID == nil {
		return nil
	}
	if err := s.repo.RecordOutcome(ctx, *variantID, success); err != nil {
		return fmt.Errorf("учёт исхода варианта: %w", err)
	}
	return nil
}

// Pause приостанавливает эксперимент: загрузки идут по базовым слотам расписания.
func (s *Service) Pause(ctx context.Context, id int64) error {
	test, err := s.repo.GetTest(ctx, id)
	if err != nil {
		return fmt.Errorf("получение эксперимента: %w", err)
	}
	if test.Status == domain.ABTestCompleted {
		return domain.ErrTestCompleted
	}
	return s.repo.SetTestStatus(ctx, id, domain.ABTestPaused)
}

// Resume возобновляет приостановленный эксперимент.
func (s *Service) Resume(ctx context.Context, id int64) error {
	test, err := s.repo.GetTest(ctx, id)
	if err != nil {
		return fmt.Errorf("получение эксперимента: %w", err)
	}
	if test.Status == domain.ABTestCompleted {
		return domain.ErrTestCompleted
	}
	return s.repo.SetTestStatus(ctx, id, domain.ABTestRunning)
}

// Complete завершает эксперимент и фиксирует победителя по доле успеха.
// При равенстве долей победитель не объявляется.
func (s *Service) Complete(ctx context.Context, id int64) (domain.ABTest, error) {
	test, err := s.repo.GetTest(ctx, id)
	if err != nil {
		return domain.ABTest{}, fmt.Errorf("получение эксперимента: %w", err)
	}
	if test.Status == domain.ABTestCompleted {
		return domain.ABTest{}, domain.ErrTestCompleted
	}
	var winnerID *int64
	if winner := test.Winner(); winner != nil {
		winnerID = &winner.ID
	}
	if err := s.repo.CompleteTest(ctx, id, winnerID); err != nil {
		return domain.ABTest{}, fmt.Errorf("завершение эксперимента: %w", err)
	}
	s.logger.Info().Int64("test_id", id).Msg("abtest: эксперимент завершён")
	return s.repo.GetTest(ctx, id)
}
