package domain

import (
	"errors"
	"fmt"
)

// Ошибки конфигурации и нарушения инвариантов движка.
var (
	ErrNoEligibleChannel = errors.New("нет доступного канала для публикации")
	ErrDuplicatePending  = errors.New("для ролика уже есть незавершённая задача")
	ErrPriorityConflict  = errors.New("приоритет уже занят в пуле")
	ErrScheduleExists    = errors.New("для канала уже существует расписание")
	ErrNoSourceItems     = errors.New("нет новых роликов для публикации")
	ErrChannelNotFound   = errors.New("канал не найден")
	ErrPoolNotFound      = errors.New("пул не найден")
	ErrScheduleNotFound  = errors.New("расписание не найдено")
	ErrEntryNotFound     = errors.New("задача очереди не найдена")
	ErrTestNotFound      = errors.New("эксперимент не найден")
	ErrTestCompleted     = errors.New("эксперимент уже завершён")
)

// PublishErrorKind классифицирует отказ внешней операции публикации.
type PublishErrorKind string

const (
	PublishErrAuthRevoked   PublishErrorKind = "auth_revoked"
	PublishErrAPINotEnabled PublishErrorKind = "api_not_enabled"
	PublishErrRateLimited   PublishErrorKind = "rate_limited"
	PublishErrNetwork       PublishErrorKind = "network"
	PublishErrInvalidMedia  PublishErrorKind = "invalid_media"
)

// PublishError описывает типизированный отказ публикации.
type PublishError struct {
	Kind    PublishErrorKind
	Phase   PublishPhase
	Message string
}

func (e *PublishError) Error() string {
	if e.Phase == "" {
		return fmt.Sprintf("публикация: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("публикация: %s на фазе %s: %s", e.Kind, e.Phase, e.Message)
}

// Auth сообщает, требуется ли повторная авторизация оператора.
func (e *PublishError) Auth() bool {
	return e.Kind == PublishErrAuthRevoked || e.Kind == PublishErrAPINotEnabled
}

// Transient сообщает, имеет ли смысл автоматический повтор.
func (e *PublishError) Transient() bool {
	return e.Kind == PublishErrRateLimited || e.Kind == PublishErrNetwork
}

// AuthStatusForKind возвращает статус авторизации канала для ошибки публикации.
func (e *PublishError) AuthStatusForKind() AuthStatus {
	switch e.Kind {
	case PublishErrAuthRevoked:
		return AuthStatusTokenRevoked
	case PublishErrAPINotEnabled:
		return AuthStatusAPINotEnabled
	default:
		return AuthStatusFailed
	}
}

// AsPublishError извлекает типизированную ошибку публикации из цепочки.
func AsPublishError(err error) (*PublishError, bool) {
	var perr *PublishError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}
