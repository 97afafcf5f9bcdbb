package domain

import "time"

// CircuitState описывает состояние циркуит-брейкера канала.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitConfig задаёт пороги автомата циркуит-брейкера.
type CircuitConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultCircuitConfig возвращает пороги по умолчанию.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{FailureThreshold: 5, Cooldown: 30 * time.Minute}
}

// HealthRecord хранит счётчики исходов и состояние цепи по каналу.
type HealthRecord struct {
	ChannelID           int64
	Successes           int
	Failures            int
	ConsecutiveFailures int
	CircuitState        CircuitState
	OpenedAt            *time.Time
	LastFailureAt       *time.Time
	ProbeStartedAt      *time.Time
	LastError           string
	LastErrorPhase      string
	CheckedAt           time.Time
}

// NewHealthRecord создаёт запись для канала без истории.
func NewHealthRecord(channelID int64) HealthRecord {
	return HealthRecord{ChannelID: channelID, CircuitState: CircuitClosed}
}

// SuccessRate возвращает долю успешных попыток, nil если попыток не было.
func (h HealthRecord) SuccessRate() *float64 {
	total := h.Successes + h.Failures
	if total == 0 {
		return nil
	}
	rate := float64(h.Successes) / float64(total)
	return &rate
}

// ApplySuccess фиксирует успешную публикацию и сбрасывает серию неудач.
// Цепь закрывается из closed и из half_open (успех пробы); из open состояние
// не меняется — закрытие возможно только через остывание и half_open.
func (h HealthRecord) ApplySuccess(now time.Time) HealthRecord {
	h.Successes++
	h.ConsecutiveFailures = 0
	h.CheckedAt = now
	if h.CircuitState != CircuitOpen {
		h.CircuitState = CircuitClosed
		h.OpenedAt = nil
		h.ProbeStartedAt = nil
	}
	return h
}

// ApplyFailure фиксирует неудачу. Цепь открывается при достижении порога
// подряд идущих неудач либо при провале пробной попытки half_open.
func (h HealthRecord) ApplyFailure(msg, phase string, now time.Time, cfg CircuitConfig) HealthRecord {
	h.Failures++
	h.ConsecutiveFailures++
	h.LastError = msg
	h.LastErrorPhase = phase
	t := now
	h.LastFailureAt = &t
	h.CheckedAt = now
	if h.CircuitState == CircuitHalfOpen || h.ConsecutiveFailures >= cfg.FailureThreshold {
		h = h.open(now)
	}
	h.ProbeStartedAt = nil
	return h
}

// ForceOpen немедленно открывает цепь. Используется для ошибок авторизации.
func (h HealthRecord) ForceOpen(msg, phase string, now time.Time) HealthRecord {
	h.Failures++
	h.ConsecutiveFailures++
	h.LastError = msg
	h.LastErrorPhase = phase
	t := now
	h.LastFailureAt = &t
	h.CheckedAt = now
	h = h.open(now)
	h.ProbeStartedAt = nil
	return h
}

func (h HealthRecord) open(now time.Time) HealthRecord {
	if h.CircuitState != CircuitOpen {
		t := now
		h.OpenedAt = &t
	}
	h.CircuitState = CircuitOpen
	return h
}

// Refresh переводит open в half_open, когда с последней неудачи прошло остывание.
// Переход open -> closed возможен только через half_open.
func (h HealthRecord) Refresh(now time.Time, cfg CircuitConfig) HealthRecord {
	if h.CircuitState != CircuitOpen {
		return h
	}
	since := h.LastFailureAt
	if since == nil {
		since = h.OpenedAt
	}
	if since == nil {
		return h
	}
	if now.Sub(*since) >= cfg.Cooldown {
		h.CircuitState = CircuitHalfOpen
		h.ProbeStartedAt = nil
	}
	return h
}

// CanAttempt сообщает, допускает ли цепь новую попытку публикации.
// В half_open допускается ровно одна пробная попытка.
func (h HealthRecord) CanAttempt() bool {
	switch h.CircuitState {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		return h.ProbeStartedAt == nil
	default:
		return false
	}
}

// StartProbe помечает единственную пробную попытку half_open.
func (h HealthRecord) StartProbe(now time.Time) (HealthRecord, bool) {
	if h.CircuitState != CircuitHalfOpen || h.ProbeStartedAt != nil {
		return h, false
	}
	t := now
	h.ProbeStartedAt = &t
	return h, true
}
