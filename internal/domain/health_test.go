package domain

import (
	"testing"
	"time"
)

func TestCircuitOpensAfterThreshold(t *testing.T) {
	cfg := DefaultCircuitConfig()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := NewHealthRecord(1)

	for i := 0; i < cfg.FailureThreshold-1; i++ {
		rec = rec.ApplyFailure("timeout", "uploading", now, cfg)
		if rec.CircuitState != CircuitClosed {
			t.Fatalf("цепь не должна открыться после %d неудач", i+1)
		}
	}
	rec = rec.ApplyFailure("timeout", "uploading", now, cfg)
	if rec.CircuitState != CircuitOpen {
		t.Fatalf("ожидали open после %d неудач подряд, получили %s", cfg.FailureThreshold, rec.CircuitState)
	}
	if rec.ConsecutiveFailures != cfg.FailureThreshold {
		t.Fatalf("ожидали %d неудач подряд, получили %d", cfg.FailureThreshold, rec.ConsecutiveFailures)
	}
}

func TestCircuitSuccessResetsStreak(t *testing.T) {
	cfg := DefaultCircuitConfig()
	now := time.Now().UTC()
	rec := NewHealthRecord(1)

	rec = rec.ApplyFailure("err", "uploading", now, cfg)
	rec = rec.ApplyFailure("err", "uploading", now, cfg)
	rec = rec.ApplySuccess(now)
	if rec.ConsecutiveFailures != 0 {
		t.Fatalf("успех должен сбрасывать серию неудач, получили %d", rec.ConsecutiveFailures)
	}
	if rec.Successes != 1 || rec.Failures != 2 {
		t.Fatalf("ожидали totals 1/2, получили %d/%d", rec.Successes, rec.Failures)
	}
}

func TestCircuitOpenPassesThroughHalfOpen(t *testing.T) {
	cfg := CircuitConfig{FailureThreshold: 1, Cooldown: 30 * time.Minute}
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := NewHealthRecord(1).ApplyFailure("err", "uploading", start, cfg)
	if rec.CircuitState != CircuitOpen {
		t.Fatalf("ожидали open")
	}

	rec = rec.Refresh(start.Add(10*time.Minute), cfg)
	if rec.CircuitState != CircuitOpen {
		t.Fatalf("цепь не должна остывать до истечения паузы")
	}
	if rec.CanAttempt() {
		t.Fatalf("open не допускает попыток")
	}

	rec = rec.Refresh(start.Add(31*time.Minute), cfg)
	if rec.CircuitState != CircuitHalfOpen {
		t.Fatalf("ожидали half_open после остывания, получили %s", rec.CircuitState)
	}
	if !rec.CanAttempt() {
		t.Fatalf("half_open допускает одну пробную попытку")
	}

	rec = rec.ApplySuccess(start.Add(32 * time.Minute))
	if rec.CircuitState != CircuitClosed {
		t.Fatalf("успешная проба закрывает цепь")
	}
}

func TestCircuitSuccessWhileOpenKeepsOpen(t *testing.T) {
	cfg := DefaultCircuitConfig()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := NewHealthRecord(1)
	for i := 0; i < cfg.FailureThreshold; i++ {
		rec = rec.ApplyFailure("err", "uploading", start, cfg)
	}
	if rec.CircuitState != CircuitOpen {
		t.Fatalf("ожидали open, получили %s", rec.CircuitState)
	}

	// Успех задачи, поставленной до открытия цепи, не минует half_open.
	rec = rec.ApplySuccess(start.Add(time.Minute))
	if rec.CircuitState != CircuitOpen {
		t.Fatalf("успех при открытой цепи не должен закрывать её, получили %s", rec.CircuitState)
	}
	if rec.ConsecutiveFailures != 0 {
		t.Fatalf("успех должен сбрасывать серию неудач, получили %d", rec.ConsecutiveFailures)
	}
	if rec.OpenedAt == nil {
		t.Fatalf("момент открытия цепи должен сохраняться")
	}

	rec = rec.Refresh(start.Add(cfg.Cooldown+time.Minute), cfg)
	if rec.CircuitState != CircuitHalfOpen {
		t.Fatalf("после остывания ожидали half_open, получили %s", rec.CircuitState)
	}
}

func TestCircuitProbeFailureReopens(t *testing.T) {
	cfg := CircuitConfig{FailureThreshold: 5, Cooldown: 30 * time.Minute}
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := NewHealthRecord(1)
	for i := 0; i < 5; i++ {
		rec = rec.ApplyFailure("err", "uploading", start, cfg)
	}

	rec = rec.Refresh(start.Add(31*time.Minute), cfg)
	if rec.CircuitState != CircuitHalfOpen {
		t.Fatalf("ожидали half_open")
	}

	probeAt := start.Add(32 * time.Minute)
	rec, ok := rec.StartProbe(probeAt)
	if !ok {
		t.Fatalf("первая проба должна резервироваться")
	}
	if _, ok := rec.StartProbe(probeAt); ok {
		t.Fatalf("вторая проба не должна резервироваться")
	}
	if rec.CanAttempt() {
		t.Fatalf("после резервирования пробы попытки не допускаются")
	}

	rec = rec.ApplyFailure("err", "uploading", probeAt, cfg)
	if rec.CircuitState != CircuitOpen {
		t.Fatalf("провал пробы должен вернуть open")
	}

	// таймер остывания перезапущен от новой неудачи
	rec = rec.Refresh(probeAt.Add(10*time.Minute), cfg)
	if rec.CircuitState != CircuitOpen {
		t.Fatalf("остывание должно отсчитываться от провала пробы")
	}
}

func TestSuccessRateNilWithoutAttempts(t *testing.T) {
	rec := NewHealthRecord(1)
	if rec.SuccessRate() != nil {
		t.Fatalf("без попыток доля успеха не определена")
	}
	rec = rec.ApplySuccess(time.Now())
	rec = rec.ApplyFailure("err", "uploading", time.Now(), DefaultCircuitConfig())
	rate := rec.SuccessRate()
	if rate == nil || *rate != 0.5 {
		t.Fatalf("ожидали 0.5, получили %v", rate)
	}
}

func TestForceOpenSkipsThreshold(t *testing.T) {
	now := time.Now().UTC()
	rec := NewHealthRecord(1).ForceOpen("token revoked", "uploading", now)
	if rec.CircuitState != CircuitOpen {
		t.Fatalf("ошибка авторизации должна открывать цепь немедленно")
	}
	if rec.Failures != 1 {
		t.Fatalf("ожидали одну неудачу, получили %d", rec.Failures)
	}
}
