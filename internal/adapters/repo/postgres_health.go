package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"reelcast/internal/domain"
	"reelcast/internal/infra/metrics"
)

const healthColumns = `
channel_id, successes, failures, consecutive_failures, circuit_state,
opened_at, last_failure_at, probe_started_at, last_error, last_error_phase, checked_at`

// GetHealth возвращает запись здоровья канала. Для канала без истории
// возвращается пустая запись с закрытой цепью.
func (p *Postgres) GetHealth(ctx context.Context, channelID int64) (domain.HealthRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT `+healthColumns+`
FROM channel_health
WHERE channel_id = $1
`, channelID)
	rec, err := scanHealth(row)
	metrics.ObserveNetworkRequest("postgres", "health_get", "channel_health", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewHealthRecord(channelID), nil
	}
	return rec, err
}

// MutateHealth применяет fn к записи канала под блокировкой строки.
// Отсутствующая запись создаётся перед блокировкой.
func (p *Postgres) MutateHealth(ctx context.Context, channelID int64, fn func(domain.HealthRecord) domain.HealthRecord) (domain.HealthRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "channel_health", start, err)
	if err != nil {
		return domain.HealthRecord{}, err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	_, err = tx.Exec(ctx, `
INSERT INTO channel_health (channel_id, circuit_state, checked_at)
VALUES ($1, 'closed', now())
ON CONFLICT (channel_id) DO NOTHING
`, channelID)
	metrics.ObserveNetworkRequest("postgres", "health_ensure", "channel_health", start, err)
	if err != nil {
		return domain.HealthRecord{}, err
	}

	start = time.Now()
	row := tx.QueryRow(ctx, `
SELECT `+healthColumns+`
FROM channel_health
WHERE channel_id = $1
FOR UPDATE
`, channelID)
	rec, err := scanHealth(row)
	metrics.ObserveNetworkRequest("postgres", "health_lock", "channel_health", start, err)
	if err != nil {
		return domain.HealthRecord{}, err
	}

	rec = fn(rec)

	start = time.Now()
	_, err = tx.Exec(ctx, `
UPDATE channel_health
SET successes = $2, failures = $3, consecutive_failures = $4, circuit_state = $5,
    opened_at = $6, last_failure_at = $7, probe_started_at = $8,
    last_error = $9, last_error_phase = $10, checked_at = $11
WHERE channel_id = $1
`, rec.ChannelID, rec.Successes, rec.Failures, rec.ConsecutiveFailures, rec.CircuitState,
		rec.OpenedAt, rec.LastFailureAt, rec.ProbeStartedAt, rec.LastError, rec.LastErrorPhase, rec.CheckedAt)
	metrics.ObserveNetworkRequest("postgres", "health_update", "channel_health", start, err)
	if err != nil {
		return domain.HealthRecord{}, err
	}
	return rec, tx.Commit(ctx)
}

// TryStartProbe атомарно резервирует единственную пробную попытку half_open.
func (p *Postgres) TryStartProbe(ctx context.Context, channelID int64, now time.Time) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE channel_health
SET probe_started_at = $2
WHERE channel_id = $1 AND circuit_state = 'half_open' AND probe_started_at IS NULL
`, channelID, now.UTC())
	metrics.ObserveNetworkRequest("postgres", "health_probe_start", "channel_health", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanHealth(row rowScanner) (domain.HealthRecord, error) {
	var (
		rec            domain.HealthRecord
		openedAt       sql.NullTime
		lastFailureAt  sql.NullTime
		probeStartedAt sql.NullTime
	)
	err := row.Scan(
		&rec.ChannelID,
		&rec.Successes,
		&rec.Failures,
		&rec.ConsecutiveFailures,
		&rec.CircuitState,
		&openedAt,
		&lastFailureAt,
		&probeStartedAt,
		&rec.LastError,
		&rec.LastErrorPhase,
		&rec.CheckedAt,
	)
	if err != nil {
		return domain.HealthRecord{}, err
	}
	if openedAt.Valid {
		t := openedAt.Time
		rec.OpenedAt = &t
	}
	if lastFailureAt.Valid {
		t := lastFailureAt.Time
		rec.LastFailureAt = &t
	}
	if probeStartedAt.Valid {
		t := probeStartedAt.Time
		rec.ProbeStartedAt = &t
	}
	return rec, nil
}
