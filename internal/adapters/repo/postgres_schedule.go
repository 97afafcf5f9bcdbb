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

// CreateSchedule создаёт расписание. Второе расписание того же канала
// отклоняется.
func (p *Postgres) CreateSchedule(ctx context.Context, schedule domain.Schedule) (domain.Schedule, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO schedules (owner_id, source_account, channel_id, pool_id, slots, tz, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, owner_id, source_account, channel_id, pool_id, slots, tz, status, created_at, updated_at
`, schedule.OwnerID, schedule.SourceAccount, schedule.ChannelID, schedule.PoolID, schedule.Slots, schedule.Timezone, schedule.Status)
	created, err := scanSchedule(row)
	metrics.ObserveNetworkRequest("postgres", "schedule_create", "schedules", start, err)
	if isUniqueViolation(err, "schedules_channel_id_key") {
		return domain.Schedule{}, domain.ErrScheduleExists
	}
	return created, err
}

// GetSchedule возвращает расписание по идентификатору.
func (p *Postgres) GetSchedule(ctx context.Context, id int64) (domain.Schedule, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, owner_id, source_account, channel_id, pool_id, slots, tz, status, created_at, updated_at
FROM schedules
WHERE id = $1
`, id)
	schedule, err := scanSchedule(row)
	metrics.ObserveNetworkRequest("postgres", "schedule_get", "schedules", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Schedule{}, domain.ErrScheduleNotFound
	}
	return schedule, err
}

// ListActiveSchedules возвращает активные расписания.
func (p *Postgres) ListActiveSchedules(ctx context.Context) ([]domain.Schedule, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, owner_id, source_account, channel_id, pool_id, slots, tz, status, created_at, updated_at
FROM schedules
WHERE status = $1
ORDER BY id
`, domain.ScheduleActive)
	metrics.ObserveNetworkRequest("postgres", "schedule_list_active", "schedules", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	return schedules, rows.Err()
}

// SetScheduleStatus меняет статус расписания.
func (p *Postgres) SetScheduleStatus(ctx context.Context, id int64, status domain.ScheduleStatus) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE schedules SET status = $2, updated_at = now() WHERE id = $1
`, id, status)
	metrics.ObserveNetworkRequest("postgres", "schedule_status_update", "schedules", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

// AcquireSlot регистрирует слот расписания. Повторная регистрация того же
// слота возвращает false без ошибки: слот срабатывает ровно один раз.
func (p *Postgres) AcquireSlot(ctx context.Context, scheduleID int64, slotAt time.Time) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO schedule_slots (schedule_id, slot_at)
VALUES ($1, $2)
ON CONFLICT (schedule_id, slot_at) DO NOTHING
`, scheduleID, slotAt.UTC())
	metrics.ObserveNetworkRequest("postgres", "schedule_slot_acquire", "schedule_slots", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var (
		schedule  domain.Schedule
		channelID sql.NullInt64
		poolID    sql.NullInt64
	)
	err := row.Scan(
		&schedule.ID,
		&schedule.OwnerID,
		&schedule.SourceAccount,
		&channelID,
		&poolID,
		&schedule.Slots,
		&schedule.Timezone,
		&schedule.Status,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	)
	if err != nil {
		return domain.Schedule{}, err
	}
	if channelID.Valid {
		schedule.ChannelID = &channelID.Int64
	}
	if poolID.Valid {
		schedule.PoolID = &poolID.Int64
	}
	return schedule, nil
}

// NextUnqueued возвращает самый старый ролик аккаунта, по которому нет
// ни публикации, ни незавершённой задачи.
func (p *Postgres) NextUnqueued(ctx context.Context, sourceAccount string) (domain.SourceItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT i.id, i.source_account, i.external_id, i.download_url, i.title, i.published, i.discovered_at
FROM source_items i
WHERE i.source_account = $1
  AND NOT i.published
  AND NOT EXISTS (
        SELECT 1 FROM publish_queue q
        WHERE q.source_item_id = i.id AND q.status IN ('queued', 'processing')
  )
ORDER BY i.discovered_at
LIMIT 1
`, sourceAccount)
	var item domain.SourceItem
	err := row.Scan(
		&item.ID,
		&item.SourceAccount,
		&item.ExternalID,
		&item.DownloadURL,
		&item.Title,
		&item.Published,
		&item.DiscoveredAt,
	)
	metrics.ObserveNetworkRequest("postgres", "source_next_unqueued", "source_items", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SourceItem{}, domain.ErrNoSourceItems
	}
	return item, err
}
