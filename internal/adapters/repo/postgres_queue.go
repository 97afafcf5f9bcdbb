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

const entryColumns = `
q.id, q.job_id, q.schedule_id, q.source_item_id, q.channel_id, q.variant_id,
q.scheduled_at, q.status, q.phase, q.progress, q.attempts, q.next_attempt_at,
q.published_url, q.error_message, q.error_phase, q.created_at, q.updated_at,
i.id, i.source_account, i.external_id, i.download_url, i.title, i.published, i.discovered_at`

// EnqueueEntry ставит задачу в очередь. Второй незавершённой задачи по тому
// же ролику быть не может.
func (p *Postgres) EnqueueEntry(ctx context.Context, entry domain.QueueEntry) (domain.QueueEntry, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO publish_queue (job_id, schedule_id, source_item_id, channel_id, variant_id, scheduled_at, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id
`, entry.JobID, entry.ScheduleID, entry.SourceItemID, entry.ChannelID, entry.VariantID, entry.ScheduledAt.UTC(), entry.Status)
	err := row.Scan(&entry.ID)
	metrics.ObserveNetworkRequest("postgres", "queue_enqueue", "publish_queue", start, err)
	if isUniqueViolation(err, "publish_queue_pending_source_item_idx") {
		return domain.QueueEntry{}, domain.ErrDuplicatePending
	}
	if err != nil {
		return domain.QueueEntry{}, err
	}
	return p.GetEntry(ctx, entry.ID)
}

// GetEntry возвращает задачу вместе с роликом.
func (p *Postgres) GetEntry(ctx context.Context, id int64) (domain.QueueEntry, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT `+entryColumns+`
FROM publish_queue q
JOIN source_items i ON i.id = q.source_item_id
WHERE q.id = $1
`, id)
	entry, err := scanEntry(row)
	metrics.ObserveNetworkRequest("postgres", "queue_get", "publish_queue", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueEntry{}, domain.ErrEntryNotFound
	}
	return entry, err
}

// ListDue возвращает наступившие задачи очереди в порядке времени слота.
func (p *Postgres) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.QueueEntry, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+entryColumns+`
FROM publish_queue q
JOIN source_items i ON i.id = q.source_item_id
WHERE q.status = 'queued'
  AND q.scheduled_at <= $1
  AND (q.next_attempt_at IS NULL OR q.next_attempt_at <= $1)
ORDER BY q.scheduled_at
LIMIT $2
`, now.UTC(), limit)
	metrics.ObserveNetworkRequest("postgres", "queue_list_due", "publish_queue", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ListOwnerEntries возвращает задачи владельца, свежие первыми.
func (p *Postgres) ListOwnerEntries(ctx context.Context, ownerID int64, limit, offset int) ([]domain.QueueEntry, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+entryColumns+`
FROM publish_queue q
JOIN source_items i ON i.id = q.source_item_id
JOIN channels c ON c.id = q.channel_id
WHERE c.owner_id = $1
ORDER BY q.created_at DESC
LIMIT $2 OFFSET $3
`, ownerID, limit, offset)
	metrics.ObserveNetworkRequest("postgres", "queue_list_owner", "publish_queue", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ClaimProcessing атомарно забирает задачу в обработку. Проигравший гонку
// получает false.
func (p *Postgres) ClaimProcessing(ctx context.Context, id int64) (domain.QueueEntry, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
WITH claimed AS (
    UPDATE publish_queue
    SET status = 'processing', updated_at = now()
    WHERE id = $1 AND status = 'queued'
    RETURNING *
)
SELECT `+entryColumns+`
FROM claimed q
JOIN source_items i ON i.id = q.source_item_id
`, id)
	entry, err := scanEntry(row)
	metrics.ObserveNetworkRequest("postgres", "queue_claim", "publish_queue", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueEntry{}, false, nil
	}
	if err != nil {
		return domain.QueueEntry{}, false, err
	}
	return entry, true, nil
}

// UpdateProgress обновляет фазу и процент выполнения задачи.
func (p *Postgres) UpdateProgress(ctx context.Context, id int64, phase domain.PublishPhase, percent int) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE publish_queue
SET phase = $2, progress = $3, updated_at = now()
WHERE id = $1 AND status = 'processing'
`, id, phase, percent)
	metrics.ObserveNetworkRequest("postgres", "queue_progress", "publish_queue", start, err)
	return err
}

// MarkPublished завершает задачу успехом и помечает ролик опубликованным.
// Уже завершённая задача возвращает false: побочные эффекты не повторяются.
func (p *Postgres) MarkPublished(ctx context.Context, id int64, url string) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "publish_queue", start, err)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var sourceItemID int64
	start = time.Now()
	err = tx.QueryRow(ctx, `
UPDATE publish_queue
SET status = 'published', published_url = $2, phase = 'finalizing', progress = 100, updated_at = now()
WHERE id = $1 AND status NOT IN ('published', 'failed')
RETURNING source_item_id
`, id, url).Scan(&sourceItemID)
	metrics.ObserveNetworkRequest("postgres", "queue_mark_published", "publish_queue", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	start = time.Now()
	_, err = tx.Exec(ctx, `
UPDATE source_items SET published = true WHERE id = $1
`, sourceItemID)
	metrics.ObserveNetworkRequest("postgres", "source_mark_published", "source_items", start, err)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// MarkFailed завершает задачу окончательной неудачей с той же
// идемпотентностью, что и MarkPublished.
func (p *Postgres) MarkFailed(ctx context.Context, id int64, attempts int, msg string, phase domain.PublishPhase) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE publish_queue
SET status = 'failed', attempts = $2, error_message = $3, error_phase = $4, updated_at = now()
WHERE id = $1 AND status NOT IN ('published', 'failed')
`, id, attempts, msg, phase)
	metrics.ObserveNetworkRequest("postgres", "queue_mark_failed", "publish_queue", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ScheduleRetry возвращает задачу в очередь с отложенным временем попытки.
func (p *Postgres) ScheduleRetry(ctx context.Context, id int64, attempts int, nextAt time.Time, msg string, phase domain.PublishPhase) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE publish_queue
SET status = 'queued', attempts = $2, next_attempt_at = $3, error_message = $4, error_phase = $5, progress = 0, updated_at = now()
WHERE id = $1 AND status = 'processing'
`, id, attempts, nextAt.UTC(), msg, phase)
	metrics.ObserveNetworkRequest("postgres", "queue_schedule_retry", "publish_queue", start, err)
	return err
}

// RetryEntry возвращает провалившуюся задачу в очередь вручную.
func (p *Postgres) RetryEntry(ctx context.Context, id int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE publish_queue
SET status = 'queued', next_attempt_at = now(), error_message = '', error_phase = '', progress = 0, updated_at = now()
WHERE id = $1 AND status = 'failed'
`, id)
	metrics.ObserveNetworkRequest("postgres", "queue_retry", "publish_queue", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}

// CancelQueued удаляет все поставленные, но не начатые задачи владельца.
func (p *Postgres) CancelQueued(ctx context.Context, ownerID int64) (int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
DELETE FROM publish_queue q
USING channels c
WHERE q.channel_id = c.id AND c.owner_id = $1 AND q.status = 'queued'
`, ownerID)
	metrics.ObserveNetworkRequest("postgres", "queue_cancel", "publish_queue", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ClearStuck возвращает в очередь задачи, зависшие в processing.
func (p *Postgres) ClearStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE publish_queue
SET status = 'queued', next_attempt_at = now(), progress = 0, updated_at = now()
WHERE status = 'processing' AND updated_at < $1
`, olderThan.UTC())
	metrics.ObserveNetworkRequest("postgres", "queue_clear_stuck", "publish_queue", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DailyUploads возвращает число загрузок канала за локальный день.
func (p *Postgres) DailyUploads(ctx context.Context, channelID int64, day time.Time) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var uploads int
	err := p.pool.QueryRow(ctx, `
SELECT uploads FROM channel_usage WHERE channel_id = $1 AND day = $2
`, channelID, day).Scan(&uploads)
	metrics.ObserveNetworkRequest("postgres", "usage_get", "channel_usage", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return uploads, err
}

// RecordUpload увеличивает счётчик загрузок канала за день.
func (p *Postgres) RecordUpload(ctx context.Context, channelID int64, day time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO channel_usage (channel_id, day, uploads)
VALUES ($1, $2, 1)
ON CONFLICT (channel_id, day) DO UPDATE SET uploads = channel_usage.uploads + 1
`, channelID, day)
	metrics.ObserveNetworkRequest("postgres", "usage_record", "channel_usage", start, err)
	return err
}

// HourlyOutcomes агрегирует терминальные исходы по часам локального времени
// слота.
func (p *Postgres) HourlyOutcomes(ctx context.Context, channelID int64, since time.Time) ([]domain.HourStats, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT EXTRACT(HOUR FROM q.scheduled_at AT TIME ZONE COALESCE(NULLIF(c.timezone, ''), 'UTC'))::int AS hour,
       EXTRACT(ISODOW FROM q.scheduled_at AT TIME ZONE COALESCE(NULLIF(c.timezone, ''), 'UTC'))::int >= 6 AS weekend,
       COUNT(*)::int AS attempts,
       COUNT(*) FILTER (WHERE q.status = 'published')::int AS successes
FROM publish_queue q
JOIN channels c ON c.id = q.channel_id
WHERE q.channel_id = $1
  AND q.status IN ('published', 'failed')
  AND q.updated_at >= $2
GROUP BY 1, 2
ORDER BY 1, 2
`, channelID, since.UTC())
	metrics.ObserveNetworkRequest("postgres", "stats_hourly", "publish_queue", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []domain.HourStats
	for rows.Next() {
		var h domain.HourStats
		if err := rows.Scan(&h.Hour, &h.Weekend, &h.Attempts, &h.Successes); err != nil {
			return nil, err
		}
		stats = append(stats, h)
	}
	return stats, rows.Err()
}

func scanEntry(row rowScanner) (domain.QueueEntry, error) {
	var (
		entry         domain.QueueEntry
		variantID     sql.NullInt64
		nextAttemptAt sql.NullTime
	)
	err := row.Scan(
		&entry.ID,
		&entry.JobID,
		&entry.ScheduleID,
		&entry.SourceItemID,
		&entry.ChannelID,
		&variantID,
		&entry.ScheduledAt,
		&entry.Status,
		&entry.Phase,
		&entry.Progress,
		&entry.Attempts,
		&nextAttemptAt,
		&entry.PublishedURL,
		&entry.ErrorMessage,
		&entry.ErrorPhase,
		&entry.CreatedAt,
		&entry.UpdatedAt,
		&entry.Item.ID,
		&entry.Item.SourceAccount,
		&entry.Item.ExternalID,
		&entry.Item.DownloadURL,
		&entry.Item.Title,
		&entry.Item.Published,
		&entry.Item.DiscoveredAt,
	)
	if err != nil {
		return domain.QueueEntry{}, err
	}
	if variantID.Valid {
		entry.VariantID = &variantID.Int64
	}
	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time
		entry.NextAttemptAt = &t
	}
	return entry, nil
}

func collectEntries(rows pgx.Rows) ([]domain.QueueEntry, error) {
	var entries []domain.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
