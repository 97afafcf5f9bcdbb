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

// CreateTest создаёт эксперимент с двумя вариантами.
func (p *Postgres) CreateTest(ctx context.Context, test domain.ABTest) (domain.ABTest, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "ab_tests", start, err)
	if err != nil {
		return domain.ABTest{}, err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	err = tx.QueryRow(ctx, `
INSERT INTO ab_tests (schedule_id, status)
VALUES ($1, $2)
RETURNING id, created_at
`, test.ScheduleID, test.Status).Scan(&test.ID, &test.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "abtest_create", "ab_tests", start, err)
	if err != nil {
		return domain.ABTest{}, err
	}

	// Вариант A вставляется первым: порядок id фиксирует соответствие меток при чтении.
	for _, variant := range []*domain.ABVariant{&test.VariantA, &test.VariantB} {
		variant.TestID = test.ID
		start = time.Now()
		err = tx.QueryRow(ctx, `
INSERT INTO ab_variants (test_id, name, slots)
VALUES ($1, $2, $3)
RETURNING id
`, variant.TestID, variant.Name, variant.Slots).Scan(&variant.ID)
		metrics.ObserveNetworkRequest("postgres", "abvariant_create", "ab_variants", start, err)
		if err != nil {
			return domain.ABTest{}, err
		}
	}
	return test, tx.Commit(ctx)
}

// GetTest возвращает эксперимент с вариантами.
func (p *Postgres) GetTest(ctx context.Context, id int64) (domain.ABTest, error) {
	return p.getTest(ctx, `WHERE t.id = $1`, id)
}

// GetRunningBySchedule возвращает запущенный эксперимент расписания.
func (p *Postgres) GetRunningBySchedule(ctx context.Context, scheduleID int64) (domain.ABTest, error) {
	return p.getTest(ctx, `WHERE t.schedule_id = $1 AND t.status = 'running'`, scheduleID)
}

func (p *Postgres) getTest(ctx context.Context, where string, arg any) (domain.ABTest, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT t.id, t.schedule_id, t.status, t.winner_variant_id, t.created_at, t.completed_at
FROM ab_tests t
`+where+`
ORDER BY t.id DESC
LIMIT 1
`, arg)
	var (
		test        domain.ABTest
		winnerID    sql.NullInt64
		completedAt sql.NullTime
	)
	err := row.Scan(&test.ID, &test.ScheduleID, &test.Status, &winnerID, &test.CreatedAt, &completedAt)
	metrics.ObserveNetworkRequest("postgres", "abtest_get", "ab_tests", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ABTest{}, domain.ErrTestNotFound
	}
	if err != nil {
		return domain.ABTest{}, err
	}
	if winnerID.Valid {
		test.WinnerID = &winnerID.Int64
	}
	if completedAt.Valid {
		t := completedAt.Time
		test.CompletedAt = &t
	}

	start = time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, test_id, name, slots, uploads, successes
FROM ab_variants
WHERE test_id = $1
ORDER BY id
`, test.ID)
	metrics.ObserveNetworkRequest("postgres", "abvariant_list", "ab_variants", start, err)
	if err != nil {
		return domain.ABTest{}, err
	}
	defer rows.Close()

	var variants []domain.ABVariant
	for rows.Next() {
		var v domain.ABVariant
		if err := rows.Scan(&v.ID, &v.TestID, &v.Name, &v.Slots, &v.Uploads, &v.Successes); err != nil {
			return domain.ABTest{}, err
		}
		variants = append(variants, v)
	}
	if err := rows.Err(); err != nil {
		return domain.ABTest{}, err
	}
	if len(variants) > 0 {
		test.VariantA = variants[0]
	}
	if len(variants) > 1 {
		test.VariantB = variants[1]
	}
	return test, nil
}

// RecordAssignment учитывает назначение варианта новой загрузке.
func (p *Postgres) RecordAssignment(ctx context.Context, variantID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE ab_variants SET uploads = uploads + 1 WHERE id = $1
`, variantID)
	metrics.ObserveNetworkRequest("postgres", "abvariant_assign", "ab_variants", start, err)
	return err
}

// RecordOutcome учитывает терминальный исход загрузки варианта.
func (p *Postgres) RecordOutcome(ctx context.Context, variantID int64, success bool) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	// Провал уже учтён в uploads при назначении варианта.
	if !success {
		return nil
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE ab_variants SET successes = successes + 1 WHERE id = $1
`, variantID)
	metrics.ObserveNetworkRequest("postgres", "abvariant_outcome", "ab_variants", start, err)
	return err
}

// SetTestStatus меняет статус эксперимента.
func (p *Postgres) SetTestStatus(ctx context.Context, id int64, status domain.ABTestStatus) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE ab_tests SET status = $2 WHERE id = $1
`, id, status)
	metrics.ObserveNetworkRequest("postgres", "abtest_status", "ab_tests", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTestNotFound
	}
	return nil
}

// CompleteTest завершает эксперимент и фиксирует победителя.
func (p *Postgres) CompleteTest(ctx context.Context, id int64, winnerID *int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE ab_tests
SET status = 'completed', winner_variant_id = $2, completed_at = now()
WHERE id = $1 AND status <> 'completed'
`, id, winnerID)
	metrics.ObserveNetworkRequest("postgres", "abtest_complete", "ab_tests", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTestCompleted
	}
	return nil
}
