package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"reelcast/internal/domain"
	"reelcast/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.ChannelRepo  = (*Postgres)(nil)
	_ domain.PoolRepo     = (*Postgres)(nil)
	_ domain.ScheduleRepo = (*Postgres)(nil)
	_ domain.SourceFeed   = (*Postgres)(nil)
	_ domain.QueueRepo    = (*Postgres)(nil)
	_ domain.UsageRepo    = (*Postgres)(nil)
	_ domain.HealthRepo   = (*Postgres)(nil)
	_ domain.ABTestRepo   = (*Postgres)(nil)
	_ domain.StatsRepo    = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// isUniqueViolation сообщает, нарушено ли указанное уникальное ограничение.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

// GetChannel реализует domain.ChannelRepo.
func (p *Postgres) GetChannel(ctx context.Context, id int64) (domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, owner_id, external_id, title, auth_status, tz, created_at, updated_at
FROM channels
WHERE id = $1
`, id)
	channel, err := scanChannel(row)
	metrics.ObserveNetworkRequest("postgres", "channel_get", "channels", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, domain.ErrChannelNotFound
	}
	return channel, err
}

// ListOwnerChannels возвращает каналы владельца.
func (p *Postgres) ListOwnerChannels(ctx context.Context, ownerID int64) ([]domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, owner_id, external_id, title, auth_status, tz, created_at, updated_at
FROM channels
WHERE owner_id = $1
ORDER BY id
`, ownerID)
	metrics.ObserveNetworkRequest("postgres", "channel_list", "channels", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}
	return channels, rows.Err()
}

// UpdateAuthStatus помечает статус авторизации канала.
func (p *Postgres) UpdateAuthStatus(ctx context.Context, channelID int64, status domain.AuthStatus) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE channels SET auth_status = $2, updated_at = now() WHERE id = $1
`, channelID, status)
	metrics.ObserveNetworkRequest("postgres", "channel_auth_update", "channels", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrChannelNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (domain.Channel, error) {
	var channel domain.Channel
	err := row.Scan(
		&channel.ID,
		&channel.OwnerID,
		&channel.ExternalID,
		&channel.Title,
		&channel.AuthStatus,
		&channel.Timezone,
		&channel.CreatedAt,
		&channel.UpdatedAt,
	)
	return channel, err
}

// GetPool возвращает пул вместе с членами и их каналами.
func (p *Postgres) GetPool(ctx context.Context, id int64) (domain.ChannelPool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, owner_id, name, strategy, active, cursor, created_at
FROM channel_pools
WHERE id = $1
`, id)
	var pool domain.ChannelPool
	err := row.Scan(&pool.ID, &pool.OwnerID, &pool.Name, &pool.Strategy, &pool.Active, &pool.Cursor, &pool.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "pool_get", "channel_pools", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChannelPool{}, domain.ErrPoolNotFound
	}
	if err != nil {
		return domain.ChannelPool{}, err
	}

	start = time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT m.pool_id, m.channel_id, m.priority, m.fallback_only,
       c.id, c.owner_id, c.external_id, c.title, c.auth_status, c.tz, c.created_at, c.updated_at
FROM pool_members m
JOIN channels c ON c.id = m.channel_id
WHERE m.pool_id = $1
ORDER BY m.priority
`, id)
	metrics.ObserveNetworkRequest("postgres", "pool_members_list", "pool_members", start, err)
	if err != nil {
		return domain.ChannelPool{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var m domain.PoolMember
		if err := rows.Scan(
			&m.PoolID,
			&m.ChannelID,
			&m.Priority,
			&m.FallbackOnly,
			&m.Channel.ID,
			&m.Channel.OwnerID,
			&m.Channel.ExternalID,
			&m.Channel.Title,
			&m.Channel.AuthStatus,
			&m.Channel.Timezone,
			&m.Channel.CreatedAt,
			&m.Channel.UpdatedAt,
		); err != nil {
			return domain.ChannelPool{}, err
		}
		pool.Members = append(pool.Members, m)
	}
	return pool, rows.Err()
}

// AddPoolMember добавляет канал в пул. Занятый приоритет отклоняется.
func (p *Postgres) AddPoolMember(ctx context.Context, member domain.PoolMember) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO pool_members (pool_id, channel_id, priority, fallback_only)
VALUES ($1, $2, $3, $4)
`, member.PoolID, member.ChannelID, member.Priority, member.FallbackOnly)
	metrics.ObserveNetworkRequest("postgres", "pool_member_add", "pool_members", start, err)
	if isUniqueViolation(err, "pool_members_pool_id_priority_key") {
		return domain.ErrPriorityConflict
	}
	return err
}

// RemovePoolMember убирает канал из пула.
func (p *Postgres) RemovePoolMember(ctx context.Context, poolID, channelID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
DELETE FROM pool_members WHERE pool_id = $1 AND channel_id = $2
`, poolID, channelID)
	metrics.ObserveNetworkRequest("postgres", "pool_member_remove", "pool_members", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrChannelNotFound
	}
	return nil
}

// AdvanceCursor сдвигает курсор round-robin, только если он не изменился
// с момента чтения.
func (p *Postgres) AdvanceCursor(ctx context.Context, poolID int64, from, to int) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE channel_pools SET cursor = $3 WHERE id = $1 AND cursor = $2
`, poolID, from, to)
	metrics.ObserveNetworkRequest("postgres", "pool_cursor_advance", "channel_pools", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
