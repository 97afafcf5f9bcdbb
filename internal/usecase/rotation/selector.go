package rotation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"reelcast/internal/domain"
	"reelcast/internal/infra/metrics"
)

// Selector выбирает канал назначения для слота публикации с учётом квот,
// здоровья и стратегии ротации пула.
type Selector struct {
	quota  domain.QuotaTracker
	gate   domain.HealthGate
	pools  domain.PoolRepo
	logger zerolog.Logger
}

var _ domain.ChannelSelector = (*Selector)(nil)

// NewSelector создаёт селектор каналов.
func NewSelector(quota domain.QuotaTracker, gate domain.HealthGate, pools domain.PoolRepo, logger zerolog.Logger) *Selector {
	return &Selector{quota: quota, gate: gate, pools: pools, logger: logger}
}

// Select выбирает канал для назначения. Возвращает ErrNoEligibleChannel,
// если ни один канал не проходит по квоте и здоровью.
func (s *Selector) Select(ctx context.Context, dest domain.Destination, now time.Time) (domain.Channel, error) {
	switch {
	case dest.Channel != nil:
		return s.selectSingle(ctx, *dest.Channel, now)
	case dest.Pool != nil:
		return s.selectFromPool(ctx, *dest.Pool, now)
	default:
		return domain.Channel{}, domain.ErrNoEligibleChannel
	}
}

func (s *Selector) selectSingle(ctx context.Context, channel domain.Channel, now time.Time) (domain.Channel, error) {
	ok, err := s.eligible(ctx, channel, now)
	if err != nil {
		return domain.Channel{}, err
	}
	if !ok {
		return domain.Channel{}, domain.ErrNoEligibleChannel
	}
	admitted, err := s.gate.Admit(ctx, channel.ID, now)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("допуск канала: %w", err)
	}
	if !admitted {
		return domain.Channel{}, domain.ErrNoEligibleChannel
	}
	metrics.IncChannelSelected("single")
	return channel, nil
}

// candidate — член пула, прошедший фильтры квоты и здоровья.
// remaining -1 означает отсутствие лимита.
type candidate struct {
	member    domain.PoolMember
	remaining int
	index     int
}

func (s *Selector) selectFromPool(ctx context.Context, pool domain.ChannelPool, now time.Time) (domain.Channel, error) {
	if !pool.Active || len(pool.Members) == 0 {
		return domain.Channel{}, domain.ErrNoEligibleChannel
	}
	var primary, fallback []domain.PoolMember
	for _, m := range pool.Members {
		if m.FallbackOnly {
			fallback = append(fallback, m)
		} else {
			primary = append(primary, m)
		}
	}

	// Запасные каналы рассматриваются, только когда основные исчерпаны.
	if ch, err := s.tryMembers(ctx, pool, primary, now, false); err != domain.ErrNoEligibleChannel {
		return ch, err
	}
	if len(fallback) > 0 {
		if ch, err := s.tryMembers(ctx, pool, fallback, now, true); err != domain.ErrNoEligibleChannel {
			if err == nil {
				s.logger.Info().Int64("pool_id", pool.ID).Int64("channel_id", ch.ID).Msg("rotation: выбран запасной канал")
			}
			return ch, err
		}
	}
	return domain.Channel{}, domain.ErrNoEligibleChannel
}

// tryMembers строит кандидатов, упорядочивает их по стратегии пула и
// допускает первого, за кем удаётся закрепить попытку.
func (s *Selector) tryMembers(ctx context.Context, pool domain.ChannelPool, members []domain.PoolMember, now time.Time, isFallback bool) (domain.Channel, error) {
	sort.SliceStable(members, func(i, j int) bool { return members[i].Priority < members[j].Priority })

	var candidates []candidate
	for i, m := range members {
		ok, err := s.eligible(ctx, m.Channel, now)
		if err != nil {
			return domain.Channel{}, err
		}
		if !ok {
			continue
		}
		remaining, err := s.quota.Remaining(ctx, m.Channel, now)
		if err != nil {
			return domain.Channel{}, err
		}
		candidates = append(candidates, candidate{member: m, remaining: remaining, index: i})
	}
	if len(candidates) == 0 {
		return domain.Channel{}, domain.ErrNoEligibleChannel
	}

	ordered := s.order(pool, candidates, isFallback)
	for _, c := range ordered {
		admitted, err := s.gate.Admit(ctx, c.member.ChannelID, now)
		if err != nil {
			return domain.Channel{}, fmt.Errorf("допуск канала: %w", err)
		}
		if !admitted {
			continue
		}
		if pool.Strategy == domain.StrategyRoundRobin && !isFallback {
			s.advanceCursor(ctx, pool, c.index, len(members))
		}
		metrics.IncChannelSelected(string(pool.Strategy))
		return c.member.Channel, nil
	}
	return domain.Channel{}, domain.ErrNoEligibleChannel
}

// order упорядочивает кандидатов согласно стратегии пула.
func (s *Selector) order(pool domain.ChannelPool, candidates []candidate, isFallback bool) []candidate {
	switch pool.Strategy {
	case domain.StrategyQuotaBased:
		// Наибольший остаток вперёд, безлимит считается максимальным.
		// При равенстве побеждает меньший приоритет.
		sort.SliceStable(candidates, func(i, j int) bool {
			ri, rj := effectiveRemaining(candidates[i].remaining), effectiveRemaining(candidates[j].remaining)
			if ri != rj {
				return ri > rj
			}
			return candidates[i].member.Priority < candidates[j].member.Priority
		})
	case domain.StrategyRoundRobin:
		if !isFallback {
			candidates = rotateFromCursor(candidates, pool.Cursor)
		}
	default:
		// priority: кандидаты уже упорядочены по возрастанию приоритета.
	}
	return candidates
}

// rotateFromCursor переносит вперёд кандидатов, начиная с позиции курсора.
func rotateFromCursor(candidates []candidate, cursor int) []candidate {
	n := len(candidates)
	if n == 0 {
		return candidates
	}
	split := 0
	for i, c := range candidates {
		if c.index >= cursor {
			split = i
			break
		}
		split = n
	}
	return append(append([]candidate(nil), candidates[split:]...), candidates[:split]...)
}

func (s *Selector) advanceCursor(ctx context.Context, pool domain.ChannelPool, selected, total int) {
	next := (selected + 1) % total
	moved, err := s.pools.AdvanceCursor(ctx, pool.ID, pool.Cursor, next)
	if err != nil {
		s.logger.Error().Err(err).Int64("pool_id", pool.ID).Msg("rotation: сдвиг курсора")
		return
	}
	if !moved {
		// Курсор уже сдвинут конкурентом, повтор не нужен.
		s.logger.Debug().Int64("pool_id", pool.ID).Msg("rotation: курсор сдвинут конкурентно")
	}
}

func (s *Selector) eligible(ctx context.Context, channel domain.Channel, now time.Time) (bool, error) {
	if !channel.Connected() {
		return false, nil
	}
	healthy, err := s.gate.Eligible(ctx, channel.ID, now)
	if err != nil {
		return false, fmt.Errorf("проверка здоровья канала: %w", err)
	}
	if !healthy {
		return false, nil
	}
	remaining, err := s.quota.Remaining(ctx, channel, now)
	if err != nil {
		return false, fmt.Errorf("проверка квоты канала: %w", err)
	}
	return remaining != 0, nil
}

func effectiveRemaining(remaining int) int {
	if remaining < 0 {
		return int(^uint(0) >> 1)
	}
	return remaining
}
