package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"reelcast/internal/domain"
)

// RedisEventQueue реализует очередь уведомлений на базе Redis lists.
// Используется в окружениях без RabbitMQ.
type RedisEventQueue struct {
	client *redis.Client
	key    string
}

var _ domain.EventQueue = (*RedisEventQueue)(nil)

// NewRedisEventQueue создаёт очередь по указанному ключу.
func NewRedisEventQueue(client *redis.Client, key string) *RedisEventQueue {
	return &RedisEventQueue{client: client, key: key}
}

// Enqueue публикует уведомление в очередь.
func (q *RedisEventQueue) Enqueue(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push event: %w", err)
	}
	return nil
}

// Receive блокирующе читает уведомление из очереди. Подтверждение false
// возвращает событие в очередь.
func (q *RedisEventQueue) Receive(ctx context.Context) (domain.Event, domain.EventAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.Event{}, nil, err
		}
		values, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.Event{}, nil, fmt.Errorf("pop event: %w", err)
		}
		if len(values) < 2 {
			continue
		}
		payload := values[1]
		var event domain.Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return domain.Event{}, nil, fmt.Errorf("unmarshal event: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return nil
			}
			return q.client.LPush(context.Background(), q.key, payload).Err()
		}
		return event, ack, nil
	}
}
