package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"reelcast/internal/domain"
	"reelcast/internal/infra/metrics"
)

const defaultPollInterval = time.Second

// AMQPEventQueue реализует очередь уведомлений через RabbitMQ.
type AMQPEventQueue struct {
	conn         *amqp.Connection
	ch           *amqp.Channel
	queue        string
	pollInterval time.Duration
}

var _ domain.EventQueue = (*AMQPEventQueue)(nil)

// NewAMQPEventQueue подключается к RabbitMQ и объявляет очередь.
func NewAMQPEventQueue(url, queue string) (*AMQPEventQueue, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("подключение к rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("открытие канала: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("объявление очереди: %w", err)
	}
	return &AMQPEventQueue{conn: conn, ch: ch, queue: queue, pollInterval: defaultPollInterval}, nil
}

// Enqueue публикует уведомление в очередь.
func (q *AMQPEventQueue) Enqueue(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("публикация уведомления: %w", err)
	}
	return nil
}

// Receive блокирующе читает уведомление из очереди. Подтверждение false
// возвращает сообщение в очередь.
func (q *AMQPEventQueue) Receive(ctx context.Context) (domain.Event, domain.EventAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.Event{}, nil, err
		}
		start := time.Now()
		delivery, ok, err := q.ch.Get(q.queue, false)
		metrics.ObserveNetworkRequest("rabbitmq", "get", q.queue, start, err)
		if err != nil {
			return domain.Event{}, nil, fmt.Errorf("чтение очереди: %w", err)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return domain.Event{}, nil, ctx.Err()
			case <-time.After(q.pollInterval):
			}
			continue
		}
		var event domain.Event
		if err := json.Unmarshal(delivery.Body, &event); err != nil {
			// Нечитаемое сообщение не возвращается в очередь.
			_ = delivery.Nack(false, false)
			return domain.Event{}, nil, fmt.Errorf("unmarshal event: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return delivery.Ack(false)
			}
			return delivery.Nack(false, true)
		}
		return event, ack, nil
	}
}

// Close закрывает канал и соединение.
func (q *AMQPEventQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
