package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"reelcast/internal/adapters/notify"
	"reelcast/internal/domain"
	"reelcast/internal/infra/config"
	applog "reelcast/internal/infra/log"
	"reelcast/internal/infra/metrics"
	"reelcast/internal/infra/queue"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	if cfg.RedisAddr == "" && cfg.AMQPURL == "" {
		logger.Fatal().Msg("notifier: не указан ни Redis, ни RabbitMQ")
	}
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}
	events := newEventQueue(cfg, redisClient, logger)

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("notifier: не указан токен Telegram (TG_BOT_TOKEN)")
	}
	if cfg.Telegram.OpsChatID == 0 {
		logger.Fatal().Msg("notifier: не указан операторский чат (TG_OPS_CHAT_ID)")
	}
	notifier, err := notify.NewNotifier(cfg.Telegram.Token, cfg.Telegram.OpsChatID)
	if err != nil {
		logger.Fatal().Err(err).Msg("notifier: не удалось создать бота")
	}

	logger.Info().Msg("notifier: запущен")
	for {
		event, ack, err := events.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Info().Msg("notifier: остановлен")
				return
			}
			logger.Error().Err(err).Msg("notifier: ошибка чтения очереди")
			continue
		}
		if err := notifier.Notify(event); err != nil {
			logger.Error().Err(err).Str("kind", string(event.Kind)).Msg("notifier: доставка не удалась")
			if ackErr := ack(false); ackErr != nil {
				logger.Error().Err(ackErr).Msg("notifier: возврат события в очередь")
			}
			continue
		}
		if err := ack(true); err != nil {
			logger.Error().Err(err).Msg("notifier: подтверждение события")
		}
	}
}

// newEventQueue выбирает очередь уведомлений: RabbitMQ при заданном AMQP_URL,
// иначе Redis.
func newEventQueue(cfg config.AppConfig, redisClient *redis.Client, logger zerolog.Logger) domain.EventQueue {
	if cfg.AMQPURL != "" {
		events, err := queue.NewAMQPEventQueue(cfg.AMQPURL, cfg.Queues.Events)
		if err != nil {
			logger.Fatal().Err(err).Msg("не удалось инициализировать очередь RabbitMQ")
		}
		return events
	}
	return queue.NewRedisEventQueue(redisClient, cfg.Queues.Events)
}
