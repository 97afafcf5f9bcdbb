package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"reelcast/internal/adapters/billingclient"
	"reelcast/internal/adapters/publisher"
	"reelcast/internal/adapters/repo"
	"reelcast/internal/domain"
	"reelcast/internal/infra/config"
	"reelcast/internal/infra/db"
	applog "reelcast/internal/infra/log"
	"reelcast/internal/infra/metrics"
	"reelcast/internal/infra/queue"
	"reelcast/internal/usecase/abtest"
	"reelcast/internal/usecase/health"
	"reelcast/internal/usecase/processor"
	"reelcast/internal/usecase/quota"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	if cfg.RedisAddr == "" {
		logger.Fatal().Msg("worker: не указан адрес Redis (REDIS_ADDR)")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	events := newEventQueue(cfg, redisClient, logger)

	if cfg.Billing.BaseURL == "" {
		logger.Fatal().Msg("worker: не указан адрес биллинга (BILLING_BASE_URL)")
	}
	billing, err := billingclient.New(cfg.Billing.BaseURL, billingclient.WithToken(cfg.Billing.Token))
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: не удалось создать клиент биллинга")
	}

	if cfg.Uploader.BaseURL == "" {
		logger.Fatal().Msg("worker: не указан адрес сервиса загрузки (UPLOADER_BASE_URL)")
	}
	uploader, err := publisher.New(
		cfg.Uploader.BaseURL,
		publisher.WithToken(cfg.Uploader.Token),
		publisher.WithTimeout(cfg.Uploader.Timeout),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: не удалось создать клиент сервиса загрузки")
	}

	circuitCfg := domain.CircuitConfig{
		FailureThreshold: cfg.Engine.FailureThreshold,
		Cooldown:         cfg.Engine.Cooldown,
	}
	quotaService := quota.NewService(repoAdapter, billing)
	healthService := health.NewService(repoAdapter, circuitCfg, logger.With().Str("component", "health").Logger())
	abtestService := abtest.NewService(repoAdapter, logger.With().Str("component", "abtest").Logger())

	worker := processor.NewWorker(
		repoAdapter,
		repoAdapter,
		uploader,
		quotaService,
		healthService,
		abtestService,
		events,
		processor.Options{
			BatchSize:   cfg.Engine.BatchSize,
			Parallelism: cfg.Engine.Parallelism,
			Stagger:     cfg.Engine.Stagger,
			MaxAttempts: cfg.Engine.MaxAttempts,
			StuckAfter:  cfg.Engine.StuckAfter,
		},
		logger.With().Str("component", "processor").Logger(),
	)

	logger.Info().Msg("worker: запущен")
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	stuckTicker := time.NewTicker(5 * time.Minute)
	defer stuckTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("worker: остановлен")
			return
		case <-ticker.C:
			if err := worker.Tick(ctx, time.Now()); err != nil {
				logger.Error().Err(err).Msg("worker: ошибка тика")
			}
		case <-stuckTicker.C:
			if err := worker.ClearStuck(ctx, time.Now()); err != nil {
				logger.Error().Err(err).Msg("worker: ошибка сброса зависших задач")
			}
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
