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
	"reelcast/internal/adapters/repo"
	"reelcast/internal/domain"
	"reelcast/internal/infra/cache"
	"reelcast/internal/infra/config"
	"reelcast/internal/infra/db"
	applog "reelcast/internal/infra/log"
	"reelcast/internal/infra/metrics"
	"reelcast/internal/infra/queue"
	"reelcast/internal/usecase/abtest"
	"reelcast/internal/usecase/health"
	"reelcast/internal/usecase/orchestrator"
	"reelcast/internal/usecase/quota"
	"reelcast/internal/usecase/rotation"
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
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	if cfg.RedisAddr == "" {
		logger.Fatal().Msg("scheduler: не указан адрес Redis (REDIS_ADDR)")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	slotCache := cache.NewRedis(redisClient)

	events := newEventQueue(cfg, redisClient, logger)

	if cfg.Billing.BaseURL == "" {
		logger.Fatal().Msg("scheduler: не указан адрес биллинга (BILLING_BASE_URL)")
	}
	billing, err := billingclient.New(cfg.Billing.BaseURL, billingclient.WithToken(cfg.Billing.Token))
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось создать клиент биллинга")
	}

	circuitCfg := domain.CircuitConfig{
		FailureThreshold: cfg.Engine.FailureThreshold,
		Cooldown:         cfg.Engine.Cooldown,
	}
	quotaService := quota.NewService(repoAdapter, billing)
	healthService := health.NewService(repoAdapter, circuitCfg, logger.With().Str("component", "health").Logger())
	selector := rotation.NewSelector(quotaService, healthService, repoAdapter, logger.With().Str("component", "rotation").Logger())
	abtestService := abtest.NewService(repoAdapter, logger.With().Str("component", "abtest").Logger())

	service := orchestrator.NewService(
		repoAdapter,
		repoAdapter,
		repoAdapter,
		repoAdapter,
		repoAdapter,
		selector,
		abtestService,
		billing,
		events,
		slotCache,
		logger.With().Str("component", "orchestrator").Logger(),
	)

	logger.Info().Msg("scheduler: запущен")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler: остановлен")
			return
		case <-ticker.C:
			if err := service.Tick(ctx, time.Now()); err != nil {
				logger.Error().Err(err).Msg("scheduler: ошибка тика")
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
