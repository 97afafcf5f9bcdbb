package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"UTC"`
	Port   int    `envconfig:"PORT" default:"8080"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	AMQPURL string `envconfig:"AMQP_URL"`

	Billing struct {
		BaseURL string `envconfig:"BILLING_BASE_URL"`
		Token   string `envconfig:"BILLING_TOKEN"`
	} `envconfig:""`

	Uploader struct {
		BaseURL string        `envconfig:"UPLOADER_BASE_URL"`
		Token   string        `envconfig:"UPLOADER_TOKEN"`
		Timeout time.Duration `envconfig:"UPLOADER_TIMEOUT" default:"10s"`
	} `envconfig:""`

	Telegram struct {
		Token     string `envconfig:"TG_BOT_TOKEN"`
		OpsChatID int64  `envconfig:"TG_OPS_CHAT_ID"`
	} `envconfig:""`

	Engine struct {
		FailureThreshold int           `envconfig:"CIRCUIT_FAILURE_THRESHOLD" default:"5"`
		Cooldown         time.Duration `envconfig:"CIRCUIT_COOLDOWN" default:"30m"`
		MaxAttempts      int           `envconfig:"PUBLISH_MAX_ATTEMPTS" default:"3"`
		BatchSize        int           `envconfig:"WORKER_BATCH_SIZE" default:"20"`
		Parallelism      int           `envconfig:"WORKER_PARALLELISM" default:"3"`
		Stagger          time.Duration `envconfig:"WORKER_STAGGER" default:"12s"`
		StuckAfter       time.Duration `envconfig:"WORKER_STUCK_AFTER" default:"30m"`
	} `envconfig:""`

	Queues struct {
		Events string `envconfig:"EVENTS_QUEUE_KEY" default:"engine_events"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
