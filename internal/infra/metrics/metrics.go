package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	PublishAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "publish_attempts_total",
		Help: "Количество попыток публикации",
	})
	PublishOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_outcomes_total",
		Help: "Исходы обработки задач очереди",
	}, []string{"outcome"})
	CircuitTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_transitions_total",
		Help: "Переходы состояний циркуит-брейкера каналов",
	}, []string{"from", "to"})
	ChannelSelectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_selections_total",
		Help: "Выборы канала по стратегиям ротации",
	}, []string{"strategy"})
	ScheduleSlotsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "schedule_slots_total",
		Help: "Обработанные слоты расписаний по исходам",
	}, []string{"result"})
	VariantAssignmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ab_variant_assignments_total",
		Help: "Назначения вариантов экспериментов",
	}, []string{"variant"})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "publish_queue_depth",
		Help: "Число наступивших задач в последней пачке",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30, 60, 120, 300, 600},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		PublishAttemptsTotal,
		PublishOutcomesTotal,
		CircuitTransitionsTotal,
		ChannelSelectionsTotal,
		ScheduleSlotsTotal,
		VariantAssignmentsTotal,
		QueueDepth,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// IncPublishAttempt увеличивает счётчик попыток публикации.
func IncPublishAttempt() {
	PublishAttemptsTotal.Inc()
}

// IncPublishOutcome увеличивает счётчик исходов обработки.
func IncPublishOutcome(outcome string) {
	PublishOutcomesTotal.WithLabelValues(outcome).Inc()
}

// IncCircuitTransition увеличивает счётчик переходов циркуит-брейкера.
func IncCircuitTransition(from, to string) {
	CircuitTransitionsTotal.WithLabelValues(from, to).Inc()
}

// IncChannelSelected увеличивает счётчик выборов канала.
func IncChannelSelected(strategy string) {
	ChannelSelectionsTotal.WithLabelValues(strategy).Inc()
}

// IncScheduleSlot увеличивает счётчик исходов обработки слотов.
func IncScheduleSlot(result string) {
	ScheduleSlotsTotal.WithLabelValues(result).Inc()
}

// IncVariantAssigned увеличивает счётчик назначений вариантов.
func IncVariantAssigned(variant string) {
	if variant == "" {
		variant = "unknown"
	}
	VariantAssignmentsTotal.WithLabelValues(variant).Inc()
}

// SetQueueDepth публикует размер последней пачки наступивших задач.
func SetQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}
