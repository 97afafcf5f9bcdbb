package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"reelcast/internal/adapters/repo"
	"reelcast/internal/domain"
	"reelcast/internal/infra/config"
	"reelcast/internal/infra/db"
	applog "reelcast/internal/infra/log"
	"reelcast/internal/infra/metrics"
	"reelcast/internal/usecase/abtest"
	"reelcast/internal/usecase/health"
	"reelcast/internal/usecase/timing"
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
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	circuitCfg := domain.CircuitConfig{
		FailureThreshold: cfg.Engine.FailureThreshold,
		Cooldown:         cfg.Engine.Cooldown,
	}
	healthService := health.NewService(repoAdapter, circuitCfg, logger.With().Str("component", "health").Logger())
	abtestService := abtest.NewService(repoAdapter, logger.With().Str("component", "abtest").Logger())
	scorer := timing.NewScorer(repoAdapter)

	r := chi.NewRouter()

	r.Get("/api/v1/channels/{id}/suggestions", func(w http.ResponseWriter, r *http.Request) {
		channelID, err := pathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid channel id")
			return
		}
		suggestions, err := scorer.Suggest(r.Context(), channelID, time.Now())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]map[string]any, 0, len(suggestions))
		for _, s := range suggestions {
			resp = append(resp, map[string]any{
				"hour":       s.Hour,
				"day_type":   s.DayType,
				"score":      s.Score,
				"confidence": s.Confidence,
				"reason":     s.Reason,
			})
		}
		writeJSON(w, resp)
	})

	r.Get("/api/v1/channels/{id}/health", func(w http.ResponseWriter, r *http.Request) {
		channelID, err := pathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid channel id")
			return
		}
		rec, err := healthService.Status(r.Context(), channelID, time.Now())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := map[string]any{
			"channel_id":           rec.ChannelID,
			"circuit_state":        rec.CircuitState,
			"successes":            rec.Successes,
			"failures":             rec.Failures,
			"consecutive_failures": rec.ConsecutiveFailures,
			"last_error":           rec.LastError,
			"last_error_phase":     rec.LastErrorPhase,
		}
		if rate := rec.SuccessRate(); rate != nil {
			resp["success_rate"] = *rate
		}
		writeJSON(w, resp)
	})

	r.Get("/api/v1/queue", func(w http.ResponseWriter, r *http.Request) {
		ownerID, err := strconv.ParseInt(r.URL.Query().Get("owner_id"), 10, 64)
		if err != nil || ownerID <= 0 {
			writeError(w, http.StatusBadRequest, "owner_id is required")
			return
		}
		limit := queryInt(r, "limit", 50)
		offset := queryInt(r, "offset", 0)
		entries, err := repoAdapter.ListOwnerEntries(r.Context(), ownerID, limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			resp = append(resp, queueEntryJSON(e))
		}
		writeJSON(w, resp)
	})

	r.Post("/api/v1/queue/cancel", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req struct {
			OwnerID int64 `json:"owner_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OwnerID <= 0 {
			writeError(w, http.StatusBadRequest, "owner_id is required")
			return
		}
		cancelled, err := repoAdapter.CancelQueued(r.Context(), req.OwnerID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, map[string]int64{"cancelled": cancelled})
	})

	r.Post("/api/v1/queue/clear-stuck", func(w http.ResponseWriter, r *http.Request) {
		cleared, err := repoAdapter.ClearStuck(r.Context(), time.Now().Add(-cfg.Engine.StuckAfter))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, map[string]int64{"cleared": cleared})
	})

	r.Post("/api/v1/queue/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		entryID, err := pathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid entry id")
			return
		}
		if err := repoAdapter.RetryEntry(r.Context(), entryID); err != nil {
			if errors.Is(err, domain.ErrEntryNotFound) {
				writeError(w, http.StatusNotFound, "entry not found or not failed")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Post("/api/v1/schedules", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req struct {
			OwnerID       int64    `json:"owner_id"`
			SourceAccount string   `json:"source_account"`
			ChannelID     *int64   `json:"channel_id"`
			PoolID        *int64   `json:"pool_id"`
			Slots         []string `json:"slots"`
			Timezone      string   `json:"tz"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.OwnerID <= 0 || req.SourceAccount == "" {
			writeError(w, http.StatusBadRequest, "owner_id and source_account are required")
			return
		}
		if (req.ChannelID == nil) == (req.PoolID == nil) {
			writeError(w, http.StatusBadRequest, "exactly one of channel_id or pool_id is required")
			return
		}
		if err := validateSlots(req.Slots); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		schedule, err := repoAdapter.CreateSchedule(r.Context(), domain.Schedule{
			OwnerID:       req.OwnerID,
			SourceAccount: req.SourceAccount,
			ChannelID:     req.ChannelID,
			PoolID:        req.PoolID,
			Slots:         req.Slots,
			Timezone:      req.Timezone,
			Status:        domain.ScheduleActive,
		})
		if err != nil {
			if errors.Is(err, domain.ErrScheduleExists) {
				writeError(w, http.StatusConflict, "channel already has a schedule")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, map[string]any{"id": schedule.ID, "status": schedule.Status})
	})

	r.Post("/api/v1/pools/{id}/members", func(w http.ResponseWriter, r *http.Request) {
		poolID, err := pathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid pool id")
			return
		}
		defer r.Body.Close()
		var req struct {
			ChannelID    int64 `json:"channel_id"`
			Priority     int   `json:"priority"`
			FallbackOnly bool  `json:"fallback_only"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID <= 0 {
			writeError(w, http.StatusBadRequest, "channel_id is required")
			return
		}
		err = repoAdapter.AddPoolMember(r.Context(), domain.PoolMember{
			PoolID:       poolID,
			ChannelID:    req.ChannelID,
			Priority:     req.Priority,
			FallbackOnly: req.FallbackOnly,
		})
		if err != nil {
			if errors.Is(err, domain.ErrPriorityConflict) {
				writeError(w, http.StatusConflict, "priority already taken")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Delete("/api/v1/pools/{id}/members/{channelID}", func(w http.ResponseWriter, r *http.Request) {
		poolID, err := pathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid pool id")
			return
		}
		channelID, err := pathID(r, "channelID")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid channel id")
			return
		}
		if err := repoAdapter.RemovePoolMember(r.Context(), poolID, channelID); err != nil {
			if errors.Is(err, domain.ErrChannelNotFound) {
				writeError(w, http.StatusNotFound, "member not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/v1/abtests", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req struct {
			ScheduleID int64    `json:"schedule_id"`
			SlotsA     []string `json:"slots_a"`
			SlotsB     []string `json:"slots_b"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ScheduleID <= 0 {
			writeError(w, http.StatusBadRequest, "schedule_id is required")
			return
		}
		if err := validateSlots(req.SlotsA); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := validateSlots(req.SlotsB); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		test, err := abtestService.Create(r.Context(), domain.ABTest{
			ScheduleID: req.ScheduleID,
			VariantA:   domain.ABVariant{Name: "A", Slots: req.SlotsA},
			VariantB:   domain.ABVariant{Name: "B", Slots: req.SlotsB},
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, abTestJSON(test))
	})

	r.Get("/api/v1/abtests/{id}", func(w http.ResponseWriter, r *http.Request) {
		testID, err := pathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid test id")
			return
		}
		test, err := abtestService.Get(r.Context(), testID)
		if err != nil {
			if errors.Is(err, domain.ErrTestNotFound) {
				writeError(w, http.StatusNotFound, "test not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, abTestJSON(test))
	})

	r.Post("/api/v1/abtests/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		testID, err := pathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid test id")
			return
		}
		test, err := abtestService.Complete(r.Context(), testID)
		if err != nil {
			writeABTestError(w, err)
			return
		}
		writeJSON(w, abTestJSON(test))
	})

	r.Post("/api/v1/abtests/{id}/pause", func(w http.ResponseWriter, r *http.Request) {
		testID, err := pathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid test id")
			return
		}
		if err := abtestService.Pause(r.Context(), testID); err != nil {
			writeABTestError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "paused"})
	})

	r.Post("/api/v1/abtests/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
		testID, err := pathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid test id")
			return
		}
		if err := abtestService.Resume(r.Context(), testID); err != nil {
			writeABTestError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "running"})
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}
	go func() {
		logger.Info().Int("port", cfg.Port).Msg("api: сервер запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func pathID(r *http.Request, key string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id")
	}
	return id, nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func validateSlots(slots []string) error {
	if len(slots) == 0 {
		return fmt.Errorf("slots are required")
	}
	for _, slot := range slots {
		if _, err := time.Parse("15:04", slot); err != nil {
			return fmt.Errorf("invalid slot %q, expected HH:MM", slot)
		}
	}
	return nil
}

func queueEntryJSON(e domain.QueueEntry) map[string]any {
	resp := map[string]any{
		"id":           e.ID,
		"job_id":       e.JobID,
		"schedule_id":  e.ScheduleID,
		"channel_id":   e.ChannelID,
		"scheduled_at": e.ScheduledAt,
		"status":       e.Status,
		"phase":        e.Phase,
		"progress":     e.Progress,
		"attempts":     e.Attempts,
		"title":        e.Item.Title,
	}
	if e.PublishedURL != "" {
		resp["published_url"] = e.PublishedURL
	}
	if e.ErrorMessage != "" {
		resp["error_message"] = e.ErrorMessage
		resp["error_phase"] = e.ErrorPhase
	}
	if e.NextAttemptAt != nil {
		resp["next_attempt_at"] = e.NextAttemptAt
	}
	return resp
}

func abTestJSON(test domain.ABTest) map[string]any {
	variant := func(v domain.ABVariant) map[string]any {
		return map[string]any{
			"id":           v.ID,
			"name":         v.Name,
			"slots":        v.Slots,
			"uploads":      v.Uploads,
			"successes":    v.Successes,
			"success_rate": v.SuccessRate(),
		}
	}
	resp := map[string]any{
		"id":          test.ID,
		"schedule_id": test.ScheduleID,
		"status":      test.Status,
		"sample_size": test.SampleSize(),
		"variant_a":   variant(test.VariantA),
		"variant_b":   variant(test.VariantB),
	}
	if confidence := test.Confidence(); confidence != nil {
		resp["confidence"] = *confidence
	}
	if test.WinnerID != nil {
		resp["winner_variant_id"] = *test.WinnerID
	}
	return resp
}

func writeABTestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrTestNotFound):
		writeError(w, http.StatusNotFound, "test not found")
	case errors.Is(err, domain.ErrTestCompleted):
		writeError(w, http.StatusConflict, "test already completed")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
