package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/guardeme/internal/metrics"
	"github.com/lalithlochan/guardeme/internal/redis"
)

// HealthCheck reports one dependency. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// RouterConfig carries what NewRouter mounts besides the handler.
type RouterConfig struct {
	Limiter *redis.RateLimiter // nil disables rate limiting
	Checks  map[string]HealthCheck
	Extra   func() map[string]any // merged into the health body, e.g. breaker stats
}

// NewRouter mounts the API under /api plus /health and /metrics.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/api", func(r chi.Router) {
		r.With(RateLimitMiddleware(cfg.Limiter, logger, "intent_decode", IPKeyFunc)).
			Post("/intent/decode", h.DecodeIntent)
		r.Post("/schedule/create", h.CreateSchedule)
		r.Post("/deliver/run", h.RunDeliveries)
		r.Get("/memories", h.ListMemories)

		r.Post("/push-tokens", h.RegisterPushToken)
		r.Patch("/schedules/{id}/status", h.UpdateScheduleStatus)
		r.Get("/deliveries/{id}", h.GetDelivery)
		r.Post("/deliveries/{id}/retry", h.RetryDelivery)
	})

	r.Get("/health", healthHandler(cfg))
	r.Handle("/metrics", metrics.Handler())

	return r
}

func healthHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(cfg.Checks))
		for name, check := range cfg.Checks {
			if err := check(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		body := map[string]any{
			"status": "ok",
			"checks": checks,
		}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		if cfg.Extra != nil {
			for k, v := range cfg.Extra() {
				body[k] = v
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
