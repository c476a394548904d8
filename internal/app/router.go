package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stockledger/internal/alerts"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	InventoryHandler *inventory.Handler
	AlertsHandler    *alerts.Handler
	JobHandler       *jobs.Handler
	Pool             *pgxpool.Pool
	Redis            *redis.Client
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with stockledger defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(params))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(TenantScope)
		if params.InventoryHandler != nil {
			r.Route("/inventory", func(r chi.Router) {
				params.InventoryHandler.MountRoutes(r)
				if params.AlertsHandler != nil {
					params.AlertsHandler.MountRoutes(r)
				}
			})
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}

// readiness reports whether PostgreSQL and Redis answer within a second.
func readiness(params RouterParams) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		status := map[string]string{"postgres": "skipped", "redis": "skipped"}
		ready := true
		if params.Pool != nil {
			status["postgres"] = "ok"
			if err := params.Pool.Ping(ctx); err != nil {
				status["postgres"], ready = "down", false
			}
		}
		if params.Redis != nil {
			status["redis"] = "ok"
			if err := params.Redis.Ping(ctx).Err(); err != nil {
				status["redis"], ready = "down", false
			}
		}
		if !ready {
			if params.Logger != nil {
				params.Logger.Warn("readiness check failed", slog.Any("status", status))
			}
			httpx.JSON(w, http.StatusServiceUnavailable, status)
			return
		}
		httpx.JSON(w, http.StatusOK, status)
	}
}
