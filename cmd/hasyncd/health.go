package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/hasync"
	"github.com/rickgao/hasync/internal/metrics"
	"github.com/rickgao/hasync/internal/model"
)

// newHealthHandler serves /health, /debug/entities and the Prometheus
// endpoint at metricsPath. pool may be nil.
func newHealthHandler(client *hasync.Client, pool *pgxpool.Pool, metricsPath string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(metricsPath, metrics.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		st := client.State()
		conn := map[string]any{
			"phase":       st.Phase,
			"retry_count": st.RetryCount,
		}
		if st.Err != nil {
			conn["error"] = st.Err.Error()
		}
		if st.NeedsReauth {
			conn["needs_reauth"] = true
			health.Status = "unhealthy"
		} else if !st.Connected() {
			health.Status = "degraded"
		}
		if d := client.RetryCountdown(); d > 0 {
			conn["retry_in"] = d.Round(time.Second).String()
		}
		health.Components["connection"] = conn

		stats := client.Stats()
		health.Components["store"] = map[string]any{
			"entities":      stats.Entities,
			"interested":    stats.Interested,
			"subscriptions": stats.Subscriptions,
			"pending":       stats.Pending,
			"errors":        stats.Errors,
		}

		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["database"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["database"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Debug("write health response", "error", err)
		}
	})

	mux.HandleFunc("/debug/entities", func(w http.ResponseWriter, r *http.Request) {
		ids := client.Interested()
		sort.Strings(ids)

		entities := make([]model.EntityState, 0, len(ids))
		errs := make(map[string]string)
		for _, id := range ids {
			entities = append(entities, client.Entity(id))
			if err := client.Err(id); err != nil {
				errs[id] = err.Error()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count":    len(entities),
			"entities": entities,
			"errors":   errs,
		})
	})

	return mux
}
