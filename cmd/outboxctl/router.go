package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/outboxmq/internal/config"
	"github.com/fairyhunter13/outboxmq/internal/observability"
	"github.com/fairyhunter13/outboxmq/pkg/outboxmq"
)

// parseOrigins splits a comma-separated origin list, defaulting to "*".
func parseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// buildRouter assembles the serve-mode HTTP surface: health, status
// introspection, and Prometheus metrics, behind CORS and a per-IP rate
// limiter.
func buildRouter(cfg config.Config, coord *outboxmq.Coordinator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: parseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))

	r.Get("/healthz", healthzHandler())
	r.Get("/status", statusHandler(coord))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// statusHandler exposes outbox/consumption row counts by status, refreshing
// the outbox_rows_by_status gauge from the outbox counts on every call.
func statusHandler(coord *outboxmq.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		outboxCounts, consumptionCounts, err := coord.StatusCounts(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		resp := struct {
			Outbox      map[string]int64 `json:"outbox"`
			Consumption map[string]int64 `json:"consumption"`
		}{
			Outbox:      make(map[string]int64, len(outboxCounts)),
			Consumption: make(map[string]int64, len(consumptionCounts)),
		}
		for status, count := range outboxCounts {
			resp.Outbox[string(status)] = count
			observability.OutboxStatusGauge.WithLabelValues(string(status)).Set(float64(count))
		}
		for status, count := range consumptionCounts {
			resp.Consumption[string(status)] = count
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
