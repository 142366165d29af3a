// Package api exposes the kiosk scheduling engine over HTTP: catalog and
// availability reads, the hold/book/cancel slot operations, the dashboard
// change feed, and option ranking.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/medkiosk/kiosk-scheduling/internal/catalog"
	"github.com/medkiosk/kiosk-scheduling/internal/feed"
	"github.com/medkiosk/kiosk-scheduling/internal/observability/metrics"
	"github.com/medkiosk/kiosk-scheduling/internal/ranking"
	"github.com/medkiosk/kiosk-scheduling/internal/schedule"
	"github.com/medkiosk/kiosk-scheduling/internal/visits"
)

type RouterConfig struct {
	Engine  *schedule.Engine
	Feed    *feed.Service
	Ranking *ranking.Service
	Visits  visits.Store
	Catalog *catalog.Loader

	Store   schedule.Pinger // slot store backend, for readiness
	Backend string          // memory, postgres, redis

	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger, cfg.Metrics))

	health := NewHealthHandler(cfg.Store, cfg.Backend, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/hospitals", hospitalsHandler(cfg.Catalog))
		r.Get("/catalog", catalogHandler(cfg.Catalog))
		r.Get("/overview", overviewHandler(cfg.Engine, cfg.Catalog))
		r.Get("/bookings", bookingsHandler(cfg.Feed))

		r.Post("/hold", holdHandler(cfg.Engine))
		r.Post("/book", bookHandler(cfg.Engine, cfg.Visits, cfg.Logger))
		r.Post("/cancel", cancelHandler(cfg.Engine))
		r.Post("/release", releaseHandler(cfg.Engine))
		r.Post("/rank", rankHandler(cfg.Ranking))

		r.Get("/visit_detail", visitDetailHandler(cfg.Visits))
	})

	return r
}
