package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/medkiosk/kiosk-scheduling/internal/api"
	"github.com/medkiosk/kiosk-scheduling/internal/catalog"
	"github.com/medkiosk/kiosk-scheduling/internal/config"
	"github.com/medkiosk/kiosk-scheduling/internal/db"
	"github.com/medkiosk/kiosk-scheduling/internal/feed"
	"github.com/medkiosk/kiosk-scheduling/internal/observability/metrics"
	"github.com/medkiosk/kiosk-scheduling/internal/ranking"
	redisclient "github.com/medkiosk/kiosk-scheduling/internal/redis"
	"github.com/medkiosk/kiosk-scheduling/internal/schedule"
	"github.com/medkiosk/kiosk-scheduling/internal/visits"
)

// version is stamped by the build; dev builds report "dev".
var version = "dev"

func main() {
	cfg, err := config.Load()
	logger := newLogger(cfg.Env)
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}

	logger.Info().
		Str("env", cfg.Env).
		Str("port", cfg.HTTPPort).
		Str("backend", cfg.StoreBackend).
		Str("version", version).
		Msg("api-server starting")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store      schedule.Store
		pinger     schedule.Pinger
		visitStore visits.Store
	)

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		if err := db.Migrate(cfg.PostgresDSN); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
		logger.Info().Msg("migrations applied")

		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		cancelPg()
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer pool.Close()
		logger.Info().Msg("connected to postgres")

		pgStore := schedule.NewPgStore(pool)
		store, pinger = pgStore, pgStore
		visitStore = visits.NewPgStore(pool)

	case config.BackendRedis:
		client, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn().Err(err).Msg("closing redis")
			}
		}()
		logger.Info().Msg("connected to redis")

		redisStore := redisclient.NewSlotStore(client)
		store, pinger = redisStore, redisStore
		// Visit records have no redis backend; they live in memory next to
		// the redis slot store.
		visitStore = visits.NewMemStore()

	default:
		memStore := schedule.NewMemStore()
		store, pinger = memStore, memStore
		visitStore = visits.NewMemStore()
	}

	cat := catalog.NewLoader(cfg.DataDir, catalog.DefaultCacheTTL)
	m := metrics.New(nil)

	eng := schedule.NewEngine(cat, store, cfg, logger, m)

	router := api.NewRouter(api.RouterConfig{
		Engine:  eng,
		Feed:    feed.NewService(eng, logger, m),
		Ranking: ranking.NewService(cfg.RankWeights),
		Visits:  visitStore,
		Catalog: cat,
		Store:   pinger,
		Backend: cfg.StoreBackend,
		Logger:  logger,
		Metrics: m,
		Env:     cfg.Env,
		Version: version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("api-server stopped")
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
