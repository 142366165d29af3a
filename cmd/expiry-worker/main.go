// The expiry worker sweeps recent scopes so expired holds return to free,
// and their version bumps reach pollers, without waiting for organic
// traffic. Slot correctness never depends on it: every read and transition
// reclaims expired holds on its own.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/medkiosk/kiosk-scheduling/internal/catalog"
	"github.com/medkiosk/kiosk-scheduling/internal/config"
	"github.com/medkiosk/kiosk-scheduling/internal/db"
	redisclient "github.com/medkiosk/kiosk-scheduling/internal/redis"
	"github.com/medkiosk/kiosk-scheduling/internal/schedule"
)

func main() {
	cfg, err := config.Load()
	logger := newLogger(cfg.Env)
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}

	logger.Info().
		Str("env", cfg.Env).
		Str("backend", cfg.StoreBackend).
		Dur("interval", cfg.WorkerInterval).
		Int("past_days", cfg.WorkerPastDays).
		Int("ahead_days", cfg.WorkerAheadDays).
		Msg("expiry-worker starting")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store  schedule.Store
		locker redisclient.Locker
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		cancelPg()
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer pool.Close()
		store = schedule.NewPgStore(pool)

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
		store = redisclient.NewSlotStore(client)
		locker = redisclient.NewRedisLocker(client, cfg.WorkerInterval)

	default:
		// A memory store lives inside the api-server process; sweeping a
		// fresh one here would reclaim nothing.
		logger.Fatal().Str("backend", cfg.StoreBackend).Msg("expiry worker needs a shared store backend")
	}

	cat := catalog.NewLoader(cfg.DataDir, catalog.DefaultCacheTTL)
	eng := schedule.NewEngine(cat, store, cfg, logger, nil)

	// On redis the sweep is single-flighted across worker replicas; on
	// postgres the row locks already serialize concurrent reclaims.
	sweep := func() {
		if locker == nil {
			runOnce(rootCtx, eng, cat, cfg, logger)
			return
		}
		err := locker.WithLock(rootCtx, "expiry-sweep", func(ctx context.Context) error {
			runOnce(ctx, eng, cat, cfg, logger)
			return nil
		})
		switch {
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			logger.Debug().Msg("another replica is sweeping")
		case err != nil:
			logger.Error().Err(err).Msg("sweep lock failed")
		}
	}

	sweep()

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// runOnce snapshots every hospital's scopes across the sweep window. The
// snapshot path reclaims whatever expired holds it finds.
func runOnce(ctx context.Context, eng *schedule.Engine, cat *catalog.Loader, cfg config.Config, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	hospitals, err := cat.Hospitals()
	if err != nil {
		logger.Error().Err(err).Msg("hospital listing failed")
		return
	}

	codes := make([]string, 0, len(hospitals))
	for code := range hospitals {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	start := time.Now()
	scopes := 0
	for _, code := range codes {
		for day := -cfg.WorkerPastDays; day <= cfg.WorkerAheadDays; day++ {
			date := time.Now().AddDate(0, 0, day).Format(time.DateOnly)
			if _, err := eng.Query(runCtx, code, nil, date); err != nil {
				logger.Error().Err(err).Str("hospital", code).Str("date", date).Msg("sweep query failed")
				continue
			}
			scopes++
		}
	}

	logger.Info().Int("hospitals", len(codes)).Int("scopes", scopes).
		Dur("took", time.Since(start)).Msg("expiry sweep complete")
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
