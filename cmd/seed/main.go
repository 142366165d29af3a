// Seed writes demo catalog files into DATA_DIR and optionally pre-books a
// batch of slots through the engine, so a fresh environment has something on
// the dashboard.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"

	"github.com/medkiosk/kiosk-scheduling/internal/catalog"
	"github.com/medkiosk/kiosk-scheduling/internal/config"
	"github.com/medkiosk/kiosk-scheduling/internal/db"
	redisclient "github.com/medkiosk/kiosk-scheduling/internal/redis"
	"github.com/medkiosk/kiosk-scheduling/internal/schedule"
	"github.com/medkiosk/kiosk-scheduling/internal/slotgrid"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

type catalogSlots struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	SlotMinutes int    `json:"slot_minutes"`
}

type catalogDepartment struct {
	Name    string   `json:"name"`
	Doctors []string `json:"doctors"`
}

type catalogFile struct {
	HospitalCode string                       `json:"hospital_code"`
	HospitalName string                       `json:"hospital_name"`
	Departments  map[string]catalogDepartment `json:"departments"`
	Slots        catalogSlots                 `json:"slots"`
}

func main() {
	cfg, err := config.Load()
	logger := newLogger(cfg.Env)
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}

	hospitals := getInt("SEED_HOSPITALS", 2)
	departments := getInt("SEED_DEPARTMENTS", 3)
	doctors := getInt("SEED_DOCTORS", 4)
	bookings := getInt("SEED_BOOKINGS", 0)
	date := getEnv("SEED_DATE", time.Now().Format(time.DateOnly))

	if departments > len(specialties) {
		departments = len(specialties)
	}

	gofakeit.Seed(time.Now().UnixNano())

	logger.Info().Str("data_dir", cfg.DataDir).Int("hospitals", hospitals).
		Int("departments", departments).Int("doctors", doctors).Msg("seed starting")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("create data dir failed")
	}

	codes, err := writeCatalogs(cfg.DataDir, hospitals, departments, doctors, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("catalog write failed")
	}

	if bookings > 0 {
		seedBookings(cfg, codes, date, bookings, logger)
	}

	logger.Info().Msg("seed complete")
}

func writeCatalogs(dir string, hospitals, departments, doctors int, logger zerolog.Logger) ([]string, error) {
	codes := make([]string, 0, hospitals)

	for h := 1; h <= hospitals; h++ {
		code := fmt.Sprintf("BV%d", h)

		f := catalogFile{
			HospitalCode: code,
			HospitalName: gofakeit.City() + " General Hospital",
			Departments:  make(map[string]catalogDepartment, departments),
			Slots: catalogSlots{
				Start:       slotgrid.DefaultConfig.Start,
				End:         slotgrid.DefaultConfig.End,
				SlotMinutes: slotgrid.DefaultConfig.StepMinutes,
			},
		}

		for d := 1; d <= departments; d++ {
			names := make([]string, 0, doctors)
			for i := 0; i < doctors; i++ {
				names = append(names, "Dr. "+gofakeit.Name())
			}
			f.Departments[fmt.Sprintf("KHOA%d", d)] = catalogDepartment{
				Name:    specialties[d-1],
				Doctors: names,
			}
		}

		data, err := json.MarshalIndent(f, "", "  ")
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, code+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, err
		}

		logger.Info().Str("path", path).Msg("catalog file written")
		codes = append(codes, code)
	}
	return codes, nil
}

// seedBookings books random slots through the engine against the configured
// store backend. The memory backend is skipped: its state dies with this
// process.
func seedBookings(cfg config.Config, codes []string, date string, count int, logger zerolog.Logger) {
	ctx := context.Background()

	var store schedule.Store
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		if err := db.Migrate(cfg.PostgresDSN); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(connCtx, cfg.PostgresDSN)
		cancel()
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
		defer func() { _ = client.Close() }()
		store = redisclient.NewSlotStore(client)

	default:
		logger.Warn().Str("backend", cfg.StoreBackend).Msg("skipping bookings: store is not shared")
		return
	}

	loader := catalog.NewLoader(cfg.DataDir, catalog.DefaultCacheTTL)
	eng := schedule.NewEngine(loader, store, cfg, logger, nil)

	booked := 0
	for i := 0; i < count; i++ {
		code := codes[gofakeit.Number(0, len(codes)-1)]
		hosp, err := loader.Hospital(code)
		if err != nil {
			logger.Error().Err(err).Str("hospital", code).Msg("catalog read failed")
			continue
		}
		grid, err := eng.Grid(code)
		if err != nil {
			logger.Error().Err(err).Str("hospital", code).Msg("grid build failed")
			continue
		}

		dept := hosp.Departments[gofakeit.Number(0, len(hosp.Departments)-1)]
		doctor := dept.Doctors[gofakeit.Number(0, len(dept.Doctors)-1)]
		slot := grid.Labels()[gofakeit.Number(0, grid.Len()-1)]

		key := schedule.SlotKey{
			Hospital:   code,
			Department: dept.Code,
			Doctor:     doctor,
			Date:       date,
			Slot:       slot,
		}
		patient := schedule.Patient{Name: gofakeit.Name(), Phone: gofakeit.Phone()}

		if _, err := eng.Book(ctx, key, "", patient, ""); err != nil {
			// Collisions with already-seeded slots are expected.
			logger.Debug().Err(err).Stringer("key", key).Msg("seed booking skipped")
			continue
		}
		booked++
	}

	logger.Info().Int("attempted", count).Int("booked", booked).Str("date", date).Msg("bookings seeded")
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
