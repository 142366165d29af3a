package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medkiosk/kiosk-scheduling/internal/catalog"
	"github.com/medkiosk/kiosk-scheduling/internal/config"
	"github.com/medkiosk/kiosk-scheduling/internal/observability/metrics"
	"github.com/medkiosk/kiosk-scheduling/internal/slotgrid"
)

// Catalog is the read-only roster the engine validates requests against.
type Catalog interface {
	Hospital(code string) (*catalog.Hospital, error)
}

// Engine enforces the slot state machine. It is the only writer to the
// Store; callers never need locks of their own.
type Engine struct {
	catalog Catalog
	store   Store
	cfg     config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	nowFn   func() time.Time

	gridMu sync.Mutex
	grids  map[string]*gridEntry
}

type gridEntry struct {
	cfg  slotgrid.Config
	grid *slotgrid.Grid
}

func NewEngine(cat Catalog, store Store, cfg config.Config, logger zerolog.Logger, m *metrics.Metrics) *Engine {
	if cfg.HoldTTLDefault <= 0 {
		cfg.HoldTTLDefault = 5 * time.Minute
	}
	if cfg.HoldTTLMin <= 0 {
		cfg.HoldTTLMin = time.Minute
	}
	return &Engine{
		catalog: cat,
		store:   store,
		cfg:     cfg,
		log:     logger,
		metrics: m,
		nowFn:   time.Now,
		grids:   make(map[string]*gridEntry),
	}
}

// SetNowFunc overrides the clock used for hold expiry timestamps.
func (e *Engine) SetNowFunc(fn func() time.Time) {
	e.nowFn = fn
}

// Hold places a time-boxed claim on a free slot for one session. A ttl <= 0
// falls back to the configured default; shorter requests are clamped to the
// configured minimum. Returns the record carrying the expiry timestamp.
func (e *Engine) Hold(ctx context.Context, key SlotKey, holder string, ttl time.Duration) (*SlotRecord, error) {
	if err := e.validateKey(key); err != nil {
		e.metrics.RecordHold(errResult(err))
		return nil, err
	}

	expiresAt := e.nowFn().Add(e.clampTTL(ttl))

	rec, err := e.store.PlaceHold(ctx, key, holder, expiresAt)
	e.metrics.RecordHold(errResult(err))
	if err != nil {
		if errors.Is(err, ErrSlotUnavailable) {
			e.log.Debug().Stringer("key", key).Str("holder", holder).Msg("hold lost to occupied slot")
		}
		return nil, err
	}

	e.log.Info().Stringer("key", key).Str("holder", holder).Time("expires_at", rec.ExpiresAt).Msg("slot held")
	return rec, nil
}

// Book finalizes a slot. With a holder it promotes that session's hold;
// an expired hold grants no claim and the call behaves like a direct
// booking. With an empty holder the slot must be free.
func (e *Engine) Book(ctx context.Context, key SlotKey, holder string, patient Patient, visitRef string) (*SlotRecord, error) {
	mode := "promoted"
	if holder == "" {
		mode = "direct"
	}

	if err := e.validateKey(key); err != nil {
		e.metrics.RecordBooking(mode, errResult(err))
		return nil, err
	}

	rec, err := e.store.CommitBooking(ctx, key, holder, patient, visitRef)
	e.metrics.RecordBooking(mode, errResult(err))
	if err != nil {
		if errors.Is(err, ErrAlreadyBooked) || errors.Is(err, ErrHeldByOther) {
			e.log.Debug().Stringer("key", key).Str("mode", mode).Msg("booking lost the slot")
		}
		return nil, err
	}

	e.log.Info().Stringer("key", key).Str("mode", mode).Str("visit_ref", visitRef).Msg("slot booked")
	return rec, nil
}

// Cancel frees a held or booked slot. Administrative: no ownership check.
func (e *Engine) Cancel(ctx context.Context, key SlotKey) error {
	if err := e.validateKey(key); err != nil {
		e.metrics.RecordCancel(errResult(err))
		return err
	}

	_, err := e.store.ReleaseSlot(ctx, key)
	e.metrics.RecordCancel(errResult(err))
	if err != nil {
		return err
	}

	e.log.Info().Stringer("key", key).Msg("slot cancelled")
	return nil
}

// Query returns the scope snapshot for the given departments, reclaiming any
// expired holds it observes along the way.
func (e *Engine) Query(ctx context.Context, hospital string, departments []string, date string) (*Snapshot, error) {
	if err := e.validateScope(hospital, date); err != nil {
		return nil, err
	}

	snap, err := e.store.ScopeSnapshot(ctx, Scope{Hospital: hospital, Date: date}, departments)
	if err != nil {
		return nil, err
	}

	if snap.Expired > 0 {
		e.metrics.RecordExpirations(snap.Expired)
		e.log.Debug().Str("scope", snap.Scope.String()).Int("expired", snap.Expired).Msg("stale holds reclaimed")
	}
	return snap, nil
}

// Version reads the scope's change counter. It is a pure read: no expiry
// reclaim, no side effects, cheap enough to poll.
func (e *Engine) Version(ctx context.Context, hospital, date string) (uint64, error) {
	if err := e.validateScope(hospital, date); err != nil {
		return 0, err
	}
	return e.store.ScopeVersion(ctx, Scope{Hospital: hospital, Date: date})
}

// ReleaseHolder drops every hold owned by a session. The agent calls this
// when a conversation abandons its current candidate or ends.
func (e *Engine) ReleaseHolder(ctx context.Context, holder string) ([]SlotKey, error) {
	keys, err := e.store.ReleaseHolds(ctx, holder)
	if err != nil {
		return nil, err
	}

	e.metrics.RecordHoldsReleased(len(keys))
	if len(keys) > 0 {
		e.log.Info().Str("holder", holder).Int("released", len(keys)).Msg("session holds released")
	}
	return keys, nil
}

// Grid returns the hospital's slot grid.
func (e *Engine) Grid(hospital string) (*slotgrid.Grid, error) {
	h, err := e.loadHospital(hospital)
	if err != nil {
		return nil, err
	}
	return e.gridFor(h)
}

func (e *Engine) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = e.cfg.HoldTTLDefault
	}
	if ttl < e.cfg.HoldTTLMin {
		ttl = e.cfg.HoldTTLMin
	}
	return ttl
}

func (e *Engine) loadHospital(code string) (*catalog.Hospital, error) {
	h, err := e.catalog.Hospital(code)
	if err != nil {
		if errors.Is(err, catalog.ErrHospitalNotFound) {
			return nil, fmt.Errorf("%w: hospital %s", ErrSlotNotFound, code)
		}
		return nil, fmt.Errorf("load hospital %s: %w", code, err)
	}
	return h, nil
}

func (e *Engine) validateKey(key SlotKey) error {
	h, err := e.loadHospital(key.Hospital)
	if err != nil {
		return err
	}

	dept, ok := h.Department(key.Department)
	if !ok {
		return fmt.Errorf("%w: department %s", ErrSlotNotFound, key.Department)
	}
	if !dept.HasDoctor(key.Doctor) {
		return fmt.Errorf("%w: doctor %s", ErrSlotNotFound, key.Doctor)
	}
	if _, err := time.Parse(time.DateOnly, key.Date); err != nil {
		return fmt.Errorf("%w: bad date %q", ErrSlotNotFound, key.Date)
	}

	grid, err := e.gridFor(h)
	if err != nil {
		return err
	}
	if !grid.Contains(key.Slot) {
		return fmt.Errorf("%w: slot %s outside grid", ErrSlotNotFound, key.Slot)
	}
	return nil
}

func (e *Engine) validateScope(hospital, date string) error {
	if _, err := e.loadHospital(hospital); err != nil {
		return err
	}
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return fmt.Errorf("%w: bad date %q", ErrSlotNotFound, date)
	}
	return nil
}

// gridFor caches one grid per hospital, rebuilt when the catalog changes the
// grid parameters.
func (e *Engine) gridFor(h *catalog.Hospital) (*slotgrid.Grid, error) {
	e.gridMu.Lock()
	defer e.gridMu.Unlock()

	entry := e.grids[h.Code]
	if entry != nil && entry.cfg == h.Grid {
		return entry.grid, nil
	}

	grid, err := slotgrid.New(h.Grid)
	if err != nil {
		return nil, fmt.Errorf("grid for hospital %s: %w", h.Code, err)
	}
	e.grids[h.Code] = &gridEntry{cfg: h.Grid, grid: grid}
	return grid, nil
}

func errResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSlotNotFound):
		return "not_found"
	case errors.Is(err, ErrSlotUnavailable),
		errors.Is(err, ErrHeldByOther),
		errors.Is(err, ErrAlreadyBooked):
		return "conflict"
	default:
		return "error"
	}
}
