package schedule

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medkiosk/kiosk-scheduling/internal/catalog"
	"github.com/medkiosk/kiosk-scheduling/internal/config"
	"github.com/medkiosk/kiosk-scheduling/internal/slotgrid"
)

type staticCatalog map[string]*catalog.Hospital

func (c staticCatalog) Hospital(code string) (*catalog.Hospital, error) {
	h, ok := c[code]
	if !ok {
		return nil, catalog.ErrHospitalNotFound
	}
	return h, nil
}

func testCatalog() staticCatalog {
	return staticCatalog{
		"BV1": {
			Code: "BV1",
			Name: "Hospital One",
			Departments: []catalog.Department{
				{Code: "KHOA1", Name: "Internal Medicine", Doctors: []string{"Dr.A", "Dr.B"}},
				{Code: "KHOA2", Name: "Cardiology", Doctors: []string{"Dr.C"}},
			},
			Grid: slotgrid.DefaultConfig,
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *MemStore, *fakeClock) {
	t.Helper()
	store, clock := newTestMemStore()
	cfg := config.Config{HoldTTLDefault: 5 * time.Minute, HoldTTLMin: time.Minute}
	eng := NewEngine(testCatalog(), store, cfg, zerolog.Nop(), nil)
	eng.SetNowFunc(clock.Now)
	return eng, store, clock
}

func TestEngineKioskFlow(t *testing.T) {
	ctx := context.Background()
	eng, store, clock := newTestEngine(t)
	key := testSlotKey("07:40")

	rec, err := eng.Hold(ctx, key, "S1", 300*time.Second)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(300*time.Second), rec.ExpiresAt)

	rec, err = eng.Book(ctx, key, "S1", Patient{Name: "Nguyen Van A", Phone: "0900000001"}, "VIS-100")
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, rec.Status)
	assert.Equal(t, "VIS-100", rec.VisitRef)

	_, err = eng.Hold(ctx, key, "S2", 300*time.Second)
	require.ErrorIs(t, err, ErrSlotUnavailable)

	require.NoError(t, eng.Cancel(ctx, key))

	_, err = eng.Hold(ctx, key, "S2", 300*time.Second)
	require.NoError(t, err)

	assert.Equal(t, uint64(4), scopeVersion(t, store, key.Scope()))
}

func TestEngineValidation(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	base := testSlotKey("07:40")
	cases := []struct {
		name   string
		mutate func(*SlotKey)
	}{
		{"unknown hospital", func(k *SlotKey) { k.Hospital = "BV9" }},
		{"unknown department", func(k *SlotKey) { k.Department = "KHOA9" }},
		{"unknown doctor", func(k *SlotKey) { k.Doctor = "Dr.Z" }},
		{"doctor from other department", func(k *SlotKey) { k.Doctor = "Dr.C" }},
		{"malformed date", func(k *SlotKey) { k.Date = "10-01-2025" }},
		{"impossible date", func(k *SlotKey) { k.Date = "2025-13-40" }},
		{"slot off grid step", func(k *SlotKey) { k.Slot = "07:45" }},
		{"slot outside window", func(k *SlotKey) { k.Slot = "23:00" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key := base
			tc.mutate(&key)

			_, err := eng.Hold(ctx, key, "S1", 0)
			require.ErrorIs(t, err, ErrSlotNotFound)
			_, err = eng.Book(ctx, key, "", Patient{}, "")
			require.ErrorIs(t, err, ErrSlotNotFound)
			require.ErrorIs(t, eng.Cancel(ctx, key), ErrSlotNotFound)
		})
	}

	_, err := eng.Query(ctx, "BV9", nil, "2025-01-10")
	require.ErrorIs(t, err, ErrSlotNotFound)
	_, err = eng.Query(ctx, "BV1", nil, "not-a-date")
	require.ErrorIs(t, err, ErrSlotNotFound)
}

func TestEngineTTLClamp(t *testing.T) {
	ctx := context.Background()
	eng, _, clock := newTestEngine(t)

	cases := []struct {
		name string
		slot string
		ttl  time.Duration
		want time.Duration
	}{
		{"zero uses default", "07:40", 0, 5 * time.Minute},
		{"below minimum is raised", "08:00", 10 * time.Second, time.Minute},
		{"in range passes through", "08:20", 90 * time.Second, 90 * time.Second},
		{"long holds allowed", "08:40", 2 * time.Hour, 2 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, err := eng.Hold(ctx, testSlotKey(tc.slot), "S1", tc.ttl)
			require.NoError(t, err)
			assert.Equal(t, clock.Now().Add(tc.want), rec.ExpiresAt)
		})
	}
}

func TestEngineQueryReclaimsExpired(t *testing.T) {
	ctx := context.Background()
	eng, _, clock := newTestEngine(t)
	key := testSlotKey("09:00")

	_, err := eng.Hold(ctx, key, "S1", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	snap, err := eng.Query(ctx, "BV1", []string{"KHOA1"}, "2025-01-10")
	require.NoError(t, err)
	assert.Empty(t, snap.Records)
	assert.Equal(t, 1, snap.Expired)

	// The slot is bookable again without the hold step.
	rec, err := eng.Book(ctx, key, "", Patient{Name: "Tran B"}, "VIS-101")
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, rec.Status)
}

func TestEngineReleaseHolder(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	for _, slot := range []string{"09:20", "09:40"} {
		_, err := eng.Hold(ctx, testSlotKey(slot), "S1", 0)
		require.NoError(t, err)
	}

	keys, err := eng.ReleaseHolder(ctx, "S1")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	snap, err := eng.Query(ctx, "BV1", nil, "2025-01-10")
	require.NoError(t, err)
	assert.Empty(t, snap.Records)

	keys, err = eng.ReleaseHolder(ctx, "S1")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestEngineGrid(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	grid, err := eng.Grid("BV1")
	require.NoError(t, err)
	assert.Equal(t, 28, grid.Len())
	assert.True(t, grid.Contains("07:40"))
	assert.True(t, grid.Contains("16:40"))
	assert.False(t, grid.Contains("17:00"))

	_, err = eng.Grid("BV9")
	require.ErrorIs(t, err, ErrSlotNotFound)
}

func TestEngineConcurrentHolds(t *testing.T) {
	ctx := context.Background()
	eng, store, _ := newTestEngine(t)
	key := testSlotKey("10:00")

	const sessions = 8
	start := make(chan struct{})
	results := make(chan error, sessions)

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := eng.Hold(ctx, key, fmt.Sprintf("S%d", i), 0)
			results <- err
		}(i)
	}
	close(start)
	wg.Wait()
	close(results)

	var won int
	for err := range results {
		if err == nil {
			won++
		} else {
			require.ErrorIs(t, err, ErrSlotUnavailable)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, uint64(1), scopeVersion(t, store, key.Scope()))
}
