package schedule

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 10, 7, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testSlotKey(slot string) SlotKey {
	return SlotKey{Hospital: "BV1", Department: "KHOA1", Doctor: "Dr.A", Date: "2025-01-10", Slot: slot}
}

func newTestMemStore() (*MemStore, *fakeClock) {
	clock := newFakeClock()
	store := NewMemStore()
	store.SetNowFunc(clock.Now)
	return store, clock
}

func scopeVersion(t *testing.T, store Store, scope Scope) uint64 {
	t.Helper()
	v, err := store.ScopeVersion(context.Background(), scope)
	require.NoError(t, err)
	return v
}

func TestMemStoreHoldLifecycle(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestMemStore()
	key := testSlotKey("07:40")

	rec, err := store.PlaceHold(ctx, key, "S1", clock.Now().Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, rec.Status)
	assert.Equal(t, "S1", rec.Holder)
	assert.Equal(t, clock.Now().Add(5*time.Minute), rec.ExpiresAt)
	assert.Equal(t, uint64(1), scopeVersion(t, store, key.Scope()))

	// A competing session loses while the hold is live.
	_, err = store.PlaceHold(ctx, key, "S2", clock.Now().Add(5*time.Minute))
	require.ErrorIs(t, err, ErrSlotUnavailable)
	assert.Equal(t, uint64(1), scopeVersion(t, store, key.Scope()))

	// The owner refreshes its own hold.
	rec, err = store.PlaceHold(ctx, key, "S1", clock.Now().Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(10*time.Minute), rec.ExpiresAt)
	assert.Equal(t, uint64(2), scopeVersion(t, store, key.Scope()))

	rec, err = store.CommitBooking(ctx, key, "S1", Patient{Name: "Alice", Phone: "0901"}, "VIS-1")
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, rec.Status)
	assert.Empty(t, rec.Holder)
	assert.True(t, rec.ExpiresAt.IsZero())
	assert.Equal(t, "VIS-1", rec.VisitRef)
	assert.Equal(t, uint64(3), scopeVersion(t, store, key.Scope()))

	_, err = store.PlaceHold(ctx, key, "S2", clock.Now().Add(5*time.Minute))
	require.ErrorIs(t, err, ErrSlotUnavailable)

	_, err = store.CommitBooking(ctx, key, "S2", Patient{}, "")
	require.ErrorIs(t, err, ErrAlreadyBooked)

	rec, err = store.ReleaseSlot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusFree, rec.Status)
	assert.Equal(t, uint64(4), scopeVersion(t, store, key.Scope()))

	// Freed means free for anyone again.
	_, err = store.PlaceHold(ctx, key, "S2", clock.Now().Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), scopeVersion(t, store, key.Scope()))
}

func TestMemStoreHoldExpiry(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestMemStore()
	key := testSlotKey("08:00")

	_, err := store.PlaceHold(ctx, key, "S1", clock.Now().Add(5*time.Minute))
	require.NoError(t, err)

	clock.Advance(5 * time.Minute) // expiry boundary counts as expired

	snap, err := store.ScopeSnapshot(ctx, key.Scope(), nil)
	require.NoError(t, err)
	assert.Empty(t, snap.Records)
	assert.Equal(t, 1, snap.Expired)
	assert.Equal(t, uint64(2), snap.Version)

	// Reclaim happens once, not on every read.
	snap, err = store.ScopeSnapshot(ctx, key.Scope(), nil)
	require.NoError(t, err)
	assert.Zero(t, snap.Expired)
	assert.Equal(t, uint64(2), snap.Version)

	_, err = store.PlaceHold(ctx, key, "S2", clock.Now().Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), scopeVersion(t, store, key.Scope()))
}

func TestMemStoreBookOverExpiredHold(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestMemStore()
	key := testSlotKey("08:20")

	_, err := store.PlaceHold(ctx, key, "S1", clock.Now().Add(time.Minute))
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	// The expired hold grants no claim and blocks nobody: landing a write on
	// it is a single transition.
	rec, err := store.CommitBooking(ctx, key, "S2", Patient{Name: "Bob"}, "VIS-2")
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, rec.Status)
	assert.Equal(t, uint64(2), scopeVersion(t, store, key.Scope()))
}

func TestMemStoreOriginalHolderAfterExpiry(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestMemStore()
	key := testSlotKey("08:40")

	_, err := store.PlaceHold(ctx, key, "S1", clock.Now().Add(time.Minute))
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	// Someone else re-holds after expiry; the original holder now behaves
	// exactly like a stranger.
	_, err = store.PlaceHold(ctx, key, "S2", clock.Now().Add(5*time.Minute))
	require.NoError(t, err)

	_, err = store.CommitBooking(ctx, key, "S1", Patient{}, "")
	require.ErrorIs(t, err, ErrHeldByOther)
}

func TestMemStoreDirectBooking(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestMemStore()
	key := testSlotKey("09:00")

	rec, err := store.CommitBooking(ctx, key, "", Patient{Name: "Carol"}, "VIS-3")
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, rec.Status)

	held := testSlotKey("09:20")
	_, err = store.PlaceHold(ctx, held, "S1", clock.Now().Add(5*time.Minute))
	require.NoError(t, err)

	// A dashboard click cannot steal a live hold.
	_, err = store.CommitBooking(ctx, held, "", Patient{}, "")
	require.ErrorIs(t, err, ErrHeldByOther)
}

func TestMemStoreReleaseSlotMisses(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestMemStore()
	key := testSlotKey("09:40")

	_, err := store.ReleaseSlot(ctx, key)
	require.ErrorIs(t, err, ErrSlotNotFound)
	assert.Equal(t, uint64(0), scopeVersion(t, store, key.Scope()))

	// Cancelling an expired hold reclaims it but still reports nothing to
	// cancel.
	_, err = store.PlaceHold(ctx, key, "S1", clock.Now().Add(time.Minute))
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	_, err = store.ReleaseSlot(ctx, key)
	require.ErrorIs(t, err, ErrSlotNotFound)
	assert.Equal(t, uint64(2), scopeVersion(t, store, key.Scope()))

	_, err = store.ReleaseSlot(ctx, key)
	require.ErrorIs(t, err, ErrSlotNotFound)
	assert.Equal(t, uint64(2), scopeVersion(t, store, key.Scope()))
}

func TestMemStoreMutualExclusion(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestMemStore()
	key := testSlotKey("10:00")

	const sessions = 32
	start := make(chan struct{})
	results := make(chan error, sessions)

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := store.PlaceHold(ctx, key, fmt.Sprintf("S%d", i), clock.Now().Add(5*time.Minute))
			results <- err
		}(i)
	}
	close(start)
	wg.Wait()
	close(results)

	var won, lost int
	for err := range results {
		if err == nil {
			won++
		} else {
			require.ErrorIs(t, err, ErrSlotUnavailable)
			lost++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, sessions-1, lost)
	assert.Equal(t, uint64(1), scopeVersion(t, store, key.Scope()))
}

func TestMemStoreScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestMemStore()

	keyA := testSlotKey("10:20")
	keyB := keyA
	keyB.Hospital = "BV2"
	keyC := keyA
	keyC.Date = "2025-01-11"

	_, err := store.PlaceHold(ctx, keyA, "S1", clock.Now().Add(5*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), scopeVersion(t, store, keyA.Scope()))
	assert.Equal(t, uint64(0), scopeVersion(t, store, keyB.Scope()))
	assert.Equal(t, uint64(0), scopeVersion(t, store, keyC.Scope()))
}

func TestMemStoreReleaseHolds(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestMemStore()
	exp := clock.Now().Add(5 * time.Minute)

	k1 := testSlotKey("10:40")
	k2 := testSlotKey("11:00")
	k3 := testSlotKey("11:20")
	k3.Date = "2025-01-11"
	other := testSlotKey("11:40")

	for _, k := range []SlotKey{k1, k2, k3} {
		_, err := store.PlaceHold(ctx, k, "S1", exp)
		require.NoError(t, err)
	}
	_, err := store.PlaceHold(ctx, other, "S2", exp)
	require.NoError(t, err)

	released, err := store.ReleaseHolds(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, []SlotKey{k1, k2, k3}, released)

	// S2's hold is untouched; S1's slots are free again.
	snap, err := store.ScopeSnapshot(ctx, k1.Scope(), nil)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, other, snap.Records[0].Key)

	// First scope saw three holds and two releases.
	assert.Equal(t, uint64(5), scopeVersion(t, store, k1.Scope()))
	assert.Equal(t, uint64(2), scopeVersion(t, store, k3.Scope()))

	released, err = store.ReleaseHolds(ctx, "S1")
	require.NoError(t, err)
	assert.Empty(t, released)
}

func TestMemStoreSnapshotFilterAndShape(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestMemStore()
	exp := clock.Now().Add(5 * time.Minute)

	book1 := testSlotKey("08:00")
	book2 := testSlotKey("07:40")
	heldK2 := SlotKey{Hospital: "BV1", Department: "KHOA2", Doctor: "Dr.C", Date: "2025-01-10", Slot: "09:00"}

	_, err := store.CommitBooking(ctx, book1, "", Patient{}, "")
	require.NoError(t, err)
	_, err = store.CommitBooking(ctx, book2, "", Patient{}, "")
	require.NoError(t, err)
	_, err = store.PlaceHold(ctx, heldK2, "S1", exp)
	require.NoError(t, err)

	snap, err := store.ScopeSnapshot(ctx, book1.Scope(), []string{"KHOA1"})
	require.NoError(t, err)
	require.Len(t, snap.Records, 2)
	// Sorted by department, doctor, slot.
	assert.Equal(t, "07:40", snap.Records[0].Key.Slot)
	assert.Equal(t, "08:00", snap.Records[1].Key.Slot)

	snap, err = store.ScopeSnapshot(ctx, book1.Scope(), nil)
	require.NoError(t, err)
	require.Len(t, snap.Records, 3)

	bookings := snap.SlotsByStatus(StatusBooked)
	assert.Equal(t, map[string]map[string][]string{
		"KHOA1": {"Dr.A": {"07:40", "08:00"}},
	}, bookings)
	holds := snap.SlotsByStatus(StatusHeld)
	assert.Equal(t, map[string]map[string][]string{
		"KHOA2": {"Dr.C": {"09:00"}},
	}, holds)

	// Expiry in a filtered-out department still bumps the scope version.
	versionBefore := snap.Version
	clock.Advance(10 * time.Minute)
	snap, err = store.ScopeSnapshot(ctx, book1.Scope(), []string{"KHOA1"})
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Expired)
	assert.Equal(t, versionBefore+1, snap.Version)
}
