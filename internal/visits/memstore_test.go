package visits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"0901234567", "0901234567"},
		{"090-123-4567", "0901234567"},
		{"+84 90 123 45 67", "84901234567"},
		{"", "unknown"},
		{"no digits here", "unknown"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizePhone(tc.in), "input %q", tc.in)
	}
}

func TestCustomerIDStable(t *testing.T) {
	a := CustomerID("090-123-4567")
	b := CustomerID("0901234567")
	c := CustomerID("0909999999")

	assert.Equal(t, a, b, "formatting must not change the identity")
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "CUS-"))
	assert.Len(t, a, len("CUS-")+10)

	// No digits at all pools under the shared anonymous identity.
	assert.Equal(t, CustomerID(""), CustomerID("walk-in"))
}

func TestMemStoreUpsertCustomer(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	c, created, err := store.UpsertCustomer(ctx, "Nguyen Van A", "090-123-4567")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "0901234567", c.Phone)
	assert.Equal(t, CustomerID("0901234567"), c.ID)

	// Same digits, different formatting: the same customer, name refreshed.
	c2, created, err := store.UpsertCustomer(ctx, "Nguyen Van Anh", "0901234567")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c.ID, c2.ID)
	assert.Equal(t, "Nguyen Van Anh", c2.Name)

	// Empty name keeps the existing one.
	c3, created, err := store.UpsertCustomer(ctx, "", "0901234567")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Nguyen Van Anh", c3.Name)
}

func TestMemStoreVisits(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return now })

	booking := Booking{Hospital: "BV1", Department: "KHOA1", Doctor: "Dr.A", Date: "2025-01-10", Slot: "07:40"}
	v1, err := store.CreateVisit(ctx, "CUS-1", booking, "checkup", json.RawMessage(`{"note":"first"}`))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("VIS-%d", now.UnixMilli()), v1.ID)
	assert.Equal(t, now, v1.CreatedAt)

	// Same millisecond: the ID still moves forward.
	v2, err := store.CreateVisit(ctx, "CUS-1", booking, "rebooked", nil)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("VIS-%d", now.UnixMilli()+1), v2.ID)

	other := booking
	other.Slot = "08:00"
	_, err = store.CreateVisit(ctx, "CUS-2", other, "", nil)
	require.NoError(t, err)

	// Lookup returns the latest visit for the tuple.
	found, err := store.FindByBooking(ctx, "BV1", "2025-01-10", "Dr.A", "07:40")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, found.ID)
	assert.Equal(t, "rebooked", found.Summary)

	_, err = store.FindByBooking(ctx, "BV1", "2025-01-10", "Dr.A", "16:40")
	require.ErrorIs(t, err, ErrVisitNotFound)

	recent, err := store.RecentVisits(ctx, "CUS-1", 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, v2.ID, recent[0].ID)
	assert.Equal(t, v1.ID, recent[1].ID)

	recent, err = store.RecentVisits(ctx, "CUS-1", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, v2.ID, recent[0].ID)
}
