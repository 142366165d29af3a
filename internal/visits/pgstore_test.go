package visits

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPgStore(t *testing.T) (*PgStore, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	store := newPgStoreWithPool(mock)
	store.SetNowFunc(func() time.Time { return now })
	return store, mock, now
}

func visitColumns() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"visit_id", "customer_id", "created_at", "hospital", "visit_date", "department", "doctor", "slot", "summary", "payload"})
}

func TestPgStoreUpsertCustomer(t *testing.T) {
	ctx := context.Background()
	store, mock, _ := newMockPgStore(t)
	id := CustomerID("0901234567")

	// New phone: miss then insert.
	mock.ExpectQuery("SELECT id, name, phone FROM customers").
		WithArgs("0901234567").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO customers").
		WithArgs(id, "Nguyen Van A", "0901234567").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	c, created, err := store.UpsertCustomer(ctx, "Nguyen Van A", "090-123-4567")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, id, c.ID)

	// Known phone with a new name: update in place.
	mock.ExpectQuery("SELECT id, name, phone FROM customers").
		WithArgs("0901234567").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "phone"}).AddRow(id, "Nguyen Van A", "0901234567"))
	mock.ExpectExec("UPDATE customers SET name").
		WithArgs(id, "Nguyen Van Anh").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	c, created, err = store.UpsertCustomer(ctx, "Nguyen Van Anh", "0901234567")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Nguyen Van Anh", c.Name)

	// Same name again: no write at all.
	mock.ExpectQuery("SELECT id, name, phone FROM customers").
		WithArgs("0901234567").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "phone"}).AddRow(id, "Nguyen Van Anh", "0901234567"))

	_, created, err = store.UpsertCustomer(ctx, "Nguyen Van Anh", "0901234567")
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreCreateVisit(t *testing.T) {
	ctx := context.Background()
	store, mock, now := newMockPgStore(t)
	booking := Booking{Hospital: "BV1", Department: "KHOA1", Doctor: "Dr.A", Date: "2025-01-10", Slot: "07:40"}

	mock.ExpectExec("INSERT INTO visits").
		WithArgs(pgxmock.AnyArg(), "CUS-abc", now,
			"BV1", "2025-01-10", "KHOA1", "Dr.A", "07:40",
			"checkup", []byte(`{"note":"x"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	v, err := store.CreateVisit(ctx, "CUS-abc", booking, "checkup", json.RawMessage(`{"note":"x"}`))
	require.NoError(t, err)
	assert.Contains(t, v.ID, "VIS-")
	assert.Equal(t, booking, v.Booking)
	assert.Equal(t, now, v.CreatedAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreFindByBooking(t *testing.T) {
	ctx := context.Background()
	store, mock, now := newMockPgStore(t)

	mock.ExpectQuery("SELECT visit_id, customer_id, created_at").
		WithArgs("BV1", "2025-01-10", "Dr.A", "07:40").
		WillReturnRows(visitColumns().
			AddRow("VIS-1736496000000", "CUS-abc", now, "BV1", "2025-01-10", "KHOA1", "Dr.A", "07:40", "checkup", []byte(`{}`)))

	v, err := store.FindByBooking(ctx, "BV1", "2025-01-10", "Dr.A", "07:40")
	require.NoError(t, err)
	assert.Equal(t, "VIS-1736496000000", v.ID)
	assert.Equal(t, "KHOA1", v.Booking.Department)

	mock.ExpectQuery("SELECT visit_id, customer_id, created_at").
		WithArgs("BV1", "2025-01-10", "Dr.A", "16:40").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.FindByBooking(ctx, "BV1", "2025-01-10", "Dr.A", "16:40")
	require.ErrorIs(t, err, ErrVisitNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreRecentVisits(t *testing.T) {
	ctx := context.Background()
	store, mock, now := newMockPgStore(t)

	mock.ExpectQuery("SELECT visit_id, customer_id, created_at").
		WithArgs("CUS-abc", 2).
		WillReturnRows(visitColumns().
			AddRow("VIS-2", "CUS-abc", now, "BV1", "2025-01-10", "KHOA1", "Dr.A", "08:00", "", []byte(`{}`)).
			AddRow("VIS-1", "CUS-abc", now.Add(-time.Hour), "BV1", "2025-01-09", "KHOA1", "Dr.A", "07:40", "", []byte(`{}`)))

	visits, err := store.RecentVisits(ctx, "CUS-abc", 2)
	require.NoError(t, err)
	require.Len(t, visits, 2)
	assert.Equal(t, "VIS-2", visits[0].ID)
	assert.Equal(t, "VIS-1", visits[1].ID)

	require.NoError(t, mock.ExpectationsWereMet())
}
