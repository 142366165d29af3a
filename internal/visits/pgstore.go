package visits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgQuerier is the slice of pgxpool.Pool the store needs; tests substitute a
// pgxmock pool.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore persists customers and visits in Postgres.
type PgStore struct {
	pool  pgQuerier
	idGen visitIDGen
	nowFn func() time.Time
}

var _ Store = (*PgStore)(nil)

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return newPgStoreWithPool(pool)
}

func newPgStoreWithPool(pool pgQuerier) *PgStore {
	return &PgStore{pool: pool, nowFn: time.Now}
}

// SetNowFunc overrides the clock used for visit IDs and timestamps.
func (s *PgStore) SetNowFunc(fn func() time.Time) {
	s.nowFn = fn
}

func (s *PgStore) UpsertCustomer(ctx context.Context, name, phone string) (*Customer, bool, error) {
	norm := NormalizePhone(phone)

	var c Customer
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, phone FROM customers WHERE phone = $1
	`, norm)
	err := row.Scan(&c.ID, &c.Name, &c.Phone)
	if err == nil {
		if name != "" && name != c.Name {
			if _, err := s.pool.Exec(ctx, `
				UPDATE customers SET name = $2 WHERE id = $1
			`, c.ID, name); err != nil {
				return nil, false, fmt.Errorf("update customer name: %w", err)
			}
			c.Name = name
		}
		return &c, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("lookup customer: %w", err)
	}

	c = Customer{ID: CustomerID(phone), Name: name, Phone: norm}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO customers (id, name, phone)
		VALUES ($1, $2, $3)
		ON CONFLICT (phone) DO UPDATE SET name = EXCLUDED.name
	`, c.ID, c.Name, c.Phone); err != nil {
		return nil, false, fmt.Errorf("insert customer: %w", err)
	}
	return &c, true, nil
}

func (s *PgStore) CreateVisit(ctx context.Context, customerID string, booking Booking, summary string, payload json.RawMessage) (*Visit, error) {
	now := s.nowFn()
	v := &Visit{
		ID:         s.idGen.next(now),
		CustomerID: customerID,
		CreatedAt:  now,
		Booking:    booking,
		Summary:    summary,
		Payload:    payload,
	}

	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO visits (visit_id, customer_id, created_at, hospital, visit_date, department, doctor, slot, summary, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, v.ID, v.CustomerID, v.CreatedAt,
		booking.Hospital, booking.Date, booking.Department, booking.Doctor, booking.Slot,
		summary, []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("insert visit: %w", err)
	}
	return v, nil
}

func scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	var payload []byte

	err := row.Scan(
		&v.ID,
		&v.CustomerID,
		&v.CreatedAt,
		&v.Booking.Hospital,
		&v.Booking.Date,
		&v.Booking.Department,
		&v.Booking.Doctor,
		&v.Booking.Slot,
		&v.Summary,
		&payload,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVisitNotFound
		}
		return nil, err
	}

	v.Payload = payload
	return &v, nil
}

func (s *PgStore) FindByBooking(ctx context.Context, hospital, date, doctor, slot string) (*Visit, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT visit_id, customer_id, created_at, hospital, visit_date, department, doctor, slot, summary, payload
		FROM visits
		WHERE hospital = $1 AND visit_date = $2 AND doctor = $3 AND slot = $4
		ORDER BY created_at DESC, visit_id DESC
		LIMIT 1
	`, hospital, date, doctor, slot)

	v, err := scanVisit(row)
	if err != nil {
		if errors.Is(err, ErrVisitNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("find visit by booking: %w", err)
	}
	return v, nil
}

func (s *PgStore) RecentVisits(ctx context.Context, customerID string, limit int) ([]Visit, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT visit_id, customer_id, created_at, hospital, visit_date, department, doctor, slot, summary, payload
		FROM visits
		WHERE customer_id = $1
		ORDER BY created_at DESC, visit_id DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent visits: %w", err)
	}
	defer rows.Close()

	var result []Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		result = append(result, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recent visits: %w", err)
	}
	return result, nil
}
