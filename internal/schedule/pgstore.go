package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgPool is the slice of pgxpool.Pool the store needs; tests substitute a
// pgxmock pool.
type pgPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PgStore keeps slot state in Postgres. Every transition runs in one short
// transaction: lock the row, check the precondition, write, bump the scope
// version. Row locks make concurrent writers to the same slot serialize;
// different slots never wait on each other.
type PgStore struct {
	pool  pgPool
	nowFn func() time.Time
}

var _ Store = (*PgStore)(nil)

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return newPgStoreWithPool(pool)
}

func newPgStoreWithPool(pool pgPool) *PgStore {
	return &PgStore{pool: pool, nowFn: time.Now}
}

// SetNowFunc overrides the clock used for expiry decisions and timestamps.
func (s *PgStore) SetNowFunc(fn func() time.Time) {
	s.nowFn = fn
}

func (s *PgStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func (s *PgStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

// pgSlotState is the locked row a transition decides against.
type pgSlotState struct {
	status    Status
	holder    string
	expiresAt *time.Time
	patient   Patient
	visitRef  string
}

func (st *pgSlotState) liveHold(now time.Time) bool {
	return st.status == StatusHeld && st.expiresAt != nil && st.expiresAt.After(now)
}

func lockSlotRow(ctx context.Context, tx pgx.Tx, key SlotKey) (*pgSlotState, error) {
	row := tx.QueryRow(ctx, `
		SELECT status, holder, expires_at, patient_name, patient_phone, visit_ref
		FROM slot_records
		WHERE hospital = $1 AND visit_date = $2 AND department = $3 AND doctor = $4 AND slot = $5
		FOR UPDATE
	`, key.Hospital, key.Date, key.Department, key.Doctor, key.Slot)

	var st pgSlotState
	err := row.Scan(&st.status, &st.holder, &st.expiresAt, &st.patient.Name, &st.patient.Phone, &st.visitRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("lock slot row", err)
	}
	return &st, nil
}

func writeSlotRow(ctx context.Context, tx pgx.Tx, key SlotKey, status Status, holder string, expiresAt *time.Time, patient Patient, visitRef string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO slot_records (hospital, visit_date, department, doctor, slot, status, holder, expires_at, patient_name, patient_phone, visit_ref, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (hospital, visit_date, department, doctor, slot) DO UPDATE
		SET status = EXCLUDED.status,
		    holder = EXCLUDED.holder,
		    expires_at = EXCLUDED.expires_at,
		    patient_name = EXCLUDED.patient_name,
		    patient_phone = EXCLUDED.patient_phone,
		    visit_ref = EXCLUDED.visit_ref,
		    updated_at = EXCLUDED.updated_at
	`, key.Hospital, key.Date, key.Department, key.Doctor, key.Slot,
		status, holder, expiresAt, patient.Name, patient.Phone, visitRef, now)
	if err != nil {
		return storeErr("write slot row", err)
	}
	return nil
}

// bumpScopeVersion advances the counter by n inside the caller's
// transaction, creating the row on first write.
func bumpScopeVersion(ctx context.Context, tx pgx.Tx, scope Scope, n int64) (uint64, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO scope_versions (hospital, visit_date, version)
		VALUES ($1, $2, $3)
		ON CONFLICT (hospital, visit_date) DO UPDATE
		SET version = scope_versions.version + $3
		RETURNING version
	`, scope.Hospital, scope.Date, n)

	var version int64
	if err := row.Scan(&version); err != nil {
		return 0, storeErr("bump scope version", err)
	}
	return uint64(version), nil
}

func (s *PgStore) PlaceHold(ctx context.Context, key SlotKey, holder string, expiresAt time.Time) (*SlotRecord, error) {
	now := s.nowFn()
	var rec *SlotRecord
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		cur, err := lockSlotRow(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur != nil {
			if cur.status == StatusBooked {
				return ErrSlotUnavailable
			}
			if cur.liveHold(now) && cur.holder != holder {
				return ErrSlotUnavailable
			}
		}

		if err := writeSlotRow(ctx, tx, key, StatusHeld, holder, &expiresAt, Patient{}, "", now); err != nil {
			return err
		}
		if _, err := bumpScopeVersion(ctx, tx, key.Scope(), 1); err != nil {
			return err
		}
		rec = &SlotRecord{Key: key, Status: StatusHeld, Holder: holder, ExpiresAt: expiresAt, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PgStore) CommitBooking(ctx context.Context, key SlotKey, holder string, patient Patient, visitRef string) (*SlotRecord, error) {
	now := s.nowFn()
	var rec *SlotRecord
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		cur, err := lockSlotRow(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur != nil {
			if cur.status == StatusBooked {
				return ErrAlreadyBooked
			}
			if cur.liveHold(now) && cur.holder != holder {
				return ErrHeldByOther
			}
		}

		if err := writeSlotRow(ctx, tx, key, StatusBooked, "", nil, patient, visitRef, now); err != nil {
			return err
		}
		if _, err := bumpScopeVersion(ctx, tx, key.Scope(), 1); err != nil {
			return err
		}
		rec = &SlotRecord{Key: key, Status: StatusBooked, Patient: patient, VisitRef: visitRef, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PgStore) ReleaseSlot(ctx context.Context, key SlotKey) (*SlotRecord, error) {
	now := s.nowFn()
	var rec *SlotRecord
	var staleHold bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		cur, err := lockSlotRow(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur == nil || cur.status == StatusFree {
			return ErrSlotNotFound
		}

		if err := writeSlotRow(ctx, tx, key, StatusFree, "", nil, Patient{}, "", now); err != nil {
			return err
		}
		if _, err := bumpScopeVersion(ctx, tx, key.Scope(), 1); err != nil {
			return err
		}

		if cur.status == StatusHeld && !cur.liveHold(now) {
			// Reclaimed a stale hold; still nothing for the caller to cancel.
			staleHold = true
			return nil
		}
		rec = &SlotRecord{Key: key, Status: StatusFree, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if staleHold {
		return nil, ErrSlotNotFound
	}
	return rec, nil
}

func (s *PgStore) ReleaseHolds(ctx context.Context, holder string) ([]SlotKey, error) {
	now := s.nowFn()
	var released []SlotKey
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE slot_records
			SET status = 'free', holder = '', expires_at = NULL,
			    patient_name = '', patient_phone = '', visit_ref = '', updated_at = $2
			WHERE status = 'held' AND holder = $1
			RETURNING hospital, visit_date, department, doctor, slot
		`, holder, now)
		if err != nil {
			return storeErr("release holds", err)
		}

		counts := make(map[Scope]int64)
		for rows.Next() {
			var k SlotKey
			if err := rows.Scan(&k.Hospital, &k.Date, &k.Department, &k.Doctor, &k.Slot); err != nil {
				rows.Close()
				return storeErr("scan released hold", err)
			}
			released = append(released, k)
			counts[k.Scope()]++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return storeErr("release holds", err)
		}

		scopes := make([]Scope, 0, len(counts))
		for sc := range counts {
			scopes = append(scopes, sc)
		}
		sort.Slice(scopes, func(i, j int) bool {
			if scopes[i].Hospital != scopes[j].Hospital {
				return scopes[i].Hospital < scopes[j].Hospital
			}
			return scopes[i].Date < scopes[j].Date
		})
		for _, sc := range scopes {
			if _, err := bumpScopeVersion(ctx, tx, sc, counts[sc]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(released, func(i, j int) bool { return lessKey(released[i], released[j]) })
	return released, nil
}

func (s *PgStore) ScopeSnapshot(ctx context.Context, scope Scope, departments []string) (*Snapshot, error) {
	now := s.nowFn()
	snap := &Snapshot{Scope: scope}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		// Reclaim scope-wide first so the version covers every expiry, even
		// in departments the caller filtered out.
		tag, err := tx.Exec(ctx, `
			UPDATE slot_records
			SET status = 'free', holder = '', expires_at = NULL, updated_at = $3
			WHERE hospital = $1 AND visit_date = $2 AND status = 'held' AND expires_at <= $3
		`, scope.Hospital, scope.Date, now)
		if err != nil {
			return storeErr("reclaim expired holds", err)
		}
		snap.Expired = int(tag.RowsAffected())

		if snap.Expired > 0 {
			version, err := bumpScopeVersion(ctx, tx, scope, int64(snap.Expired))
			if err != nil {
				return err
			}
			snap.Version = version
		} else {
			version, err := readScopeVersion(ctx, tx, scope)
			if err != nil {
				return err
			}
			snap.Version = version
		}

		records, err := queryScopeRecords(ctx, tx, scope, departments)
		if err != nil {
			return err
		}
		snap.Records = records
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func queryScopeRecords(ctx context.Context, tx pgx.Tx, scope Scope, departments []string) ([]SlotRecord, error) {
	query := `
		SELECT department, doctor, slot, status, holder, expires_at, patient_name, patient_phone, visit_ref, updated_at
		FROM slot_records
		WHERE hospital = $1 AND visit_date = $2 AND status <> 'free'
	`
	args := []any{scope.Hospital, scope.Date}
	if len(departments) > 0 {
		query += ` AND department = ANY($3)`
		args = append(args, departments)
	}
	query += ` ORDER BY department, doctor, slot`

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query scope records", err)
	}
	defer rows.Close()

	var records []SlotRecord
	for rows.Next() {
		rec := SlotRecord{Key: SlotKey{Hospital: scope.Hospital, Date: scope.Date}}
		var expiresAt *time.Time
		err := rows.Scan(&rec.Key.Department, &rec.Key.Doctor, &rec.Key.Slot,
			&rec.Status, &rec.Holder, &expiresAt,
			&rec.Patient.Name, &rec.Patient.Phone, &rec.VisitRef, &rec.UpdatedAt)
		if err != nil {
			return nil, storeErr("scan scope record", err)
		}
		if expiresAt != nil {
			rec.ExpiresAt = *expiresAt
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query scope records", err)
	}
	return records, nil
}

func (s *PgStore) ScopeVersion(ctx context.Context, scope Scope) (uint64, error) {
	return readScopeVersion(ctx, s.pool, scope)
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readScopeVersion(ctx context.Context, q pgQuerier, scope Scope) (uint64, error) {
	row := q.QueryRow(ctx, `
		SELECT version FROM scope_versions WHERE hospital = $1 AND visit_date = $2
	`, scope.Hospital, scope.Date)

	var version int64
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, storeErr("read scope version", err)
	}
	return uint64(version), nil
}

// storeErr folds backend failures into ErrStoreUnavailable so callers can
// classify them without knowing the backend.
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
