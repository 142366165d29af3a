package schedule

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore keeps all slot state in process memory. Each (hospital, date)
// scope carries its own mutex and version counter, so traffic for different
// hospital-days never contends.
type MemStore struct {
	mu     sync.RWMutex
	scopes map[Scope]*memScope
	nowFn  func() time.Time
}

type memScope struct {
	mu      sync.Mutex
	version uint64
	records map[memKey]*SlotRecord
}

// memKey omits the scope fields; they are implied by the owning memScope.
type memKey struct {
	Department string
	Doctor     string
	Slot       string
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		scopes: make(map[Scope]*memScope),
		nowFn:  time.Now,
	}
}

// SetNowFunc overrides the clock. Tests use it to drive hold expiry; call it
// before the store is shared.
func (s *MemStore) SetNowFunc(fn func() time.Time) {
	s.nowFn = fn
}

func (s *MemStore) Ping(ctx context.Context) error { return nil }

func (s *MemStore) scope(sc Scope) *memScope {
	s.mu.RLock()
	ms := s.scopes[sc]
	s.mu.RUnlock()
	if ms != nil {
		return ms
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ms = s.scopes[sc]; ms == nil {
		ms = &memScope{records: make(map[memKey]*SlotRecord)}
		s.scopes[sc] = ms
	}
	return ms
}

func memKeyOf(key SlotKey) memKey {
	return memKey{Department: key.Department, Doctor: key.Doctor, Slot: key.Slot}
}

func (s *MemStore) PlaceHold(ctx context.Context, key SlotKey, holder string, expiresAt time.Time) (*SlotRecord, error) {
	now := s.nowFn()
	ms := s.scope(key.Scope())
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec := ms.records[memKeyOf(key)]
	if rec != nil {
		if rec.Status == StatusBooked {
			return nil, ErrSlotUnavailable
		}
		if rec.Status == StatusHeld && rec.Holder != holder && rec.ExpiresAt.After(now) {
			return nil, ErrSlotUnavailable
		}
	}

	if rec == nil {
		rec = &SlotRecord{Key: key}
		ms.records[memKeyOf(key)] = rec
	}
	rec.Status = StatusHeld
	rec.Holder = holder
	rec.ExpiresAt = expiresAt
	rec.Patient = Patient{}
	rec.VisitRef = ""
	rec.UpdatedAt = now
	ms.version++

	out := *rec
	return &out, nil
}

func (s *MemStore) CommitBooking(ctx context.Context, key SlotKey, holder string, patient Patient, visitRef string) (*SlotRecord, error) {
	now := s.nowFn()
	ms := s.scope(key.Scope())
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec := ms.records[memKeyOf(key)]
	if rec != nil {
		if rec.Status == StatusBooked {
			return nil, ErrAlreadyBooked
		}
		if rec.Status == StatusHeld && rec.Holder != holder && rec.ExpiresAt.After(now) {
			return nil, ErrHeldByOther
		}
	}

	if rec == nil {
		rec = &SlotRecord{Key: key}
		ms.records[memKeyOf(key)] = rec
	}
	rec.Status = StatusBooked
	rec.Holder = ""
	rec.ExpiresAt = time.Time{}
	rec.Patient = patient
	rec.VisitRef = visitRef
	rec.UpdatedAt = now
	ms.version++

	out := *rec
	return &out, nil
}

func (s *MemStore) ReleaseSlot(ctx context.Context, key SlotKey) (*SlotRecord, error) {
	now := s.nowFn()
	ms := s.scope(key.Scope())
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec := ms.records[memKeyOf(key)]
	if rec == nil || rec.Status == StatusFree {
		return nil, ErrSlotNotFound
	}
	if rec.holdExpired(now) {
		// The read reclaims the stale hold, but there is still nothing for
		// the caller to cancel.
		freeRecord(rec, now)
		ms.version++
		return nil, ErrSlotNotFound
	}

	freeRecord(rec, now)
	ms.version++

	out := *rec
	return &out, nil
}

func (s *MemStore) ReleaseHolds(ctx context.Context, holder string) ([]SlotKey, error) {
	now := s.nowFn()

	s.mu.RLock()
	scopes := make([]*memScope, 0, len(s.scopes))
	for _, ms := range s.scopes {
		scopes = append(scopes, ms)
	}
	s.mu.RUnlock()

	var released []SlotKey
	for _, ms := range scopes {
		ms.mu.Lock()
		for _, rec := range ms.records {
			if rec.Status != StatusHeld || rec.Holder != holder {
				continue
			}
			freeRecord(rec, now)
			ms.version++
			released = append(released, rec.Key)
		}
		ms.mu.Unlock()
	}

	sort.Slice(released, func(i, j int) bool { return lessKey(released[i], released[j]) })
	return released, nil
}

func (s *MemStore) ScopeSnapshot(ctx context.Context, scope Scope, departments []string) (*Snapshot, error) {
	now := s.nowFn()
	ms := s.scope(scope)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var filter map[string]struct{}
	if len(departments) > 0 {
		filter = make(map[string]struct{}, len(departments))
		for _, d := range departments {
			filter[d] = struct{}{}
		}
	}

	snap := &Snapshot{Scope: scope}
	for _, rec := range ms.records {
		if rec.holdExpired(now) {
			// Expiry is reclaimed scope-wide even when the department is
			// filtered out, so the version reflects it for every poller.
			freeRecord(rec, now)
			ms.version++
			snap.Expired++
		}
		if rec.Status == StatusFree {
			continue
		}
		if filter != nil {
			if _, ok := filter[rec.Key.Department]; !ok {
				continue
			}
		}
		snap.Records = append(snap.Records, *rec)
	}

	sort.Slice(snap.Records, func(i, j int) bool {
		return lessKey(snap.Records[i].Key, snap.Records[j].Key)
	})
	snap.Version = ms.version
	return snap, nil
}

func (s *MemStore) ScopeVersion(ctx context.Context, scope Scope) (uint64, error) {
	s.mu.RLock()
	ms := s.scopes[scope]
	s.mu.RUnlock()
	if ms == nil {
		return 0, nil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.version, nil
}

func freeRecord(rec *SlotRecord, now time.Time) {
	rec.Status = StatusFree
	rec.Holder = ""
	rec.ExpiresAt = time.Time{}
	rec.Patient = Patient{}
	rec.VisitRef = ""
	rec.UpdatedAt = now
}

func lessKey(a, b SlotKey) bool {
	if a.Hospital != b.Hospital {
		return a.Hospital < b.Hospital
	}
	if a.Date != b.Date {
		return a.Date < b.Date
	}
	if a.Department != b.Department {
		return a.Department < b.Department
	}
	if a.Doctor != b.Doctor {
		return a.Doctor < b.Doctor
	}
	return a.Slot < b.Slot
}
