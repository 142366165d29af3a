package visits

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemStore keeps customers and visits in process memory.
type MemStore struct {
	mu      sync.RWMutex
	byPhone map[string]*Customer
	visits  []*Visit // append order; reads walk newest first
	idGen   visitIDGen
	nowFn   func() time.Time
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		byPhone: make(map[string]*Customer),
		nowFn:   time.Now,
	}
}

// SetNowFunc overrides the clock used for visit IDs and timestamps.
func (s *MemStore) SetNowFunc(fn func() time.Time) {
	s.nowFn = fn
}

func (s *MemStore) UpsertCustomer(ctx context.Context, name, phone string) (*Customer, bool, error) {
	norm := NormalizePhone(phone)

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.byPhone[norm]; ok {
		if name != "" {
			c.Name = name
		}
		out := *c
		return &out, false, nil
	}

	c := &Customer{ID: CustomerID(phone), Name: name, Phone: norm}
	s.byPhone[norm] = c
	out := *c
	return &out, true, nil
}

func (s *MemStore) CreateVisit(ctx context.Context, customerID string, booking Booking, summary string, payload json.RawMessage) (*Visit, error) {
	now := s.nowFn()
	v := &Visit{
		ID:         s.idGen.next(now),
		CustomerID: customerID,
		CreatedAt:  now,
		Booking:    booking,
		Summary:    summary,
		Payload:    payload,
	}

	s.mu.Lock()
	s.visits = append(s.visits, v)
	s.mu.Unlock()

	out := *v
	return &out, nil
}

func (s *MemStore) FindByBooking(ctx context.Context, hospital, date, doctor, slot string) (*Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.visits) - 1; i >= 0; i-- {
		b := s.visits[i].Booking
		if b.Hospital == hospital && b.Date == date && b.Doctor == doctor && b.Slot == slot {
			out := *s.visits[i]
			return &out, nil
		}
	}
	return nil, ErrVisitNotFound
}

func (s *MemStore) RecentVisits(ctx context.Context, customerID string, limit int) ([]Visit, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Visit
	for i := len(s.visits) - 1; i >= 0 && len(out) < limit; i-- {
		if s.visits[i].CustomerID == customerID {
			out = append(out, *s.visits[i])
		}
	}
	return out, nil
}
