// Package visits stores the downstream outcome of a booking: the customer
// who booked and the visit record the kiosk hands to the hospital systems.
package visits

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
)

var ErrVisitNotFound = errors.New("visit not found")

// Customer identity is keyed by phone: the same phone always maps to the
// same ID, so repeat visitors accumulate history without an account.
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"` // normalized digits, or "unknown"
}

// Booking is the slot tuple a visit was created for.
type Booking struct {
	Hospital   string `json:"hospital_code"`
	Department string `json:"department_code"`
	Doctor     string `json:"doctor_name"`
	Date       string `json:"date"`
	Slot       string `json:"slot_time"`
}

// Visit is one completed kiosk flow. Payload is opaque here; downstream
// consumers parse it.
type Visit struct {
	ID         string          `json:"visit_id"`
	CustomerID string          `json:"customer_id"`
	CreatedAt  time.Time       `json:"created_at"`
	Booking    Booking         `json:"booking"`
	Summary    string          `json:"summary"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Store persists customers and visits.
type Store interface {
	// UpsertCustomer finds or creates the customer for the phone, updating
	// the name on revisit. Reports whether the customer was created.
	UpsertCustomer(ctx context.Context, name, phone string) (*Customer, bool, error)

	// CreateVisit appends a visit for the customer.
	CreateVisit(ctx context.Context, customerID string, booking Booking, summary string, payload json.RawMessage) (*Visit, error)

	// FindByBooking returns the latest visit created for the slot tuple, or
	// ErrVisitNotFound.
	FindByBooking(ctx context.Context, hospital, date, doctor, slot string) (*Visit, error)

	// RecentVisits lists the customer's visits newest first.
	RecentVisits(ctx context.Context, customerID string, limit int) ([]Visit, error)
}

const defaultRecentLimit = 5

// NormalizePhone strips everything but digits; a phone with no digits maps
// to "unknown", which pools anonymous walk-ins under one customer.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// CustomerID derives the stable ID from the normalized phone.
func CustomerID(phone string) string {
	sum := sha1.Sum([]byte(NormalizePhone(phone)))
	return "CUS-" + hex.EncodeToString(sum[:])[:10]
}

// visitIDGen hands out VIS-<unix millis> IDs, nudging forward on collision
// so two bookings in the same millisecond stay distinct.
type visitIDGen struct {
	mu   sync.Mutex
	last int64
}

func (g *visitIDGen) next(now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := now.UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	return fmt.Sprintf("VIS-%d", ms)
}
