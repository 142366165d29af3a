package schedule

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusFree   Status = "free"
	StatusHeld   Status = "held"
	StatusBooked Status = "booked"
)

// SlotKey identifies one doctor/time slot. Doctors are scoped to their
// (hospital, department); the same name in two departments is two doctors.
type SlotKey struct {
	Hospital   string
	Department string
	Doctor     string
	Date       string // YYYY-MM-DD
	Slot       string // HH:MM
}

func (k SlotKey) Scope() Scope {
	return Scope{Hospital: k.Hospital, Date: k.Date}
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", k.Hospital, k.Department, k.Doctor, k.Date, k.Slot)
}

// Scope is the (hospital, date) granularity at which version counters and
// change feeds operate.
type Scope struct {
	Hospital string
	Date     string
}

func (s Scope) String() string {
	return s.Hospital + "/" + s.Date
}

// Patient is the identity payload attached when a slot is booked. The core
// does not interpret it beyond storage.
type Patient struct {
	Name  string
	Phone string
}

// SlotRecord is the mutable state of one slot. A key without a record is
// Free; records materialize on first mutation and may return to free without
// being deleted.
type SlotRecord struct {
	Key       SlotKey
	Status    Status
	Holder    string    // owning session while held
	ExpiresAt time.Time // hold expiry; zero unless held
	Patient   Patient   // set while booked
	VisitRef  string    // downstream visit record, opaque here
	UpdatedAt time.Time
}

func (r *SlotRecord) holdExpired(now time.Time) bool {
	return r.Status == StatusHeld && !r.ExpiresAt.After(now)
}

// Snapshot is a read-only view of one scope's materialized, non-free records
// at a version.
type Snapshot struct {
	Scope   Scope
	Version uint64
	Records []SlotRecord // sorted by (department, doctor, slot)
	Expired int          // holds reclaimed while taking this snapshot
}

// SlotsByStatus groups the snapshot as department → doctor → ordered slot
// labels, the shape the dashboard feed ships.
func (s *Snapshot) SlotsByStatus(status Status) map[string]map[string][]string {
	out := make(map[string]map[string][]string)
	for _, r := range s.Records {
		if r.Status != status {
			continue
		}
		byDoctor := out[r.Key.Department]
		if byDoctor == nil {
			byDoctor = make(map[string][]string)
			out[r.Key.Department] = byDoctor
		}
		byDoctor[r.Key.Doctor] = append(byDoctor[r.Key.Doctor], r.Key.Slot)
	}
	return out
}
