package api

import (
	"encoding/json"
	"time"

	"github.com/medkiosk/kiosk-scheduling/internal/ranking"
	"github.com/medkiosk/kiosk-scheduling/internal/schedule"
)

// SlotRequest is the slot tuple shared by the mutating endpoints.
type SlotRequest struct {
	HospitalCode   string `json:"hospital_code"`
	DepartmentCode string `json:"department_code"`
	DoctorName     string `json:"doctor_name"`
	Date           string `json:"date"`
	SlotTime       string `json:"slot_time"`
}

func (r SlotRequest) key() schedule.SlotKey {
	return schedule.SlotKey{
		Hospital:   r.HospitalCode,
		Department: r.DepartmentCode,
		Doctor:     r.DoctorName,
		Date:       r.Date,
		Slot:       r.SlotTime,
	}
}

type HoldRequest struct {
	SlotRequest
	HolderRef  string `json:"holder_ref"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type HoldResponse struct {
	OK        bool      `json:"ok"`
	ExpiresAt time.Time `json:"expires_at"`
}

type PatientPayload struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type BookRequest struct {
	SlotRequest
	HolderRef string          `json:"holder_ref,omitempty"`
	Patient   *PatientPayload `json:"patient,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type BookResponse struct {
	OK       bool   `json:"ok"`
	VisitRef string `json:"visit_ref,omitempty"`
}

type CancelRequest struct {
	SlotRequest
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type ReleaseRequest struct {
	HolderRef string `json:"holder_ref"`
}

type ReleaseResponse struct {
	OK       bool `json:"ok"`
	Released int  `json:"released"`
}

type RankRequest struct {
	Candidates []ranking.Candidate `json:"candidates"`
	Weights    map[string]float64  `json:"weights,omitempty"`
}

type RankResponse struct {
	Options []ranking.Option `json:"options"`
}

type HospitalsResponse struct {
	Hospitals map[string][]string `json:"hospitals"`
}

type CatalogDepartment struct {
	Name    string   `json:"name"`
	Doctors []string `json:"doctors"`
}

type GridInfo struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	SlotMinutes int    `json:"slot_minutes"`
}

type CatalogResponse struct {
	HospitalCode string                       `json:"hospital_code"`
	HospitalName string                       `json:"hospital_name"`
	Departments  map[string]CatalogDepartment `json:"departments"`
	Grid         GridInfo                     `json:"grid"`
}

// UnchangedResponse is the cheap poll reply: the client's state is current.
type UnchangedResponse struct {
	Unchanged bool   `json:"unchanged"`
	Version   uint64 `json:"version"`
}

// BookingsResponse is the full change-feed snapshot, department → doctor →
// ordered slot labels per status.
type BookingsResponse struct {
	Version  uint64                         `json:"version"`
	Bookings map[string]map[string][]string `json:"bookings"`
	Holds    map[string]map[string][]string `json:"holds"`
}

type SlotInterval struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type OverviewDoctor struct {
	Name          string         `json:"name"`
	Booked        []string       `json:"booked"`
	Held          []string       `json:"held"`
	Free          []string       `json:"free"`
	FreeIntervals []SlotInterval `json:"free_intervals"`
}

type OverviewDepartment struct {
	DepartmentCode string           `json:"department_code"`
	Doctors        []OverviewDoctor `json:"doctors"`
}

type SlotWindow struct {
	Start       string   `json:"start"`
	End         string   `json:"end"`
	SlotMinutes int      `json:"slot_minutes"`
	AllSlots    []string `json:"all_slots"`
}

type OverviewResponse struct {
	HospitalCode string               `json:"hospital_code"`
	Date         string               `json:"date"`
	Version      uint64               `json:"version"`
	Departments  []OverviewDepartment `json:"departments"`
	SlotWindow   SlotWindow           `json:"slot_window"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
