package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/medkiosk/kiosk-scheduling/internal/catalog"
	"github.com/medkiosk/kiosk-scheduling/internal/feed"
	"github.com/medkiosk/kiosk-scheduling/internal/ranking"
	"github.com/medkiosk/kiosk-scheduling/internal/schedule"
	"github.com/medkiosk/kiosk-scheduling/internal/visits"
)

func hospitalsHandler(cat *catalog.Loader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hospitals, err := cat.Hospitals()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "catalog_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, HospitalsResponse{Hospitals: hospitals})
	}
}

func catalogHandler(cat *catalog.Loader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("hospital_code")
		h, err := cat.Hospital(code)
		if err != nil {
			if errors.Is(err, catalog.ErrHospitalNotFound) {
				writeError(w, http.StatusNotFound, "hospital_not_found", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "catalog_error", err.Error())
			return
		}

		departments := make(map[string]CatalogDepartment, len(h.Departments))
		for _, d := range h.Departments {
			departments[d.Code] = CatalogDepartment{Name: d.Name, Doctors: d.Doctors}
		}

		writeJSON(w, http.StatusOK, CatalogResponse{
			HospitalCode: h.Code,
			HospitalName: h.Name,
			Departments:  departments,
			Grid: GridInfo{
				Start:       h.Grid.Start,
				End:         h.Grid.End,
				SlotMinutes: h.Grid.StepMinutes,
			},
		})
	}
}

func overviewHandler(eng *schedule.Engine, cat *catalog.Loader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		hospital := q.Get("hospital_code")
		date := q.Get("date")
		if date == "" {
			date = time.Now().Format(time.DateOnly)
		}
		departments := splitCodes(q["department_codes"])

		snap, err := eng.Query(r.Context(), hospital, departments, date)
		if err != nil {
			writeScheduleError(w, err)
			return
		}
		grid, err := eng.Grid(hospital)
		if err != nil {
			writeScheduleError(w, err)
			return
		}
		h, err := cat.Hospital(hospital)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "catalog_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, buildOverview(h, grid, snap, departments))
	}
}

func bookingsHandler(svc *feed.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		hospital := q.Get("hospital_code")
		date := q.Get("date")
		if date == "" {
			date = time.Now().Format(time.DateOnly)
		}
		departments := splitCodes(q["department_codes"])

		var since *uint64
		if raw := q.Get("since"); raw != "" {
			v, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_since", "since must be a non-negative integer")
				return
			}
			since = &v
		}

		delta, err := svc.Delta(r.Context(), hospital, departments, date, since)
		if err != nil {
			writeScheduleError(w, err)
			return
		}

		if delta.Unchanged {
			writeJSON(w, http.StatusOK, UnchangedResponse{Unchanged: true, Version: delta.Version})
			return
		}
		writeJSON(w, http.StatusOK, BookingsResponse{
			Version:  delta.Version,
			Bookings: delta.Bookings,
			Holds:    delta.Holds,
		})
	}
}

func holdHandler(eng *schedule.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req HoldRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.HolderRef == "" {
			writeError(w, http.StatusBadRequest, "missing_holder_ref", "holder_ref is required")
			return
		}

		rec, err := eng.Hold(r.Context(), req.key(), req.HolderRef, time.Duration(req.TTLSeconds)*time.Second)
		if err != nil {
			writeScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, HoldResponse{OK: true, ExpiresAt: rec.ExpiresAt})
	}
}

// bookHandler finalizes a slot. When the request carries patient data the
// customer and visit records are written first so the booking lands with its
// visit_ref attached; a booking lost to a race leaves the visit behind as an
// unreferenced record, same as the kiosk writing them separately would.
func bookHandler(eng *schedule.Engine, store visits.Store, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		var patient schedule.Patient
		var visitRef string
		if req.Patient != nil && (req.Patient.Name != "" || req.Patient.Phone != "") {
			customer, created, err := store.UpsertCustomer(r.Context(), req.Patient.Name, req.Patient.Phone)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "visit_store_error", err.Error())
				return
			}
			visit, err := store.CreateVisit(r.Context(), customer.ID, visits.Booking{
				Hospital:   req.HospitalCode,
				Department: req.DepartmentCode,
				Doctor:     req.DoctorName,
				Date:       req.Date,
				Slot:       req.SlotTime,
			}, req.Summary, req.Payload)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "visit_store_error", err.Error())
				return
			}

			patient = schedule.Patient{Name: req.Patient.Name, Phone: req.Patient.Phone}
			visitRef = visit.ID
			logger.Debug().Str("customer_id", customer.ID).Bool("created", created).
				Str("visit_id", visit.ID).Msg("visit recorded")
		}

		if _, err := eng.Book(r.Context(), req.key(), req.HolderRef, patient, visitRef); err != nil {
			writeScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, BookResponse{OK: true, VisitRef: visitRef})
	}
}

func cancelHandler(eng *schedule.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CancelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		if err := eng.Cancel(r.Context(), req.key()); err != nil {
			writeScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, OKResponse{OK: true})
	}
}

func releaseHandler(eng *schedule.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReleaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.HolderRef == "" {
			writeError(w, http.StatusBadRequest, "missing_holder_ref", "holder_ref is required")
			return
		}

		keys, err := eng.ReleaseHolder(r.Context(), req.HolderRef)
		if err != nil {
			writeScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ReleaseResponse{OK: true, Released: len(keys)})
	}
}

func rankHandler(svc *ranking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RankRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		writeJSON(w, http.StatusOK, RankResponse{Options: svc.Rank(req.Candidates, req.Weights)})
	}
}

func visitDetailHandler(store visits.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		v, err := store.FindByBooking(r.Context(),
			q.Get("hospital_code"), q.Get("date"), q.Get("doctor_name"), q.Get("slot_time"))
		if err != nil {
			if errors.Is(err, visits.ErrVisitNotFound) {
				writeError(w, http.StatusNotFound, "visit_not_found", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "visit_store_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// splitCodes accepts department_codes as repeated parameters or one
// comma-separated list.
func splitCodes(raw []string) []string {
	var out []string
	for _, chunk := range raw {
		for _, code := range strings.Split(chunk, ",") {
			if code = strings.TrimSpace(code); code != "" {
				out = append(out, code)
			}
		}
	}
	return out
}
