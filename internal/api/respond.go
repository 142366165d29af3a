package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/medkiosk/kiosk-scheduling/internal/schedule"
	"github.com/medkiosk/kiosk-scheduling/internal/slotgrid"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeScheduleError maps engine errors onto HTTP statuses: unknown entities
// are 404, lost races 409, bad grid parameters 400, backend outages 503.
func writeScheduleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schedule.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, schedule.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, schedule.ErrHeldByOther):
		writeError(w, http.StatusConflict, "held_by_other", err.Error())
	case errors.Is(err, schedule.ErrAlreadyBooked):
		writeError(w, http.StatusConflict, "already_booked", err.Error())
	case errors.Is(err, slotgrid.ErrInvalidGridConfig):
		writeError(w, http.StatusBadRequest, "invalid_grid_config", err.Error())
	case errors.Is(err, schedule.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
