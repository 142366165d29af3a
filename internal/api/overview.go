package api

import (
	"strconv"
	"strings"

	"github.com/medkiosk/kiosk-scheduling/internal/catalog"
	"github.com/medkiosk/kiosk-scheduling/internal/schedule"
	"github.com/medkiosk/kiosk-scheduling/internal/slotgrid"
)

// buildOverview merges the hospital roster with a scope snapshot into
// per-doctor availability: booked and held straight from the snapshot, free
// as the grid minus both.
func buildOverview(hosp *catalog.Hospital, grid *slotgrid.Grid, snap *schedule.Snapshot, departments []string) OverviewResponse {
	want := make(map[string]bool, len(departments))
	for _, code := range departments {
		want[code] = true
	}

	booked := snap.SlotsByStatus(schedule.StatusBooked)
	held := snap.SlotsByStatus(schedule.StatusHeld)

	cfg := grid.Config()
	out := OverviewResponse{
		HospitalCode: hosp.Code,
		Date:         snap.Scope.Date,
		Version:      snap.Version,
		Departments:  []OverviewDepartment{},
		SlotWindow: SlotWindow{
			Start:       cfg.Start,
			End:         cfg.End,
			SlotMinutes: cfg.StepMinutes,
			AllSlots:    grid.Labels(),
		},
	}

	for _, dept := range hosp.Departments {
		if len(want) > 0 && !want[dept.Code] {
			continue
		}

		entry := OverviewDepartment{DepartmentCode: dept.Code}
		for _, doc := range dept.Doctors {
			bookedSlots := booked[dept.Code][doc]
			heldSlots := held[dept.Code][doc]

			taken := make(map[string]bool, len(bookedSlots)+len(heldSlots))
			for _, s := range bookedSlots {
				taken[s] = true
			}
			for _, s := range heldSlots {
				taken[s] = true
			}

			free := make([]string, 0, grid.Len())
			for _, s := range grid.Labels() {
				if !taken[s] {
					free = append(free, s)
				}
			}

			entry.Doctors = append(entry.Doctors, OverviewDoctor{
				Name:          doc,
				Booked:        nonNil(bookedSlots),
				Held:          nonNil(heldSlots),
				Free:          free,
				FreeIntervals: compressIntervals(free, cfg.StepMinutes),
			})
		}
		out.Departments = append(out.Departments, entry)
	}
	return out
}

// compressIntervals groups runs of consecutive free slots, consecutive
// meaning exactly one step apart. End is the last slot's start label, the
// format the dashboard displays.
func compressIntervals(free []string, stepMinutes int) []SlotInterval {
	out := []SlotInterval{}
	if len(free) == 0 {
		return out
	}

	start, prev := free[0], free[0]
	for _, s := range free[1:] {
		if slotMinutes(s)-slotMinutes(prev) == stepMinutes {
			prev = s
			continue
		}
		out = append(out, SlotInterval{Start: start, End: prev})
		start, prev = s, s
	}
	return append(out, SlotInterval{Start: start, End: prev})
}

// slotMinutes converts an "HH:MM" grid label to minutes since midnight.
// Labels come from the grid generator, so they are well formed.
func slotMinutes(label string) int {
	h, m, _ := strings.Cut(label, ":")
	hh, _ := strconv.Atoi(h)
	mm, _ := strconv.Atoi(m)
	return hh*60 + mm
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
