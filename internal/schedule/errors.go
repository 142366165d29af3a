package schedule

import "errors"

var (
	// ErrSlotNotFound covers tuples outside the catalog or grid, and cancels
	// of slots that are already effectively free.
	ErrSlotNotFound = errors.New("slot not found")
	// ErrSlotUnavailable is a hold attempt losing to an active hold or a
	// booking.
	ErrSlotUnavailable = errors.New("slot unavailable")
	// ErrHeldByOther is a booking attempt against another session's live hold.
	ErrHeldByOther = errors.New("slot held by another session")
	ErrAlreadyBooked = errors.New("slot already booked")
	// ErrStoreUnavailable wraps persistence failures. It is the only kind
	// callers may retry; the transitions are compare-and-set, so a retry of a
	// write that actually landed safely reports a conflict.
	ErrStoreUnavailable = errors.New("schedule store unavailable")
)
