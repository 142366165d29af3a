package schedule

import (
	"context"
	"time"
)

// Store is the authoritative slot state. Every mutating method checks its
// precondition and applies the transition as one atomic unit for the single
// key, advancing the scope's version counter by one per transition inside
// that same unit. Implementations synchronize per key or per scope, never
// globally.
type Store interface {
	// PlaceHold transitions a free slot to held. Absent records, explicit
	// free records, and expired holds all count as free; a live hold by the
	// same holder is refreshed. Returns ErrSlotUnavailable when the slot is
	// booked or actively held by another session.
	PlaceHold(ctx context.Context, key SlotKey, holder string, expiresAt time.Time) (*SlotRecord, error)

	// CommitBooking transitions the slot to booked and attaches the patient
	// and visit reference. With an empty holder the slot must be free; with a
	// holder the slot may also be held by that session or carry an expired
	// hold. Returns ErrAlreadyBooked or ErrHeldByOther on conflict.
	CommitBooking(ctx context.Context, key SlotKey, holder string, patient Patient, visitRef string) (*SlotRecord, error)

	// ReleaseSlot frees a held or booked slot without ownership checks.
	// Returns ErrSlotNotFound when there is nothing to release; an expired
	// hold found here is reclaimed before reporting that.
	ReleaseSlot(ctx context.Context, key SlotKey) (*SlotRecord, error)

	// ReleaseHolds frees every hold owned by holder and returns the released
	// keys.
	ReleaseHolds(ctx context.Context, holder string) ([]SlotKey, error)

	// ScopeSnapshot returns the scope's non-free records, filtered to the
	// given departments when the list is non-empty. Expired holds observed
	// anywhere in the scope are persisted as free, each advancing the
	// version; repeated reads do not advance it again.
	ScopeSnapshot(ctx context.Context, scope Scope, departments []string) (*Snapshot, error)

	// ScopeVersion reads the scope's version counter without touching slot
	// records. A scope never written reads 0.
	ScopeVersion(ctx context.Context, scope Scope) (uint64, error)
}

// Pinger is implemented by stores backed by an external service; health
// checks use it.
type Pinger interface {
	Ping(ctx context.Context) error
}
