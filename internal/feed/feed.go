// Package feed serves the dashboard change feed: clients poll with the last
// version they saw and get either a cheap "unchanged" or a full snapshot.
package feed

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/medkiosk/kiosk-scheduling/internal/observability/metrics"
	"github.com/medkiosk/kiosk-scheduling/internal/schedule"
)

// Scheduler is the slice of the scheduling engine the feed reads from.
type Scheduler interface {
	Query(ctx context.Context, hospital string, departments []string, date string) (*schedule.Snapshot, error)
	Version(ctx context.Context, hospital, date string) (uint64, error)
}

// Delta is one poll response. When Unchanged is set the maps are nil and the
// client keeps its cached state.
type Delta struct {
	Unchanged bool
	Version   uint64
	Bookings  map[string]map[string][]string
	Holds     map[string]map[string][]string
}

type Service struct {
	sched   Scheduler
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewService(sched Scheduler, logger zerolog.Logger, m *metrics.Metrics) *Service {
	return &Service{sched: sched, log: logger, metrics: m}
}

// Delta compares the client's version against the scope counter. Equal means
// unchanged; anything else, including a client version from a wiped counter
// running ahead, gets the full snapshot. A nil since always snapshots.
func (s *Service) Delta(ctx context.Context, hospital string, departments []string, date string, since *uint64) (*Delta, error) {
	if since != nil {
		current, err := s.sched.Version(ctx, hospital, date)
		if err != nil {
			return nil, err
		}
		if current == *since {
			s.metrics.RecordDelta("unchanged")
			return &Delta{Unchanged: true, Version: current}, nil
		}
	}

	snap, err := s.sched.Query(ctx, hospital, departments, date)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordDelta("snapshot")
	s.log.Debug().Str("hospital", hospital).Str("date", date).Uint64("version", snap.Version).
		Int("records", len(snap.Records)).Msg("feed snapshot served")

	return &Delta{
		Version:  snap.Version,
		Bookings: snap.SlotsByStatus(schedule.StatusBooked),
		Holds:    snap.SlotsByStatus(schedule.StatusHeld),
	}, nil
}
