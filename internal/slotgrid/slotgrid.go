// Package slotgrid derives the ordered list of valid slot labels for a
// hospital's operating window. Grids are pure values; nothing here touches
// the schedule store.
package slotgrid

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidGridConfig = errors.New("invalid slot grid config")

// Config describes an operating window: "HH:MM" boundaries (inclusive on
// both ends) and a fixed step in minutes.
type Config struct {
	Start       string
	End         string
	StepMinutes int
}

// DefaultConfig is the grid used when a hospital does not override it.
var DefaultConfig = Config{Start: "07:40", End: "16:40", StepMinutes: 20}

// Generate returns the ordered "HH:MM" labels from start to end inclusive,
// stepping by stepMinutes. The result is identical across calls for the same
// input.
func Generate(start, end string, stepMinutes int) ([]string, error) {
	if stepMinutes <= 0 {
		return nil, fmt.Errorf("%w: step must be positive, got %d", ErrInvalidGridConfig, stepMinutes)
	}

	startMin, err := parseHHMM(start)
	if err != nil {
		return nil, err
	}
	endMin, err := parseHHMM(end)
	if err != nil {
		return nil, err
	}
	if startMin > endMin {
		return nil, fmt.Errorf("%w: start %s is after end %s", ErrInvalidGridConfig, start, end)
	}

	labels := make([]string, 0, (endMin-startMin)/stepMinutes+1)
	for m := startMin; m <= endMin; m += stepMinutes {
		labels = append(labels, fmt.Sprintf("%02d:%02d", m/60, m%60))
	}
	return labels, nil
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad time %q", ErrInvalidGridConfig, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Grid is a generated label sequence with O(1) membership checks. Safe for
// concurrent use once built.
type Grid struct {
	cfg    Config
	labels []string
	index  map[string]struct{}
}

func New(cfg Config) (*Grid, error) {
	labels, err := Generate(cfg.Start, cfg.End, cfg.StepMinutes)
	if err != nil {
		return nil, err
	}

	index := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		index[l] = struct{}{}
	}
	return &Grid{cfg: cfg, labels: labels, index: index}, nil
}

func (g *Grid) Config() Config { return g.cfg }

func (g *Grid) Contains(label string) bool {
	_, ok := g.index[label]
	return ok
}

// Labels returns the ordered label sequence. Callers must treat it as
// read-only.
func (g *Grid) Labels() []string { return g.labels }

func (g *Grid) Len() int { return len(g.labels) }
