// Package ranking orders appointment options for the agent. Callers supply
// candidates with pre-computed factor values; this package only combines
// them and breaks ties, so the same inputs always produce the same order.
package ranking

import (
	"sort"
)

// Candidate is one bookable option with its factor values. Factors missing
// from the map score as zero.
type Candidate struct {
	Hospital   string             `json:"hospital_code"`
	Department string             `json:"department_code"`
	Doctor     string             `json:"doctor_name"`
	Date       string             `json:"date"`
	Slot       string             `json:"slot_time"`
	Factors    map[string]float64 `json:"factors"`
}

// Option is a scored candidate.
type Option struct {
	Candidate
	Score float64 `json:"score"`
}

// Service ranks candidates, falling back to configured default weights when
// a request brings none.
type Service struct {
	defaults map[string]float64
}

func NewService(defaultWeights map[string]float64) *Service {
	return &Service{defaults: defaultWeights}
}

// Rank scores every candidate as the weighted sum of its factors divided by
// the total weight, then orders highest score first. Ties go to the earlier
// (date, slot), then doctor, then hospital and department, so the order is
// total.
func (s *Service) Rank(candidates []Candidate, weights map[string]float64) []Option {
	if len(weights) == 0 {
		weights = s.defaults
	}

	out := make([]Option, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, Option{Candidate: c, Score: score(c.Factors, weights)})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Slot != b.Slot {
			return a.Slot < b.Slot
		}
		if a.Doctor != b.Doctor {
			return a.Doctor < b.Doctor
		}
		if a.Hospital != b.Hospital {
			return a.Hospital < b.Hospital
		}
		return a.Department < b.Department
	})
	return out
}

func score(factors, weights map[string]float64) float64 {
	var total, sum float64
	for name, w := range weights {
		total += w
		sum += w * factors[name]
	}
	if total == 0 {
		return 0
	}
	return sum / total
}
