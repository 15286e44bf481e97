// Package health computes the 0-100 infrastructure health score.
package health

import (
	"errors"
	"fmt"
	"math"

	"github.com/pilot-net/netoverview/pkg/types"
)

// Weights parameterize the score:
//
//	score = 100
//	      - AvailabilityWeight * (1 - online/total)
//	      - min(ProblemPenaltyCap, sum(SeverityPenalty[p.Severity]))
//	      - LatencyPenalty * [highLatency/total > HighLatencyFraction]
//
// clamped to [0, 100] and rounded.
type Weights struct {
	AvailabilityWeight  float64
	SeverityPenalties   [6]float64 // indexed by types.Severity
	ProblemPenaltyCap   float64
	HighLatencyMs       float64
	HighLatencyFraction float64
	LatencyPenalty      float64
}

// DefaultWeights returns the production weights.
func DefaultWeights() Weights {
	return Weights{
		AvailabilityWeight:  70,
		SeverityPenalties:   [6]float64{0, 0.5, 1, 2, 4, 8},
		ProblemPenaltyCap:   30,
		HighLatencyMs:       100,
		HighLatencyFraction: 0.2,
		LatencyPenalty:      10,
	}
}

// WeightsFromSlice builds Weights with penalties given as a slice of six
// values, as read from configuration.
func WeightsFromSlice(availability float64, penalties []float64, penaltyCap, highMs, fraction, latency float64) (Weights, error) {
	if len(penalties) != len(types.Severities) {
		return Weights{}, fmt.Errorf("severity penalties: need %d values, got %d", len(types.Severities), len(penalties))
	}
	w := Weights{
		AvailabilityWeight:  availability,
		ProblemPenaltyCap:   penaltyCap,
		HighLatencyMs:       highMs,
		HighLatencyFraction: fraction,
		LatencyPenalty:      latency,
	}
	copy(w.SeverityPenalties[:], penalties)
	return w, w.Validate()
}

// Validate checks the conditions under which the score never increases when
// a host goes offline or a problem gets more severe.
func (w Weights) Validate() error {
	var errs []error
	if w.AvailabilityWeight < 0 {
		errs = append(errs, errors.New("availability weight must be non-negative"))
	}
	if w.ProblemPenaltyCap < 0 {
		errs = append(errs, errors.New("problem penalty cap must be non-negative"))
	}
	if w.LatencyPenalty < 0 {
		errs = append(errs, errors.New("latency penalty must be non-negative"))
	}
	if w.HighLatencyMs <= 0 {
		errs = append(errs, errors.New("high latency threshold must be positive"))
	}
	if w.HighLatencyFraction < 0 || w.HighLatencyFraction > 1 {
		errs = append(errs, errors.New("high latency fraction must be within [0, 1]"))
	}
	for i, p := range w.SeverityPenalties {
		if p < 0 {
			errs = append(errs, fmt.Errorf("penalty for %s must be non-negative", types.Severity(i)))
		}
		if i > 0 && p < w.SeverityPenalties[i-1] {
			errs = append(errs, fmt.Errorf("penalty for %s is lower than for %s", types.Severity(i), types.Severity(i-1)))
		}
	}
	return errors.Join(errs...)
}

// Breakdown explains how a score was reached.
type Breakdown struct {
	Score               int     `json:"score"`
	AvailabilityPenalty float64 `json:"availability_penalty"`
	ProblemPenalty      float64 `json:"problem_penalty"`
	LatencyPenalty      float64 `json:"latency_penalty"`
	HighLatencyHosts    int     `json:"high_latency_hosts"`
}

// Scorer computes health scores. The zero value is not usable; use New.
type Scorer struct {
	w Weights
}

// New creates a Scorer after validating the weights.
func New(w Weights) (*Scorer, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid health weights: %w", err)
	}
	return &Scorer{w: w}, nil
}

// Weights returns the weights in use.
func (s *Scorer) Weights() Weights { return s.w }

// Score returns the health score for hosts and their active problems.
func (s *Scorer) Score(hosts []types.Host, problems []types.Problem) int {
	return s.Explain(hosts, problems).Score
}

// Explain computes the score and its components.
func (s *Scorer) Explain(hosts []types.Host, problems []types.Problem) Breakdown {
	var b Breakdown

	total := len(hosts)
	if total > 0 {
		online := 0
		for i := range hosts {
			if hosts[i].Status == types.HostStatusOnline {
				online++
			}
			if l := hosts[i].LatencyMs; l != nil && *l >= s.w.HighLatencyMs {
				b.HighLatencyHosts++
			}
		}
		b.AvailabilityPenalty = s.w.AvailabilityWeight * (1 - float64(online)/float64(total))
		if float64(b.HighLatencyHosts)/float64(total) > s.w.HighLatencyFraction {
			b.LatencyPenalty = s.w.LatencyPenalty
		}
	}

	var sum float64
	for i := range problems {
		sev := problems[i].Severity
		if !sev.Valid() {
			sev = types.SeverityNotClassified
		}
		sum += s.w.SeverityPenalties[sev]
	}
	b.ProblemPenalty = math.Min(s.w.ProblemPenaltyCap, sum)

	raw := 100 - b.AvailabilityPenalty - b.ProblemPenalty - b.LatencyPenalty
	b.Score = int(math.Round(math.Max(0, math.Min(100, raw))))
	return b
}
