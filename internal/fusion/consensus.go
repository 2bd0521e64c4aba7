// Package fusion turns a set of specialist results into one diagnosis:
// a majority vote, a safety gate driven by a policy table, and a
// coordinator that assembles the final ConsensusResult.
package fusion

import (
	"github.com/apollo-nexus/nexus/internal/domain"
)

// Tally is the outcome of the majority vote.
type Tally struct {
	Votes                int
	Participants         int
	ConsensusFault       bool
	AggregatedConfidence float64
	Agreement            map[string]bool
}

// AgreementRatio is votes/participants, 0 when nobody participated.
func (t Tally) AgreementRatio() float64 {
	if t.Participants == 0 {
		return 0
	}
	return float64(t.Votes) / float64(t.Participants)
}

// Vote counts fault votes among successful results. A fault is declared
// when strictly more than half agree; confidence is the plain mean.
func Vote(results []domain.InferenceResult) Tally {
	t := Tally{Participants: len(results), Agreement: make(map[string]bool, len(results))}
	if len(results) == 0 {
		return t
	}
	var sum float64
	for _, r := range results {
		if r.FaultDetected {
			t.Votes++
		}
		t.Agreement[r.Specialist] = r.FaultDetected
		sum += domain.Clamp01(r.Confidence)
	}
	t.ConsensusFault = 2*t.Votes > t.Participants
	t.AggregatedConfidence = domain.Clamp01(sum / float64(t.Participants))
	return t
}
