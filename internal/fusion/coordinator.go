package fusion

import (
	"fmt"
	"sort"

	"github.com/apollo-nexus/nexus/internal/domain"
)

// defaultSeverity applies when no retrieved pattern informs a fault.
const defaultSeverity = 3

// Fuse runs vote, safety gate and coordination over one run's results.
// A nil validator is a pass-through gate.
func Fuse(results []domain.InferenceResult, patterns []domain.PatternMatch, v *Validator) domain.ConsensusResult {
	var verdict Verdict
	if v != nil {
		verdict = v.Evaluate(results)
	}
	return Coordinate(results, patterns, Vote(results), verdict)
}

// Coordinate assembles the final diagnosis. Faults are listed only when the
// vote declared one or a force_fault rule fired.
func Coordinate(results []domain.InferenceResult, patterns []domain.PatternMatch, tally Tally, verdict Verdict) domain.ConsensusResult {
	out := domain.ConsensusResult{
		Votes:                tally.Votes,
		Participants:         tally.Participants,
		ConsensusFault:       tally.ConsensusFault,
		AgreementRatio:       tally.AgreementRatio(),
		SpecialistAgreement:  tally.Agreement,
		AggregatedConfidence: tally.AggregatedConfidence,
		SafetyOverride:       verdict.Fired(),
	}

	if tally.ConsensusFault {
		out.Faults = votedFaults(results, patterns)
	}

	override := ""
	for _, f := range verdict.Firings {
		out.SafetyRules = append(out.SafetyRules, f.Rule.Name)
		for _, b := range f.Rule.Block {
			if !out.Blocks(b) {
				out.BlockedActions = append(out.BlockedActions, b)
			}
		}
		if f.Rule.ForceFault {
			out.Faults = forceFault(out.Faults, f.Trigger, patterns)
		}
		if f.Rule.RaiseSeverity > 0 {
			for i := range out.Faults {
				if out.Faults[i].Domain == f.Trigger.Domain && out.Faults[i].Severity < f.Rule.RaiseSeverity {
					out.Faults[i].Severity = f.Rule.RaiseSeverity
				}
			}
		}
		if override == "" && f.Rule.Diagnosis != "" {
			override = f.Rule.Diagnosis
		}
	}
	sortFaults(out.Faults)

	if override != "" {
		out.Diagnosis = override
	} else {
		out.Diagnosis = diagnosis(out, tally)
	}
	return out
}

func diagnosis(c domain.ConsensusResult, t Tally) string {
	switch {
	case len(c.Faults) > 0:
		return fmt.Sprintf("FAULT DETECTED: %s (%d/%d specialists agree)", c.Faults[0].Type, t.Votes, t.Participants)
	case t.Participants == 0:
		return "Unable to complete diagnosis"
	case t.AgreementRatio() > 0.3:
		return fmt.Sprintf("Potential issue detected - monitoring recommended (%d/%d specialists reported a fault)", t.Votes, t.Participants)
	default:
		return fmt.Sprintf("System operating normally (%d/%d specialists reported a fault)", t.Votes, t.Participants)
	}
}

// votedFaults groups fault-reporting results by fault type.
func votedFaults(results []domain.InferenceResult, patterns []domain.PatternMatch) []domain.Fault {
	byType := make(map[string]*domain.Fault)
	var order []string
	sums := make(map[string]float64)
	for _, r := range results {
		if !r.FaultDetected {
			continue
		}
		ft := faultType(r)
		f, ok := byType[ft]
		if !ok {
			f = &domain.Fault{Type: ft, Domain: r.Domain}
			byType[ft] = f
			order = append(order, ft)
		}
		f.Specialists = append(f.Specialists, r.Specialist)
		sums[ft] += r.Confidence
	}

	out := make([]domain.Fault, 0, len(order))
	for _, ft := range order {
		f := byType[ft]
		f.Confidence = domain.Clamp01(sums[ft] / float64(len(f.Specialists)))
		f.Severity = severityFor(f.Type, f.Domain, patterns)
		out = append(out, *f)
	}
	return out
}

func forceFault(faults []domain.Fault, trigger domain.InferenceResult, patterns []domain.PatternMatch) []domain.Fault {
	for _, f := range faults {
		if f.Domain == trigger.Domain {
			return faults
		}
	}
	ft := faultType(trigger)
	return append(faults, domain.Fault{
		Type:        ft,
		Domain:      trigger.Domain,
		Severity:    severityFor(ft, trigger.Domain, patterns),
		Confidence:  domain.Clamp01(trigger.Confidence),
		Specialists: []string{trigger.Specialist},
	})
}

func faultType(r domain.InferenceResult) string {
	if r.FaultType != "" {
		return r.FaultType
	}
	return string(r.Domain) + "_anomaly"
}

// severityFor takes the severity of the closest retrieved pattern with the
// same name, else the closest one in the same domain.
func severityFor(faultType string, dom domain.Category, patterns []domain.PatternMatch) int {
	for _, m := range patterns {
		if m.Pattern.Name == faultType {
			return domain.ClampSeverity(m.Pattern.Severity)
		}
	}
	for _, m := range patterns {
		if m.Pattern.Domain == dom {
			return domain.ClampSeverity(m.Pattern.Severity)
		}
	}
	return defaultSeverity
}

// sortFaults orders by severity, then confidence, then type.
func sortFaults(faults []domain.Fault) {
	sort.SliceStable(faults, func(i, j int) bool {
		a, b := faults[i], faults[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Type < b.Type
	})
}
