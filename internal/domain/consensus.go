package domain

// Fault is one diagnosed fault in the fused result.
type Fault struct {
	Type        string   `json:"type"`
	Domain      Category `json:"domain"`
	Severity    int      `json:"severity"`
	Confidence  float64  `json:"confidence"`
	Specialists []string `json:"specialists"`
}

// ConsensusResult is the single fused diagnosis of a run.
type ConsensusResult struct {
	Faults               []Fault         `json:"faults"`
	Votes                int             `json:"votes"`
	Participants         int             `json:"participants"`
	ConsensusFault       bool            `json:"consensus_fault"`
	AgreementRatio       float64         `json:"agreement_ratio"`
	SpecialistAgreement  map[string]bool `json:"specialist_agreement"`
	AggregatedConfidence float64         `json:"aggregated_confidence"`
	Diagnosis            string          `json:"diagnosis"`
	SafetyOverride       bool            `json:"safety_override"`
	SafetyRules          []string        `json:"safety_rules,omitempty"`
	BlockedActions       []ActionType    `json:"blocked_actions,omitempty"`
}

// Blocks reports whether the safety gate blocked the given action type.
func (c ConsensusResult) Blocks(t ActionType) bool {
	for _, b := range c.BlockedActions {
		if b == t {
			return true
		}
	}
	return false
}
