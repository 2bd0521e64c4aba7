package domain

import "time"

// SolutionRecord is a remediation in the solution corpus.
type SolutionRecord struct {
	ID             int64     `json:"id"`
	FaultType      string    `json:"fault_type"`
	Text           string    `json:"text"`
	Vector         []float32 `json:"vector,omitempty"`
	SuccessRate    float64   `json:"success_rate"` // 0-100
	AvgRepairHours float64   `json:"avg_repair_hours"`
	Parts          []string  `json:"parts"`
	CreatedAt      time.Time `json:"created_at"`
}

// SolutionMatch is a solution with its distance to the fault query vector.
type SolutionMatch struct {
	Solution SolutionRecord `json:"solution"`
	Distance float64        `json:"distance"`
}

// Recommendation groups ranked solution candidates for one fault. An empty
// Candidates list means the corpus had no entry for the fault type.
type Recommendation struct {
	Fault      Fault           `json:"fault"`
	Candidates []SolutionMatch `json:"candidates"`
}
