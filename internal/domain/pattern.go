package domain

import "time"

// FaultPattern is a historical fault signature in the pattern corpus.
type FaultPattern struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Domain       Category  `json:"domain"`
	Severity     int       `json:"severity"`      // 1 (minor) to 5 (critical)
	CostImpact   float64   `json:"cost_impact"`   // USD
	EnergyImpact float64   `json:"energy_impact"` // percent efficiency loss
	Vector       []float32 `json:"vector,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// PatternMatch is a corpus pattern with its cosine distance to a query.
type PatternMatch struct {
	Pattern  FaultPattern `json:"pattern"`
	Distance float64      `json:"distance"`
}

// ClampSeverity bounds a severity to 1..5.
func ClampSeverity(s int) int {
	if s < 1 {
		return 1
	}
	if s > 5 {
		return 5
	}
	return s
}
