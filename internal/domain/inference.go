package domain

import (
	"math"
	"time"
)

// InferenceResult is one specialist's verdict on one snapshot.
type InferenceResult struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id,omitempty"`
	EquipmentID    string    `json:"equipment_id"`
	Specialist     string    `json:"specialist"`
	Domain         Category  `json:"domain"`
	Confidence     float64   `json:"confidence"`
	FaultDetected  bool      `json:"fault_detected"`
	FaultType      string    `json:"fault_type,omitempty"`
	Interpretation string    `json:"interpretation,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// EstimatorFailure records a specialist excluded from aggregation.
type EstimatorFailure struct {
	Specialist string `json:"specialist"`
	Error      string `json:"error"`
}

// Clamp01 bounds v to [0,1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ClampPercent bounds v to [0,100]. NaN maps to 0.
func ClampPercent(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
