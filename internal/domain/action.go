package domain

import "time"

// ActionType is the kind of remediation action.
type ActionType string

const (
	ActionMaintenanceRequest ActionType = "maintenance_request"
	ActionAlert              ActionType = "alert"
	ActionEnergyAdjustment   ActionType = "energy_adjustment"
)

// Priority orders actions for the operator.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ActionStatus is set once at creation.
type ActionStatus string

const (
	StatusScheduled       ActionStatus = "scheduled"
	StatusSent            ActionStatus = "sent"
	StatusPendingApproval ActionStatus = "pending_approval"
)

// Action is a planned remediation step. Actions are never mutated after
// planning.
type Action struct {
	ID            string       `json:"id"`
	RunID         string       `json:"run_id"`
	EquipmentID   string       `json:"equipment_id"`
	Type          ActionType   `json:"type"`
	Priority      Priority     `json:"priority"`
	Description   string       `json:"description"`
	Status        ActionStatus `json:"status"`
	FaultType     string       `json:"fault_type"`
	SolutionID    int64        `json:"solution_id,omitempty"`
	TicketID      string       `json:"ticket_id,omitempty"`
	SetpointDelta float64      `json:"setpoint_delta,omitempty"` // degrees C
	CreatedAt     time.Time    `json:"created_at"`
}
