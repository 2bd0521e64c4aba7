package remedy

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/apollo-nexus/nexus/internal/domain"
	"github.com/apollo-nexus/nexus/internal/tools"
)

// MaxSetpointDelta bounds energy adjustments, in degrees.
const MaxSetpointDelta = 2.0

var (
	highKeywords       = []string{"critical", "electrical", "overcurrent", "overload", "safety", "refrigerant_leak"}
	efficiencyKeywords = []string{"efficiency", "energy", "setpoint", "economizer"}
)

// Planner converts recommendations into actions.
type Planner struct {
	// SuccessThreshold is the success rate (0-100) a solution must exceed
	// to become a maintenance request.
	SuccessThreshold float64
	// SetpointDelta is the energy adjustment proposed for efficiency faults.
	SetpointDelta float64
	Now           func() time.Time
}

// NewPlanner creates a Planner. delta is clamped to ±MaxSetpointDelta.
func NewPlanner(successThreshold, delta float64) *Planner {
	return &Planner{
		SuccessThreshold: successThreshold,
		SetpointDelta:    math.Max(-MaxSetpointDelta, math.Min(MaxSetpointDelta, delta)),
		Now:              time.Now,
	}
}

// Plan emits, per fault: one alert, a maintenance request when a candidate
// clears the success threshold, and an energy adjustment for efficiency
// faults. Actions blocked by the safety gate are emitted as
// pending_approval. No faults means no actions.
func (p *Planner) Plan(runID, equipmentID string, c domain.ConsensusResult, recs []domain.Recommendation, reports []tools.Report) []domain.Action {
	clock := time.Now
	if p.Now != nil {
		clock = p.Now
	}
	now := clock().UTC()
	tickets := make(map[string]*tools.Ticket, len(reports))
	for _, rep := range reports {
		if rep.Ticket != nil {
			tickets[rep.FaultType] = rep.Ticket
		}
	}

	var actions []domain.Action
	add := func(a domain.Action) {
		a.ID = uuid.New().String()
		a.RunID = runID
		a.EquipmentID = equipmentID
		a.CreatedAt = now
		if c.Blocks(a.Type) {
			a.Status = domain.StatusPendingApproval
		}
		actions = append(actions, a)
	}

	for _, rec := range recs {
		f := rec.Fault
		prio := Priority(f)

		if best, ok := p.bestCandidate(rec.Candidates); ok {
			a := domain.Action{
				Type:       domain.ActionMaintenanceRequest,
				Priority:   prio,
				FaultType:  f.Type,
				Status:     domain.StatusPendingApproval,
				SolutionID: best.Solution.ID,
				Description: fmt.Sprintf("Repair %s: %s (success rate %.0f%%, ~%.1fh)",
					f.Type, best.Solution.Text, best.Solution.SuccessRate, best.Solution.AvgRepairHours),
			}
			if tk, ok := tickets[f.Type]; ok {
				a.Status = domain.StatusScheduled
				a.TicketID = tk.ID
			}
			add(a)
		}

		alertPrio := prio
		if f.Severity >= 4 {
			alertPrio = domain.PriorityHigh
		}
		add(domain.Action{
			Type:      domain.ActionAlert,
			Priority:  alertPrio,
			FaultType: f.Type,
			Status:    domain.StatusSent,
			Description: fmt.Sprintf("%s fault on %s: %s (severity %d, confidence %.0f%%)",
				titleDomain(f.Domain), equipmentID, f.Type, f.Severity, f.Confidence*100),
		})

		if IsEfficiencyFault(f) && p.SetpointDelta != 0 {
			add(domain.Action{
				Type:          domain.ActionEnergyAdjustment,
				Priority:      domain.PriorityLow,
				FaultType:     f.Type,
				Status:        domain.StatusScheduled,
				SetpointDelta: p.SetpointDelta,
				Description:   fmt.Sprintf("Adjust cooling setpoint by %+.1f° to offset %s", p.SetpointDelta, f.Type),
			})
		}
	}
	return actions
}

func (p *Planner) bestCandidate(cands []domain.SolutionMatch) (domain.SolutionMatch, bool) {
	for _, c := range cands {
		if c.Solution.SuccessRate > p.SuccessThreshold {
			return c, true
		}
	}
	return domain.SolutionMatch{}, false
}

// Priority derives a maintenance priority from the fault's type and domain.
func Priority(f domain.Fault) domain.Priority {
	ft := strings.ToLower(f.Type)
	if f.Domain == domain.CategoryElectrical || containsAny(ft, highKeywords) {
		return domain.PriorityHigh
	}
	if f.Domain == domain.CategoryEnergy || containsAny(ft, efficiencyKeywords) {
		return domain.PriorityLow
	}
	return domain.PriorityMedium
}

// IsEfficiencyFault reports whether the fault is an efficiency-class issue.
func IsEfficiencyFault(f domain.Fault) bool {
	return f.Domain == domain.CategoryEnergy || containsAny(strings.ToLower(f.Type), efficiencyKeywords)
}

func containsAny(s string, kws []string) bool {
	for _, kw := range kws {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func titleDomain(c domain.Category) string {
	s := strings.ReplaceAll(string(c), "_", "/")
	if s == "" {
		return "Unclassified"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
