package tools

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/apollo-nexus/nexus/internal/domain"
)

// SimulatedScheduler books tickets with an ETA that shrinks with severity.
type SimulatedScheduler struct {
	Now func() time.Time
	seq atomic.Int64
}

func (s *SimulatedScheduler) Schedule(ctx context.Context, equipmentID string, f domain.Fault) (Ticket, error) {
	if err := ctx.Err(); err != nil {
		return Ticket{}, err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	n := s.seq.Add(1)
	hours := 72 - 12*domain.ClampSeverity(f.Severity)
	return Ticket{
		ID:  fmt.Sprintf("MT-%s-%04d", equipmentID, n),
		ETA: now().Add(time.Duration(hours) * time.Hour).UTC(),
	}, nil
}

// StaticInventory answers from a fixed table keyed by fault-type keyword.
// Unknown fault types are reported as in stock with no parts listed.
type StaticInventory map[string]Availability

// DefaultInventory is the simulated parts table.
var DefaultInventory = StaticInventory{
	"compressor": {InStock: false, LeadTime: 72 * time.Hour, Parts: []string{"compressor contactor", "start capacitor"}},
	"fan":        {InStock: true, LeadTime: 0, Parts: []string{"fan motor", "belt"}},
	"filter":     {InStock: true, LeadTime: 0, Parts: []string{"MERV 13 filter set"}},
	"refrigerant": {InStock: true, LeadTime: 24 * time.Hour,
		Parts: []string{"R-410A refrigerant", "filter drier"}},
	"damper": {InStock: false, LeadTime: 48 * time.Hour, Parts: []string{"damper actuator"}},
	"valve":  {InStock: false, LeadTime: 48 * time.Hour, Parts: []string{"valve actuator"}},
}

func (s StaticInventory) Lookup(ctx context.Context, faultType string) (Availability, error) {
	if err := ctx.Err(); err != nil {
		return Availability{}, err
	}
	ft := strings.ToLower(faultType)
	best := ""
	for kw := range s {
		if strings.Contains(ft, kw) && len(kw) > len(best) {
			best = kw
		}
	}
	if best == "" {
		return Availability{InStock: true}, nil
	}
	return s[best], nil
}

// RateCostEstimator prices repairs from severity with a flat labor rate.
type RateCostEstimator struct {
	LaborRate float64 // USD per hour
}

func (e RateCostEstimator) Estimate(ctx context.Context, f domain.Fault) (Cost, error) {
	if err := ctx.Err(); err != nil {
		return Cost{}, err
	}
	rate := e.LaborRate
	if rate <= 0 {
		rate = 95
	}
	sev := float64(domain.ClampSeverity(f.Severity))
	parts := 150 * sev
	labor := rate * (1 + sev)
	return Cost{Parts: parts, Labor: labor, Total: parts + labor}, nil
}

// Simulated returns a Toolbox wired to the simulated collaborators.
func Simulated() *Toolbox {
	return &Toolbox{
		Scheduler: &SimulatedScheduler{},
		Inventory: DefaultInventory,
		Costs:     RateCostEstimator{},
	}
}
