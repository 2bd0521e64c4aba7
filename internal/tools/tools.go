// Package tools defines the external collaborators consulted between
// analysis and solution retrieval: maintenance scheduling, parts inventory
// and cost estimation.
package tools

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apollo-nexus/nexus/internal/domain"
)

// Ticket is a maintenance booking.
type Ticket struct {
	ID  string    `json:"id"`
	ETA time.Time `json:"eta"`
}

// Availability is the stock position of the parts a fault usually needs.
type Availability struct {
	InStock  bool          `json:"in_stock"`
	LeadTime time.Duration `json:"lead_time"`
	Parts    []string      `json:"parts,omitempty"`
}

// Cost is the expected repair cost of a fault in USD.
type Cost struct {
	Parts float64 `json:"parts"`
	Labor float64 `json:"labor"`
	Total float64 `json:"total"`
}

// MaintenanceScheduler books technician time for a fault.
type MaintenanceScheduler interface {
	Schedule(ctx context.Context, equipmentID string, f domain.Fault) (Ticket, error)
}

// PartsInventory reports part availability per fault type.
type PartsInventory interface {
	Lookup(ctx context.Context, faultType string) (Availability, error)
}

// CostEstimator prices the repair of a fault.
type CostEstimator interface {
	Estimate(ctx context.Context, f domain.Fault) (Cost, error)
}

// Report is what the tools returned for one fault. Errors from individual
// collaborators are kept as strings next to the data that did arrive.
type Report struct {
	FaultType    string        `json:"fault_type"`
	Ticket       *Ticket       `json:"ticket,omitempty"`
	Availability *Availability `json:"availability,omitempty"`
	Cost         *Cost         `json:"cost,omitempty"`
	Errors       []string      `json:"errors,omitempty"`
}

// Toolbox fans the three collaborators out per fault. Nil collaborators
// are skipped.
type Toolbox struct {
	Scheduler MaintenanceScheduler
	Inventory PartsInventory
	Costs     CostEstimator
	Logger    *slog.Logger
}

// Gather consults every collaborator for every fault. Collaborator errors
// are recorded on the report; only a done context fails the call.
func (t *Toolbox) Gather(ctx context.Context, equipmentID string, faults []domain.Fault) ([]Report, error) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reports := make([]Report, len(faults))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, f := range faults {
		reports[i].FaultType = f.Type
		g.Go(func() error {
			reports[i] = t.gatherOne(gCtx, logger, equipmentID, f)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return reports, err
	}
	return reports, nil
}

func (t *Toolbox) gatherOne(ctx context.Context, logger *slog.Logger, equipmentID string, f domain.Fault) Report {
	rep := Report{FaultType: f.Type}
	record := func(tool string, err error) {
		rep.Errors = append(rep.Errors, tool+": "+err.Error())
		logger.Warn("tool call failed", "tool", tool, "equipment_id", equipmentID, "fault_type", f.Type, "error", err)
	}

	if t.Scheduler != nil {
		if tk, err := t.Scheduler.Schedule(ctx, equipmentID, f); err != nil {
			record("scheduler", err)
		} else {
			rep.Ticket = &tk
		}
	}
	if t.Inventory != nil {
		if av, err := t.Inventory.Lookup(ctx, f.Type); err != nil {
			record("inventory", err)
		} else {
			rep.Availability = &av
		}
	}
	if t.Costs != nil {
		if c, err := t.Costs.Estimate(ctx, f); err != nil {
			record("costs", err)
		} else {
			rep.Cost = &c
		}
	}
	return rep
}
