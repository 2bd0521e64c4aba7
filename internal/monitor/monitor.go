// Package monitor periodically re-diagnoses the latest snapshot of every
// known equipment unit.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/apollo-nexus/nexus/internal/domain"
	"github.com/apollo-nexus/nexus/internal/metrics"
	"github.com/apollo-nexus/nexus/internal/pipeline"
)

// SnapshotSource returns the most recent snapshot per equipment.
type SnapshotSource interface {
	LatestSnapshots(ctx context.Context) ([]domain.Snapshot, error)
}

// Trigger starts a workflow run. *pipeline.Orchestrator implements it.
type Trigger interface {
	Start(ctx context.Context, snap domain.Snapshot) (string, <-chan *pipeline.WorkflowRun, error)
}

// Result counts the outcomes of one sweep.
type Result struct {
	Started int
	Skipped int
	Failed  int
}

// Monitor re-triggers runs on a fixed interval. Equipment whose previous
// run is still in flight is skipped, and triggers are spaced by a token
// bucket so a large fleet does not start every run at once.
type Monitor struct {
	source   SnapshotSource
	trigger  Trigger
	interval time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// New creates a Monitor. perSecond <= 0 disables rate limiting.
func New(source SnapshotSource, trigger Trigger, interval time.Duration, perSecond float64) *Monitor {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Monitor{
		source:   source,
		trigger:  trigger,
		interval: interval,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   slog.Default(),
	}
}

// Run sweeps every interval until ctx is cancelled. A non-positive
// interval disables the monitor.
func (m *Monitor) Run(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	m.logger.Info("monitor started", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := m.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				m.logger.Error("monitor sweep failed", "error", err)
				continue
			}
			m.logger.Debug("monitor sweep", "started", res.Started, "skipped", res.Skipped, "failed", res.Failed)
		}
	}
}

// Sweep triggers one run per latest snapshot.
func (m *Monitor) Sweep(ctx context.Context) (Result, error) {
	var res Result
	snaps, err := m.source.LatestSnapshots(ctx)
	if err != nil {
		return res, err
	}

	for _, snap := range snaps {
		if err := m.limiter.Wait(ctx); err != nil {
			return res, err
		}
		runID, _, err := m.trigger.Start(ctx, snap)
		switch {
		case err == nil:
			res.Started++
			metrics.MonitorTriggersTotal.WithLabelValues("started").Inc()
			m.logger.Debug("monitor triggered run", "equipment_id", snap.EquipmentID, "run_id", runID)
		case errors.Is(err, domain.ErrRunInFlight):
			res.Skipped++
			metrics.MonitorTriggersTotal.WithLabelValues("skipped").Inc()
		default:
			res.Failed++
			metrics.MonitorTriggersTotal.WithLabelValues("failed").Inc()
			m.logger.Warn("monitor trigger failed", "equipment_id", snap.EquipmentID, "error", err)
		}
	}
	return res, nil
}
