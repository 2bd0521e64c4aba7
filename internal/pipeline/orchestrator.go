// Package pipeline runs the diagnostic workflow for one sensor snapshot:
// ingest and embed, search the fault corpus, analyze with the specialist
// ensemble, consult external tools, retrieve solutions and plan actions.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apollo-nexus/nexus/internal/domain"
	"github.com/apollo-nexus/nexus/internal/estimator"
	"github.com/apollo-nexus/nexus/internal/fusion"
	"github.com/apollo-nexus/nexus/internal/metrics"
	"github.com/apollo-nexus/nexus/internal/notify"
	"github.com/apollo-nexus/nexus/internal/remedy"
	"github.com/apollo-nexus/nexus/internal/retrieval"
	"github.com/apollo-nexus/nexus/internal/storage"
	"github.com/apollo-nexus/nexus/internal/tools"
)

// Recorder persists the audit trail of a run. *storage.Store implements it.
type Recorder interface {
	SaveEmbedding(ctx context.Context, runID, equipmentID string, vec []float32) error
	SaveInference(ctx context.Context, r domain.InferenceResult) error
	SaveAction(ctx context.Context, a domain.Action) error
	SaveRun(ctx context.Context, r storage.RunRecord) error
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// EquipmentRegistry resolves equipment metadata. Lookups are advisory.
type EquipmentRegistry interface {
	GetEquipment(ctx context.Context, id string) (domain.Equipment, error)
}

// Deps are the collaborators of an Orchestrator. Tools, Safety, Registry
// and Events are optional.
type Deps struct {
	Embedder  *retrieval.Embedder
	Patterns  retrieval.PatternIndex
	Ensemble  *estimator.Ensemble
	Safety    *fusion.Validator
	Tools     *tools.Toolbox
	Retriever *remedy.Retriever
	Planner   *remedy.Planner
	Recorder  Recorder
	Registry  EquipmentRegistry
	Events    *EventBus
	Logger    *slog.Logger
}

// Config tunes the orchestrator.
type Config struct {
	TopK          int
	SearchTimeout time.Duration
}

const (
	defaultTopK          = 10
	defaultSearchTimeout = 3 * time.Second
	alertMaxAttempts     = 5
)

// Orchestrator drives runs through the workflow state machine. Runs for
// different equipment execute concurrently; at most one run per equipment
// is in flight.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	locks  *RunLocks
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*WorkflowRun // run id -> latest checkpoint
	wg     sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator. It panics if a required
// collaborator is missing.
func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	if deps.Embedder == nil || deps.Patterns == nil || deps.Ensemble == nil ||
		deps.Retriever == nil || deps.Planner == nil || deps.Recorder == nil {
		panic("pipeline: embedder, patterns, ensemble, retriever, planner and recorder are required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = defaultSearchTimeout
	}
	if deps.Events == nil {
		deps.Events = NewEventBus(0)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		locks:  NewRunLocks(),
		logger: logger,
		active: make(map[string]*WorkflowRun),
	}
}

// Events returns the bus runs publish their lifecycle on.
func (o *Orchestrator) Events() *EventBus { return o.deps.Events }

// Start validates snap, takes the equipment's run lock and executes the
// workflow in the background. The returned channel yields the finished
// run once. ErrRunInFlight is returned when the equipment already has a
// run executing.
func (o *Orchestrator) Start(ctx context.Context, snap domain.Snapshot) (string, <-chan *WorkflowRun, error) {
	if strings.TrimSpace(snap.EquipmentID) == "" {
		return "", nil, fmt.Errorf("%w: equipment_id is required", domain.ErrInvalidSnapshot)
	}

	runID := uuid.NewString()
	if !o.locks.TryAcquire(snap.EquipmentID, runID) {
		metrics.RunsRejectedTotal.Inc()
		holder, _ := o.locks.Holder(snap.EquipmentID)
		return "", nil, fmt.Errorf("%w: %s (run %s)", domain.ErrRunInFlight, snap.EquipmentID, holder)
	}

	run := &WorkflowRun{
		ID:          runID,
		EquipmentID: snap.EquipmentID,
		State:       StateIngesting,
		Status:      StatusRunning,
		StartedAt:   time.Now().UTC(),
		Snapshot:    snap,
	}
	o.checkpoint(run)
	metrics.RunsInFlight.Inc()
	o.publish(run, EventRunStarted, "")

	done := make(chan *WorkflowRun, 1)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(ctx, &execution{run: run, snap: snap})
		done <- run
		close(done)
	}()
	return runID, done, nil
}

// Run executes the workflow and waits for it. Stage failures do not make
// Run return an error: they are reported on the returned run.
func (o *Orchestrator) Run(ctx context.Context, snap domain.Snapshot) (*WorkflowRun, error) {
	_, done, err := o.Start(ctx, snap)
	if err != nil {
		return nil, err
	}
	return <-done, nil
}

// Status returns the latest checkpoint of an in-flight run.
func (o *Orchestrator) Status(runID string) (*WorkflowRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.active[runID]
	return r, ok
}

// InFlight returns the number of runs currently executing.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Wait blocks until every started run has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// execution carries intermediate values between stages of one run.
type execution struct {
	run  *WorkflowRun
	snap domain.Snapshot
	vec  []float32
	// patterns keeps the vectors the run record strips.
	patterns []domain.PatternMatch
}

type stageOutcome struct {
	summary string
	noMatch bool
}

type stage struct {
	state    State
	fallback domain.ErrorKind
	fn       func(ctx context.Context, x *execution) (stageOutcome, error)
}

func (o *Orchestrator) stages() []stage {
	return []stage{
		{StateIngesting, domain.KindConnection, o.ingest},
		{StateSearching, domain.KindConnection, o.search},
		{StateAnalyzing, domain.KindEstimator, o.analyze},
		{StateExternalTools, domain.KindConnection, o.consultTools},
		{StateSolving, domain.KindConnection, o.solve},
		{StateActing, domain.KindConnection, o.act},
	}
}

func (o *Orchestrator) execute(ctx context.Context, x *execution) {
	logger := o.logger.With("run_id", x.run.ID, "equipment_id", x.run.EquipmentID)

	for _, st := range o.stages() {
		x.run.State = st.state
		o.checkpoint(x.run)
		o.publish(x.run, EventStateChanged, "")

		started := time.Now()
		var out stageOutcome
		err := ctx.Err()
		if err == nil {
			out, err = st.fn(ctx, x)
		}
		finished := time.Now()
		metrics.StageDuration.WithLabelValues(string(st.state)).Observe(finished.Sub(started).Seconds())

		res := StageResult{
			State:      st.state,
			Status:     StageOK,
			NoMatch:    out.noMatch,
			Summary:    out.summary,
			StartedAt:  started.UTC(),
			FinishedAt: finished.UTC(),
			DurationMs: finished.Sub(started).Milliseconds(),
		}
		if err != nil {
			se := domain.Classify(err, st.fallback)
			res.Status = StageError
			res.NoMatch = false
			res.ErrorKind = se.Kind
			res.Error = err.Error()
			x.run.Stages = append(x.run.Stages, res)
			logger.Error("workflow stage failed", "state", st.state, "kind", se.Kind, "error", err)
			o.finish(ctx, x, se, st.state)
			return
		}

		x.run.Stages = append(x.run.Stages, res)
		logger.Debug("workflow stage complete", "state", st.state, "duration_ms", res.DurationMs, "no_match", res.NoMatch)
		o.publish(x.run, EventStageComplete, "")
	}
	o.finish(ctx, x, nil, "")
}

// finish stamps the terminal state, persists the run record, releases the
// equipment lock and publishes the terminal event. The record is written
// even when ctx is done.
func (o *Orchestrator) finish(ctx context.Context, x *execution, se *domain.StageError, failed State) {
	run := x.run
	run.FinishedAt = time.Now().UTC()
	run.DurationMs = run.FinishedAt.Sub(run.StartedAt).Milliseconds()

	evType := EventRunComplete
	if se != nil {
		run.State = StateError
		run.Status = StatusError
		run.FailedState = failed
		run.ErrorKind = se.Kind
		run.Error = se.Err.Error()
		evType = EventRunError
		metrics.RunsFailedTotal.WithLabelValues(string(failed), string(se.Kind)).Inc()
	} else {
		run.State = StateComplete
		run.Status = StatusSuccess
	}
	metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()
	metrics.RunDuration.Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())

	payload, err := json.Marshal(run)
	if err != nil {
		o.logger.Error("encoding run record", "run_id", run.ID, "error", err)
	}
	rec := storage.RunRecord{
		ID:          run.ID,
		EquipmentID: run.EquipmentID,
		Status:      string(run.Status),
		State:       string(run.State),
		ErrorKind:   string(run.ErrorKind),
		Error:       run.Error,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		DurationMs:  run.DurationMs,
		Payload:     payload,
	}
	if failed != "" {
		rec.State = string(failed)
	}
	if err := o.deps.Recorder.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Error("saving run record", "run_id", run.ID, "error", err)
	}

	o.mu.Lock()
	delete(o.active, run.ID)
	o.mu.Unlock()
	o.locks.Release(run.EquipmentID, run.ID)
	metrics.RunsInFlight.Dec()

	o.logger.Info("workflow run finished",
		"run_id", run.ID,
		"equipment_id", run.EquipmentID,
		"status", run.Status,
		"duration_ms", run.DurationMs,
	)
	o.publish(run, evType, run.Error)
}

// checkpoint stores a copy of run for Status readers.
func (o *Orchestrator) checkpoint(run *WorkflowRun) {
	cp := *run
	cp.Stages = append([]StageResult(nil), run.Stages...)
	o.mu.Lock()
	o.active[run.ID] = &cp
	o.mu.Unlock()
}

func (o *Orchestrator) publish(run *WorkflowRun, t EventType, errMsg string) {
	ev := Event{
		Type:        t,
		RunID:       run.ID,
		EquipmentID: run.EquipmentID,
		State:       run.State,
		Error:       errMsg,
		Time:        time.Now().UTC(),
	}
	if t.Terminal() {
		ev.Run = run
	}
	o.deps.Events.Publish(ev)
}

// --- Stages ---

func (o *Orchestrator) ingest(ctx context.Context, x *execution) (stageOutcome, error) {
	snap, quality := domain.Sanitize(x.snap)
	if snap.Timestamp.IsZero() {
		snap.Timestamp = x.run.StartedAt
	}
	x.snap = snap
	x.run.Snapshot = snap
	x.run.Input = quality
	x.run.Reduced = quality.Reduced()

	if o.deps.Registry != nil {
		eq, err := o.deps.Registry.GetEquipment(ctx, snap.EquipmentID)
		switch {
		case err == nil:
			x.run.Equipment = &eq
		case errors.Is(err, domain.ErrNotFound):
		default:
			o.logger.Warn("equipment lookup failed", "equipment_id", snap.EquipmentID, "error", err)
		}
	}

	x.vec = o.deps.Embedder.Embed(snap)
	x.run.EmbeddingDim = len(x.vec)
	if err := o.deps.Recorder.SaveEmbedding(ctx, x.run.ID, snap.EquipmentID, x.vec); err != nil {
		return stageOutcome{}, fmt.Errorf("saving embedding: %w", err)
	}

	out := stageOutcome{summary: fmt.Sprintf("embedded %d readings", len(snap.Readings))}
	if x.run.Reduced {
		out.summary += fmt.Sprintf(", reduced confidence (%d missing, %d invalid)", len(quality.Missing), len(quality.Invalid))
	}
	return out, nil
}

func (o *Orchestrator) search(ctx context.Context, x *execution) (stageOutcome, error) {
	qctx, cancel := context.WithTimeout(ctx, o.cfg.SearchTimeout)
	defer cancel()

	matches, err := o.deps.Patterns.Query(qctx, x.vec, "", o.cfg.TopK)
	if err != nil {
		return stageOutcome{}, fmt.Errorf("querying fault patterns: %w", err)
	}
	x.patterns = matches
	x.run.Matches = stripPatternVectors(matches)

	if len(matches) == 0 {
		return stageOutcome{summary: "no matching fault patterns", noMatch: true}, nil
	}
	return stageOutcome{summary: fmt.Sprintf("%d patterns, top %s at %.3f", len(matches), matches[0].Pattern.Name, matches[0].Distance)}, nil
}

func (o *Orchestrator) analyze(ctx context.Context, x *execution) (stageOutcome, error) {
	outcome, err := o.deps.Ensemble.Run(ctx, estimator.Input{
		Snapshot: x.snap,
		Patterns: x.patterns,
		Reduced:  x.run.Reduced,
	})
	for i := range outcome.Results {
		outcome.Results[i].RunID = x.run.ID
	}
	x.run.Selected = outcome.Selected
	x.run.Inferences = outcome.Results
	x.run.Failures = outcome.Failures
	for _, f := range outcome.Failures {
		metrics.EstimatorFailuresTotal.WithLabelValues(f.Specialist).Inc()
	}
	if err != nil {
		return stageOutcome{}, err
	}

	for _, r := range outcome.Results {
		if err := o.deps.Recorder.SaveInference(ctx, r); err != nil {
			return stageOutcome{}, fmt.Errorf("saving inference %s: %w", r.Specialist, err)
		}
	}

	consensus := fusion.Fuse(outcome.Results, x.patterns, o.deps.Safety)
	x.run.Consensus = &consensus
	for _, rule := range consensus.SafetyRules {
		metrics.SafetyRulesFiredTotal.WithLabelValues(rule).Inc()
	}

	return stageOutcome{summary: consensus.Diagnosis}, nil
}

func (o *Orchestrator) consultTools(ctx context.Context, x *execution) (stageOutcome, error) {
	faults := x.run.Consensus.Faults
	if len(faults) == 0 || o.deps.Tools == nil {
		return stageOutcome{summary: "no tools consulted", noMatch: true}, nil
	}
	reports, err := o.deps.Tools.Gather(ctx, x.run.EquipmentID, faults)
	if err != nil {
		return stageOutcome{}, err
	}
	x.run.Tools = reports

	failed := 0
	for _, r := range reports {
		if len(r.Errors) > 0 {
			failed++
		}
	}
	return stageOutcome{summary: fmt.Sprintf("%d faults, %d with tool errors", len(reports), failed)}, nil
}

func (o *Orchestrator) solve(ctx context.Context, x *execution) (stageOutcome, error) {
	recs, err := o.deps.Retriever.Recommend(ctx, x.run.Consensus.Faults)
	if err != nil {
		return stageOutcome{}, err
	}
	x.run.Recommendations = stripSolutionVectors(recs)

	total := 0
	for _, r := range recs {
		total += len(r.Candidates)
	}
	if total == 0 {
		return stageOutcome{summary: "no solutions found", noMatch: true}, nil
	}
	return stageOutcome{summary: fmt.Sprintf("%d candidates for %d faults", total, len(recs))}, nil
}

func (o *Orchestrator) act(ctx context.Context, x *execution) (stageOutcome, error) {
	consensus := *x.run.Consensus
	actions := o.deps.Planner.Plan(x.run.ID, x.run.EquipmentID, consensus, x.run.Recommendations, x.run.Tools)
	x.run.Actions = actions

	for _, a := range actions {
		if err := o.deps.Recorder.SaveAction(ctx, a); err != nil {
			return stageOutcome{}, fmt.Errorf("saving action %s: %w", a.Type, err)
		}
		metrics.ActionsPlannedTotal.WithLabelValues(string(a.Type), string(a.Priority)).Inc()
		if a.Type != domain.ActionAlert || a.Status == domain.StatusPendingApproval {
			continue
		}
		if err := o.enqueueAlert(ctx, a, consensus.Diagnosis); err != nil {
			return stageOutcome{}, err
		}
	}

	if len(actions) == 0 {
		return stageOutcome{summary: "no actions", noMatch: true}, nil
	}
	return stageOutcome{summary: fmt.Sprintf("%d actions planned", len(actions))}, nil
}

func (o *Orchestrator) enqueueAlert(ctx context.Context, a domain.Action, diagnosis string) error {
	payload, err := json.Marshal(notify.AlertFromAction(a, diagnosis))
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	err = o.deps.Recorder.EnqueueJob(ctx, storage.Job{
		ID:          uuid.NewString(),
		Type:        notify.JobType,
		PayloadJSON: string(payload),
		MaxAttempts: alertMaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("queueing alert %s: %w", a.ID, err)
	}
	return nil
}

func stripPatternVectors(in []domain.PatternMatch) []domain.PatternMatch {
	out := make([]domain.PatternMatch, len(in))
	for i, m := range in {
		m.Pattern.Vector = nil
		out[i] = m
	}
	return out
}

func stripSolutionVectors(in []domain.Recommendation) []domain.Recommendation {
	out := make([]domain.Recommendation, len(in))
	for i, r := range in {
		cands := make([]domain.SolutionMatch, len(r.Candidates))
		for j, c := range r.Candidates {
			c.Solution.Vector = nil
			cands[j] = c
		}
		r.Candidates = cands
		out[i] = r
	}
	return out
}
