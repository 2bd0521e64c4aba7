package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/apollo-nexus/nexus/internal/domain"
	"github.com/apollo-nexus/nexus/internal/estimator"
	"github.com/apollo-nexus/nexus/internal/fusion"
	"github.com/apollo-nexus/nexus/internal/remedy"
	"github.com/apollo-nexus/nexus/internal/retrieval"
	"github.com/apollo-nexus/nexus/internal/storage"
	"github.com/apollo-nexus/nexus/internal/tools"
)

const (
	testDim     = 32
	testTextDim = 24
)

// fakeEstimator returns a canned result or error.
type fakeEstimator struct {
	name       string
	domain     domain.Category
	estimateFn func(ctx context.Context, in estimator.Input) (domain.InferenceResult, error)
}

func (f *fakeEstimator) Name() string            { return f.name }
func (f *fakeEstimator) Domain() domain.Category { return f.domain }
func (f *fakeEstimator) Categories() []domain.Category {
	return []domain.Category{f.domain}
}
func (f *fakeEstimator) Estimate(ctx context.Context, in estimator.Input) (domain.InferenceResult, error) {
	return f.estimateFn(ctx, in)
}

func reporting(name string, cat domain.Category, conf float64, faultType string) *fakeEstimator {
	return &fakeEstimator{name: name, domain: cat,
		estimateFn: func(context.Context, estimator.Input) (domain.InferenceResult, error) {
			return domain.InferenceResult{Confidence: conf, FaultDetected: faultType != "", FaultType: faultType}, nil
		},
	}
}

func broken(name string, cat domain.Category) *fakeEstimator {
	return &fakeEstimator{name: name, domain: cat,
		estimateFn: func(context.Context, estimator.Input) (domain.InferenceResult, error) {
			return domain.InferenceResult{}, errors.New("model offline")
		},
	}
}

// gated blocks until gate is closed.
func gated(name string, cat domain.Category, gate <-chan struct{}) *fakeEstimator {
	return &fakeEstimator{name: name, domain: cat,
		estimateFn: func(ctx context.Context, _ estimator.Input) (domain.InferenceResult, error) {
			select {
			case <-gate:
				return domain.InferenceResult{Confidence: 0.1}, nil
			case <-ctx.Done():
				return domain.InferenceResult{}, ctx.Err()
			}
		},
	}
}

// blockingPatterns never answers before ctx is done.
type blockingPatterns struct{}

func (blockingPatterns) Query(ctx context.Context, _ []float32, _ domain.Category, _ int) ([]domain.PatternMatch, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (blockingPatterns) Insert(context.Context, domain.FaultPattern) (int64, error) { return 0, nil }
func (blockingPatterns) Count(context.Context) (int, error)                         { return 0, nil }

type harness struct {
	store     *storage.Store
	embedder  *retrieval.Embedder
	text      *retrieval.TextEmbedder
	patterns  *retrieval.SQLitePatternIndex
	solutions *retrieval.SQLiteSolutionIndex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return &harness{
		store:     store,
		embedder:  retrieval.NewEmbedder(testDim),
		text:      retrieval.NewTextEmbedder(testTextDim),
		patterns:  retrieval.NewSQLitePatternIndex(store.DB()),
		solutions: retrieval.NewSQLiteSolutionIndex(store.DB()),
	}
}

func (h *harness) orchestrator(t *testing.T, ens *estimator.Ensemble, mutate ...func(*Deps, *Config)) *Orchestrator {
	t.Helper()
	deps := Deps{
		Embedder:  h.embedder,
		Patterns:  h.patterns,
		Ensemble:  ens,
		Tools:     tools.Simulated(),
		Retriever: remedy.NewRetriever(h.solutions, h.text, 3, time.Second),
		Planner:   remedy.NewPlanner(70, 1),
		Recorder:  h.store,
		Registry:  h.store,
	}
	cfg := Config{TopK: 5, SearchTimeout: time.Second}
	for _, m := range mutate {
		m(&deps, &cfg)
	}
	return NewOrchestrator(deps, cfg)
}

func (h *harness) seedPattern(t *testing.T, name string, dom domain.Category, severity int, vec []float32) {
	t.Helper()
	_, err := h.patterns.Insert(context.Background(), domain.FaultPattern{Name: name, Domain: dom, Severity: severity, Vector: vec})
	if err != nil {
		t.Fatalf("seeding pattern %s: %v", name, err)
	}
}

func (h *harness) seedSolution(t *testing.T, faultType, text string, rate float64) {
	t.Helper()
	_, err := h.solutions.Insert(context.Background(), domain.SolutionRecord{
		FaultType:   faultType,
		Text:        text,
		Vector:      h.text.Embed(faultType, text),
		SuccessRate: rate,
	})
	if err != nil {
		t.Fatalf("seeding solution %s: %v", faultType, err)
	}
}

func mustEnsemble(t *testing.T, ests ...estimator.Estimator) *estimator.Ensemble {
	t.Helper()
	ens, err := estimator.NewEnsemble(estimator.Apollo, ests, estimator.WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewEnsemble: %v", err)
	}
	return ens
}

func overcurrentSnapshot(equipmentID string) domain.Snapshot {
	return domain.Snapshot{
		EquipmentID: equipmentID,
		Timestamp:   time.Date(2024, 7, 1, 14, 0, 0, 0, time.UTC),
		Readings: map[string]float64{
			"compressor_current":  38.5,
			"supply_air_temp":     58,
			"supply_air_pressure": 1.2,
			"supply_air_flow":     1800,
		},
	}
}

func countActions(actions []domain.Action, typ domain.ActionType) int {
	n := 0
	for _, a := range actions {
		if a.Type == typ {
			n++
		}
	}
	return n
}

func TestRun_CompressorOvercurrent(t *testing.T) {
	h := newHarness(t)
	snap := overcurrentSnapshot("AHU-1")
	sanitized, _ := domain.Sanitize(snap)
	h.seedPattern(t, "compressor_overcurrent", domain.CategoryElectrical, 5, h.embedder.Embed(sanitized))
	h.seedPattern(t, "dirty_filter", domain.CategoryPressure, 2, h.embedder.Fallback())
	h.seedSolution(t, "compressor_overcurrent", "Replace compressor contactor and check capacitor", 85)

	ens := mustEnsemble(t,
		reporting(estimator.Apollo, domain.CategorySystem, 0.9, "compressor_overcurrent"),
		reporting(estimator.Aquilo, domain.CategoryElectrical, 0.85, "compressor_overcurrent"),
		reporting(estimator.Boreas, domain.CategoryThermal, 0.3, "cooling_capacity_loss"),
		reporting(estimator.Vulcan, domain.CategoryPressure, 0.2, ""),
		reporting(estimator.Zephyrus, domain.CategoryAirflow, 0.1, ""),
	)
	o := h.orchestrator(t, ens)

	run, err := o.Run(context.Background(), snap)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.State != StateComplete || run.Status != StatusSuccess {
		t.Fatalf("run ended %s/%s: %s", run.State, run.Status, run.Error)
	}
	if len(run.Stages) != len(Stages) {
		t.Fatalf("stages = %d, want %d", len(run.Stages), len(Stages))
	}
	for i, st := range run.Stages {
		if st.State != Stages[i] || st.Status != StageOK {
			t.Errorf("stage %d = %s/%s", i, st.State, st.Status)
		}
	}

	if len(run.Matches) == 0 || run.Matches[0].Pattern.Name != "compressor_overcurrent" {
		t.Fatalf("top match = %+v", run.Matches)
	}
	if run.Matches[0].Distance > 1e-5 {
		t.Errorf("self-match distance = %v, want 0", run.Matches[0].Distance)
	}
	if run.Matches[0].Pattern.Vector != nil {
		t.Error("run record should not carry pattern vectors")
	}

	c := run.Consensus
	if c == nil {
		t.Fatal("missing consensus")
	}
	if c.Votes != 3 || c.Participants != 5 || !c.ConsensusFault {
		t.Errorf("vote = %d/%d consensus=%v", c.Votes, c.Participants, c.ConsensusFault)
	}
	if math.Abs(c.AggregatedConfidence-0.47) > 1e-9 {
		t.Errorf("aggregated confidence = %v, want 0.47", c.AggregatedConfidence)
	}
	if len(c.Faults) != 2 || c.Faults[0].Type != "compressor_overcurrent" || c.Faults[0].Severity != 5 {
		t.Fatalf("faults = %+v", c.Faults)
	}

	if got := countActions(run.Actions, domain.ActionAlert); got != 2 {
		t.Errorf("alerts = %d, want one per fault", got)
	}
	if got := countActions(run.Actions, domain.ActionMaintenanceRequest); got != 1 {
		t.Errorf("maintenance requests = %d, want 1", got)
	}
	for _, a := range run.Actions {
		if a.Type == domain.ActionMaintenanceRequest && (a.Status != domain.StatusScheduled || a.TicketID == "") {
			t.Errorf("maintenance request not scheduled: %+v", a)
		}
	}

	ctx := context.Background()
	infs, err := h.store.ListInferences(ctx, run.ID)
	if err != nil || len(infs) != 5 {
		t.Errorf("persisted inferences = %d (%v), want 5", len(infs), err)
	}
	stats, err := h.store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Embeddings != 1 || stats.Runs != 1 || stats.PendingJobs != 2 {
		t.Errorf("stats = %+v", stats)
	}
	rec, err := h.store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Status != "success" || rec.State != "COMPLETE" || len(rec.Payload) == 0 {
		t.Errorf("run record = %+v", rec)
	}
}

func TestRun_EmptyCorpusCompletesWithoutActions(t *testing.T) {
	h := newHarness(t)
	ens := mustEnsemble(t,
		reporting(estimator.Apollo, domain.CategorySystem, 0.2, ""),
		reporting(estimator.Aquilo, domain.CategoryElectrical, 0.1, ""),
	)
	o := h.orchestrator(t, ens)

	run, err := o.Run(context.Background(), overcurrentSnapshot("AHU-2"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.State != StateComplete {
		t.Fatalf("state = %s, want COMPLETE (%s)", run.State, run.Error)
	}
	if len(run.Stages) != 6 {
		t.Errorf("stages = %d, want 6", len(run.Stages))
	}
	if len(run.Matches) != 0 {
		t.Errorf("matches = %v, want none", run.Matches)
	}
	search, _ := run.Stage(StateSearching)
	if search.Status != StageOK || !search.NoMatch {
		t.Errorf("searching stage = %+v, want ok with no match", search)
	}
	if len(run.Recommendations) != 0 || len(run.Actions) != 0 {
		t.Errorf("recommendations = %d actions = %d, want none", len(run.Recommendations), len(run.Actions))
	}
}

func TestRun_NonMasterFailureExcluded(t *testing.T) {
	h := newHarness(t)
	ens := mustEnsemble(t,
		reporting(estimator.Apollo, domain.CategorySystem, 0.4, ""),
		broken(estimator.Aquilo, domain.CategoryElectrical),
		reporting(estimator.Boreas, domain.CategoryThermal, 0.2, ""),
	)
	o := h.orchestrator(t, ens)

	run, err := o.Run(context.Background(), overcurrentSnapshot("AHU-3"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != StatusSuccess {
		t.Fatalf("status = %s (%s), want success", run.Status, run.Error)
	}
	if len(run.Inferences) != 2 || run.Consensus.Participants != 2 {
		t.Errorf("inferences = %d participants = %d, want 2", len(run.Inferences), run.Consensus.Participants)
	}
	if len(run.Failures) != 1 || run.Failures[0].Specialist != estimator.Aquilo {
		t.Errorf("failures = %+v", run.Failures)
	}
}

func TestRun_MasterFailureFailsAnalysis(t *testing.T) {
	h := newHarness(t)
	ens := mustEnsemble(t,
		broken(estimator.Apollo, domain.CategorySystem),
		reporting(estimator.Aquilo, domain.CategoryElectrical, 0.9, "compressor_overcurrent"),
	)
	o := h.orchestrator(t, ens)

	run, err := o.Run(context.Background(), overcurrentSnapshot("AHU-4"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.State != StateError || run.FailedState != StateAnalyzing || run.ErrorKind != domain.KindEstimator {
		t.Fatalf("run = %s failed at %s kind %s", run.State, run.FailedState, run.ErrorKind)
	}
	if _, ok := run.Stage(StateSearching); !ok {
		t.Error("completed SEARCHING stage missing from failed run")
	}
	if len(run.Inferences) != 1 {
		t.Errorf("surviving inferences = %d, want 1", len(run.Inferences))
	}
	if len(run.Actions) != 0 {
		t.Errorf("actions = %d, want none", len(run.Actions))
	}
}

func TestRun_SearchTimeout(t *testing.T) {
	h := newHarness(t)
	ens := mustEnsemble(t, reporting(estimator.Apollo, domain.CategorySystem, 0.2, ""))
	o := h.orchestrator(t, ens, func(d *Deps, c *Config) {
		d.Patterns = blockingPatterns{}
		c.SearchTimeout = 20 * time.Millisecond
	})

	run, err := o.Run(context.Background(), overcurrentSnapshot("AHU-5"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.State != StateError || run.FailedState != StateSearching {
		t.Fatalf("run = %s failed at %s, want ERROR at SEARCHING", run.State, run.FailedState)
	}
	if run.ErrorKind != domain.KindTimeout {
		t.Errorf("kind = %s, want timeout", run.ErrorKind)
	}
	ingest, ok := run.Stage(StateIngesting)
	if !ok || ingest.Status != StageOK {
		t.Errorf("INGESTING stage = %+v, %v", ingest, ok)
	}
	search, _ := run.Stage(StateSearching)
	if search.Status != StageError || search.NoMatch {
		t.Errorf("SEARCHING stage = %+v", search)
	}

	rec, err := h.store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("failed run not recorded: %v", err)
	}
	if rec.Status != "error" || rec.State != "SEARCHING" || rec.ErrorKind != "timeout" {
		t.Errorf("run record = %+v", rec)
	}
}

func TestRun_StoreUnavailable(t *testing.T) {
	h := newHarness(t)
	ens := mustEnsemble(t, reporting(estimator.Apollo, domain.CategorySystem, 0.2, ""))
	o := h.orchestrator(t, ens)
	h.store.Close()

	run, err := o.Run(context.Background(), overcurrentSnapshot("AHU-6"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.State != StateError || run.ErrorKind != domain.KindConnection {
		t.Errorf("run = %s kind %s, want ERROR/connection", run.State, run.ErrorKind)
	}
}

func TestRun_ReducedConfidenceInput(t *testing.T) {
	h := newHarness(t)
	var seen estimator.Input
	var mu sync.Mutex
	apollo := &fakeEstimator{name: estimator.Apollo, domain: domain.CategorySystem,
		estimateFn: func(_ context.Context, in estimator.Input) (domain.InferenceResult, error) {
			mu.Lock()
			seen = in
			mu.Unlock()
			return domain.InferenceResult{Confidence: 0.1}, nil
		},
	}
	o := h.orchestrator(t, mustEnsemble(t, apollo))

	snap := overcurrentSnapshot("AHU-7")
	snap.Readings["return_air_temp"] = math.NaN()
	run, err := o.Run(context.Background(), snap)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !run.Reduced || len(run.Input.Invalid) != 1 || len(run.Input.Missing) == 0 {
		t.Errorf("input quality = %+v reduced=%v", run.Input, run.Reduced)
	}
	if run.Status != StatusSuccess {
		t.Errorf("malformed input failed the run: %s", run.Error)
	}
	mu.Lock()
	defer mu.Unlock()
	if !seen.Reduced {
		t.Error("estimators not told about reduced input")
	}
	if _, ok := seen.Snapshot.Readings["return_air_temp"]; ok {
		t.Error("invalid reading passed to estimators")
	}
}

func TestRun_Idempotent(t *testing.T) {
	h := newHarness(t)
	snap := overcurrentSnapshot("AHU-8")
	sanitized, _ := domain.Sanitize(snap)
	h.seedPattern(t, "compressor_overcurrent", domain.CategoryElectrical, 5, h.embedder.Embed(sanitized))
	h.seedPattern(t, "dirty_filter", domain.CategoryPressure, 2, h.embedder.Fallback())

	ens, err := estimator.NewEnsemble(estimator.Apollo, estimator.Builtin())
	if err != nil {
		t.Fatalf("NewEnsemble: %v", err)
	}
	o := h.orchestrator(t, ens)

	first, err := o.Run(context.Background(), snap)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := o.Run(context.Background(), snap)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if first.ID == second.ID {
		t.Error("runs share an id")
	}
	if first.Matches[0].Pattern.ID != second.Matches[0].Pattern.ID {
		t.Errorf("top-1 differs: %d vs %d", first.Matches[0].Pattern.ID, second.Matches[0].Pattern.ID)
	}
	if first.Consensus.ConsensusFault != second.Consensus.ConsensusFault ||
		first.Consensus.Diagnosis != second.Consensus.Diagnosis {
		t.Errorf("consensus differs: %+v vs %+v", first.Consensus, second.Consensus)
	}
}

func TestRun_SafetyRuleForcesFault(t *testing.T) {
	h := newHarness(t)
	policy := fusion.Policy{Rules: []fusion.Rule{{
		Name:          "electrical-hard-stop",
		Domain:        domain.CategoryElectrical,
		MinConfidence: 0.8,
		ForceFault:    true,
		RaiseSeverity: 5,
		Block:         []domain.ActionType{domain.ActionEnergyAdjustment},
	}}}
	ens := mustEnsemble(t,
		reporting(estimator.Apollo, domain.CategorySystem, 0.2, ""),
		reporting(estimator.Aquilo, domain.CategoryElectrical, 0.95, "compressor_overcurrent"),
		reporting(estimator.Boreas, domain.CategoryThermal, 0.1, ""),
	)
	o := h.orchestrator(t, ens, func(d *Deps, _ *Config) {
		d.Safety = fusion.NewValidator(policy)
	})

	run, err := o.Run(context.Background(), overcurrentSnapshot("AHU-9"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	c := run.Consensus
	if c.ConsensusFault {
		t.Error("1/3 votes should not be a consensus")
	}
	if !c.SafetyOverride || len(c.Faults) != 1 || c.Faults[0].Severity != 5 {
		t.Fatalf("consensus = %+v", c)
	}
	if got := countActions(run.Actions, domain.ActionAlert); got != 1 {
		t.Errorf("alerts = %d, want 1", got)
	}
}

func TestStart_RequiresEquipmentID(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, mustEnsemble(t, reporting(estimator.Apollo, domain.CategorySystem, 0.1, "")))

	_, _, err := o.Start(context.Background(), domain.Snapshot{Readings: map[string]float64{"supply_air_temp": 55}})
	if !errors.Is(err, domain.ErrInvalidSnapshot) {
		t.Errorf("err = %v, want ErrInvalidSnapshot", err)
	}
}

func TestStart_RunLockPerEquipment(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	o := h.orchestrator(t, mustEnsemble(t, gated(estimator.Apollo, domain.CategorySystem, gate)))
	ctx := context.Background()

	runID, done, err := o.Start(ctx, overcurrentSnapshot("AHU-1"))
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, _, err := o.Start(ctx, overcurrentSnapshot("AHU-1")); !errors.Is(err, domain.ErrRunInFlight) {
		t.Errorf("overlapping Start err = %v, want ErrRunInFlight", err)
	}

	_, otherDone, err := o.Start(ctx, overcurrentSnapshot("AHU-2"))
	if err != nil {
		t.Fatalf("Start for other equipment: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, ok := o.Status(runID)
		if ok && st.State == StateAnalyzing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never reached ANALYZING (last %+v)", st)
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(gate)
	run := <-done
	<-otherDone
	if run.Status != StatusSuccess {
		t.Fatalf("gated run = %s (%s)", run.Status, run.Error)
	}
	if _, ok := o.Status(runID); ok {
		t.Error("finished run still reported in flight")
	}

	if _, again, err := o.Start(ctx, overcurrentSnapshot("AHU-1")); err != nil {
		t.Errorf("Start after release: %v", err)
	} else {
		<-again
	}
	o.Wait()
	if o.InFlight() != 0 {
		t.Errorf("in flight = %d after Wait", o.InFlight())
	}
}

func TestRun_CancelledContext(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, mustEnsemble(t, reporting(estimator.Apollo, domain.CategorySystem, 0.1, "")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, err := o.Run(ctx, overcurrentSnapshot("AHU-1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.State != StateError || run.ErrorKind != domain.KindCancelled || run.FailedState != StateIngesting {
		t.Errorf("run = %s kind %s at %s", run.State, run.ErrorKind, run.FailedState)
	}
	if _, err := h.store.GetRun(context.Background(), run.ID); err != nil {
		t.Errorf("cancelled run not recorded: %v", err)
	}
}

func TestRun_PublishesLifecycle(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, mustEnsemble(t, reporting(estimator.Apollo, domain.CategorySystem, 0.1, "")))

	run, err := o.Run(context.Background(), overcurrentSnapshot("AHU-1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	events, cancel, ok := o.Events().Subscribe(run.ID)
	if !ok {
		t.Fatal("no topic for finished run")
	}
	defer cancel()

	var got []Event
	for ev := range events {
		if ev.RunID != run.ID {
			t.Errorf("event for run %s delivered to %s", ev.RunID, run.ID)
		}
		got = append(got, ev)
	}
	// started + 6 state changes + 6 stage completions + complete
	if len(got) != 14 {
		t.Fatalf("events = %d, want 14", len(got))
	}
	if got[0].Type != EventRunStarted {
		t.Errorf("first event = %s", got[0].Type)
	}
	last := got[len(got)-1]
	if last.Type != EventRunComplete || last.Run == nil || last.Run.ID != run.ID {
		t.Errorf("last event = %+v", last)
	}
}
