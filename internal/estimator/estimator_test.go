package estimator

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/apollo-nexus/nexus/internal/domain"
)

// fakeEstimator returns a canned result or error.
type fakeEstimator struct {
	name       string
	domain     domain.Category
	categories []domain.Category
	estimateFn func(ctx context.Context, in Input) (domain.InferenceResult, error)
}

func (f *fakeEstimator) Name() string                  { return f.name }
func (f *fakeEstimator) Domain() domain.Category       { return f.domain }
func (f *fakeEstimator) Categories() []domain.Category { return f.categories }
func (f *fakeEstimator) Estimate(ctx context.Context, in Input) (domain.InferenceResult, error) {
	return f.estimateFn(ctx, in)
}

func fixed(name string, cat domain.Category, conf float64, fault bool) *fakeEstimator {
	return &fakeEstimator{
		name: name, domain: cat, categories: []domain.Category{cat},
		estimateFn: func(context.Context, Input) (domain.InferenceResult, error) {
			return domain.InferenceResult{Confidence: conf, FaultDetected: fault}, nil
		},
	}
}

func failing(name string, cat domain.Category) *fakeEstimator {
	return &fakeEstimator{
		name: name, domain: cat, categories: []domain.Category{cat},
		estimateFn: func(context.Context, Input) (domain.InferenceResult, error) {
			return domain.InferenceResult{}, errors.New("boom")
		},
	}
}

func snapshot(readings map[string]float64) domain.Snapshot {
	return domain.Snapshot{EquipmentID: "AHU-1", Timestamp: time.Now(), Readings: readings}
}

func TestNewEnsemble_RequiresMaster(t *testing.T) {
	if _, err := NewEnsemble("apollo", []Estimator{fixed("aquilo", domain.CategoryElectrical, 0.1, false)}); err == nil {
		t.Error("expected error for missing master")
	}
	dup := []Estimator{fixed("apollo", domain.CategorySystem, 0, false), fixed("apollo", domain.CategorySystem, 0, false)}
	if _, err := NewEnsemble("apollo", dup); err == nil {
		t.Error("expected error for duplicate names")
	}
}

func TestSelect_ByCategoryPlusMaster(t *testing.T) {
	ens, err := NewEnsemble("apollo", []Estimator{
		fixed("apollo", domain.CategorySystem, 0.1, false),
		fixed("aquilo", domain.CategoryElectrical, 0.1, false),
		fixed("boreas", domain.CategoryThermal, 0.1, false),
		fixed("zephyrus", domain.CategoryAirflow, 0.1, false),
	})
	if err != nil {
		t.Fatalf("NewEnsemble: %v", err)
	}

	tests := []struct {
		name     string
		readings map[string]float64
		want     []string
	}{
		{"empty snapshot selects master only", nil, []string{"apollo"}},
		{"temperature activates thermal", map[string]float64{"supply_air_temp": 55}, []string{"apollo", "boreas"}},
		{"current and airflow", map[string]float64{"compressor_current": 12, "supply_air_flow": 2000}, []string{"apollo", "aquilo", "zephyrus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ens.Select(snapshot(tt.readings).Categories())
			if len(got) != len(tt.want) {
				t.Fatalf("selected %d, want %d", len(got), len(tt.want))
			}
			for i, est := range got {
				if est.Name() != tt.want[i] {
					t.Errorf("selected[%d] = %s, want %s", i, est.Name(), tt.want[i])
				}
			}
		})
	}
}

func TestRun_NonMasterFailureExcluded(t *testing.T) {
	ens, err := NewEnsemble("apollo", []Estimator{
		fixed("apollo", domain.CategorySystem, 0.4, false),
		failing("aquilo", domain.CategoryElectrical),
		fixed("boreas", domain.CategoryThermal, 0.9, true),
	})
	if err != nil {
		t.Fatalf("NewEnsemble: %v", err)
	}

	out, err := ens.Run(context.Background(), Input{Snapshot: snapshot(map[string]float64{
		"compressor_current": 12, "supply_air_temp": 70,
	})})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Selected) != 3 {
		t.Errorf("selected = %v", out.Selected)
	}
	if len(out.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(out.Results))
	}
	if out.Results[0].Specialist != "apollo" || out.Results[1].Specialist != "boreas" {
		t.Errorf("unexpected result order: %s, %s", out.Results[0].Specialist, out.Results[1].Specialist)
	}
	if len(out.Failures) != 1 || out.Failures[0].Specialist != "aquilo" {
		t.Errorf("failures = %+v", out.Failures)
	}
	for _, r := range out.Results {
		if r.EquipmentID != "AHU-1" || r.ID == "" || r.Timestamp.IsZero() {
			t.Errorf("result not stamped: %+v", r)
		}
	}
	if out.Results[1].FaultType != "thermal_anomaly" {
		t.Errorf("FaultType = %q, want thermal_anomaly", out.Results[1].FaultType)
	}
}

func TestRun_MasterFailureFailsStage(t *testing.T) {
	ens, err := NewEnsemble("apollo", []Estimator{
		failing("apollo", domain.CategorySystem),
		fixed("boreas", domain.CategoryThermal, 0.9, true),
	})
	if err != nil {
		t.Fatalf("NewEnsemble: %v", err)
	}
	out, err := ens.Run(context.Background(), Input{Snapshot: snapshot(map[string]float64{"supply_air_temp": 70})})
	if !errors.Is(err, domain.ErrMasterFailed) {
		t.Fatalf("expected ErrMasterFailed, got %v", err)
	}
	if len(out.Results) != 1 {
		t.Errorf("surviving results should still be reported, got %d", len(out.Results))
	}
}

func TestRun_PanicAndNaNBecomeFailures(t *testing.T) {
	panicky := &fakeEstimator{
		name: "aquilo", domain: domain.CategoryElectrical, categories: []domain.Category{domain.CategoryElectrical},
		estimateFn: func(context.Context, Input) (domain.InferenceResult, error) { panic("bad model") },
	}
	ens, err := NewEnsemble("apollo", []Estimator{
		fixed("apollo", domain.CategorySystem, 1.5, false),
		panicky,
		fixed("boreas", domain.CategoryThermal, math.NaN(), true),
	})
	if err != nil {
		t.Fatalf("NewEnsemble: %v", err)
	}
	out, err := ens.Run(context.Background(), Input{Snapshot: snapshot(map[string]float64{
		"compressor_current": 12, "supply_air_temp": 70,
	})})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Failures) != 2 {
		t.Errorf("failures = %+v, want 2", out.Failures)
	}
	if len(out.Results) != 1 || out.Results[0].Confidence != 1 {
		t.Errorf("expected clamped master result, got %+v", out.Results)
	}
}

func TestRun_SlowEstimatorTimesOut(t *testing.T) {
	stuck := &fakeEstimator{
		name: "boreas", domain: domain.CategoryThermal, categories: []domain.Category{domain.CategoryThermal},
		estimateFn: func(context.Context, Input) (domain.InferenceResult, error) {
			time.Sleep(time.Second)
			return domain.InferenceResult{Confidence: 0.5}, nil
		},
	}
	ens, err := NewEnsemble("apollo", []Estimator{fixed("apollo", domain.CategorySystem, 0.2, false), stuck},
		WithTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewEnsemble: %v", err)
	}

	start := time.Now()
	out, err := ens.Run(context.Background(), Input{Snapshot: snapshot(map[string]float64{"supply_air_temp": 70})})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Run waited for the stuck estimator")
	}
	if len(out.Failures) != 1 || out.Failures[0].Specialist != "boreas" {
		t.Errorf("failures = %+v", out.Failures)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	ens, err := NewEnsemble("apollo", Builtin())
	if err != nil {
		t.Fatalf("NewEnsemble: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ens.Run(ctx, Input{Snapshot: snapshot(nil)}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestList(t *testing.T) {
	ens, err := NewEnsemble(Apollo, Builtin())
	if err != nil {
		t.Fatalf("NewEnsemble: %v", err)
	}
	infos := ens.List()
	if len(infos) != 8 {
		t.Fatalf("got %d estimators, want 8", len(infos))
	}
	masters := 0
	for _, info := range infos {
		if info.Master {
			masters++
			if info.Name != Apollo {
				t.Errorf("master = %s, want apollo", info.Name)
			}
		}
	}
	if masters != 1 {
		t.Errorf("masters = %d, want 1", masters)
	}
}
