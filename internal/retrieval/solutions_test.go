package retrieval

import (
	"context"
	"testing"

	"github.com/apollo-nexus/nexus/internal/domain"
)

func insertSolution(t *testing.T, idx *SQLiteSolutionIndex, faultType string, rate float64, vec []float32) int64 {
	t.Helper()
	id, err := idx.Insert(context.Background(), domain.SolutionRecord{
		FaultType: faultType, Text: "fix " + faultType, SuccessRate: rate, Vector: vec,
		Parts: []string{"filter"},
	})
	if err != nil {
		t.Fatalf("Insert(%s): %v", faultType, err)
	}
	return id
}

func TestSolutionQuery_TieBrokenBySuccessRate(t *testing.T) {
	idx := NewSQLiteSolutionIndex(openTestDB(t))
	low := insertSolution(t, idx, "refrigerant_leak", 60, unit(4, 0))
	high := insertSolution(t, idx, "refrigerant_leak", 90, unit(4, 0))
	far := insertSolution(t, idx, "refrigerant_leak", 99, unit(4, 1))

	matches, err := idx.Query(context.Background(), unit(4, 0), "refrigerant_leak", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("got %d matches, want 3", len(matches))
	}
	got := []int64{matches[0].Solution.ID, matches[1].Solution.ID, matches[2].Solution.ID}
	want := []int64{high, low, far}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if len(matches[0].Solution.Parts) != 1 || matches[0].Solution.Parts[0] != "filter" {
		t.Errorf("parts not decoded: %v", matches[0].Solution.Parts)
	}
}

func TestSolutionQuery_SubstringFilter(t *testing.T) {
	idx := NewSQLiteSolutionIndex(openTestDB(t))
	insertSolution(t, idx, "Refrigerant_Leak", 80, unit(4, 0))
	insertSolution(t, idx, "leak", 80, unit(4, 0))
	insertSolution(t, idx, "dirty_filter", 80, unit(4, 0))

	matches, err := idx.Query(context.Background(), unit(4, 0), "refrigerant_leak", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2 (exact + substring)", len(matches))
	}
	for _, m := range matches {
		if m.Solution.FaultType == "dirty_filter" {
			t.Error("unrelated fault type returned")
		}
	}
}

func TestSolutionQuery_BoundedAndEmpty(t *testing.T) {
	idx := NewSQLiteSolutionIndex(openTestDB(t))
	for i := 0; i < 4; i++ {
		insertSolution(t, idx, "short_cycling", 75, unit(4, i))
	}
	matches, err := idx.Query(context.Background(), unit(4, 0), "short_cycling", 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("got %d matches, want 2", len(matches))
	}

	none, err := idx.Query(context.Background(), unit(4, 0), "compressor_failure", 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no matches, got %d", len(none))
	}
}

func TestSolutionInsert_ClampsSuccessRate(t *testing.T) {
	idx := NewSQLiteSolutionIndex(openTestDB(t))
	insertSolution(t, idx, "x", 140, unit(2, 0))
	matches, err := idx.Query(context.Background(), unit(2, 0), "x", 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if matches[0].Solution.SuccessRate != 100 {
		t.Errorf("success rate = %v, want 100", matches[0].Solution.SuccessRate)
	}
}
