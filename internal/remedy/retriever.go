// Package remedy finds ranked solutions for diagnosed faults and turns them
// into typed, prioritized actions.
package remedy

import (
	"context"
	"fmt"
	"time"

	"github.com/apollo-nexus/nexus/internal/domain"
	"github.com/apollo-nexus/nexus/internal/retrieval"
)

// Retriever queries the solution corpus once per fault.
type Retriever struct {
	index    retrieval.SolutionIndex
	embedder *retrieval.TextEmbedder
	n        int
	timeout  time.Duration
}

// NewRetriever creates a Retriever returning up to n candidates per fault,
// bounding each query by timeout.
func NewRetriever(index retrieval.SolutionIndex, embedder *retrieval.TextEmbedder, n int, timeout time.Duration) *Retriever {
	if n <= 0 {
		n = 3
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Retriever{index: index, embedder: embedder, n: n, timeout: timeout}
}

// QueryVector is the solution-space vector for a fault.
func (r *Retriever) QueryVector(f domain.Fault) []float32 {
	return r.embedder.Embed(f.Type, string(f.Domain))
}

// Recommend returns one recommendation per fault in fault order. A fault
// with no matching solutions gets an empty candidate list.
func (r *Retriever) Recommend(ctx context.Context, faults []domain.Fault) ([]domain.Recommendation, error) {
	out := make([]domain.Recommendation, 0, len(faults))
	for _, f := range faults {
		matches, err := r.query(ctx, f)
		if err != nil {
			return out, fmt.Errorf("retrieving solutions for %s: %w", f.Type, err)
		}
		if matches == nil {
			matches = []domain.SolutionMatch{}
		}
		out = append(out, domain.Recommendation{Fault: f, Candidates: matches})
	}
	return out, nil
}

func (r *Retriever) query(ctx context.Context, f domain.Fault) ([]domain.SolutionMatch, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.index.Query(ctx, r.QueryVector(f), f.Type, r.n)
}
