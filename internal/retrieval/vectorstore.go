package retrieval

import (
	"context"

	"github.com/apollo-nexus/nexus/internal/domain"
)

// PatternIndex answers k-nearest-neighbour queries over the fault-pattern
// corpus. The corpus is append-only from the pipeline's point of view.
//
// Results are ordered by ascending cosine distance, ties broken by lower
// pattern ID. An empty corpus or a domain with no patterns yields an empty
// result, never an error.
type PatternIndex interface {
	// Query returns at most k patterns nearest to vector. An empty
	// domainFilter matches every domain.
	Query(ctx context.Context, vector []float32, domainFilter domain.Category, k int) ([]domain.PatternMatch, error)

	// Insert appends a pattern and returns its assigned ID.
	Insert(ctx context.Context, p domain.FaultPattern) (int64, error)

	// Count returns the number of patterns in the corpus.
	Count(ctx context.Context) (int, error)
}

// SolutionIndex answers nearest-neighbour queries over the solution corpus,
// filtered by fault type.
//
// Results are ordered by ascending distance, then descending success rate,
// then lower solution ID.
type SolutionIndex interface {
	// Query returns at most n solutions whose fault type matches faultType
	// exactly or as a substring (in either direction, case-insensitive).
	Query(ctx context.Context, vector []float32, faultType string, n int) ([]domain.SolutionMatch, error)

	// Insert appends a solution and returns its assigned ID.
	Insert(ctx context.Context, s domain.SolutionRecord) (int64, error)

	// Count returns the number of solutions in the corpus.
	Count(ctx context.Context) (int, error)
}
