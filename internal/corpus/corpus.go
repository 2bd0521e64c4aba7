// Package corpus populates the fault pattern and solution corpora.
package corpus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/apollo-nexus/nexus/internal/domain"
	"github.com/apollo-nexus/nexus/internal/retrieval"
)

// Loader embeds and inserts corpus entries.
type Loader struct {
	patterns  retrieval.PatternIndex
	solutions retrieval.SolutionIndex
	embedder  *retrieval.Embedder
	text      *retrieval.TextEmbedder
	logger    *slog.Logger
}

// NewLoader creates a Loader. embedder must match the dimension used at
// query time, and text the dimension the solution retriever uses.
func NewLoader(patterns retrieval.PatternIndex, solutions retrieval.SolutionIndex, embedder *retrieval.Embedder, text *retrieval.TextEmbedder) *Loader {
	return &Loader{
		patterns:  patterns,
		solutions: solutions,
		embedder:  embedder,
		text:      text,
		logger:    slog.Default(),
	}
}

// SeedResult reports what Seed inserted.
type SeedResult struct {
	Patterns  int  `json:"patterns"`
	Solutions int  `json:"solutions"`
	Skipped   bool `json:"skipped"`
}

// Seed inserts the built-in catalog. A non-empty corpus is left alone
// unless force is set.
func (l *Loader) Seed(ctx context.Context, force bool) (SeedResult, error) {
	var res SeedResult
	if !force {
		np, err := l.patterns.Count(ctx)
		if err != nil {
			return res, err
		}
		ns, err := l.solutions.Count(ctx)
		if err != nil {
			return res, err
		}
		if np > 0 || ns > 0 {
			l.logger.Info("corpus already populated, skipping seed", "patterns", np, "solutions", ns)
			res.Skipped = true
			return res, nil
		}
	}

	n, err := l.AddPatterns(ctx, Patterns)
	res.Patterns = n
	if err != nil {
		return res, err
	}
	for _, s := range Solutions {
		if _, err := l.AddSolution(ctx, s, DomainOf(s.FaultType)); err != nil {
			return res, err
		}
		res.Solutions++
	}
	l.logger.Info("corpus seeded", "patterns", res.Patterns, "solutions", res.Solutions)
	return res, nil
}

// AddPatterns embeds the seeds' snapshots in one batch and inserts them.
// It returns how many were inserted before any error.
func (l *Loader) AddPatterns(ctx context.Context, seeds []PatternSeed) (int, error) {
	snaps := make([]domain.Snapshot, len(seeds))
	for i, s := range seeds {
		if s.Name == "" || s.Domain == "" {
			return 0, fmt.Errorf("pattern %d: name and domain are required", i)
		}
		snaps[i] = Snapshot(s)
	}
	vecs, err := l.embedder.EmbedBatch(ctx, snaps)
	if err != nil {
		return 0, err
	}

	for i, s := range seeds {
		_, err := l.patterns.Insert(ctx, domain.FaultPattern{
			Name:         s.Name,
			Domain:       s.Domain,
			Severity:     s.Severity,
			CostImpact:   s.CostImpact,
			EnergyImpact: s.EnergyImpact,
			Vector:       vecs[i],
		})
		if err != nil {
			return i, fmt.Errorf("inserting pattern %s: %w", s.Name, err)
		}
	}
	return len(seeds), nil
}

// AddSolution embeds and inserts one solution. dom may be empty when the
// fault type is not in the catalog.
func (l *Loader) AddSolution(ctx context.Context, s SolutionSeed, dom domain.Category) (int64, error) {
	if s.FaultType == "" || s.Text == "" {
		return 0, fmt.Errorf("solution: fault_type and text are required")
	}
	id, err := l.solutions.Insert(ctx, domain.SolutionRecord{
		FaultType:      s.FaultType,
		Text:           s.Text,
		Vector:         l.text.Embed(s.FaultType, string(dom), s.Text),
		SuccessRate:    s.SuccessRate,
		AvgRepairHours: s.AvgRepairHours,
		Parts:          s.Parts,
	})
	if err != nil {
		return 0, fmt.Errorf("inserting solution for %s: %w", s.FaultType, err)
	}
	return id, nil
}

// Snapshot expands a seed into a full snapshot over Nominal.
func Snapshot(s PatternSeed) domain.Snapshot {
	readings := make(map[string]float64, len(Nominal)+len(s.Readings))
	for k, v := range Nominal {
		readings[k] = v
	}
	for k, v := range s.Readings {
		readings[k] = v
	}
	return domain.Snapshot{EquipmentID: "catalog:" + s.Name, Readings: readings}
}
