package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/apollo-nexus/nexus/internal/domain"
)

// Compile-time check that SQLitePatternIndex implements PatternIndex.
var _ PatternIndex = (*SQLitePatternIndex)(nil)

// SQLitePatternIndex is a brute-force cosine k-NN index over the
// fault_patterns table. The table is created by storage migrations.
type SQLitePatternIndex struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLitePatternIndex wraps an existing *sql.DB.
func NewSQLitePatternIndex(db *sql.DB) *SQLitePatternIndex {
	return &SQLitePatternIndex{db: db, logger: slog.Default()}
}

type patternCandidate struct {
	ID       int64
	Distance float64
}

func patternLess(a, b patternCandidate) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

// Query scans id + embedding for the (optionally domain-filtered) corpus,
// keeps the best k in a bounded heap, then loads full rows for the winners.
func (s *SQLitePatternIndex) Query(ctx context.Context, vector []float32, domainFilter domain.Category, k int) ([]domain.PatternMatch, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}

	query := `SELECT id, embedding FROM fault_patterns`
	var args []any
	if domainFilter != "" {
		query += ` WHERE domain = ?`
		args = append(args, string(domainFilter))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(ctx, "querying fault patterns", err)
	}
	defer rows.Close()

	queryNormSq := squaredNorm(vector)
	best := newTopK(k, patternLess)
	var buf []float32
	skipped := 0

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, storeErr(ctx, "scanning fault pattern", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for pattern %d: %w", id, err)
		}
		dist, ok := cosineDistance(vector, buf, queryNormSq)
		if !ok {
			skipped++
			continue
		}
		best.offer(patternCandidate{ID: id, Distance: dist})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(ctx, "iterating fault patterns", err)
	}
	if skipped > 0 {
		s.logger.Debug("pattern index: skipped incomparable vectors", "count", skipped, "dim", len(vector))
	}

	winners := best.sorted()
	if len(winners) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(winners))
	for i, w := range winners {
		ids[i] = w.ID
	}
	byID, err := s.getByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	matches := make([]domain.PatternMatch, 0, len(winners))
	for _, w := range winners {
		p, ok := byID[w.ID]
		if !ok {
			continue
		}
		matches = append(matches, domain.PatternMatch{Pattern: p, Distance: w.Distance})
	}
	return matches, nil
}

func (s *SQLitePatternIndex) getByIDs(ctx context.Context, ids []int64) (map[int64]domain.FaultPattern, error) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT id, name, domain, severity, cost_impact, energy_impact, embedding, created_at
		FROM fault_patterns WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(ctx, "fetching top-k patterns", err)
	}
	defer rows.Close()

	out := make(map[int64]domain.FaultPattern, len(ids))
	for rows.Next() {
		var p domain.FaultPattern
		var dom, createdAt string
		var blob []byte
		if err := rows.Scan(&p.ID, &p.Name, &dom, &p.Severity, &p.CostImpact, &p.EnergyImpact, &blob, &createdAt); err != nil {
			return nil, storeErr(ctx, "scanning pattern row", err)
		}
		p.Domain = domain.Category(dom)
		if p.Vector, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for pattern %d: %w", p.ID, err)
		}
		if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for pattern %d: %w", p.ID, err)
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(ctx, "iterating pattern rows", err)
	}
	return out, nil
}

// Insert appends a pattern. Severity is clamped to 1..5.
func (s *SQLitePatternIndex) Insert(ctx context.Context, p domain.FaultPattern) (int64, error) {
	if p.Name == "" {
		return 0, fmt.Errorf("pattern name is required")
	}
	if len(p.Vector) == 0 {
		return 0, fmt.Errorf("pattern %q has no vector", p.Name)
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fault_patterns (name, domain, severity, cost_impact, energy_impact, embedding, dim, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, string(p.Domain), domain.ClampSeverity(p.Severity), p.CostImpact, p.EnergyImpact,
		encodeFloat32s(p.Vector), len(p.Vector), createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, storeErr(ctx, fmt.Sprintf("inserting pattern %q", p.Name), err)
	}
	return res.LastInsertId()
}

// Count returns the number of patterns in the corpus.
func (s *SQLitePatternIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fault_patterns`).Scan(&n); err != nil {
		return 0, storeErr(ctx, "counting patterns", err)
	}
	return n, nil
}

// storeErr wraps a database failure. A done context wins over the driver
// error so callers can tell a timeout from an unreachable store.
func storeErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}
