package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/apollo-nexus/nexus/internal/domain"
)

// Compile-time check that SQLiteSolutionIndex implements SolutionIndex.
var _ SolutionIndex = (*SQLiteSolutionIndex)(nil)

// SQLiteSolutionIndex is a brute-force cosine index over the solutions table.
type SQLiteSolutionIndex struct {
	db *sql.DB
}

// NewSQLiteSolutionIndex wraps an existing *sql.DB.
func NewSQLiteSolutionIndex(db *sql.DB) *SQLiteSolutionIndex {
	return &SQLiteSolutionIndex{db: db}
}

func solutionLess(a, b domain.SolutionMatch) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	if a.Solution.SuccessRate != b.Solution.SuccessRate {
		return a.Solution.SuccessRate > b.Solution.SuccessRate
	}
	return a.Solution.ID < b.Solution.ID
}

// Query loads solutions whose fault type matches and ranks them. The
// fault-type filter narrows the corpus enough that full rows are read in a
// single pass.
func (s *SQLiteSolutionIndex) Query(ctx context.Context, vector []float32, faultType string, n int) ([]domain.SolutionMatch, error) {
	faultType = strings.TrimSpace(faultType)
	if n <= 0 || faultType == "" || len(vector) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fault_type, solution_text, embedding, success_rate, avg_repair_hours, parts, created_at
		FROM solutions
		WHERE lower(fault_type) = lower(?1)
		   OR instr(lower(?1), lower(fault_type)) > 0
		   OR instr(lower(fault_type), lower(?1)) > 0`, faultType)
	if err != nil {
		return nil, storeErr(ctx, "querying solutions", err)
	}
	defer rows.Close()

	queryNormSq := squaredNorm(vector)
	best := newTopK(n, solutionLess)

	for rows.Next() {
		var sol domain.SolutionRecord
		var blob []byte
		var parts, createdAt string
		if err := rows.Scan(&sol.ID, &sol.FaultType, &sol.Text, &blob, &sol.SuccessRate, &sol.AvgRepairHours, &parts, &createdAt); err != nil {
			return nil, storeErr(ctx, "scanning solution", err)
		}
		if sol.Vector, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for solution %d: %w", sol.ID, err)
		}
		dist, ok := cosineDistance(vector, sol.Vector, queryNormSq)
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(parts), &sol.Parts); err != nil {
			return nil, fmt.Errorf("decoding parts for solution %d: %w", sol.ID, err)
		}
		if sol.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for solution %d: %w", sol.ID, err)
		}
		sol.SuccessRate = domain.ClampPercent(sol.SuccessRate)
		best.offer(domain.SolutionMatch{Solution: sol, Distance: dist})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(ctx, "iterating solutions", err)
	}

	matches := best.sorted()
	if len(matches) == 0 {
		return nil, nil
	}
	return matches, nil
}

// Insert appends a solution. Success rate is clamped to 0..100.
func (s *SQLiteSolutionIndex) Insert(ctx context.Context, sol domain.SolutionRecord) (int64, error) {
	if sol.FaultType == "" || sol.Text == "" {
		return 0, fmt.Errorf("solution requires fault_type and text")
	}
	if len(sol.Vector) == 0 {
		return 0, fmt.Errorf("solution for %q has no vector", sol.FaultType)
	}
	parts := sol.Parts
	if parts == nil {
		parts = []string{}
	}
	partsJSON, err := json.Marshal(parts)
	if err != nil {
		return 0, fmt.Errorf("encoding parts: %w", err)
	}
	createdAt := sol.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO solutions (fault_type, solution_text, embedding, dim, success_rate, avg_repair_hours, parts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sol.FaultType, sol.Text, encodeFloat32s(sol.Vector), len(sol.Vector),
		domain.ClampPercent(sol.SuccessRate), sol.AvgRepairHours, string(partsJSON),
		createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, storeErr(ctx, fmt.Sprintf("inserting solution for %q", sol.FaultType), err)
	}
	return res.LastInsertId()
}

// Count returns the number of solutions in the corpus.
func (s *SQLiteSolutionIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM solutions`).Scan(&n); err != nil {
		return 0, storeErr(ctx, "counting solutions", err)
	}
	return n, nil
}
