package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/apollo-nexus/nexus/internal/domain"
)

// --- Embeddings ---

// SaveEmbedding appends the query embedding computed for a run.
func (s *Store) SaveEmbedding(ctx context.Context, runID, equipmentID string, vec []float32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshot_embeddings (run_id, equipment_id, embedding, dim, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, equipmentID, encodeVector(vec), len(vec), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving embedding for run %s: %w", runID, err)
	}
	return nil
}

// --- Inferences ---

// SaveInference appends one specialist result.
func (s *Store) SaveInference(ctx context.Context, r domain.InferenceResult) error {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	detected := 0
	if r.FaultDetected {
		detected = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inferences (id, run_id, equipment_id, specialist, domain, confidence, fault_detected, fault_type, interpretation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RunID, r.EquipmentID, r.Specialist, string(r.Domain), domain.Clamp01(r.Confidence),
		detected, r.FaultType, r.Interpretation, ts.UTC().Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("saving inference %s: %w", r.ID, err)
	}
	return nil
}

// ListInferences returns the specialist results of a run in insertion order.
func (s *Store) ListInferences(ctx context.Context, runID string) ([]domain.InferenceResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, equipment_id, specialist, domain, confidence, fault_detected, fault_type, interpretation, created_at
		FROM inferences WHERE run_id = ? ORDER BY rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.InferenceResult
	for rows.Next() {
		var r domain.InferenceResult
		var dom, createdAt string
		var detected int
		if err := rows.Scan(&r.ID, &r.RunID, &r.EquipmentID, &r.Specialist, &dom, &r.Confidence, &detected, &r.FaultType, &r.Interpretation, &createdAt); err != nil {
			return nil, err
		}
		r.Domain = domain.Category(dom)
		r.FaultDetected = detected != 0
		if r.Timestamp, err = time.Parse(tsLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for inference %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Runs ---

// SaveRun appends the audit record of a finished run. Runs are written once.
func (s *Store) SaveRun(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, equipment_id, status, state, error_kind, error, started_at, finished_at, duration_ms, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.EquipmentID, r.Status, r.State, r.ErrorKind, r.Error,
		r.StartedAt.UTC().Format(tsLayout), r.FinishedAt.UTC().Format(tsLayout),
		r.DurationMs, string(r.Payload),
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", r.ID, err)
	}
	return nil
}

const runColumns = `id, equipment_id, status, state, error_kind, error, started_at, finished_at, duration_ms, payload_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (RunRecord, error) {
	var r RunRecord
	var startedAt, finishedAt, payload string
	if err := sc.Scan(&r.ID, &r.EquipmentID, &r.Status, &r.State, &r.ErrorKind, &r.Error, &startedAt, &finishedAt, &r.DurationMs, &payload); err != nil {
		return RunRecord{}, err
	}
	var err error
	if r.StartedAt, err = time.Parse(tsLayout, startedAt); err != nil {
		return RunRecord{}, fmt.Errorf("parsing started_at for run %s: %w", r.ID, err)
	}
	if r.FinishedAt, err = time.Parse(tsLayout, finishedAt); err != nil {
		return RunRecord{}, fmt.Errorf("parsing finished_at for run %s: %w", r.ID, err)
	}
	r.Payload = []byte(payload)
	return r, nil
}

// GetRun returns one run record by id.
func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	return r, err
}

// ListRuns returns the most recent runs, newest first. An empty
// equipmentID lists runs for all equipment.
func (s *Store) ListRuns(ctx context.Context, equipmentID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	args := []any{}
	if equipmentID != "" {
		query += ` WHERE equipment_id = ?`
		args = append(args, equipmentID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Actions ---

// SaveAction appends one planned action.
func (s *Store) SaveAction(ctx context.Context, a domain.Action) error {
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (id, run_id, equipment_id, type, priority, status, fault_type, description, solution_id, ticket_id, setpoint_delta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.EquipmentID, string(a.Type), string(a.Priority), string(a.Status),
		a.FaultType, a.Description, a.SolutionID, a.TicketID, a.SetpointDelta,
		created.UTC().Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("saving action %s: %w", a.ID, err)
	}
	return nil
}

// ListActions returns the actions planned by a run in insertion order.
func (s *Store) ListActions(ctx context.Context, runID string) ([]domain.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, equipment_id, type, priority, status, fault_type, description, solution_id, ticket_id, setpoint_delta, created_at
		FROM actions WHERE run_id = ? ORDER BY rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Action
	for rows.Next() {
		var a domain.Action
		var typ, prio, status, createdAt string
		if err := rows.Scan(&a.ID, &a.RunID, &a.EquipmentID, &typ, &prio, &status, &a.FaultType, &a.Description, &a.SolutionID, &a.TicketID, &a.SetpointDelta, &createdAt); err != nil {
			return nil, err
		}
		a.Type = domain.ActionType(typ)
		a.Priority = domain.Priority(prio)
		a.Status = domain.ActionStatus(status)
		if a.CreatedAt, err = time.Parse(tsLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for action %s: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Stats ---

// Stats returns row counts for the corpus and the audit trail.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM fault_patterns`, &st.Patterns},
		{`SELECT COUNT(*) FROM solutions`, &st.Solutions},
		{`SELECT COUNT(*) FROM snapshot_embeddings`, &st.Embeddings},
		{`SELECT COUNT(*) FROM inferences`, &st.Inferences},
		{`SELECT COUNT(*) FROM workflow_runs`, &st.Runs},
		{`SELECT COUNT(*) FROM actions`, &st.Actions},
		{`SELECT COUNT(*) FROM jobs WHERE status = 'pending'`, &st.PendingJobs},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return Stats{}, fmt.Errorf("counting rows: %w", err)
		}
	}
	return st, nil
}
