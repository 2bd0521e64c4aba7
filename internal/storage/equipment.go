package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apollo-nexus/nexus/internal/domain"
)

// --- Equipment registry ---

// UpsertEquipment creates or replaces a registry entry.
func (s *Store) UpsertEquipment(ctx context.Context, e domain.Equipment) error {
	if e.ID == "" {
		return fmt.Errorf("equipment id is required")
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO equipment (id, name, type, location, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, type = excluded.type,
			location = excluded.location, updated_at = excluded.updated_at`,
		e.ID, e.Name, e.Type, e.Location, updated.UTC().Format(time.RFC3339),
	)
	return err
}

// GetEquipment returns a registry entry or ErrNotFound.
func (s *Store) GetEquipment(ctx context.Context, id string) (domain.Equipment, error) {
	var e domain.Equipment
	var updated string
	err := s.db.QueryRowContext(ctx, `SELECT id, name, type, location, updated_at FROM equipment WHERE id = ?`, id).
		Scan(&e.ID, &e.Name, &e.Type, &e.Location, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Equipment{}, ErrNotFound
	}
	if err != nil {
		return domain.Equipment{}, err
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339, updated); err != nil {
		return domain.Equipment{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return e, nil
}

// --- Latest snapshots ---

// SaveSnapshot stores snap as the latest snapshot of its equipment,
// replacing the previous one.
func (s *Store) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	if snap.EquipmentID == "" {
		return fmt.Errorf("%w: equipment id is required", domain.ErrInvalidSnapshot)
	}
	readings, err := json.Marshal(snap.Readings)
	if err != nil {
		return fmt.Errorf("encoding readings: %w", err)
	}
	captured := snap.Timestamp
	if captured.IsZero() {
		captured = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sensor_snapshots (equipment_id, captured_at, readings_json, received_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(equipment_id) DO UPDATE SET captured_at = excluded.captured_at,
			readings_json = excluded.readings_json, received_at = excluded.received_at`,
		snap.EquipmentID, captured.UTC().Format(tsLayout), string(readings),
		time.Now().UTC().Format(tsLayout),
	)
	return err
}

// LatestSnapshots returns the most recent snapshot of every equipment,
// ordered by equipment id.
func (s *Store) LatestSnapshots(ctx context.Context) ([]domain.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT equipment_id, captured_at, readings_json FROM sensor_snapshots ORDER BY equipment_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Snapshot
	for rows.Next() {
		var snap domain.Snapshot
		var captured, readings string
		if err := rows.Scan(&snap.EquipmentID, &captured, &readings); err != nil {
			return nil, err
		}
		if snap.Timestamp, err = time.Parse(tsLayout, captured); err != nil {
			return nil, fmt.Errorf("parsing captured_at for %s: %w", snap.EquipmentID, err)
		}
		if err := json.Unmarshal([]byte(readings), &snap.Readings); err != nil {
			return nil, fmt.Errorf("decoding readings for %s: %w", snap.EquipmentID, err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
