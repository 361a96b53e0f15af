package db

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/lattice.flow/internal/lattice"
	"github.com/banshee-data/lattice.flow/internal/solver"
)

// fieldBlob is the gob payload of a stored snapshot. Pressure and
// vorticity are derived, so only the primary fields are kept.
type fieldBlob struct {
	NX, NY, NZ int
	Spacing    [3]float64
	RefDensity float64
	Velocity   []lattice.Vec3
	Density    []float64
	Types      []lattice.NodeType
}

func encodeSnapshot(s *solver.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(gz)
	err := enc.Encode(fieldBlob{
		NX:         s.NX,
		NY:         s.NY,
		NZ:         s.NZ,
		Spacing:    s.Spacing,
		RefDensity: s.RefDensity,
		Velocity:   s.Velocity,
		Density:    s.Density,
		Types:      s.Types,
	})
	if err != nil {
		gz.Close()
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(iteration int, blob []byte) (*solver.Snapshot, error) {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot blob: %w", err)
	}
	defer gz.Close()

	var f fieldBlob
	if err := gob.NewDecoder(gz).Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot blob: %w", err)
	}
	s := &solver.Snapshot{
		Iteration:  iteration,
		NX:         f.NX,
		NY:         f.NY,
		NZ:         f.NZ,
		Spacing:    f.Spacing,
		RefDensity: f.RefDensity,
		Velocity:   f.Velocity,
		Density:    f.Density,
		Types:      f.Types,
	}
	s.Pressure = make([]float64, len(f.Density))
	for i, rho := range f.Density {
		s.Pressure[i] = rho * lattice.CS2
	}
	return s, nil
}

// InsertSnapshot stores a compressed copy of the snapshot's primary
// fields.
func (db *DB) InsertSnapshot(ctx context.Context, runID string, s *solver.Snapshot) error {
	blob, err := encodeSnapshot(s)
	if err != nil {
		return err
	}
	var maxSpeed, meanDensity float64
	if speed := s.Speed(); len(speed) > 0 {
		maxSpeed = floats.Max(speed)
	}
	if len(s.Density) > 0 {
		meanDensity = floats.Sum(s.Density) / float64(len(s.Density))
	}
	_, err = db.ExecContext(ctx, `
		INSERT OR REPLACE INTO run_snapshots (run_id, iteration, max_speed, mean_density, field_blob)
		VALUES (?, ?, ?, ?, ?)`,
		runID, s.Iteration, maxSpeed, meanDensity, blob)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot %d for run %s: %w", s.Iteration, runID, err)
	}
	logs.Diagf("stored snapshot %d for run %s (%d bytes)", s.Iteration, runID, len(blob))
	return nil
}

// Snapshot loads a stored snapshot. Pressure is recomputed from density;
// vorticity is left empty.
func (db *DB) Snapshot(ctx context.Context, runID string, iteration int) (*solver.Snapshot, error) {
	var blob []byte
	err := db.QueryRowContext(ctx,
		`SELECT field_blob FROM run_snapshots WHERE run_id = ? AND iteration = ?`, runID, iteration).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %d of run %s: %w", iteration, runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return decodeSnapshot(iteration, blob)
}

// SnapshotIterations lists the stored snapshot iterations of a run.
func (db *DB) SnapshotIterations(ctx context.Context, runID string) ([]int, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT iteration FROM run_snapshots WHERE run_id = ? ORDER BY iteration`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var it int
		if err := rows.Scan(&it); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
