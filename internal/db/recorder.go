package db

import (
	"context"

	"github.com/banshee-data/lattice.flow/internal/solver"
)

// Recorder attaches a run row to a solver. It records every progress
// report and, when used as a sink, every snapshot.
type Recorder struct {
	db    *DB
	runID string
}

// NewRecorder returns a recorder writing to the given run.
func (db *DB) NewRecorder(runID string) *Recorder {
	return &Recorder{db: db, runID: runID}
}

// RunID returns the run being recorded.
func (r *Recorder) RunID() string { return r.runID }

// OnProgress implements solver.Observer. Failures are logged only.
func (r *Recorder) OnProgress(p solver.Progress) {
	if err := r.db.InsertProgress(context.Background(), r.runID, p); err != nil {
		logs.Opsf("progress at iteration %d not recorded: %v", p.Iteration, err)
	}
}

// WriteSnapshot implements solver.SnapshotSink.
func (r *Recorder) WriteSnapshot(ctx context.Context, s *solver.Snapshot) error {
	return r.db.InsertSnapshot(ctx, r.runID, s)
}
