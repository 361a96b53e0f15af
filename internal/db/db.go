// Package db stores simulation runs in sqlite: one row per run, the
// convergence history, and compressed field snapshots.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/lattice.flow/internal/simerr"
	"github.com/banshee-data/lattice.flow/internal/solver"
	"github.com/banshee-data/lattice.flow/internal/timeutil"
)

// ErrNotFound is returned when a run or snapshot does not exist.
var ErrNotFound = errors.New("not found")

type DB struct {
	*sql.DB
	path  string
	clock timeutil.Clock
}

// Open opens (creating if needed) the sqlite database at path and applies
// pending migrations.
func Open(path string) (*DB, error) {
	return OpenWithClock(path, timeutil.RealClock{})
}

// OpenWithClock is Open with the clock that stamps run start and finish
// times. A nil clock uses the real one.
func OpenWithClock(path string, clock timeutil.Clock) (*DB, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w: %w", path, simerr.ErrIO, err)
	}
	// sqlite allows one writer.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w: %w", pragma, simerr.ErrIO, err)
		}
	}

	db := &DB{DB: sqlDB, path: path, clock: clock}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("%w: %w", simerr.ErrIO, err)
	}
	logs.Opsf("opened run database %s", path)
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Run is one row of the runs table.
type Run struct {
	ID           string
	Started      time.Time
	Finished     *time.Time
	Version      string
	ConfigJSON   string
	GeometryPath string
	NX, NY, NZ   int
	Tau          float64
	State        string
	Iterations   int
	Residual     *float64
	MLUPS        *float64
	ErrorKind    string
	ErrorMessage string
}

// nullable maps non-finite values to NULL; sqlite has no portable
// representation for them.
func nullable(f float64) sql.NullFloat64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

func ptr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// CreateRun inserts r with a fresh ID, state running and the current time
// unless r.Started is set. It returns the ID.
func (db *DB) CreateRun(ctx context.Context, r Run) (string, error) {
	r.ID = uuid.New().String()
	if r.Started.IsZero() {
		r.Started = db.clock.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_unix_ns, version, config_json, geometry_path, nx, ny, nz, tau, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Started.UnixNano(), r.Version, r.ConfigJSON, r.GeometryPath, r.NX, r.NY, r.NZ, r.Tau, solver.Running.String())
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return r.ID, nil
}

// FinishRun records the outcome of a run. runErr may be nil.
func (db *DB) FinishRun(ctx context.Context, id string, res solver.Result, runErr error) error {
	var msg string
	if runErr != nil {
		msg = runErr.Error()
	}
	out, err := db.ExecContext(ctx, `
		UPDATE runs
		SET finished_unix_ns = ?, state = ?, iterations = ?, residual = ?, mlups = ?, error_kind = ?, error_message = ?
		WHERE run_id = ?`,
		db.clock.Now().UnixNano(), res.State.String(), res.Iterations, nullable(res.Residual), nullable(res.MLUPS),
		simerr.Kind(runErr), msg, id)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

const runColumns = `run_id, started_unix_ns, finished_unix_ns, version, config_json, geometry_path,
	nx, ny, nz, tau, state, iterations, residual, mlups, error_kind, error_message`

func scanRun(sc interface{ Scan(...any) error }) (Run, error) {
	var r Run
	var started int64
	var finished sql.NullInt64
	var residual, mlups sql.NullFloat64
	err := sc.Scan(&r.ID, &started, &finished, &r.Version, &r.ConfigJSON, &r.GeometryPath,
		&r.NX, &r.NY, &r.NZ, &r.Tau, &r.State, &r.Iterations, &residual, &mlups, &r.ErrorKind, &r.ErrorMessage)
	if err != nil {
		return Run{}, err
	}
	r.Started = time.Unix(0, started)
	if finished.Valid {
		t := time.Unix(0, finished.Int64)
		r.Finished = &t
	}
	r.Residual, r.MLUPS = ptr(residual), ptr(mlups)
	return r, nil
}

// GetRun returns one run by ID.
func (db *DB) GetRun(ctx context.Context, id string) (Run, error) {
	row := db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to read run %s: %w", id, err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first, at most limit of them.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_unix_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ProgressRow is one convergence checkpoint of a run.
type ProgressRow struct {
	Iteration   int
	State       string
	Residual    *float64
	Fallbacks   int
	MaxSpeed    float64
	MeanDensity float64
	MLUPS       float64
	Elapsed     time.Duration
}

// InsertProgress records a checkpoint. A repeated iteration replaces the
// earlier row, which happens when the final report follows the last
// checkpoint.
func (db *DB) InsertProgress(ctx context.Context, runID string, p solver.Progress) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO run_progress
			(run_id, iteration, state, residual, fallbacks, max_speed, mean_density, mlups, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, p.Iteration, p.State.String(), nullable(p.Residual), p.Fallbacks,
		p.MaxSpeed, p.MeanDensity, p.MLUPS, p.Elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to insert progress for run %s: %w", runID, err)
	}
	return nil
}

// Progress returns the checkpoints of a run in iteration order.
func (db *DB) Progress(ctx context.Context, runID string) ([]ProgressRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT iteration, state, residual, fallbacks, max_speed, mean_density, mlups, elapsed_ms
		FROM run_progress WHERE run_id = ? ORDER BY iteration`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress: %w", err)
	}
	defer rows.Close()

	var out []ProgressRow
	for rows.Next() {
		var p ProgressRow
		var residual sql.NullFloat64
		var elapsedMS int64
		if err := rows.Scan(&p.Iteration, &p.State, &residual, &p.Fallbacks, &p.MaxSpeed, &p.MeanDensity, &p.MLUPS, &elapsedMS); err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		p.Residual = ptr(residual)
		p.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, p)
	}
	return out, rows.Err()
}
