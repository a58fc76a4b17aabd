package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run is one supervisor lifetime: a live session, a replay or a
// simulation.
type Run struct {
	RunID              string  `json:"run_id"`
	StartedAt          int64   `json:"started_unix_nanos"`
	FinishedAt         *int64  `json:"finished_unix_nanos,omitempty"`
	Source             string  `json:"source"` // "live", "replay:<dir>", "simulate"
	CalibrationVersion *uint64 `json:"calibration_version,omitempty"`
	ParamsJSON         []byte  `json:"params_json,omitempty"`
	Status             string  `json:"status"`
	Error              string  `json:"error,omitempty"`
}

// RunStore provides persistence for runs.
type RunStore struct {
	db *sql.DB
}

func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// Start inserts run. If run.RunID is empty, a new UUID is generated.
func (s *RunStore) Start(ctx context.Context, run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.StartedAt == 0 {
		run.StartedAt = time.Now().UnixNano()
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	var calib sql.NullInt64
	if run.CalibrationVersion != nil {
		calib = sql.NullInt64{Int64: int64(*run.CalibrationVersion), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_unix_nanos, source, calibration_version, params_json, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.StartedAt, run.Source, calib, nullString(string(run.ParamsJSON)), run.Status,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Finish marks the run completed, or failed when runErr is non-nil.
func (s *RunStore) Finish(ctx context.Context, runID string, runErr error) error {
	status, msg := RunCompleted, ""
	if runErr != nil {
		status, msg = RunFailed, runErr.Error()
	}
	now := time.Now().UnixNano()
	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET finished_unix_nanos = ?, status = ?, error = ? WHERE run_id = ?",
		now, status, nullString(msg), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("run %s: %w", runID, sql.ErrNoRows)
	}
	return nil
}

const runColumns = `run_id, started_unix_nanos, finished_unix_nanos, source, calibration_version, params_json, status, error`

// Get returns the run with runID.
func (s *RunStore) Get(ctx context.Context, runID string) (*Run, error) {
	return scanRun(s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE run_id = ?", runID))
}

// List returns up to limit runs, newest first.
func (s *RunStore) List(ctx context.Context, limit int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+" FROM runs ORDER BY started_unix_nanos DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row scanner) (*Run, error) {
	r := &Run{}
	var finished, calib sql.NullInt64
	var params, errMsg sql.NullString
	if err := row.Scan(&r.RunID, &r.StartedAt, &finished, &r.Source, &calib, &params, &r.Status, &errMsg); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if finished.Valid {
		r.FinishedAt = &finished.Int64
	}
	if calib.Valid {
		v := uint64(calib.Int64)
		r.CalibrationVersion = &v
	}
	if params.Valid {
		r.ParamsJSON = []byte(params.String)
	}
	r.Error = errMsg.String
	return r, nil
}
