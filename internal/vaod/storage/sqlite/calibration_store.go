package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l3measurements"
)

// CalibrationRecord is a stored camera calibration. The camera geometry is
// kept in its YAML form so a record can be exported and re-imported
// unchanged.
type CalibrationRecord struct {
	Version    uint64                    `json:"version"`
	CreatedAt  int64                     `json:"created_unix_nanos"`
	Source     string                    `json:"source"`
	CameraYAML []byte                    `json:"camera_yaml"`
	Noise      l3measurements.NoiseModel `json:"noise"`
	Active     bool                      `json:"active"`
}

// Calibration builds the measurement model's calibration from the record.
func (r *CalibrationRecord) Calibration() (*l3measurements.Calibration, error) {
	cfg, err := l1frames.ParseCameraConfig(r.CameraYAML)
	if err != nil {
		return nil, fmt.Errorf("calibration %d: %w", r.Version, err)
	}
	return l3measurements.NewCalibration(cfg, r.Noise, r.Version)
}

// CalibrationStore provides persistence for camera calibrations. At most
// one calibration is active.
type CalibrationStore struct {
	db *sql.DB
}

func NewCalibrationStore(db *sql.DB) *CalibrationStore {
	return &CalibrationStore{db: db}
}

// Save validates and inserts rec. A zero Version takes the next free
// version; a zero CreatedAt takes the current time. With rec.Active set,
// the previously active calibration is deactivated in the same
// transaction.
func (s *CalibrationStore) Save(ctx context.Context, rec *CalibrationRecord) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixNano()
	}
	noise, err := json.Marshal(rec.Noise)
	if err != nil {
		return fmt.Errorf("encode noise model: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if rec.Version == 0 {
		if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) + 1 FROM calibrations").Scan(&rec.Version); err != nil {
			return fmt.Errorf("next calibration version: %w", err)
		}
	}
	// Validate with the final version so errors name it.
	if _, err := rec.Calibration(); err != nil {
		return err
	}
	if rec.Active {
		if _, err := tx.ExecContext(ctx, "UPDATE calibrations SET active = 0 WHERE active = 1"); err != nil {
			return fmt.Errorf("deactivate calibration: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO calibrations (version, created_unix_nanos, source, camera_yaml, noise_json, active)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Version, rec.CreatedAt, rec.Source, rec.CameraYAML, string(noise), boolInt(rec.Active),
	)
	if err != nil {
		return fmt.Errorf("insert calibration %d: %w", rec.Version, err)
	}
	return tx.Commit()
}

// Import stores camera YAML as a new active calibration and returns the
// calibration built from it.
func (s *CalibrationStore) Import(ctx context.Context, cameraYAML []byte, noise l3measurements.NoiseModel, source string) (*l3measurements.Calibration, error) {
	rec := &CalibrationRecord{
		Source:     source,
		CameraYAML: cameraYAML,
		Noise:      noise,
		Active:     true,
	}
	if err := s.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec.Calibration()
}

// Activate makes version the active calibration.
func (s *CalibrationStore) Activate(ctx context.Context, version uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE calibrations SET active = 0 WHERE active = 1"); err != nil {
		return fmt.Errorf("deactivate calibration: %w", err)
	}
	res, err := tx.ExecContext(ctx, "UPDATE calibrations SET active = 1 WHERE version = ?", version)
	if err != nil {
		return fmt.Errorf("activate calibration %d: %w", version, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("calibration %d: %w", version, sql.ErrNoRows)
	}
	return tx.Commit()
}

const calibrationColumns = `version, created_unix_nanos, source, camera_yaml, noise_json, active`

// Active returns the active calibration, or ErrNoCalibration.
func (s *CalibrationStore) Active(ctx context.Context) (*CalibrationRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+calibrationColumns+" FROM calibrations WHERE active = 1")
	rec, err := scanCalibration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCalibration
	}
	return rec, err
}

// Get returns calibration version.
func (s *CalibrationStore) Get(ctx context.Context, version uint64) (*CalibrationRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+calibrationColumns+" FROM calibrations WHERE version = ?", version)
	return scanCalibration(row)
}

// List returns every stored calibration, newest first.
func (s *CalibrationStore) List(ctx context.Context) ([]*CalibrationRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+calibrationColumns+" FROM calibrations ORDER BY version DESC")
	if err != nil {
		return nil, fmt.Errorf("list calibrations: %w", err)
	}
	defer rows.Close()

	var out []*CalibrationRecord
	for rows.Next() {
		rec, err := scanCalibration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestVersion returns the highest stored version, or 0.
func (s *CalibrationStore) LatestVersion(ctx context.Context) (uint64, error) {
	var v uint64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM calibrations").Scan(&v)
	return v, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCalibration(row scanner) (*CalibrationRecord, error) {
	rec := &CalibrationRecord{}
	var noise string
	var active int
	if err := row.Scan(&rec.Version, &rec.CreatedAt, &rec.Source, &rec.CameraYAML, &noise, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan calibration: %w", err)
	}
	if err := json.Unmarshal([]byte(noise), &rec.Noise); err != nil {
		return nil, fmt.Errorf("calibration %d noise model: %w", rec.Version, err)
	}
	rec.Active = active != 0
	return rec, nil
}
