package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

// HealthLog writes one run's health records and fault signals. It
// satisfies the supervisor's HealthSink and FaultSink.
type HealthLog struct {
	db    *sql.DB
	runID string
}

func NewHealthLog(db *sql.DB, runID string) *HealthLog {
	return &HealthLog{db: db, runID: runID}
}

// RunID returns the run the log writes to.
func (l *HealthLog) RunID() string { return l.runID }

func (l *HealthLog) RecordHealth(ctx context.Context, rec vaod.HealthRecord) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO health_records (
			run_id, sequence, frame_ts, latency_ns, feature_count,
			measurement_count, unassociated, applied, rejected, residual_rms,
			mode, attitude_sigma, position_sigma, stage_timeouts, skipped, truncated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.runID, rec.Sequence, rec.FrameTimestamp, int64(rec.Latency), rec.FeatureCount,
		rec.MeasurementCount, rec.Unassociated, rec.Applied, rec.Rejected, storableReal(rec.ResidualRMS),
		int(rec.Mode), storableReal(rec.AttitudeSigma), storableReal(rec.PositionSigma),
		strings.Join(rec.StageTimeouts, ","), rec.Skipped, boolInt(rec.Truncated),
	)
	if err != nil {
		return fmt.Errorf("insert health record %d: %w", rec.Sequence, err)
	}
	return nil
}

func (l *HealthLog) RecordFault(ctx context.Context, sig vaod.FaultSignal) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO fault_signals (fault_id, run_id, timestamp, kind, stage, message, safe_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, l.runID, sig.Timestamp, int(sig.Kind), sig.Stage, sig.Message, boolInt(sig.SafeMode),
	)
	if err != nil {
		return fmt.Errorf("insert fault %s: %w", sig.ID, err)
	}
	return nil
}

// Health returns a run's health records in cycle order.
func (l *HealthLog) Health(ctx context.Context, runID string) ([]vaod.HealthRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT sequence, frame_ts, latency_ns, feature_count, measurement_count,
		       unassociated, applied, rejected, residual_rms, mode,
		       attitude_sigma, position_sigma, stage_timeouts, skipped, truncated
		FROM health_records
		WHERE run_id = ?
		ORDER BY sequence`, runID)
	if err != nil {
		return nil, fmt.Errorf("list health records: %w", err)
	}
	defer rows.Close()

	var out []vaod.HealthRecord
	for rows.Next() {
		var (
			rec       vaod.HealthRecord
			latency   int64
			mode      int
			timeouts  string
			truncated int
		)
		err := rows.Scan(
			&rec.Sequence, &rec.FrameTimestamp, &latency, &rec.FeatureCount, &rec.MeasurementCount,
			&rec.Unassociated, &rec.Applied, &rec.Rejected, &rec.ResidualRMS, &mode,
			&rec.AttitudeSigma, &rec.PositionSigma, &timeouts, &rec.Skipped, &truncated,
		)
		if err != nil {
			return nil, fmt.Errorf("scan health record: %w", err)
		}
		rec.Latency = time.Duration(latency)
		rec.Mode = vaod.FilterMode(mode)
		if timeouts != "" {
			rec.StageTimeouts = strings.Split(timeouts, ",")
		}
		rec.Truncated = truncated != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Faults returns a run's fault signals in time order.
func (l *HealthLog) Faults(ctx context.Context, runID string) ([]vaod.FaultSignal, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT fault_id, timestamp, kind, stage, message, safe_mode
		FROM fault_signals
		WHERE run_id = ?
		ORDER BY timestamp, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("list faults: %w", err)
	}
	defer rows.Close()

	var out []vaod.FaultSignal
	for rows.Next() {
		var sig vaod.FaultSignal
		var kind, safe int
		if err := rows.Scan(&sig.ID, &sig.Timestamp, &kind, &sig.Stage, &sig.Message, &safe); err != nil {
			return nil, fmt.Errorf("scan fault: %w", err)
		}
		sig.Kind = vaod.FaultKind(kind)
		sig.SafeMode = safe != 0
		out = append(out, sig)
	}
	return out, rows.Err()
}
