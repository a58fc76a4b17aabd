package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/monitoring"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l6publish"
)

// StateLog records published estimates in their bus encoding, so a
// downlinked log decodes with the same code as live telemetry.
type StateLog struct {
	db    *sql.DB
	runID string
}

func NewStateLog(db *sql.DB, runID string) *StateLog {
	return &StateLog{db: db, runID: runID}
}

func (l *StateLog) RecordState(ctx context.Context, est vaod.StateEstimate) error {
	packet := l6publish.MarshalPacket(l6publish.NewStatePacket(est, l6publish.ContentAll))
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO state_estimates (run_id, sequence, timestamp, mode, packet) VALUES (?, ?, ?, ?, ?)",
		l.runID, est.Sequence, est.Timestamp, int(est.Mode), packet,
	)
	if err != nil {
		return fmt.Errorf("insert estimate %d: %w", est.Sequence, err)
	}
	return nil
}

// Follow records every estimate pub delivers until ctx is done or the
// publisher closes. Estimates published faster than they are written are
// coalesced to the newest.
func (l *StateLog) Follow(ctx context.Context, pub *l6publish.Publisher) error {
	sub := pub.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case est, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := l.RecordState(ctx, est); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				monitoring.Diagf("[storage] %v", err)
			}
		}
	}
}

// States returns a run's recorded packets in time order.
func (l *StateLog) States(ctx context.Context, runID string) ([]l6publish.StatePacket, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT packet FROM state_estimates WHERE run_id = ? ORDER BY timestamp, rowid", runID)
	if err != nil {
		return nil, fmt.Errorf("list estimates: %w", err)
	}
	defer rows.Close()

	var out []l6publish.StatePacket
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scan estimate: %w", err)
		}
		p, err := l6publish.UnmarshalPacket(b)
		if err != nil {
			return nil, fmt.Errorf("decode estimate: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
