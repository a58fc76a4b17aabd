package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l4dynamics"
)

// TLEStore keeps the TLE sets uploaded for the orbit prior. The newest
// one is in force.
type TLEStore struct {
	db *sql.DB
}

func NewTLEStore(db *sql.DB) *TLEStore {
	return &TLEStore{db: db}
}

// Set validates and stores tle.
func (s *TLEStore) Set(ctx context.Context, tle l4dynamics.TLE) error {
	if err := tle.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tle_sets (line1, line2, created_unix_nanos) VALUES (?, ?, ?)",
		tle.Line1, tle.Line2, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert TLE: %w", err)
	}
	return nil
}

// Latest returns the newest TLE and when it was stored, or ErrNoTLE.
func (s *TLEStore) Latest(ctx context.Context) (l4dynamics.TLE, time.Time, error) {
	var tle l4dynamics.TLE
	var created int64
	err := s.db.QueryRowContext(ctx,
		"SELECT line1, line2, created_unix_nanos FROM tle_sets ORDER BY tle_id DESC LIMIT 1",
	).Scan(&tle.Line1, &tle.Line2, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return l4dynamics.TLE{}, time.Time{}, ErrNoTLE
	}
	if err != nil {
		return l4dynamics.TLE{}, time.Time{}, fmt.Errorf("latest TLE: %w", err)
	}
	return tle, time.Unix(0, created), nil
}
