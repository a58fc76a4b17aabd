package sqlite

import (
	"database/sql"
	"errors"
	"math"
)

var (
	ErrNoCalibration = errors.New("no active calibration")
	ErrNoTLE         = errors.New("no TLE stored")
)

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// storableReal maps NaN to +Inf; SQLite binds NaN as NULL.
func storableReal(v float64) float64 {
	if math.IsNaN(v) {
		return math.Inf(1)
	}
	return v
}
