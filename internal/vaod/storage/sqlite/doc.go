// Package sqlite contains SQLite repository implementations for VAOD
// domain types: calibrations, TLE sets, runs, and the health, fault and
// state logs written while a run is in progress.
//
// The schema is owned by internal/db migrations. Stores take a *sql.DB so
// tests can use a throwaway database.
package sqlite
