package db

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
)

// ErrUnknownMigrateAction is returned by RunMigrate for an action it does
// not know.
var ErrUnknownMigrateAction = errors.New("unknown migrate action")

// MigrateActions lists the actions RunMigrate accepts, for CLI help.
var MigrateActions = []string{"up", "down", "status", "version", "force", "baseline"}

// RunMigrate performs one `vaod migrate` action and writes a report to w.
// version, force and baseline take the target version as args[0].
func RunMigrate(database *DB, migrations fs.FS, action string, args []string, w io.Writer) error {
	target := func() (int, error) {
		if len(args) < 1 {
			return 0, fmt.Errorf("migrate %s needs a version number", action)
		}
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid version number %q", args[0])
		}
		return v, nil
	}

	switch action {
	case "up":
		if err := database.MigrateUp(migrations); err != nil {
			return err
		}
		fmt.Fprintln(w, "All migrations applied")
	case "down":
		if err := database.MigrateDown(migrations); err != nil {
			return err
		}
		fmt.Fprintln(w, "Rolled back one migration")
	case "status":
	case "version":
		v, err := target()
		if err != nil {
			return err
		}
		if err := database.MigrateTo(migrations, uint(v)); err != nil {
			return err
		}
		fmt.Fprintf(w, "Migrated to version %d\n", v)
	case "force":
		v, err := target()
		if err != nil {
			return err
		}
		if err := database.MigrateForce(migrations, v); err != nil {
			return err
		}
		fmt.Fprintf(w, "Migration version forced to %d\n", v)
	case "baseline":
		v, err := target()
		if err != nil {
			return err
		}
		if err := database.BaselineAtVersion(uint(v)); err != nil {
			return err
		}
		fmt.Fprintf(w, "Database baselined at version %d\n", v)
	default:
		return fmt.Errorf("%w %q", ErrUnknownMigrateAction, action)
	}
	return printMigrationStatus(database, migrations, w)
}

func printMigrationStatus(database *DB, migrations fs.FS, w io.Writer) error {
	s, err := database.MigrationStatus(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Current version: %d\n", s.Current)
	fmt.Fprintf(w, "Latest available: %d\n", s.Latest)
	fmt.Fprintf(w, "Dirty: %v\n", s.Dirty)
	switch {
	case s.Dirty:
		fmt.Fprintln(w, "A migration failed mid-execution. Inspect the database, then run 'vaod migrate force <version>'.")
	case s.Pending() > 0:
		fmt.Fprintf(w, "%d migration(s) pending. Run 'vaod migrate up'.\n", s.Pending())
	}
	return nil
}

// BaselineAtVersion records version in schema_migrations without running
// any migration. It refuses a database that already has a version.
func (db *DB) BaselineAtVersion(version uint) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER NOT NULL,
			dirty INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS version_unique ON schema_migrations (version);
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure schema_migrations table: %w", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("failed to check existing migrations: %w", err)
	}
	if count > 0 {
		return errors.New("database already has migrations applied, cannot baseline")
	}
	if _, err := db.Exec("INSERT INTO schema_migrations (version, dirty) VALUES (?, 0)", version); err != nil {
		return fmt.Errorf("failed to insert baseline version: %w", err)
	}
	return nil
}
