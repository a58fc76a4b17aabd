package sqlite

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/db"
)

// setupTestDB creates a migrated database in a temp directory.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "vaod.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database.DB
}

func readCameraYAML(t *testing.T) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("..", "..", "..", "..", "config", "camera.yaml"))
	if err != nil {
		t.Fatalf("read camera config: %v", err)
	}
	return b
}
