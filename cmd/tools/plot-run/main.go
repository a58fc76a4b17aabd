// plot-run renders the covariance and innovation history of a recorded run
// as PNG files.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/db"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/security"
)

func main() {
	dbPath := flag.String("db", "vaod.db", "path to the vaod database")
	runID := flag.String("run", "", "run to plot (default: the most recent)")
	outDir := flag.String("out", "plots", "output directory")
	flag.Parse()

	if err := security.ValidateOutputPath(*outDir); err != nil {
		log.Fatalf("-out: %v", err)
	}
	if _, err := os.Stat(*dbPath); err != nil {
		log.Fatalf("DB path %s not accessible: %v", *dbPath, err)
	}
	database, err := db.OpenDB(*dbPath)
	if err != nil {
		log.Fatalf("open %s: %v", *dbPath, err)
	}
	defer database.Close()

	files, err := PlotRun(context.Background(), database.DB, *runID, *outDir)
	if err != nil {
		log.Fatalf("plot failed: %v", err)
	}
	for _, f := range files {
		log.Printf("wrote %s", f)
	}
}
