package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/security"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/storage/sqlite"
)

var ErrNoCycles = errors.New("run has no processed cycles")

var (
	blue   = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	orange = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	green  = color.RGBA{R: 44, G: 160, B: 44, A: 255}
	red    = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// series holds one run's health history against seconds since the first
// frame. Skipped cycles and non-finite values are left out.
type series struct {
	attitudeDeg, positionKm plotter.XYs
	residual                plotter.XYs
	applied, rejected       plotter.XYs
	modes                   plotter.XYs
}

func collect(recs []vaod.HealthRecord) series {
	var s series
	var t0 int64
	first := true
	for _, r := range recs {
		if r.Skipped != "" {
			continue
		}
		if first {
			t0, first = r.FrameTimestamp, false
		}
		x := float64(r.FrameTimestamp-t0) / 1e9
		if finite(r.AttitudeSigma) {
			s.attitudeDeg = append(s.attitudeDeg, plotter.XY{X: x, Y: r.AttitudeSigma * 180 / math.Pi})
		}
		if finite(r.PositionSigma) {
			s.positionKm = append(s.positionKm, plotter.XY{X: x, Y: r.PositionSigma / 1e3})
		}
		if finite(r.ResidualRMS) && r.Applied > 0 {
			s.residual = append(s.residual, plotter.XY{X: x, Y: r.ResidualRMS})
		}
		s.applied = append(s.applied, plotter.XY{X: x, Y: float64(r.Applied)})
		s.rejected = append(s.rejected, plotter.XY{X: x, Y: float64(r.Rejected)})
		s.modes = append(s.modes, plotter.XY{X: x, Y: float64(r.Mode)})
	}
	return s
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// PlotRun writes sigma.png and residuals.png for runID into a per-run
// directory under outDir and returns their paths. An empty runID plots the
// most recent run.
func PlotRun(ctx context.Context, database *sql.DB, runID, outDir string) ([]string, error) {
	runs := sqlite.NewRunStore(database)
	if runID == "" {
		latest, err := runs.List(ctx, 1)
		if err != nil {
			return nil, err
		}
		if len(latest) == 0 {
			return nil, errors.New("no runs recorded")
		}
		runID = latest[0].RunID
	}
	run, err := runs.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	recs, err := sqlite.NewHealthLog(database, runID).Health(ctx, runID)
	if err != nil {
		return nil, err
	}
	s := collect(recs)
	if len(s.modes) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNoCycles)
	}

	outDir = filepath.Join(outDir, security.SafeName(run.Source)+"-"+shortID(runID))
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	title := fmt.Sprintf("%s (%s)", run.Source, shortID(runID))

	sigmaFile := filepath.Join(outDir, "sigma.png")
	if err := savePlots(sigmaFile,
		linePlot(title+" attitude 1σ", "deg", true, named{"attitude", s.attitudeDeg, blue}),
		linePlot("position 1σ", "km", true, named{"position", s.positionKm, orange}),
		linePlot("filter mode", "0 INIT .. 4 LOST", false, named{"mode", s.modes, green}),
	); err != nil {
		return nil, err
	}
	residFile := filepath.Join(outDir, "residuals.png")
	if err := savePlots(residFile,
		linePlot(title+" innovation RMS", "σ", false, named{"residual", s.residual, blue}),
		linePlot("measurements", "count", false,
			named{"applied", s.applied, green},
			named{"rejected", s.rejected, red}),
	); err != nil {
		return nil, err
	}
	return []string{sigmaFile, residFile}, nil
}

type named struct {
	name string
	xys  plotter.XYs
	col  color.Color
}

func linePlot(title, yLabel string, logY bool, lines ...named) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "time since first frame (s)"
	p.Y.Label.Text = yLabel
	// Log axes need strictly positive data.
	positive, n := logY, 0
	for _, l := range lines {
		n += len(l.xys)
		for _, pt := range l.xys {
			if pt.Y <= 0 {
				positive = false
			}
		}
	}
	positive = positive && n > 0
	if positive {
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{}
	}
	for _, l := range lines {
		if len(l.xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(l.xys)
		if err != nil {
			continue
		}
		line.Width = vg.Points(1)
		line.Color = l.col
		p.Add(line)
		p.Legend.Add(l.name, line)
	}
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p
}

// savePlots stacks plots vertically into one PNG.
func savePlots(path string, plots ...*plot.Plot) error {
	const width, rowHeight = 14 * vg.Inch, 4 * vg.Inch
	img := vgimg.New(width, rowHeight*vg.Length(len(plots)))
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: len(plots), Cols: 1, PadY: vg.Points(8)}
	grid := make([][]*plot.Plot, len(plots))
	for i, p := range plots {
		grid[i] = []*plot.Plot{p}
	}
	canvases := plot.Align(grid, tiles, dc)
	for i, p := range plots {
		p.Draw(canvases[i][0])
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
