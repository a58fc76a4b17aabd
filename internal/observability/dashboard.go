package observability

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/httputil"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

// HealthSource supplies recent health records, oldest first.
type HealthSource interface {
	Records() []vaod.HealthRecord
	Total() uint64
}

// Dashboard renders recent cycle health as ECharts line charts.
type Dashboard struct {
	src HealthSource
	now func() time.Time
}

// NewDashboard returns a dashboard over src.
func NewDashboard(src HealthSource) *Dashboard {
	return &Dashboard{src: src, now: time.Now}
}

// AttachAdminRoutes registers /debug/vaod (charts) and /debug/vaod-health
// (JSON) on mux.
func (d *Dashboard) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("vaod", "estimator health charts", d.handleCharts)
	debug.HandleSilentFunc("vaod-health", d.handleJSON)
}

// HealthSummary is the JSON form of the dashboard.
type HealthSummary struct {
	Total   uint64             `json:"total"`
	Records []HealthRecordJSON `json:"records"`
}

// HealthRecordJSON is one cycle in HealthSummary. Non-finite values are
// reported as -1.
type HealthRecordJSON struct {
	Sequence       uint64   `json:"sequence"`
	FrameTimestamp int64    `json:"frame_timestamp"`
	LatencyMillis  float64  `json:"latency_ms"`
	Features       int      `json:"features"`
	Applied        int      `json:"applied"`
	Rejected       int      `json:"rejected"`
	Unassociated   int      `json:"unassociated"`
	ResidualRMS    float64  `json:"residual_rms"`
	Mode           string   `json:"mode"`
	AttitudeSigma  float64  `json:"attitude_sigma"`
	PositionSigma  float64  `json:"position_sigma"`
	StageTimeouts  []string `json:"stage_timeouts,omitempty"`
	Skipped        string   `json:"skipped,omitempty"`
	Truncated      bool     `json:"truncated,omitempty"`
}

func (d *Dashboard) records(r *http.Request) ([]vaod.HealthRecord, error) {
	recs := d.src.Records()
	last := r.URL.Query().Get("last")
	if last == "" {
		return recs, nil
	}
	n, err := strconv.Atoi(last)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("last must be a positive integer, got %q", last)
	}
	if n < len(recs) {
		recs = recs[len(recs)-n:]
	}
	return recs, nil
}

func (d *Dashboard) handleJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	recs, err := d.records(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	out := HealthSummary{Total: d.src.Total(), Records: make([]HealthRecordJSON, 0, len(recs))}
	for _, rec := range recs {
		out.Records = append(out.Records, HealthRecordJSON{
			Sequence:       rec.Sequence,
			FrameTimestamp: rec.FrameTimestamp,
			LatencyMillis:  float64(rec.Latency) / float64(time.Millisecond),
			Features:       rec.FeatureCount,
			Applied:        rec.Applied,
			Rejected:       rec.Rejected,
			Unassociated:   rec.Unassociated,
			ResidualRMS:    finite(rec.ResidualRMS),
			Mode:           rec.Mode.String(),
			AttitudeSigma:  finite(rec.AttitudeSigma),
			PositionSigma:  finite(rec.PositionSigma),
			StageTimeouts:  rec.StageTimeouts,
			Skipped:        rec.Skipped,
			Truncated:      rec.Truncated,
		})
	}
	httputil.WriteJSONOK(w, out)
}

// encoding/json refuses NaN and Inf.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return -1
	}
	return v
}

func (d *Dashboard) handleCharts(w http.ResponseWriter, r *http.Request) {
	recs, err := d.records(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if len(recs) == 0 {
		httputil.NotFound(w, "no health records yet")
		return
	}

	x := make([]string, len(recs))
	var (
		attDeg, posM, resid, latency []opts.LineData
		features, applied, rejected  []opts.LineData
		modes                        []opts.LineData
	)
	for i, rec := range recs {
		x[i] = strconv.FormatUint(rec.Sequence, 10)
		if rec.Skipped != "" {
			// Gaps instead of zeros for cycles that never reached the filter.
			attDeg = append(attDeg, opts.LineData{Value: "-"})
			posM = append(posM, opts.LineData{Value: "-"})
			resid = append(resid, opts.LineData{Value: "-"})
			latency = append(latency, opts.LineData{Value: "-"})
		} else {
			attDeg = append(attDeg, opts.LineData{Value: finite(rec.AttitudeSigma * 180 / math.Pi)})
			posM = append(posM, opts.LineData{Value: finite(rec.PositionSigma)})
			resid = append(resid, opts.LineData{Value: finite(rec.ResidualRMS)})
			latency = append(latency, opts.LineData{Value: float64(rec.Latency) / float64(time.Millisecond)})
		}
		features = append(features, opts.LineData{Value: rec.FeatureCount})
		applied = append(applied, opts.LineData{Value: rec.Applied})
		rejected = append(rejected, opts.LineData{Value: rec.Rejected})
		modes = append(modes, opts.LineData{Value: int(rec.Mode), Name: rec.Mode.String()})
	}
	subtitle := fmt.Sprintf("cycles %s..%s of %d, %s", x[0], x[len(x)-1], d.src.Total(), d.now().UTC().Format(time.RFC3339))

	sigma := newLine("Attitude 1σ (deg)", subtitle, x)
	sigma.AddSeries("attitude", attDeg)

	pos := newLine("Position 1σ (m)", subtitle, x)
	pos.AddSeries("position", posM)

	res := newLine("Innovation residual RMS", subtitle, x)
	res.AddSeries("residual", resid)

	meas := newLine("Measurements", subtitle, x)
	meas.AddSeries("features", features).
		AddSeries("applied", applied).
		AddSeries("rejected", rejected)

	lat := newLine("Cycle latency (ms)", subtitle, x)
	lat.AddSeries("latency", latency)

	mode := newLine("Filter mode (0 INIT, 1 ACQUIRING, 2 TRACKING, 3 DEGRADED, 4 LOST)", subtitle, x)
	mode.AddSeries("mode", modes)

	page := components.NewPage()
	page.PageTitle = "VAOD health"
	page.AddCharts(sigma, pos, res, meas, lat, mode)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func newLine(title, subtitle string, x []string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.SetXAxis(x)
	return line
}
