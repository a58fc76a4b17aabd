package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	return c, reg
}

func TestRecordHealth(t *testing.T) {
	c, reg := newTestCollector(t)
	ctx := context.Background()

	rec := vaod.HealthRecord{
		Sequence:      1,
		Latency:       120 * time.Millisecond,
		FeatureCount:  14,
		Applied:       9,
		Rejected:      1,
		Unassociated:  4,
		ResidualRMS:   0.8,
		Mode:          vaod.ModeTracking,
		AttitudeSigma: 1e-3,
		PositionSigma: 250,
		StageTimeouts: []string{"extract"},
		Truncated:     true,
	}
	if err := c.RecordHealth(ctx, rec); err != nil {
		t.Fatalf("RecordHealth: %v", err)
	}
	rec.Sequence = 2
	rec.Mode = vaod.ModeDegraded
	rec.StageTimeouts = nil
	rec.Truncated = false
	if err := c.RecordHealth(ctx, rec); err != nil {
		t.Fatalf("RecordHealth: %v", err)
	}

	if got := testutil.ToFloat64(c.Cycles); got != 2 {
		t.Errorf("vaod_cycles_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Measurements.WithLabelValues("applied")); got != 18 {
		t.Errorf("applied = %v, want 18", got)
	}
	if got := testutil.ToFloat64(c.Measurements.WithLabelValues("rejected")); got != 2 {
		t.Errorf("rejected = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.StageTimeouts.WithLabelValues("extract")); got != 1 {
		t.Errorf("extract timeouts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Truncated); got != 1 {
		t.Errorf("truncated = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.PositionSigma); got != 250 {
		t.Errorf("position sigma = %v, want 250", got)
	}
	if got := testutil.ToFloat64(c.Mode.WithLabelValues("DEGRADED")); got != 1 {
		t.Errorf("DEGRADED = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Mode.WithLabelValues("TRACKING")); got != 0 {
		t.Errorf("TRACKING = %v, want 0 after leaving it", got)
	}
	if n := histogramSampleCount(t, reg, "vaod_cycle_latency_seconds", nil); n != 2 {
		t.Errorf("latency samples = %d, want 2", n)
	}
}

func TestRecordHealthSkippedCycle(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordHealth(context.Background(), vaod.HealthRecord{
		Sequence:     1,
		Skipped:      "sensor_timeout",
		FeatureCount: 99,
		Mode:         vaod.ModeLost,
	})

	if got := testutil.ToFloat64(c.Skipped.WithLabelValues("sensor_timeout")); got != 1 {
		t.Errorf("skipped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Features); got != 0 {
		t.Errorf("features = %v, want untouched 0", got)
	}
	if got := testutil.ToFloat64(c.Mode.WithLabelValues("LOST")); got != 0 {
		t.Errorf("LOST = %v, want untouched 0", got)
	}
	if n := histogramSampleCount(t, reg, "vaod_cycle_latency_seconds", nil); n != 0 {
		t.Errorf("latency samples = %d, want 0", n)
	}
}

func TestRecordFault(t *testing.T) {
	c, _ := newTestCollector(t)
	ctx := context.Background()
	c.RecordFault(ctx, vaod.FaultSignal{Kind: vaod.FaultPipelineStall, SafeMode: true})
	c.RecordFault(ctx, vaod.FaultSignal{Kind: vaod.FaultFilterDivergence})

	if got := testutil.ToFloat64(c.Faults.WithLabelValues(vaod.FaultPipelineStall.String(), "true")); got != 1 {
		t.Errorf("stall faults = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Faults.WithLabelValues(vaod.FaultFilterDivergence.String(), "false")); got != 1 {
		t.Errorf("divergence faults = %v, want 1", got)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	if err := c.RecordHealth(context.Background(), vaod.HealthRecord{}); err != nil {
		t.Errorf("RecordHealth on nil: %v", err)
	}
	if err := c.RecordFault(context.Background(), vaod.FaultSignal{}); err != nil {
		t.Errorf("RecordFault on nil: %v", err)
	}
}

func TestNewCollectorTwiceSharesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("first NewCollector: %v", err)
	}
	b, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("second NewCollector: %v", err)
	}
	a.Cycles.Inc()
	if got := testutil.ToFloat64(b.Cycles); got != 1 {
		t.Errorf("second collector sees %v cycles, want 1", got)
	}
}

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	c, reg := newTestCollector(t)
	interceptor := c.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/vaod.v1.StateService/Latest"}

	_, err := interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.Unavailable, "no estimate yet")
	})

	if got := testutil.ToFloat64(c.RPCRequests.WithLabelValues("Latest", "OK")); got != 1 {
		t.Errorf("OK requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.RPCRequests.WithLabelValues("Latest", "Unavailable")); got != 1 {
		t.Errorf("Unavailable requests = %v, want 1", got)
	}
	if n := histogramSampleCount(t, reg, "vaod_grpc_request_duration_seconds", map[string]string{"method": "Latest"}); n != 2 {
		t.Errorf("duration samples = %d, want 2", n)
	}
}

func TestStreamInterceptorRecordsMetrics(t *testing.T) {
	c, _ := newTestCollector(t)
	interceptor := c.StreamServerInterceptor()
	info := &grpc.StreamServerInfo{FullMethod: "/vaod.v1.StateService/Watch"}

	err := interceptor(nil, nil, info, func(srv any, ss grpc.ServerStream) error {
		return status.Error(codes.Canceled, "client gone")
	})
	if status.Code(err) != codes.Canceled {
		t.Fatalf("err = %v, want Canceled", err)
	}
	if got := testutil.ToFloat64(c.RPCRequests.WithLabelValues("Watch", "Canceled")); got != 1 {
		t.Errorf("Canceled requests = %v, want 1", got)
	}
}

func TestMethodName(t *testing.T) {
	tests := map[string]string{
		"/vaod.v1.StateService/Latest": "Latest",
		"Latest":                       "Latest",
		"/svc/":                        "svc",
		"":                             "unknown",
		"/":                            "unknown",
	}
	for in, want := range tests {
		if got := MethodName(in); got != want {
			t.Errorf("MethodName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMetricsHandler(t *testing.T) {
	c, _ := newTestCollector(t)
	c.RecordHealth(context.Background(), vaod.HealthRecord{Mode: vaod.ModeAcquiring, FeatureCount: 6})

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"vaod_cycles_total 1",
		"vaod_features 6",
		`vaod_filter_mode{mode="ACQUIRING"} 1`,
		`vaod_filter_mode{mode="INIT"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in /metrics output", want)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()
	families, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
