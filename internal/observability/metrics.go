package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

// Collector bundles the Prometheus metrics of one estimator process. It is
// a health and fault sink for the supervisor and can instrument the gRPC
// state service.
type Collector struct {
	gatherer prometheus.Gatherer

	Cycles        prometheus.Counter
	CycleLatency  prometheus.Histogram
	Features      prometheus.Gauge
	Measurements  *prometheus.CounterVec
	ResidualRMS   prometheus.Gauge
	Mode          *prometheus.GaugeVec
	AttitudeSigma prometheus.Gauge
	PositionSigma prometheus.Gauge
	StageTimeouts *prometheus.CounterVec
	Skipped       *prometheus.CounterVec
	Truncated     prometheus.Counter
	Faults        *prometheus.CounterVec

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil. Registering twice against the same registry returns
// the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &Collector{gatherer: gatherer}
	var err error

	if c.Cycles, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vaod_cycles_total",
		Help: "Supervisor cycles completed or abandoned.",
	})); err != nil {
		return nil, err
	}
	if c.CycleLatency, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vaod_cycle_latency_seconds",
		Help:    "Time from frame arrival to published estimate.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.3, 0.5, 1},
	})); err != nil {
		return nil, err
	}
	if c.Features, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vaod_features",
		Help: "Observations extracted from the last frame.",
	})); err != nil {
		return nil, err
	}
	if c.Measurements, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaod_measurements_total",
		Help: "Measurements by outcome: applied, rejected at the gate, or unassociated.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if c.ResidualRMS, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vaod_residual_rms",
		Help: "RMS of normalised innovations over the last update.",
	})); err != nil {
		return nil, err
	}
	if c.Mode, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vaod_filter_mode",
		Help: "1 for the filter's current mode, 0 for the others.",
	}, []string{"mode"})); err != nil {
		return nil, err
	}
	if c.AttitudeSigma, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vaod_attitude_sigma_radians",
		Help: "Largest 1-sigma attitude error.",
	})); err != nil {
		return nil, err
	}
	if c.PositionSigma, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vaod_position_sigma_meters",
		Help: "Largest 1-sigma position error.",
	})); err != nil {
		return nil, err
	}
	if c.StageTimeouts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaod_stage_timeouts_total",
		Help: "Pipeline stages that overran their budget.",
	}, []string{"stage"})); err != nil {
		return nil, err
	}
	if c.Skipped, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaod_skipped_cycles_total",
		Help: "Cycles abandoned before reaching the filter.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if c.Truncated, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vaod_extraction_truncated_total",
		Help: "Frames whose feature extraction ran out of budget.",
	})); err != nil {
		return nil, err
	}
	if c.Faults, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaod_faults_total",
		Help: "Fault signals raised, labelled by kind and safe-mode.",
	}, []string{"kind", "safe_mode"})); err != nil {
		return nil, err
	}
	if c.RPCRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaod_grpc_requests_total",
		Help: "Handled state service RPCs, labelled by method and gRPC status code.",
	}, []string{"method", "code"})); err != nil {
		return nil, err
	}
	if c.RPCDurations, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vaod_grpc_request_duration_seconds",
		Help:    "State service RPC latency in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"method"})); err != nil {
		return nil, err
	}
	for i := vaod.ModeInit; i <= vaod.ModeLost; i++ {
		c.Mode.WithLabelValues(i.String()).Set(0)
	}
	return c, nil
}

// RecordHealth updates the metrics from one cycle.
func (c *Collector) RecordHealth(_ context.Context, rec vaod.HealthRecord) error {
	if c == nil {
		return nil
	}
	c.Cycles.Inc()
	for _, stage := range rec.StageTimeouts {
		c.StageTimeouts.WithLabelValues(stage).Inc()
	}
	if rec.Truncated {
		c.Truncated.Inc()
	}
	if rec.Skipped != "" {
		c.Skipped.WithLabelValues(rec.Skipped).Inc()
		return nil
	}
	c.CycleLatency.Observe(rec.Latency.Seconds())
	c.Features.Set(float64(rec.FeatureCount))
	c.Measurements.WithLabelValues("applied").Add(float64(rec.Applied))
	c.Measurements.WithLabelValues("rejected").Add(float64(rec.Rejected))
	c.Measurements.WithLabelValues("unassociated").Add(float64(rec.Unassociated))
	c.ResidualRMS.Set(rec.ResidualRMS)
	c.AttitudeSigma.Set(rec.AttitudeSigma)
	c.PositionSigma.Set(rec.PositionSigma)
	for m := vaod.ModeInit; m <= vaod.ModeLost; m++ {
		v := 0.0
		if m == rec.Mode {
			v = 1
		}
		c.Mode.WithLabelValues(m.String()).Set(v)
	}
	return nil
}

// RecordFault counts a fault signal.
func (c *Collector) RecordFault(_ context.Context, sig vaod.FaultSignal) error {
	if c == nil {
		return nil
	}
	safe := "false"
	if sig.SafeMode {
		safe = "true"
	}
	c.Faults.WithLabelValues(sig.Kind.String(), safe).Inc()
	return nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *Collector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if c == nil {
			return resp, err
		}
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		method := MethodName(fullMethod)
		c.RPCRequests.WithLabelValues(method, status.Code(err).String()).Inc()
		c.RPCDurations.WithLabelValues(method).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// StreamServerInterceptor counts streaming RPCs when they end.
func (c *Collector) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		if c == nil {
			return err
		}
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		method := MethodName(fullMethod)
		c.RPCRequests.WithLabelValues(method, status.Code(err).String()).Inc()
		c.RPCDurations.WithLabelValues(method).Observe(time.Since(start).Seconds())
		return err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// MethodName returns the last element of a fully-qualified gRPC method, or
// "unknown".
func MethodName(fullMethod string) string {
	fullMethod = strings.TrimSuffix(fullMethod, "/")
	if i := strings.LastIndex(fullMethod, "/"); i >= 0 {
		fullMethod = fullMethod[i+1:]
	}
	if fullMethod == "" {
		return "unknown"
	}
	return fullMethod
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return c, err
		}
		existing, ok := are.ExistingCollector.(C)
		if !ok {
			return c, fmt.Errorf("collector %T already registered with incompatible type", c)
		}
		return existing, nil
	}
	return c, nil
}
