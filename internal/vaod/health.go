package vaod

import "time"

// HealthRecord summarises one supervisor cycle for diagnostics. The filter
// never reads it.
type HealthRecord struct {
	Sequence         uint64
	FrameTimestamp   int64
	Latency          time.Duration
	FeatureCount     int
	MeasurementCount int // associated measurements offered to the filter
	Unassociated     int
	Applied          int
	Rejected         int // rejected at the filter's chi-squared gate
	ResidualRMS      float64
	Mode             FilterMode
	AttitudeSigma    float64
	PositionSigma    float64
	StageTimeouts    []string
	Skipped          string // non-empty when the cycle was abandoned
	Truncated        bool   // feature extraction ran out of budget
}

// FaultSignal is what the supervisor raises on the bus.
type FaultSignal struct {
	ID        string
	Timestamp int64
	Kind      FaultKind
	Stage     string
	Message   string
	SafeMode  bool
}
