package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all numeric gates of the pipeline.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig holds every threshold, gate and timeout of the VAOD
// pipeline. Fields are pointers so that a partial file only overrides what
// it names; the Get* methods supply the defaults.
type TuningConfig struct {
	// Frame source
	FrameTimeout           *string  `json:"frame_timeout,omitempty"` // duration string like "250ms"
	MaxConsecutiveTimeouts *int     `json:"max_consecutive_timeouts,omitempty"`
	SaturationLevel        *float64 `json:"saturation_level,omitempty"`
	SunBlindFraction       *float64 `json:"sun_blind_fraction,omitempty"`

	// Feature extraction
	ExtractBudget      *string  `json:"extract_budget,omitempty"`
	AcceleratorTimeout *string  `json:"accelerator_timeout,omitempty"`
	MinConfidence      *float64 `json:"min_feature_confidence,omitempty"`
	MaxFeatures        *int     `json:"max_features,omitempty"`
	BlurSigma          *float64 `json:"blur_sigma,omitempty"`
	BackgroundStride   *int     `json:"background_stride,omitempty"`
	BackgroundClip     *float64 `json:"background_clip_sigma,omitempty"`
	BackgroundPasses   *int     `json:"background_clip_passes,omitempty"`
	StarThresholdSigma *float64 `json:"star_threshold_sigma,omitempty"`
	StarMinPixels      *int     `json:"star_min_pixels,omitempty"`
	StarMaxPixels      *int     `json:"star_max_pixels,omitempty"`
	StarMaxElongation  *float64 `json:"star_max_elongation,omitempty"`
	StarFullSNR        *float64 `json:"star_full_snr,omitempty"`
	LimbMinContrast    *float64 `json:"limb_min_contrast,omitempty"`
	LimbScanStride     *int     `json:"limb_scan_stride,omitempty"`
	LimbMinRun         *int     `json:"limb_min_run,omitempty"`

	// Measurement model
	PixelSigma        *float64 `json:"pixel_sigma,omitempty"`
	NoiseInflation    *float64 `json:"noise_inflation,omitempty"`
	OffAxisNoiseCoeff *float64 `json:"off_axis_noise_coeff,omitempty"`
	ConfidenceFloor   *float64 `json:"confidence_floor,omitempty"`
	GateSigma         *float64 `json:"gate_sigma,omitempty"`
	MinGatePixels     *float64 `json:"min_gate_pixels,omitempty"`
	MaxGatePixels     *float64 `json:"max_gate_pixels,omitempty"`
	StarIDTolerance   *float64 `json:"star_id_tolerance_rad,omitempty"`
	GyroSigma         *float64 `json:"gyro_sigma,omitempty"`
	MaxInertialAge    *string  `json:"max_inertial_age,omitempty"`
	MaxIdentifyStars  *int     `json:"max_identify_stars,omitempty"`
	MinIdentified     *int     `json:"min_identified,omitempty"`

	// Estimation filter
	ChiSquareProbability    *float64 `json:"chi_square_probability,omitempty"`
	PromoteUpdates          *int     `json:"promote_updates,omitempty"`
	DegradeCycles           *int     `json:"degrade_cycles,omitempty"`
	RecoverUpdates          *int     `json:"recover_updates,omitempty"`
	LostTimeout             *string  `json:"lost_timeout,omitempty"`
	MinMeasurements         *int     `json:"min_measurements,omitempty"`
	ResidualRejectRMS       *float64 `json:"residual_reject_rms,omitempty"`
	TrackingAttitudeSigma   *float64 `json:"tracking_attitude_sigma,omitempty"`
	TrackingPositionSigma   *float64 `json:"tracking_position_sigma,omitempty"`
	DivergenceAttitudeSigma *float64 `json:"divergence_attitude_sigma,omitempty"`
	DivergencePositionSigma *float64 `json:"divergence_position_sigma,omitempty"`
	InitBatches             *int     `json:"init_batches,omitempty"`
	InitMinStars            *int     `json:"init_min_stars,omitempty"`
	InitMinLimbPoints       *int     `json:"init_min_limb_points,omitempty"`
	InitAttitudeSigma       *float64 `json:"init_attitude_sigma,omitempty"`
	InitRateSigma           *float64 `json:"init_rate_sigma,omitempty"`
	InitPositionSigma       *float64 `json:"init_position_sigma,omitempty"`
	InitVelocitySigma       *float64 `json:"init_velocity_sigma,omitempty"`
	InitMaxVelocitySigma    *float64 `json:"init_max_velocity_sigma,omitempty"`
	InitMaxFixes            *int     `json:"init_max_fixes,omitempty"`
	InitMinAltitude         *float64 `json:"init_min_altitude,omitempty"` // m
	InitMaxAltitude         *float64 `json:"init_max_altitude,omitempty"` // m
	ProcessNoiseAttitude    *float64 `json:"process_noise_attitude,omitempty"` // rad²/s
	ProcessNoiseRate        *float64 `json:"process_noise_rate,omitempty"`     // rad²/s³
	ProcessNoiseAccel       *float64 `json:"process_noise_accel,omitempty"`    // m²/s³
	MinCovarianceEigenvalue *float64 `json:"min_covariance_eigenvalue,omitempty"`

	// Propagator
	MaxStep      *string `json:"max_step,omitempty"`
	MaxPredictDt *string `json:"max_predict_dt,omitempty"`
	EnableJ2     *bool   `json:"enable_j2,omitempty"`

	// Supervisor
	CycleDeadline          *string `json:"cycle_deadline,omitempty"`
	StageTimeoutsToDegrade *int    `json:"stage_timeouts_to_degrade,omitempty"`
	StallLimit             *string `json:"stall_limit,omitempty"`
	RestartBackoff         *string `json:"restart_backoff,omitempty"`
	MaxRestarts            *int    `json:"max_restarts,omitempty"`
	TelemetryInterval      *string `json:"telemetry_interval,omitempty"`
	HealthRingSize         *int    `json:"health_ring_size,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil, so
// every getter answers with its built-in default.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
// Fields omitted from the JSON file keep their defaults, so partial
// configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches the current directory and parent directories up to the
// repository root. Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,          // from internal/config/
		"../../../" + DefaultConfigPath,       // from internal/vaod/l5estimation/
		"../../../../" + DefaultConfigPath,    // from internal/vaod/storage/sqlite/
		"../../../../../" + DefaultConfigPath, // even deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that every set value is usable.
func (c *TuningConfig) Validate() error {
	durations := map[string]*string{
		"frame_timeout":       c.FrameTimeout,
		"extract_budget":      c.ExtractBudget,
		"accelerator_timeout": c.AcceleratorTimeout,
		"lost_timeout":        c.LostTimeout,
		"max_inertial_age":    c.MaxInertialAge,
		"max_step":            c.MaxStep,
		"max_predict_dt":      c.MaxPredictDt,
		"cycle_deadline":      c.CycleDeadline,
		"stall_limit":         c.StallLimit,
		"restart_backoff":     c.RestartBackoff,
		"telemetry_interval":  c.TelemetryInterval,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 && name != "restart_backoff" {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	unitInterval := map[string]*float64{
		"saturation_level":       c.SaturationLevel,
		"sun_blind_fraction":     c.SunBlindFraction,
		"min_feature_confidence": c.MinConfidence,
		"confidence_floor":       c.ConfidenceFloor,
	}
	for name, v := range unitInterval {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
	}

	if c.ChiSquareProbability != nil {
		if p := *c.ChiSquareProbability; p <= 0 || p >= 1 {
			return fmt.Errorf("chi_square_probability must be in (0, 1), got %f", p)
		}
	}

	positive := map[string]*float64{
		"blur_sigma":                c.BlurSigma,
		"star_threshold_sigma":      c.StarThresholdSigma,
		"star_max_elongation":       c.StarMaxElongation,
		"star_full_snr":             c.StarFullSNR,
		"pixel_sigma":               c.PixelSigma,
		"noise_inflation":           c.NoiseInflation,
		"gate_sigma":                c.GateSigma,
		"star_id_tolerance_rad":     c.StarIDTolerance,
		"gyro_sigma":                c.GyroSigma,
		"residual_reject_rms":       c.ResidualRejectRMS,
		"tracking_attitude_sigma":   c.TrackingAttitudeSigma,
		"tracking_position_sigma":   c.TrackingPositionSigma,
		"divergence_attitude_sigma": c.DivergenceAttitudeSigma,
		"divergence_position_sigma": c.DivergencePositionSigma,
		"init_attitude_sigma":       c.InitAttitudeSigma,
		"init_rate_sigma":           c.InitRateSigma,
		"init_position_sigma":       c.InitPositionSigma,
		"init_velocity_sigma":       c.InitVelocitySigma,
		"init_max_velocity_sigma":   c.InitMaxVelocitySigma,
		"init_max_altitude":         c.InitMaxAltitude,
		"background_clip_sigma":     c.BackgroundClip,
		"min_covariance_eigenvalue": c.MinCovarianceEigenvalue,
	}
	for name, v := range positive {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %g", name, *v)
		}
	}

	nonNegative := map[string]*float64{
		"off_axis_noise_coeff":   c.OffAxisNoiseCoeff,
		"limb_min_contrast":      c.LimbMinContrast,
		"min_gate_pixels":        c.MinGatePixels,
		"process_noise_attitude": c.ProcessNoiseAttitude,
		"process_noise_rate":     c.ProcessNoiseRate,
		"process_noise_accel":    c.ProcessNoiseAccel,
		"init_min_altitude":      c.InitMinAltitude,
	}
	for name, v := range nonNegative {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %g", name, *v)
		}
	}

	counts := map[string]*int{
		"max_consecutive_timeouts":  c.MaxConsecutiveTimeouts,
		"max_features":              c.MaxFeatures,
		"star_min_pixels":           c.StarMinPixels,
		"star_max_pixels":           c.StarMaxPixels,
		"limb_scan_stride":          c.LimbScanStride,
		"limb_min_run":              c.LimbMinRun,
		"promote_updates":           c.PromoteUpdates,
		"degrade_cycles":            c.DegradeCycles,
		"recover_updates":           c.RecoverUpdates,
		"min_measurements":          c.MinMeasurements,
		"init_batches":              c.InitBatches,
		"init_min_stars":            c.InitMinStars,
		"init_min_limb_points":      c.InitMinLimbPoints,
		"init_max_fixes":            c.InitMaxFixes,
		"background_stride":         c.BackgroundStride,
		"background_clip_passes":    c.BackgroundPasses,
		"max_identify_stars":        c.MaxIdentifyStars,
		"min_identified":            c.MinIdentified,
		"stage_timeouts_to_degrade": c.StageTimeoutsToDegrade,
		"health_ring_size":          c.HealthRingSize,
	}
	for name, v := range counts {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, *v)
		}
	}
	if c.MaxRestarts != nil && *c.MaxRestarts < 0 {
		return fmt.Errorf("max_restarts must be non-negative, got %d", *c.MaxRestarts)
	}

	if c.MaxGatePixels != nil && *c.MaxGatePixels < c.GetMinGatePixels() {
		return fmt.Errorf("max_gate_pixels %g below min_gate_pixels %g", *c.MaxGatePixels, c.GetMinGatePixels())
	}
	if c.StarMaxPixels != nil && *c.StarMaxPixels < c.GetStarMinPixels() {
		return fmt.Errorf("star_max_pixels %d below star_min_pixels %d", *c.StarMaxPixels, c.GetStarMinPixels())
	}
	if c.InitBatches != nil && *c.InitBatches > 2 {
		return fmt.Errorf("init_batches must be 1 or 2, got %d", *c.InitBatches)
	}
	if c.InitMaxFixes != nil && *c.InitMaxFixes < 2 {
		return fmt.Errorf("init_max_fixes must be at least 2, got %d", *c.InitMaxFixes)
	}
	if c.GetInitMaxAltitude() <= c.GetInitMinAltitude() {
		return fmt.Errorf("init_max_altitude %g not above init_min_altitude %g", c.GetInitMaxAltitude(), c.GetInitMinAltitude())
	}
	if c.MinIdentified != nil && *c.MinIdentified < 3 {
		return fmt.Errorf("min_identified must be at least 3, got %d", *c.MinIdentified)
	}
	if c.GetMaxIdentifyStars() < c.GetMinIdentified() {
		return fmt.Errorf("max_identify_stars %d below min_identified %d", c.GetMaxIdentifyStars(), c.GetMinIdentified())
	}
	return nil
}

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func getInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// getDuration parses p, falling back to def on nil, empty or parse error.
func getDuration(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

// Frame source

func (c *TuningConfig) GetFrameTimeout() time.Duration {
	return getDuration(c.FrameTimeout, 250*time.Millisecond)
}
func (c *TuningConfig) GetMaxConsecutiveTimeouts() int { return getInt(c.MaxConsecutiveTimeouts, 3) }
func (c *TuningConfig) GetSaturationLevel() float64    { return getFloat(c.SaturationLevel, 0.98) }
func (c *TuningConfig) GetSunBlindFraction() float64   { return getFloat(c.SunBlindFraction, 0.2) }

// Feature extraction

func (c *TuningConfig) GetExtractBudget() time.Duration {
	return getDuration(c.ExtractBudget, 80*time.Millisecond)
}
func (c *TuningConfig) GetAcceleratorTimeout() time.Duration {
	return getDuration(c.AcceleratorTimeout, 50*time.Millisecond)
}
func (c *TuningConfig) GetMinConfidence() float64      { return getFloat(c.MinConfidence, 0.5) }
func (c *TuningConfig) GetMaxFeatures() int            { return getInt(c.MaxFeatures, 64) }
func (c *TuningConfig) GetBlurSigma() float64          { return getFloat(c.BlurSigma, 0.8) }
func (c *TuningConfig) GetBackgroundStride() int       { return getInt(c.BackgroundStride, 7) }
func (c *TuningConfig) GetBackgroundClip() float64     { return getFloat(c.BackgroundClip, 3) }
func (c *TuningConfig) GetBackgroundPasses() int       { return getInt(c.BackgroundPasses, 5) }
func (c *TuningConfig) GetStarThresholdSigma() float64 { return getFloat(c.StarThresholdSigma, 5) }
func (c *TuningConfig) GetStarMinPixels() int          { return getInt(c.StarMinPixels, 3) }
func (c *TuningConfig) GetStarMaxPixels() int          { return getInt(c.StarMaxPixels, 400) }
func (c *TuningConfig) GetStarMaxElongation() float64  { return getFloat(c.StarMaxElongation, 3) }
func (c *TuningConfig) GetStarFullSNR() float64        { return getFloat(c.StarFullSNR, 30) }
func (c *TuningConfig) GetLimbMinContrast() float64    { return getFloat(c.LimbMinContrast, 0.2) }
func (c *TuningConfig) GetLimbScanStride() int         { return getInt(c.LimbScanStride, 8) }
func (c *TuningConfig) GetLimbMinRun() int             { return getInt(c.LimbMinRun, 12) }

// Measurement model

func (c *TuningConfig) GetPixelSigma() float64        { return getFloat(c.PixelSigma, 0.5) }
func (c *TuningConfig) GetNoiseInflation() float64    { return getFloat(c.NoiseInflation, 1.5) }
func (c *TuningConfig) GetOffAxisNoiseCoeff() float64 { return getFloat(c.OffAxisNoiseCoeff, 0.5) }
func (c *TuningConfig) GetConfidenceFloor() float64   { return getFloat(c.ConfidenceFloor, 0.3) }
func (c *TuningConfig) GetGateSigma() float64         { return getFloat(c.GateSigma, 4) }
func (c *TuningConfig) GetMinGatePixels() float64     { return getFloat(c.MinGatePixels, 3) }
func (c *TuningConfig) GetMaxGatePixels() float64     { return getFloat(c.MaxGatePixels, 80) }
func (c *TuningConfig) GetStarIDTolerance() float64   { return getFloat(c.StarIDTolerance, 5e-4) }
func (c *TuningConfig) GetGyroSigma() float64         { return getFloat(c.GyroSigma, 1e-4) }
func (c *TuningConfig) GetMaxIdentifyStars() int      { return getInt(c.MaxIdentifyStars, 16) }
func (c *TuningConfig) GetMinIdentified() int         { return getInt(c.MinIdentified, 3) }
func (c *TuningConfig) GetMaxInertialAge() time.Duration {
	return getDuration(c.MaxInertialAge, 200*time.Millisecond)
}

// Estimation filter

func (c *TuningConfig) GetChiSquareProbability() float64 {
	return getFloat(c.ChiSquareProbability, 0.999)
}
func (c *TuningConfig) GetPromoteUpdates() int  { return getInt(c.PromoteUpdates, 5) }
func (c *TuningConfig) GetDegradeCycles() int   { return getInt(c.DegradeCycles, 3) }
func (c *TuningConfig) GetRecoverUpdates() int  { return getInt(c.RecoverUpdates, 2) }
func (c *TuningConfig) GetMinMeasurements() int { return getInt(c.MinMeasurements, 3) }
func (c *TuningConfig) GetLostTimeout() time.Duration {
	return getDuration(c.LostTimeout, 30*time.Second)
}
func (c *TuningConfig) GetResidualRejectRMS() float64 { return getFloat(c.ResidualRejectRMS, 3) }
func (c *TuningConfig) GetTrackingAttitudeSigma() float64 {
	return getFloat(c.TrackingAttitudeSigma, 2e-3)
}
func (c *TuningConfig) GetTrackingPositionSigma() float64 {
	return getFloat(c.TrackingPositionSigma, 2000)
}
func (c *TuningConfig) GetDivergenceAttitudeSigma() float64 {
	return getFloat(c.DivergenceAttitudeSigma, 0.5)
}
func (c *TuningConfig) GetDivergencePositionSigma() float64 {
	return getFloat(c.DivergencePositionSigma, 2e5)
}
func (c *TuningConfig) GetInitBatches() int              { return getInt(c.InitBatches, 2) }
func (c *TuningConfig) GetInitMinStars() int             { return getInt(c.InitMinStars, 2) }
func (c *TuningConfig) GetInitMinLimbPoints() int        { return getInt(c.InitMinLimbPoints, 6) }
func (c *TuningConfig) GetInitAttitudeSigma() float64    { return getFloat(c.InitAttitudeSigma, 0.01) }
func (c *TuningConfig) GetInitRateSigma() float64        { return getFloat(c.InitRateSigma, 0.01) }
func (c *TuningConfig) GetInitPositionSigma() float64    { return getFloat(c.InitPositionSigma, 2e4) }
func (c *TuningConfig) GetInitVelocitySigma() float64    { return getFloat(c.InitVelocitySigma, 100) }
func (c *TuningConfig) GetProcessNoiseAttitude() float64 { return getFloat(c.ProcessNoiseAttitude, 1e-12) }
func (c *TuningConfig) GetProcessNoiseRate() float64     { return getFloat(c.ProcessNoiseRate, 1e-10) }
func (c *TuningConfig) GetProcessNoiseAccel() float64    { return getFloat(c.ProcessNoiseAccel, 1e-4) }
func (c *TuningConfig) GetMinCovarianceEigenvalue() float64 {
	return getFloat(c.MinCovarianceEigenvalue, 1e-14)
}

// GetInitMaxVelocitySigma bounds the RSS velocity 1σ of a fix-derived
// initial state. Roughly LEO orbital speed: beyond it the fixes say nothing
// useful about velocity.
func (c *TuningConfig) GetInitMaxVelocitySigma() float64 {
	return getFloat(c.InitMaxVelocitySigma, 8000)
}
func (c *TuningConfig) GetInitMaxFixes() int        { return getInt(c.InitMaxFixes, 32) }
func (c *TuningConfig) GetInitMinAltitude() float64 { return getFloat(c.InitMinAltitude, 100e3) }
func (c *TuningConfig) GetInitMaxAltitude() float64 { return getFloat(c.InitMaxAltitude, 50000e3) }

// Propagator

func (c *TuningConfig) GetMaxStep() time.Duration { return getDuration(c.MaxStep, 10*time.Second) }
func (c *TuningConfig) GetMaxPredictDt() time.Duration {
	return getDuration(c.MaxPredictDt, 300*time.Second)
}
func (c *TuningConfig) GetEnableJ2() bool {
	if c.EnableJ2 == nil {
		return true
	}
	return *c.EnableJ2
}

// Supervisor

func (c *TuningConfig) GetCycleDeadline() time.Duration {
	return getDuration(c.CycleDeadline, 500*time.Millisecond)
}
func (c *TuningConfig) GetStageTimeoutsToDegrade() int { return getInt(c.StageTimeoutsToDegrade, 3) }
func (c *TuningConfig) GetStallLimit() time.Duration {
	return getDuration(c.StallLimit, 5*time.Second)
}
func (c *TuningConfig) GetRestartBackoff() time.Duration {
	return getDuration(c.RestartBackoff, time.Second)
}
func (c *TuningConfig) GetMaxRestarts() int { return getInt(c.MaxRestarts, 5) }
func (c *TuningConfig) GetTelemetryInterval() time.Duration {
	return getDuration(c.TelemetryInterval, time.Second)
}
func (c *TuningConfig) GetHealthRingSize() int { return getInt(c.HealthRingSize, 512) }
