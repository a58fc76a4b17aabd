// Package l3measurements owns Layer 3 (Measurements) of the VAOD pipeline.
//
// Responsibilities: camera geometry (pinhole + Brown-Conrady), the star
// catalog, covariance-derived association gates, Hungarian star
// association, lost-in-space star identification, limb gating and the
// sensor-noise model that turns pixel observations into calibrated
// line-of-sight measurements.
// Key types: Model, CameraModel, Catalog, Calibration.
//
// Dependency rule: L3 may depend on L1, L2 and internal/vaod, but never on
// L4 or above. The estimate it gates against is passed in by the caller.
package l3measurements
