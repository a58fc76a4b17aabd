// Package l5estimation owns Layer 5 (Estimation) of the VAOD pipeline.
//
// Responsibilities: the error-state extended Kalman filter (predict through
// L4, sequential chi-squared gated correction, Joseph-form covariance
// update, regularisation), the filter mode machine, and batch
// initialisation (Wahba attitude, limb-cone position).
// Key types: Filter, Config, Result.
//
// Dependency rule: L5 may depend on L4 and internal/vaod, but never on L6
// or the pipeline. The Filter is owned by a single goroutine.
package l5estimation
