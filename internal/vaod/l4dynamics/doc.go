// Package l4dynamics owns Layer 4 (Dynamics) of the VAOD pipeline.
//
// Responsibilities: deterministic propagation of attitude, body rate,
// position and velocity (two-body plus J2, rigid-body kinematics), the
// error-state transition matrix and process noise used by the filter's
// predict step, and the SGP4 orbit prior from a TLE.
// Key types: State, Propagator, Prediction.
//
// Dependency rule: L4 may depend on internal/vaod and internal/config only.
// It keeps no state between calls.
package l4dynamics
