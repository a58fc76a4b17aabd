// Package l2features owns Layer 2 (Features) of the VAOD pipeline.
//
// Responsibilities: smoothing through an Accelerator, background and noise
// estimation, star centroid detection, Earth limb edge detection, and the
// confidence-ordered observation list handed to L3.
// Key types: Extractor, Observation, Budget, Accelerator.
//
// Dependency rule: L2 may depend on L1 and internal/vaod, but never on L3
// or above. Observations carry pixel coordinates only; nothing here knows
// about camera geometry.
package l2features
