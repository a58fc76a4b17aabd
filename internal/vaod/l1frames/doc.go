// Package l1frames owns Layer 1 (Frames) of the VAOD pipeline.
//
// Responsibilities: pulling images from a camera driver with bounded waits,
// enforcing strictly increasing capture timestamps, the sun-blind check,
// pooled frame buffers, camera configuration, and the replay driver.
// Key types: Frame, Driver, DriverSource, ReplayDriver, CameraSpec.
//
// Dependency rule: L1 may depend on internal/vaod only, never on L2+.
package l1frames
