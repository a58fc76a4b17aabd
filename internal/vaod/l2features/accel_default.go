//go:build !gocv

package l2features

// DefaultAccelerator returns the backend compiled into this build.
func DefaultAccelerator() Accelerator { return CPUAccelerator{} }
