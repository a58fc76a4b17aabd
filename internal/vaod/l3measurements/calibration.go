package l3measurements

import (
	"fmt"
	"sort"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
)

// Calibration is the camera geometry and noise model in force. It is
// immutable; updates install a new value.
type Calibration struct {
	Cameras map[string]*CameraModel
	Noise   NoiseModel
	Version uint64
}

// NewCalibration builds camera models for every camera in cfg.
func NewCalibration(cfg *l1frames.CameraConfig, noise NoiseModel, version uint64) (*Calibration, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Calibration{Cameras: make(map[string]*CameraModel, len(cfg.Cameras)), Noise: noise, Version: version}
	for _, spec := range cfg.Cameras {
		cam, err := NewCameraModel(spec)
		if err != nil {
			return nil, err
		}
		c.Cameras[spec.ID] = cam
	}
	return c, nil
}

// Camera returns the model for id.
func (c *Calibration) Camera(id string) (*CameraModel, error) {
	cam, ok := c.Cameras[id]
	if !ok {
		return nil, fmt.Errorf("no calibration for camera %q", id)
	}
	return cam, nil
}

// CameraIDs returns the calibrated camera ids in order.
func (c *Calibration) CameraIDs() []string {
	ids := make([]string, 0, len(c.Cameras))
	for id := range c.Cameras {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MaxHalfFOV returns the widest half field of view of any camera.
func (c *Calibration) MaxHalfFOV() float64 {
	var w float64
	for _, cam := range c.Cameras {
		w = max(w, cam.HalfFOV())
	}
	return w
}
