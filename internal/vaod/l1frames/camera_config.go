package l1frames

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CameraSpec is one camera's configuration as stored in camera YAML.
type CameraSpec struct {
	ID             string        `yaml:"id"`
	Width          int           `yaml:"width"`
	Height         int           `yaml:"height"`
	Intrinsics     Intrinsics    `yaml:"intrinsics"`
	Distortion     Distortion    `yaml:"distortion"`
	BodyFromCamera [4]float64    `yaml:"body_from_camera"` // w, x, y, z
	Exposure       time.Duration `yaml:"exposure"`
	Gain           float64       `yaml:"gain"`
	MaxStartupTime time.Duration `yaml:"max_startup_time"`
	Device         string        `yaml:"device,omitempty"`
}

// Intrinsics are pinhole parameters in pixels.
type Intrinsics struct {
	Fx   float64 `yaml:"fx"`
	Fy   float64 `yaml:"fy"`
	Cx   float64 `yaml:"cx"`
	Cy   float64 `yaml:"cy"`
	Skew float64 `yaml:"skew"`
}

// Distortion holds Brown-Conrady coefficients.
type Distortion struct {
	K1 float64 `yaml:"k1"`
	K2 float64 `yaml:"k2"`
	P1 float64 `yaml:"p1"`
	P2 float64 `yaml:"p2"`
}

// CameraConfig is the top-level camera YAML document.
type CameraConfig struct {
	Cameras []CameraSpec `yaml:"cameras"`
}

const maxCameraConfigSize = 1 << 20

// LoadCameraConfig reads and validates a camera YAML file.
func LoadCameraConfig(path string) (*CameraConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, NewCameraError(ConfigurationError, "", err)
	}
	if info.Size() > maxCameraConfigSize {
		return nil, NewCameraError(ConfigurationError, "", fmt.Errorf("%s: %d bytes exceeds limit", path, info.Size()))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewCameraError(ConfigurationError, "", err)
	}
	return ParseCameraConfig(data)
}

// ParseCameraConfig decodes and validates camera YAML.
func ParseCameraConfig(data []byte) (*CameraConfig, error) {
	var cfg CameraConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewCameraError(ConfigurationError, "", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every camera.
func (c *CameraConfig) Validate() error {
	if len(c.Cameras) == 0 {
		return NewCameraError(ConfigurationError, "", errors.New("no cameras"))
	}
	seen := make(map[string]bool)
	for _, cam := range c.Cameras {
		if cam.ID == "" {
			return NewCameraError(ConfigurationError, "", errors.New("camera without id"))
		}
		if seen[cam.ID] {
			return NewCameraError(ConfigurationError, cam.ID, errors.New("duplicate id"))
		}
		seen[cam.ID] = true
		if err := cam.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a single camera.
func (s CameraSpec) Validate() error {
	fail := func(format string, args ...any) error {
		return NewCameraError(ConfigurationError, s.ID, fmt.Errorf(format, args...))
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fail("resolution %dx%d", s.Width, s.Height)
	}
	if s.Intrinsics.Fx <= 0 || s.Intrinsics.Fy <= 0 {
		return fail("focal length %.3f/%.3f", s.Intrinsics.Fx, s.Intrinsics.Fy)
	}
	q := s.BodyFromCamera
	n := q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3]
	if n < 0.5 || n > 1.5 {
		return fail("body_from_camera is not a rotation")
	}
	return nil
}

// Camera returns the spec with the given id.
func (c *CameraConfig) Camera(id string) (CameraSpec, bool) {
	for _, cam := range c.Cameras {
		if cam.ID == id {
			return cam, true
		}
	}
	return CameraSpec{}, false
}
