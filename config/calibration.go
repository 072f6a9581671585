package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Calibration is the per-user eyes-closed tuning produced outside the engine
type Calibration struct {
	// Threshold is the openness at or below which an eye counts as closed
	Threshold float64 `yaml:"threshold"`
	// Sustain is how long both eyes must stay closed before it counts as a blink loss
	Sustain time.Duration `yaml:"sustain"`
	// RequireFace ignores frames where the face is not centered
	RequireFace bool `yaml:"require_face"`
}

func DefaultCalibration() Calibration {
	return Calibration{
		Threshold:   0.2,
		Sustain:     100 * time.Millisecond,
		RequireFace: true,
	}
}

// LoadCalibration reads a YAML calibration file. Missing fields keep their defaults.
// An empty path returns the defaults.
func LoadCalibration(path string) (Calibration, error) {
	cal := DefaultCalibration()
	if path == "" {
		return cal, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cal, fmt.Errorf("failed to read calibration file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cal); err != nil {
		return cal, fmt.Errorf("failed to parse calibration: %w", err)
	}

	if cal.Threshold <= 0 || cal.Threshold >= 1 {
		return cal, fmt.Errorf("calibration threshold %v out of range (0,1)", cal.Threshold)
	}
	if cal.Sustain <= 0 {
		return cal, fmt.Errorf("calibration sustain must be positive, got %s", cal.Sustain)
	}
	return cal, nil
}
