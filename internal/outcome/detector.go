package outcome

import (
	"time"

	"github.com/mossy-p/blink-duel/config"
	"github.com/mossy-p/blink-duel/internal/models"
)

// Detector turns per-frame openness into a single eyes-closed-too-long edge
type Detector struct {
	cal         config.Calibration
	closedSince time.Time
	closed      bool
	fired       bool
}

func NewDetector(cal config.Calibration) *Detector {
	return &Detector{cal: cal}
}

// Reset forgets any partial closure; called at the start of every match
func (d *Detector) Reset() {
	d.closed = false
	d.fired = false
	d.closedSince = time.Time{}
}

// EyesClosed reports whether a single frame reads as closed under the calibration
func (d *Detector) EyesClosed(f models.FaceFrame) bool {
	return f.LeftOpenness <= d.cal.Threshold && f.RightOpenness <= d.cal.Threshold
}

// Observe feeds one frame taken at now. It returns true exactly once per match,
// on the frame where the closure has lasted at least the sustain duration.
// Frames without a centered face break a closure when the calibration requires a face.
func (d *Detector) Observe(f models.FaceFrame, now time.Time) bool {
	if d.fired {
		return false
	}
	if d.cal.RequireFace && !f.FaceCentered {
		d.closed = false
		return false
	}
	if !d.EyesClosed(f) {
		d.closed = false
		return false
	}

	if !d.closed {
		d.closed = true
		d.closedSince = now
	}
	if now.Sub(d.closedSince) >= d.cal.Sustain {
		d.fired = true
		return true
	}
	return false
}
