package models

// LightingQuality is reported by the face tracker alongside each frame
type LightingQuality string

const (
	LightingGood LightingQuality = "good"
	LightingPoor LightingQuality = "poor"
)

// FaceFrame is the per-frame output of the face/eye collaborator
type FaceFrame struct {
	LeftOpenness    float64         `json:"leftOpenness"`
	RightOpenness   float64         `json:"rightOpenness"`
	FaceCentered    bool            `json:"faceCentered"`
	LightingQuality LightingQuality `json:"lightingQuality"`
}

// Openness is the lower of the two eye openness values
func (f FaceFrame) Openness() float64 {
	if f.LeftOpenness < f.RightOpenness {
		return f.LeftOpenness
	}
	return f.RightOpenness
}
