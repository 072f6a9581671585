package main

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mossy-p/blink-duel/internal/models"
)

// FrameSink receives face-tracker frames
type FrameSink interface {
	ObserveFrame(f models.FaceFrame)
}

// scriptedFrames stands in for the face tracker: eyes stay open until
// blinkAfter has passed, then close for good. A zero blinkAfter never blinks.
type scriptedFrames struct {
	clock      clockwork.Clock
	interval   time.Duration
	blinkAfter time.Duration
}

func (s scriptedFrames) frameAt(elapsed time.Duration) models.FaceFrame {
	f := models.FaceFrame{
		LeftOpenness:    0.85,
		RightOpenness:   0.82,
		FaceCentered:    true,
		LightingQuality: models.LightingGood,
	}
	if s.blinkAfter > 0 && elapsed >= s.blinkAfter {
		f.LeftOpenness, f.RightOpenness = 0.04, 0.06
	}
	return f
}

// run feeds sink until ctx is done
func (s scriptedFrames) run(ctx context.Context, sink FrameSink) {
	start := s.clock.Now()
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.Chan():
			sink.ObserveFrame(s.frameAt(now.Sub(start)))
		}
	}
}
