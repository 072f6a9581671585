package peerlink

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// MediaSource is the local camera stream. It is acquired once per run and
// shared by every link of that run.
type MediaSource interface {
	// Ready is closed once Tracks can be attached
	Ready() <-chan struct{}
	Tracks() []webrtc.TrackLocal
	// Release gives the stream back at the end of the run
	Release()
}

// StaticMedia is a media source whose readiness is signalled by its owner.
// The duelist client uses it to stand in for the camera pipeline.
type StaticMedia struct {
	ready  chan struct{}
	once   sync.Once
	tracks []webrtc.TrackLocal

	mu       sync.Mutex
	released bool
}

var _ MediaSource = (*StaticMedia)(nil)

// NewStaticMedia builds a source with one VP8 video track
func NewStaticMedia(streamID string) (*StaticMedia, error) {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		streamID,
	)
	if err != nil {
		return nil, err
	}
	return &StaticMedia{
		ready:  make(chan struct{}),
		tracks: []webrtc.TrackLocal{video},
	}, nil
}

// MarkReady releases every negotiation waiting on this source
func (s *StaticMedia) MarkReady() {
	s.once.Do(func() { close(s.ready) })
}

func (s *StaticMedia) Ready() <-chan struct{} {
	return s.ready
}

// Tracks returns nil once the source has been released
func (s *StaticMedia) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	return s.tracks
}

func (s *StaticMedia) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
}

// Released reports whether Release has been called
func (s *StaticMedia) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
